package probe

import (
	"context"
	"strings"
)

// WorkingDirectory returns the session's current directory. ok is false
// when the probe was unavailable.
func (e *Executor) WorkingDirectory(ctx context.Context, sessionID string) (string, bool) {
	s := e.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type reply struct {
		dir string
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		dir, err := e.transport.WorkingDirectory(ctx, sessionID)
		ch <- reply{dir, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", false
		}
		return strings.TrimSpace(r.dir), true
	case <-ctx.Done():
		return "", false
	}
}

// Environment returns the session's environment variables. ok is false
// when the probe was unavailable.
func (e *Executor) Environment(ctx context.Context, sessionID string) (map[string]string, bool) {
	s := e.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type reply struct {
		env map[string]string
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		env, err := e.transport.Environment(ctx, sessionID)
		ch <- reply{env, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, false
		}
		return r.env, true
	case <-ctx.Done():
		return nil, false
	}
}

// ListDirectory lists entries in dir (or the current directory when dir
// is empty). Unavailable probes return nil.
func (e *Executor) ListDirectory(ctx context.Context, sessionID, dir string) []string {
	cmd := "ls -1A"
	if dir != "" {
		cmd = "ls -1A -- " + shellQuote(dir)
	}
	res := e.Run(ctx, sessionID, cmd)
	if res.Unavailable || res.ExitCode != 0 {
		return nil
	}
	return splitLines(res.Stdout)
}

// CommandNames enumerates command names available on the remote host.
func (e *Executor) CommandNames(ctx context.Context, sessionID string) []string {
	res := e.Run(ctx, sessionID, "compgen -c | sort -u")
	if res.Unavailable || res.ExitCode != 0 {
		return nil
	}
	return splitLines(res.Stdout)
}

// RecentFiles lists files in the current directory modified within the
// last hour, most recent first.
func (e *Executor) RecentFiles(ctx context.Context, sessionID string) []string {
	res := e.Run(ctx, sessionID, "find . -maxdepth 1 -type f -mmin -60 -printf '%f\\n' 2>/dev/null")
	if res.Unavailable || res.ExitCode != 0 {
		return nil
	}
	return splitLines(res.Stdout)
}

// RunningProcesses lists the names of running processes on the remote.
func (e *Executor) RunningProcesses(ctx context.Context, sessionID string) []string {
	res := e.Run(ctx, sessionID, "ps -eo comm= | sort -u")
	if res.Unavailable || res.ExitCode != 0 {
		return nil
	}
	return splitLines(res.Stdout)
}

// IsVersionControlled reports whether the session's current directory
// is inside a version-controlled tree. Unavailable probes report false.
func (e *Executor) IsVersionControlled(ctx context.Context, sessionID string) bool {
	res := e.Run(ctx, sessionID, "git rev-parse --is-inside-work-tree 2>/dev/null")
	if res.Unavailable {
		return false
	}
	return res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "true"
}

// splitLines splits probe stdout into trimmed, non-empty lines.
func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// shellQuote single-quotes a path for safe interpolation into a probe
// command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
