package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/tern-sh/tern/internal/completion/probe"
)

// localTransport runs probes against the daemon's own host. It stands
// in for a remote session when ternd serves a local shell; each session
// tracks its own working directory as recorded executions report it.
type localTransport struct {
	mu   sync.Mutex
	cwds map[string]string
}

func newLocalTransport() *localTransport {
	return &localTransport{cwds: make(map[string]string)}
}

func (t *localTransport) Execute(ctx context.Context, sessionID, command string) (probe.Output, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.dir(sessionID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := probe.Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return probe.Output{}, err
	}
	return out, nil
}

func (t *localTransport) WorkingDirectory(ctx context.Context, sessionID string) (string, error) {
	return t.dir(sessionID), nil
}

func (t *localTransport) Environment(ctx context.Context, sessionID string) (map[string]string, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// Reconnect is a no-op: there is no connection to a local host.
func (t *localTransport) Reconnect(ctx context.Context, sessionID string) error {
	return nil
}

// SetWorkingDirectory records the session's directory, reported by the
// shell hook alongside each execution.
func (t *localTransport) SetWorkingDirectory(sessionID, dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cwds[sessionID] = dir
}

func (t *localTransport) dir(sessionID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d := t.cwds[sessionID]; d != "" {
		return d
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
