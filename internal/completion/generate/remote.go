package generate

import (
	"context"
	"strings"

	"github.com/tern-sh/tern/internal/completion/ctxbuild"
	"github.com/tern-sh/tern/internal/completion/parse"
	"github.com/tern-sh/tern/internal/completion/probe"
)

// RemoteGenerator proposes completions probed live from the session:
// command names for the first token and directory entries for path
// arguments. Without a session, or when every probe is unavailable, it
// contributes nothing.
type RemoteGenerator struct {
	probes *probe.Executor
	limit  int
}

// NewRemoteGenerator creates a remote generator.
func NewRemoteGenerator(probes *probe.Executor, limit int) *RemoteGenerator {
	if limit <= 0 {
		limit = 20
	}
	return &RemoteGenerator{probes: probes, limit: limit}
}

// Name implements Generator.
func (g *RemoteGenerator) Name() string { return string(SourceRemote) }

// Generate implements Generator.
func (g *RemoteGenerator) Generate(ctx context.Context, cc *ctxbuild.Context) []Candidate {
	if !cc.HasSession || g.probes == nil {
		return nil
	}

	last := parse.LastToken(cc.Input)

	if isFirstToken(cc.Input, last) {
		return g.commandNames(ctx, cc, last)
	}
	if strings.Contains(last, "/") || strings.HasPrefix(last, ".") {
		return g.pathEntries(ctx, cc, last)
	}
	return nil
}

// commandNames completes the command name itself from the remote PATH.
func (g *RemoteGenerator) commandNames(ctx context.Context, cc *ctxbuild.Context, partial string) []Candidate {
	names := g.probes.CommandNames(ctx, cc.SessionID)
	var out []Candidate
	for _, name := range names {
		if len(out) >= g.limit {
			break
		}
		if partial != "" && !strings.HasPrefix(name, partial) {
			continue
		}
		if name == partial {
			continue
		}
		out = append(out, Candidate{
			Text:       name,
			Source:     SourceRemote,
			Confidence: 0.5,
			Reason:     "available command",
		})
	}
	return out
}

// pathEntries completes a path argument against the remote filesystem.
func (g *RemoteGenerator) pathEntries(ctx context.Context, cc *ctxbuild.Context, partial string) []Candidate {
	dir, namePrefix := splitPathPrefix(partial)
	entries := g.probes.ListDirectory(ctx, cc.SessionID, dir)
	base := strings.TrimSuffix(cc.Input, partial)

	var out []Candidate
	for _, entry := range entries {
		if len(out) >= g.limit {
			break
		}
		if namePrefix != "" && !strings.HasPrefix(entry, namePrefix) {
			continue
		}
		full := joinPath(dir, entry)
		if full == partial {
			continue
		}
		out = append(out, Candidate{
			Text:       base + full,
			Source:     SourceRemote,
			Confidence: 0.6,
			Reason:     "directory entry",
		})
	}
	return out
}

// isFirstToken reports whether the trailing token is the command name
// position: nothing committed before it.
func isFirstToken(input, last string) bool {
	if last == "" {
		return strings.TrimSpace(input) == ""
	}
	return strings.TrimSpace(strings.TrimSuffix(input, last)) == ""
}

// splitPathPrefix splits a partial path into the directory to list and
// the entry-name prefix to match. "src/ma" lists "src" matching "ma";
// "./" lists "." matching everything.
func splitPathPrefix(partial string) (dir, namePrefix string) {
	idx := strings.LastIndex(partial, "/")
	if idx < 0 {
		return "", partial
	}
	dir = partial[:idx]
	if dir == "" {
		dir = "/"
	}
	return dir, partial[idx+1:]
}

func joinPath(dir, entry string) string {
	switch dir {
	case "":
		return entry
	case "/":
		return "/" + entry
	default:
		return dir + "/" + entry
	}
}
