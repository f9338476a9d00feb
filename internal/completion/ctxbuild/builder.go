// Package ctxbuild assembles one consolidated context snapshot for a
// completion request: the parsed input, recent history, remote
// environment state, and the pattern-analyzer outputs in scope. Sources
// are gathered concurrently, each with its own timeout; a slow or
// failed source is excluded from the snapshot rather than stalling it.
package ctxbuild

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tern-sh/tern/internal/completion/parse"
	"github.com/tern-sh/tern/internal/completion/patterns"
	"github.com/tern-sh/tern/internal/completion/probe"
	"github.com/tern-sh/tern/internal/completion/store"
)

// SessionState describes the caller's remote session for one request.
type SessionState struct {
	SessionID   string
	HasSession  bool
	LastCommand string // most recently executed command, "" at session start
}

// EnvState is the probed remote environment. Available is false when
// no probe succeeded; individual fields may be empty when their probe
// failed independently.
type EnvState struct {
	Cwd               string
	VersionControlled bool
	RecentFiles       []string
	Processes         []string
	Vars              map[string]string
	Available         bool
}

// Context is the consolidated snapshot handed to the generators and
// the scorer.
type Context struct {
	Input       string
	Cursor      int
	Parsed      parse.Command
	Recent      []store.HistoryRecord
	Env         EnvState
	User        *patterns.UserPatterns
	ArgPatterns []patterns.ArgumentPattern
	DirCommands []patterns.CommandCount
	Corrections []patterns.ErrorCorrectionPattern
	LastCommand string
	SessionID   string
	HasSession  bool
	Now         time.Time
}

// Options configures the builder.
type Options struct {
	HistoryWindow int           // recent history rows to include
	ProbeTimeout  time.Duration // per-source timeout within the build
	EnvCacheTTL   time.Duration // per-cwd environment snapshot TTL
	Logger        *slog.Logger
}

// DefaultOptions returns the default builder options.
func DefaultOptions() Options {
	return Options{
		HistoryWindow: 50,
		ProbeTimeout:  400 * time.Millisecond,
		EnvCacheTTL:   5 * time.Second,
		Logger:        slog.Default(),
	}
}

// envEntry is one cached environment snapshot.
type envEntry struct {
	env      EnvState
	cachedAt time.Time
}

// Builder assembles completion contexts.
type Builder struct {
	st     *store.Store
	probes *probe.Executor
	user   *patterns.UserPatterns
	args   *patterns.ArgumentAnalyzer
	dirs   *patterns.DirectoryAnalyzer
	fixes  *patterns.CorrectionAnalyzer
	opts   Options

	envMu    sync.Mutex
	envCache map[string]envEntry // keyed by cwd
}

// Dependencies contains the builder's collaborators.
type Dependencies struct {
	Store       *store.Store
	Probes      *probe.Executor
	User        *patterns.UserPatterns
	Arguments   *patterns.ArgumentAnalyzer
	Directories *patterns.DirectoryAnalyzer
	Corrections *patterns.CorrectionAnalyzer
}

// NewBuilder creates a context builder.
func NewBuilder(deps Dependencies, opts Options) *Builder {
	def := DefaultOptions()
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = def.HistoryWindow
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	if opts.EnvCacheTTL <= 0 {
		opts.EnvCacheTTL = def.EnvCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Builder{
		st:       deps.Store,
		probes:   deps.Probes,
		user:     deps.User,
		args:     deps.Arguments,
		dirs:     deps.Directories,
		fixes:    deps.Corrections,
		opts:     opts,
		envCache: make(map[string]envEntry),
	}
}

// Build assembles the context for one completion request. It never
// returns an error: sources that fail or time out simply contribute
// nothing.
func (b *Builder) Build(ctx context.Context, input string, cursor int, session SessionState) Context {
	out := Context{
		Input:       input,
		Cursor:      cursor,
		Parsed:      parse.Parse(input),
		User:        b.user,
		LastCommand: session.LastCommand,
		SessionID:   session.SessionID,
		HasSession:  session.HasSession,
		Now:         time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		recent, err := b.st.Recent(gctx, b.opts.HistoryWindow)
		if err != nil {
			b.opts.Logger.Debug("context: history read failed", "error", err)
			return nil
		}
		out.Recent = recent
		return nil
	})

	if session.HasSession {
		g.Go(func() error {
			out.Env = b.environment(gctx, session.SessionID)
			return nil
		})
	}

	// Waiting here is fine: the goroutines write disjoint fields and
	// the analyzer reads below need the env snapshot's cwd.
	_ = g.Wait()

	if name := out.Parsed.Name; name != "" {
		out.ArgPatterns = b.args.Patterns(name)
	}
	if out.Env.Cwd != "" {
		out.DirCommands = b.dirs.Patterns(out.Env.Cwd)
	}
	out.Corrections = b.fixes.Corrections(input)

	return out
}

// environment returns the env snapshot for the session's cwd, cached
// for a few seconds so rapid keystrokes do not re-probe.
func (b *Builder) environment(ctx context.Context, sessionID string) EnvState {
	probeCtx, cancel := context.WithTimeout(ctx, b.opts.ProbeTimeout)
	defer cancel()

	cwd, ok := b.probes.WorkingDirectory(probeCtx, sessionID)
	if !ok {
		return EnvState{}
	}

	b.envMu.Lock()
	if entry, hit := b.envCache[cwd]; hit && time.Since(entry.cachedAt) < b.opts.EnvCacheTTL {
		b.envMu.Unlock()
		return entry.env
	}
	b.envMu.Unlock()

	env := EnvState{Cwd: cwd, Available: true}

	// Each sub-probe is independently tolerant of failure: a nil or
	// zero result just leaves its field empty.
	var wg sync.WaitGroup
	probeField := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, cancel := context.WithTimeout(ctx, b.opts.ProbeTimeout)
			defer cancel()
			f(c)
		}()
	}

	probeField(func(c context.Context) {
		env.VersionControlled = b.probes.IsVersionControlled(c, sessionID)
	})
	probeField(func(c context.Context) {
		env.RecentFiles = b.probes.RecentFiles(c, sessionID)
	})
	probeField(func(c context.Context) {
		env.Processes = b.probes.RunningProcesses(c, sessionID)
	})
	probeField(func(c context.Context) {
		if vars, ok := b.probes.Environment(c, sessionID); ok {
			env.Vars = vars
		}
	})
	wg.Wait()

	b.envMu.Lock()
	b.envCache[cwd] = envEntry{env: env, cachedAt: time.Now()}
	b.envMu.Unlock()

	return env
}

// InvalidateEnv drops the cached snapshot for cwd, forcing the next
// build to re-probe. Called after a command executes, since it may have
// changed the directory contents.
func (b *Builder) InvalidateEnv(cwd string) {
	b.envMu.Lock()
	defer b.envMu.Unlock()
	delete(b.envCache, cwd)
}
