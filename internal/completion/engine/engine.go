// Package engine is the completion facade: it owns the stores,
// analyzers, generators and ranker, and exposes the four operations the
// client calls. Initialization is asynchronous; callers either wait on
// Ready or handle ErrNotReady. Suggestion requests carry sequence
// numbers so a result computed for an input the user has already typed
// past is dropped instead of flickering onto the screen.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tern-sh/tern/internal/completion/cache"
	"github.com/tern-sh/tern/internal/completion/ctxbuild"
	"github.com/tern-sh/tern/internal/completion/generate"
	"github.com/tern-sh/tern/internal/completion/parse"
	"github.com/tern-sh/tern/internal/completion/patterns"
	"github.com/tern-sh/tern/internal/completion/probe"
	"github.com/tern-sh/tern/internal/completion/rank"
	"github.com/tern-sh/tern/internal/completion/scheduler"
	"github.com/tern-sh/tern/internal/completion/store"
	"github.com/tern-sh/tern/internal/config"
)

// ErrNotReady is returned while the engine is still rebuilding its
// in-memory pattern state from the store.
var ErrNotReady = errors.New("completion engine not ready")

// ErrStale marks a result that was superseded by a newer request
// before it finished. Callers discard it silently.
var ErrStale = errors.New("request superseded")

// Request is one completion request.
type Request struct {
	SessionID   string
	Input       string
	Cursor      int
	HasSession  bool
	LastCommand string // optional override; engine tracks its own
}

// Response is a ranked suggestion list plus request metadata.
type Response struct {
	Suggestions []rank.Suggestion
	Seq         uint64
	FromCache   bool
	Elapsed     time.Duration
}

// Execution reports one executed command back to the engine.
type Execution struct {
	SessionID string
	Command   string
	Cwd       string
	ExitCode  int
	Stderr    string
	Outputs   []string
	At        time.Time
}

// Stats is a snapshot of engine activity.
type Stats struct {
	Requests     uint64
	CacheHits    uint64
	Stale        uint64
	Recorded     uint64
	Acceptances  uint64
	HistoryRows  int
	RebuiltInMs  int64
}

// Engine is the completion facade. One instance per client process.
type Engine struct {
	cfg    config.Config
	st     *store.Store
	probes *probe.Executor
	logger *slog.Logger

	user  *patterns.UserPatterns
	args  *patterns.ArgumentAnalyzer
	dirs  *patterns.DirectoryAnalyzer
	files *patterns.FileTypeAnalyzer
	fixes *patterns.CorrectionAnalyzer

	builder    *ctxbuild.Builder
	generators []generate.Generator
	ranker     *rank.Ranker
	cache      *cache.Cache

	ready   chan struct{}
	initErr atomic.Pointer[error]

	seq atomic.Uint64

	mu       sync.Mutex
	lastCmd  map[string]string             // session id -> last executed command
	current  map[string]sessionSuggestions // session id -> most recent result
	requests uint64
	hits     uint64
	stale    uint64
	recorded uint64
	accepted uint64
	rebuilt  time.Duration
	rows     int
}

// sessionSuggestions is the last list shown in a session, kept so an
// acceptance can be reported by index.
type sessionSuggestions struct {
	input       string
	suggestions []rank.Suggestion
}

// Dependencies are the engine's externally owned collaborators.
type Dependencies struct {
	Store     *store.Store
	Transport probe.Transport
	Logger    *slog.Logger
}

// New creates an engine and starts its asynchronous initialization.
// The returned engine rejects requests with ErrNotReady until the
// channel from Ready closes.
func New(deps Dependencies, cfg config.Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	probes := probe.NewExecutor(deps.Transport, probe.Options{
		Timeout:       cfg.ProbeTimeout(),
		MaxReconnects: cfg.Probe.MaxReconnects,
		BackoffBase:   time.Duration(cfg.Probe.BackoffBaseMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Probe.BackoffMaxMs) * time.Millisecond,
		Logger:        deps.Logger,
	})

	e := &Engine{
		cfg:     cfg,
		st:      deps.Store,
		probes:  probes,
		logger:  deps.Logger,
		user:    patterns.NewUserPatterns(),
		args:    patterns.NewArgumentAnalyzer(),
		dirs:    patterns.NewDirectoryAnalyzer(),
		files:   patterns.NewFileTypeAnalyzer(),
		fixes:   patterns.NewCorrectionAnalyzer(),
		cache:   cache.New(cfg.CacheTTL()),
		ready:   make(chan struct{}),
		lastCmd: make(map[string]string),
		current: make(map[string]sessionSuggestions),
	}

	e.builder = ctxbuild.NewBuilder(ctxbuild.Dependencies{
		Store:       deps.Store,
		Probes:      probes,
		User:        e.user,
		Arguments:   e.args,
		Directories: e.dirs,
		Corrections: e.fixes,
	}, ctxbuild.Options{
		HistoryWindow: cfg.Engine.HistoryWindow,
		ProbeTimeout:  cfg.ProbeTimeout(),
		EnvCacheTTL:   cfg.EnvCacheTTL(),
		Logger:        deps.Logger,
	})

	limit := cfg.Engine.MaxResults * 4
	e.generators = []generate.Generator{
		generate.NewHistoryGenerator(deps.Store, limit, deps.Logger),
		generate.NewHeuristicGenerator(e.files, limit),
		generate.NewRemoteGenerator(probes, limit),
	}
	e.ranker = rank.NewRanker(rank.Weights(cfg.Weights))

	go e.init()
	return e
}

// Ready closes when initialization finishes. A failed rebuild still
// closes it; the engine then serves from whatever state was restored.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// InitError reports a non-fatal initialization failure, nil otherwise.
func (e *Engine) InitError() error {
	if p := e.initErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Pruners exposes the analyzers whose state the background scheduler
// ages out.
func (e *Engine) Pruners() []scheduler.Pruner {
	return []scheduler.Pruner{e.args, e.dirs, e.files, e.fixes}
}

// init rebuilds the in-memory pattern state from persisted history.
func (e *Engine) init() {
	defer close(e.ready)
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, err := e.st.All(ctx)
	if err != nil {
		e.initErr.Store(&err)
		e.logger.Warn("pattern rebuild failed, starting cold", "error", err)
		return
	}

	var prev string
	for _, rec := range records {
		ev := executionFromRecord(rec)
		e.args.UpdatePattern(ev)
		e.dirs.UpdatePattern(ev)
		e.files.UpdatePattern(ev)
		e.user.Observe(prev, rec.Command, rec.Context, ev.At)
		if ev.Name != "" {
			e.fixes.AddKnownCommands(ev.Name)
		}
		prev = rec.Command
	}

	e.mu.Lock()
	e.rows = len(records)
	e.rebuilt = time.Since(started)
	e.mu.Unlock()

	e.logger.Info("completion engine ready",
		"history_rows", len(records),
		"elapsed", time.Since(started),
	)
}

// GetSuggestions computes the ranked suggestions for req within the
// request budget. It returns ErrNotReady before initialization and
// ErrStale when a newer request arrived while this one was computing.
func (e *Engine) GetSuggestions(ctx context.Context, req Request) (Response, error) {
	select {
	case <-e.ready:
	default:
		return Response{}, ErrNotReady
	}

	seq := e.seq.Add(1)
	started := time.Now()

	e.mu.Lock()
	e.requests++
	last := e.lastCmd[req.SessionID]
	e.mu.Unlock()
	if req.LastCommand != "" {
		last = req.LastCommand
	}

	if strings.TrimSpace(req.Input) == "" && last == "" {
		// Nothing to complete and nothing to chain from.
		return Response{Seq: seq, Elapsed: time.Since(started)}, nil
	}

	parsed := parse.Parse(req.Input)
	key := cache.Key(req.Input, req.Cursor, parsed.Name, req.HasSession)
	if cached, ok := e.cache.Get(key); ok {
		e.mu.Lock()
		e.hits++
		if e.seq.Load() == seq {
			e.current[req.SessionID] = sessionSuggestions{input: req.Input, suggestions: cached}
		}
		e.mu.Unlock()
		return Response{Suggestions: cached, Seq: seq, FromCache: true, Elapsed: time.Since(started)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestBudget())
	defer cancel()

	cc := e.builder.Build(ctx, req.Input, req.Cursor, ctxbuild.SessionState{
		SessionID:   req.SessionID,
		HasSession:  req.HasSession,
		LastCommand: last,
	})

	candidates := e.generate(ctx, &cc)
	suggestions := e.ranker.Rank(candidates, &cc, e.cfg.Engine.MaxResults)

	// The staleness check and the publish must be one atomic step: a
	// newer request finishing in between must not be overwritten.
	e.mu.Lock()
	if e.seq.Load() != seq {
		e.stale++
		e.mu.Unlock()
		return Response{Seq: seq}, ErrStale
	}
	e.cache.Put(key, suggestions)
	e.current[req.SessionID] = sessionSuggestions{input: req.Input, suggestions: suggestions}
	e.mu.Unlock()
	return Response{Suggestions: suggestions, Seq: seq, Elapsed: time.Since(started)}, nil
}

// generate fans out to every generator; a slow or failing generator
// contributes nothing within the budget.
func (e *Engine) generate(ctx context.Context, cc *ctxbuild.Context) []generate.Candidate {
	results := make([][]generate.Candidate, len(e.generators))
	g, gctx := errgroup.WithContext(ctx)

	for i, gen := range e.generators {
		g.Go(func() error {
			results[i] = gen.Generate(gctx, cc)
			return nil
		})
	}
	_ = g.Wait()

	var out []generate.Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// RecordCommandExecution feeds one executed command into the learning
// state: history row, relation to the previous command, analyzers,
// usage event for the miner. The suggestion cache and the environment
// snapshot are invalidated since the execution may have changed both.
// Store write failures are logged and absorbed; only ErrNotReady is
// surfaced.
func (e *Engine) RecordCommandExecution(ctx context.Context, exec Execution) error {
	select {
	case <-e.ready:
	default:
		return ErrNotReady
	}
	if strings.TrimSpace(exec.Command) == "" {
		return nil
	}
	if exec.At.IsZero() {
		exec.At = time.Now()
	}

	parsed := parse.Parse(exec.Command)
	ev := patterns.Execution{
		Raw:      exec.Command,
		Name:     parsed.Name,
		Args:     parsed.Args,
		Options:  parsed.Options,
		Cwd:      exec.Cwd,
		ExitCode: exec.ExitCode,
		Stderr:   exec.Stderr,
		At:       exec.At,
	}
	success := exec.ExitCode == 0

	// Persistence failures stay internal: the in-memory learning state
	// still advances and the next execution writes fresh rows anyway.
	id, err := e.st.RecordExecution(ctx, exec.Command, exec.Cwd, success, exec.Outputs, exec.At.UnixMilli())
	if err != nil {
		e.logger.Warn("history write failed", "error", err)
		id = 0
	}

	e.mu.Lock()
	prev := e.lastCmd[exec.SessionID]
	e.lastCmd[exec.SessionID] = exec.Command
	e.recorded++
	e.mu.Unlock()

	if id != 0 && prev != "" && prev != exec.Command {
		if prevRec, err := e.st.GetByCommand(ctx, prev); err == nil && prevRec != nil {
			gapMs := float64(exec.At.UnixMilli() - prevRec.LastUsed)
			relType := relationType(parse.Parse(prev), parsed)
			if err := e.st.RecordRelation(ctx, prevRec.ID, id, relType, success, gapMs, exec.At.UnixMilli()); err != nil {
				e.logger.Debug("relation record failed", "error", err)
			}
		}
	}

	e.args.UpdatePattern(ev)
	e.dirs.UpdatePattern(ev)
	e.files.UpdatePattern(ev)
	e.fixes.UpdatePattern(ev)
	if success && parsed.Name != "" {
		e.fixes.AddKnownCommands(parsed.Name)
	}
	e.user.Observe(prev, exec.Command, exec.Cwd, exec.At)

	if err := e.st.InsertUsage(ctx, store.UsageEvent{
		Command: exec.Command,
		Cwd:     exec.Cwd,
		Hour:    exec.At.Hour(),
		Success: success,
		Ts:      exec.At.UnixMilli(),
	}); err != nil {
		e.logger.Debug("usage event insert failed", "error", err)
	}

	e.observeRules(ctx, exec.Command, exec.Cwd, prev, success, false, 0, exec.At.UnixMilli())

	e.cache.Clear()
	if exec.Cwd != "" {
		e.builder.InvalidateEnv(exec.Cwd)
	}
	return nil
}

// relationType classifies the link between consecutive executions:
// same command name with shared arguments is similar, same name with
// disjoint arguments is variant, different names form a sequence.
func relationType(prev, cur parse.Command) string {
	if prev.Name == "" || prev.Name != cur.Name {
		return store.RelationSequence
	}
	seen := make(map[string]struct{}, len(prev.Args)+len(prev.Options))
	for _, t := range prev.Args {
		seen[t] = struct{}{}
	}
	for _, t := range prev.Options {
		seen[t] = struct{}{}
	}
	for _, t := range cur.Args {
		if _, ok := seen[t]; ok {
			return store.RelationSimilar
		}
	}
	for _, t := range cur.Options {
		if _, ok := seen[t]; ok {
			return store.RelationSimilar
		}
	}
	return store.RelationVariant
}

// observeRules credits the active rules that predicted this command,
// feeding the live performance counters the scheduler judges versions
// by. Failures are logged and absorbed.
func (e *Engine) observeRules(ctx context.Context, command, cwd, prev string, success, adopted bool, latencyMs, nowMs int64) {
	rules, err := e.st.ActiveRules(ctx)
	if err != nil {
		e.logger.Debug("active rules unavailable", "error", err)
		return
	}
	for _, r := range rules {
		if !ruleMatches(r, command, cwd, prev) {
			continue
		}
		if err := e.st.ObserveRule(ctx, r.ID, success, adopted, latencyMs, nowMs); err != nil {
			e.logger.Debug("rule observation failed", "error", err)
		}
	}
}

// ruleMatches reports whether an active rule would have produced this
// command. Context and sequence patterns fall back to suffix matching
// when the left side (cwd, previous command) is unknown, as it is for
// acceptances.
func ruleMatches(r store.Rule, command, cwd, prev string) bool {
	switch r.Type {
	case store.RuleParameter:
		return r.Pattern == command
	case store.RuleContext:
		if cwd != "" {
			return r.Pattern == cwd+" -> "+command
		}
		return strings.HasSuffix(r.Pattern, " -> "+command)
	case store.RuleSequence:
		if prev != "" {
			return r.Pattern == prev+" -> "+command
		}
		return strings.HasSuffix(r.Pattern, " -> "+command)
	}
	return false
}

// AcceptSuggestion records that the user adopted a suggestion, feeding
// the acceptance miner and the correction success loop.
func (e *Engine) AcceptSuggestion(ctx context.Context, suggestion, inputPrefix string, source string, latency time.Duration) error {
	select {
	case <-e.ready:
	default:
		return ErrNotReady
	}
	if suggestion == "" {
		return nil
	}

	e.mu.Lock()
	e.accepted++
	e.mu.Unlock()

	e.fixes.RecordOutcome(inputPrefix, true)

	now := time.Now().UnixMilli()
	if err := e.st.InsertAcceptance(ctx, store.AcceptanceEvent{
		Suggestion:  suggestion,
		Source:      source,
		InputPrefix: inputPrefix,
		LatencyMs:   latency.Milliseconds(),
		Ts:          now,
	}); err != nil {
		e.logger.Warn("acceptance write failed", "error", err)
	}
	e.observeRules(ctx, suggestion, "", "", true, true, latency.Milliseconds(), now)
	return nil
}

// AcceptSuggestionAt accepts the index-th entry of the session's most
// recent suggestion list and returns its full command text. An empty
// string means no entry exists at that index.
func (e *Engine) AcceptSuggestionAt(ctx context.Context, sessionID string, index int, latency time.Duration) (string, error) {
	select {
	case <-e.ready:
	default:
		return "", ErrNotReady
	}

	e.mu.Lock()
	cur := e.current[sessionID]
	e.mu.Unlock()
	if index < 0 || index >= len(cur.suggestions) {
		return "", nil
	}

	s := cur.suggestions[index]
	return s.Text, e.AcceptSuggestion(ctx, s.Text, cur.input, string(s.Source), latency)
}

// ClearSuggestions drops all cached suggestion state, including each
// session's current list. Per-session last commands survive; only
// computed results are discarded.
func (e *Engine) ClearSuggestions() {
	e.cache.Clear()
	e.mu.Lock()
	clear(e.current)
	e.mu.Unlock()
}

// ForgetSession drops per-session state after a session closes.
func (e *Engine) ForgetSession(sessionID string) {
	e.mu.Lock()
	delete(e.lastCmd, sessionID)
	delete(e.current, sessionID)
	e.mu.Unlock()
	e.probes.Forget(sessionID)
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Requests:    e.requests,
		CacheHits:   e.hits,
		Stale:       e.stale,
		Recorded:    e.recorded,
		Acceptances: e.accepted,
		HistoryRows: e.rows,
		RebuiltInMs: e.rebuilt.Milliseconds(),
	}
}

func executionFromRecord(rec store.HistoryRecord) patterns.Execution {
	parsed := parse.Parse(rec.Command)
	exitCode := 0
	if !rec.Success {
		exitCode = 1
	}
	return patterns.Execution{
		Raw:      rec.Command,
		Name:     parsed.Name,
		Args:     parsed.Args,
		Options:  parsed.Options,
		Cwd:      rec.Context,
		ExitCode: exitCode,
		At:       time.UnixMilli(rec.LastUsed),
	}
}
