package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-sh/tern/internal/completion/probe"
	"github.com/tern-sh/tern/internal/completion/rank"
	"github.com/tern-sh/tern/internal/completion/store"
	"github.com/tern-sh/tern/internal/config"
)

// testTransport is a controllable remote session.
type testTransport struct {
	mu      sync.Mutex
	cwd     string
	fail    bool
	block   chan struct{} // when set, WorkingDirectory waits on it
	blocked chan struct{} // signaled once WorkingDirectory is waiting
}

func (tr *testTransport) setFail(v bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.fail = v
}

func (tr *testTransport) Execute(ctx context.Context, sessionID, command string) (probe.Output, error) {
	tr.mu.Lock()
	fail := tr.fail
	tr.mu.Unlock()
	if fail {
		return probe.Output{}, errors.New("transport down")
	}
	if strings.HasPrefix(command, "git rev-parse") {
		return probe.Output{Stdout: "true\n"}, nil
	}
	return probe.Output{Stdout: ""}, nil
}

func (tr *testTransport) WorkingDirectory(ctx context.Context, sessionID string) (string, error) {
	tr.mu.Lock()
	fail, block, blocked := tr.fail, tr.block, tr.blocked
	cwd := tr.cwd
	tr.mu.Unlock()

	if block != nil {
		if blocked != nil {
			select {
			case blocked <- struct{}{}:
			default:
			}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail {
		return "", errors.New("transport down")
	}
	return cwd, nil
}

func (tr *testTransport) Environment(ctx context.Context, sessionID string) (map[string]string, error) {
	return map[string]string{"HOME": "/home/op"}, nil
}

func (tr *testTransport) Reconnect(ctx context.Context, sessionID string) error {
	return errors.New("transport down")
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.RequestBudgetMs = 2000
	cfg.Probe.TimeoutMs = 500
	cfg.Store.Path = filepath.Join(t.TempDir(), "test.db")
	return cfg
}

func newEngine(t *testing.T, cfg config.Config, tr *testTransport) *Engine {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Path: cfg.Store.Path})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := New(Dependencies{Store: st, Transport: tr}, cfg)
	select {
	case <-e.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never became ready")
	}
	require.NoError(t, e.InitError())
	return e
}

func record(t *testing.T, e *Engine, session, command, cwd string, exitCode int) {
	t.Helper()
	require.NoError(t, e.RecordCommandExecution(context.Background(), Execution{
		SessionID: session,
		Command:   command,
		Cwd:       cwd,
		ExitCode:  exitCode,
		At:        time.Now(),
	}))
}

func suggestionTexts(s []rank.Suggestion) []string {
	out := make([]string, len(s))
	for i, sug := range s {
		out[i] = sug.Text
	}
	return out
}

func TestLearningRoundTrip(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)
	ctx := context.Background()

	record(t, e, "s1", "git status", "/proj", 0)

	resp, err := e.GetSuggestions(ctx, Request{
		SessionID: "s1", Input: "git st", Cursor: 6, HasSession: true,
	})
	require.NoError(t, err)
	assert.Contains(t, suggestionTexts(resp.Suggestions), "git status")
}

func TestChainEffect(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		record(t, e, "s1", "git add .", "/proj", 0)
		record(t, e, "s1", "git commit -m wip", "/proj", 0)
	}
	record(t, e, "s1", "git add .", "/proj", 0)

	resp, err := e.GetSuggestions(ctx, Request{
		SessionID: "s1", Input: "", HasSession: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Suggestions)
	assert.Equal(t, "git commit -m wip", resp.Suggestions[0].Text)
}

func TestDirectoryAffinity(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)
	ctx := context.Background()

	record(t, e, "s1", "make test", "/proj", 0)
	record(t, e, "s1", "make test", "/proj", 0)
	record(t, e, "s1", "man ls", "/other", 0)
	record(t, e, "s1", "man ls", "/other", 0)

	resp, err := e.GetSuggestions(ctx, Request{
		SessionID: "s1", Input: "ma", Cursor: 2, HasSession: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Suggestions)
	assert.Equal(t, "make test", resp.Suggestions[0].Text,
		"the command used in the current directory outranks an equally frequent one from elsewhere")
}

func TestStaleRequestSuppressed(t *testing.T) {
	t.Parallel()

	tr := &testTransport{
		cwd:     "/proj",
		block:   make(chan struct{}),
		blocked: make(chan struct{}, 1),
	}
	e := newEngine(t, testConfig(t), tr)
	ctx := context.Background()
	record(t, e, "s1", "git status", "/proj", 0)

	type result struct {
		resp Response
		err  error
	}
	first := make(chan result, 1)
	go func() {
		resp, err := e.GetSuggestions(ctx, Request{
			SessionID: "s1", Input: "git", Cursor: 3, HasSession: true,
		})
		first <- result{resp, err}
	}()

	// Wait until the slow request is inside its environment probe, then
	// supersede it with a newer request that needs no probes.
	select {
	case <-tr.blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the transport")
	}
	_, err := e.GetSuggestions(ctx, Request{
		SessionID: "s1", Input: "git st", Cursor: 6, HasSession: false,
	})
	require.NoError(t, err)

	close(tr.block)
	r := <-first
	assert.ErrorIs(t, r.err, ErrStale)
	assert.Empty(t, r.resp.Suggestions)
	assert.Equal(t, uint64(1), e.Stats().Stale)

	// The superseded result must not have replaced the newer one kept
	// for index-based acceptance.
	text, err := e.AcceptSuggestionAt(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "git status", text)
}

func TestEmptyInputWithoutHistory(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)

	resp, err := e.GetSuggestions(context.Background(), Request{
		SessionID: "s1", Input: "   ", HasSession: true,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Suggestions)
}

func TestProbeFailureDoesNotBlockSuggestions(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)
	ctx := context.Background()

	record(t, e, "s1", "docker ps", "/proj", 0)
	tr.setFail(true)

	resp, err := e.GetSuggestions(ctx, Request{
		SessionID: "s1", Input: "docker", Cursor: 6, HasSession: true,
	})
	require.NoError(t, err)
	assert.Contains(t, suggestionTexts(resp.Suggestions), "docker ps")
}

func TestErrorCorrectionLearned(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)
	ctx := context.Background()

	record(t, e, "s1", "git status", "/proj", 0)
	require.NoError(t, e.RecordCommandExecution(ctx, Execution{
		SessionID: "s1",
		Command:   "gti status",
		Cwd:       "/proj",
		ExitCode:  127,
		Stderr:    "bash: gti: command not found",
		At:        time.Now(),
	}))

	resp, err := e.GetSuggestions(ctx, Request{
		SessionID: "s1", Input: "gti status", Cursor: 10, HasSession: true,
	})
	require.NoError(t, err)
	assert.Contains(t, suggestionTexts(resp.Suggestions), "git status")
}

func TestCacheHitAndInvalidation(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)
	ctx := context.Background()
	record(t, e, "s1", "git status", "/proj", 0)

	req := Request{SessionID: "s1", Input: "git", Cursor: 3, HasSession: true}

	first, err := e.GetSuggestions(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := e.GetSuggestions(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Suggestions, second.Suggestions)

	// A new execution invalidates cached rankings.
	record(t, e, "s1", "git push", "/proj", 0)
	third, err := e.GetSuggestions(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
}

func TestClearSuggestions(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)
	ctx := context.Background()
	record(t, e, "s1", "git status", "/proj", 0)

	req := Request{SessionID: "s1", Input: "git", Cursor: 3, HasSession: true}
	_, err := e.GetSuggestions(ctx, req)
	require.NoError(t, err)

	e.ClearSuggestions()
	resp, err := e.GetSuggestions(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
}

func TestAcceptSuggestionRecorded(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	cfg := testConfig(t)
	e := newEngine(t, cfg, tr)
	ctx := context.Background()

	require.NoError(t, e.AcceptSuggestion(ctx, "git status", "git st", "history", 20*time.Millisecond))

	st, err := store.Open(ctx, store.Options{Path: cfg.Store.Path})
	require.NoError(t, err)
	defer st.Close()

	events, err := st.AcceptancesAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "git status", events[0].Suggestion)
	assert.Equal(t, "git st", events[0].InputPrefix)
	assert.Equal(t, int64(20), events[0].LatencyMs)
}

func TestAcceptSuggestionByIndex(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	cfg := testConfig(t)
	e := newEngine(t, cfg, tr)
	ctx := context.Background()

	record(t, e, "s1", "git status", "/proj", 0)

	resp, err := e.GetSuggestions(ctx, Request{SessionID: "s1", Input: "git st", HasSession: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Suggestions)

	text, err := e.AcceptSuggestionAt(ctx, "s1", 0, 15*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, resp.Suggestions[0].Text, text)

	// Out of range and unknown sessions accept nothing.
	text, err = e.AcceptSuggestionAt(ctx, "s1", len(resp.Suggestions), 0)
	require.NoError(t, err)
	assert.Empty(t, text)
	text, err = e.AcceptSuggestionAt(ctx, "nope", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, text)

	st, err := store.Open(ctx, store.Options{Path: cfg.Store.Path})
	require.NoError(t, err)
	defer st.Close()

	events, err := st.AcceptancesAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "git status", events[0].Suggestion)
	assert.Equal(t, "git st", events[0].InputPrefix)
}

func TestNotReadyBeforeInitialization(t *testing.T) {
	t.Parallel()

	e := &Engine{
		ready:   make(chan struct{}),
		lastCmd: make(map[string]string),
		current: make(map[string]sessionSuggestions),
	}
	ctx := context.Background()

	_, err := e.GetSuggestions(ctx, Request{SessionID: "s1", Input: "git"})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, e.RecordCommandExecution(ctx, Execution{Command: "ls"}), ErrNotReady)
	assert.ErrorIs(t, e.AcceptSuggestion(ctx, "ls -la", "ls", "history", 0), ErrNotReady)
	_, err = e.AcceptSuggestionAt(ctx, "s1", 0, 0)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestStoreWriteFailureAbsorbed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	st, err := store.Open(context.Background(), store.Options{Path: cfg.Store.Path})
	require.NoError(t, err)

	tr := &testTransport{cwd: "/proj"}
	e := New(Dependencies{Store: st, Transport: tr}, cfg)
	select {
	case <-e.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never became ready")
	}
	require.NoError(t, st.Close())

	// Persistence is gone, yet recording must neither fail nor stop
	// the in-memory learning state from advancing.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		record(t, e, "s1", "git add .", "/proj", 0)
		record(t, e, "s1", "git commit -m wip", "/proj", 0)
	}
	assert.Equal(t, uint64(6), e.Stats().Recorded)

	resp, err := e.GetSuggestions(ctx, Request{
		SessionID: "s1", Input: "", HasSession: false,
		LastCommand: "git add .",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Suggestions)
	assert.Equal(t, "git commit -m wip", resp.Suggestions[0].Text)

	require.NoError(t, e.AcceptSuggestion(ctx, "git commit -m wip", "", "history", 0))
}

func TestRelationClassification(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	cfg := testConfig(t)
	e := newEngine(t, cfg, tr)
	ctx := context.Background()

	record(t, e, "s1", "git add .", "/proj", 0)
	record(t, e, "s1", "git add -A .", "/proj", 0)
	record(t, e, "s1", "git status", "/proj", 0)
	record(t, e, "s1", "make test", "/proj", 0)

	st, err := store.Open(ctx, store.Options{Path: cfg.Store.Path})
	require.NoError(t, err)
	defer st.Close()

	id := func(command string) int64 {
		rec, err := st.GetByCommand(ctx, command)
		require.NoError(t, err)
		require.NotNil(t, rec)
		return rec.ID
	}

	// Same name, shared argument: similar.
	rel, err := st.GetRelation(ctx, id("git add ."), id("git add -A ."))
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, store.RelationSimilar, rel.Type)

	// Same name, disjoint arguments: variant.
	rel, err = st.GetRelation(ctx, id("git add -A ."), id("git status"))
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, store.RelationVariant, rel.Type)

	// Different names: sequence.
	rel, err = st.GetRelation(ctx, id("git status"), id("make test"))
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, store.RelationSequence, rel.Type)
}

func TestRulePerformanceObserved(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	cfg := testConfig(t)
	e := newEngine(t, cfg, tr)
	ctx := context.Background()

	st, err := store.Open(ctx, store.Options{Path: cfg.Store.Path})
	require.NoError(t, err)
	defer st.Close()

	nowMs := time.Now().UnixMilli()
	require.NoError(t, st.InsertRuleVersion(ctx, store.RuleVersion{
		Version: 1, Changes: "published 2 rules",
		Status: store.VersionActive, CreatedAt: nowMs,
	}))
	paramID, err := st.UpsertRule(ctx, store.Rule{
		Type: store.RuleParameter, Pattern: "make test",
		Weight: 3, Confidence: 0.7, Version: 1,
		CreatedAt: nowMs, UpdatedAt: nowMs,
	})
	require.NoError(t, err)
	_, err = st.UpsertRule(ctx, store.Rule{
		Type: store.RuleContext, Pattern: "/proj -> make test",
		Weight: 3, Confidence: 0.7, Version: 1,
		CreatedAt: nowMs, UpdatedAt: nowMs,
	})
	require.NoError(t, err)

	// A matching execution feeds usage and success.
	record(t, e, "s1", "make test", "/proj", 0)

	perf, err := st.Performance(ctx, paramID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), perf.UsageCount)
	assert.Equal(t, int64(1), perf.SuccessCount)
	assert.Equal(t, int64(0), perf.AdoptionCount)

	// A matching acceptance feeds adoption.
	require.NoError(t, e.AcceptSuggestion(ctx, "make test", "make t", "history", 10*time.Millisecond))

	perf, err = st.Performance(ctx, paramID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), perf.UsageCount)
	assert.Equal(t, int64(1), perf.AdoptionCount)

	// Both rules saw the execution and the acceptance.
	vp, err := st.VersionPerformance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), vp.UsageCount)
	assert.Equal(t, int64(2), vp.AdoptionCount)
}

func TestPatternRebuildAcrossRestart(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	cfg := testConfig(t)

	e1 := newEngine(t, cfg, tr)
	for i := 0; i < 3; i++ {
		record(t, e1, "s1", "git add .", "/proj", 0)
		record(t, e1, "s1", "git commit -m wip", "/proj", 0)
	}

	// A fresh engine over the same store relearns the chains.
	e2 := newEngine(t, cfg, tr)
	assert.Positive(t, e2.Stats().HistoryRows)

	resp, err := e2.GetSuggestions(context.Background(), Request{
		SessionID: "s2", Input: "", HasSession: true,
		LastCommand: "git add .",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Suggestions)
	assert.Equal(t, "git commit -m wip", resp.Suggestions[0].Text)
}

func TestUsageEventsFeedTheMiner(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	cfg := testConfig(t)
	e := newEngine(t, cfg, tr)
	ctx := context.Background()

	record(t, e, "s1", "make test", "/proj", 0)
	record(t, e, "s1", "make test", "/proj", 1)

	st, err := store.Open(ctx, store.Options{Path: cfg.Store.Path})
	require.NoError(t, err)
	defer st.Close()

	events, err := st.UsageAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Success)
	assert.False(t, events[1].Success)
}

func TestForgetSession(t *testing.T) {
	t.Parallel()

	tr := &testTransport{cwd: "/proj"}
	e := newEngine(t, testConfig(t), tr)
	record(t, e, "s1", "git add .", "/proj", 0)

	e.ForgetSession("s1")

	resp, err := e.GetSuggestions(context.Background(), Request{
		SessionID: "s1", Input: "", HasSession: true,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Suggestions, "chain state is gone with the session")
}
