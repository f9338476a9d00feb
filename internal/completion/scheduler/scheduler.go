// Package scheduler runs the background learning loop: it mines raw
// usage and acceptance events into weighted completion rules, publishes
// them under monotonically increasing versions, rolls a version back
// when its live performance regresses, and prunes stale pattern state.
// Mining is incremental: persisted checkpoints mark the last consumed
// event so a cycle only touches new rows, in bounded batches.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tern-sh/tern/internal/completion/parse"
	"github.com/tern-sh/tern/internal/completion/store"
)

// Checkpoint sources in mining_checkpoint.
const (
	sourceUsage      = "usage"
	sourceAcceptance = "acceptance"
)

// maxBatchesPerCycle bounds one cycle's mining so a large backlog
// yields to the next tick instead of monopolizing the store.
const maxBatchesPerCycle = 10

// sequenceGap is the longest pause between two executions still
// considered a chained pair.
const sequenceGap = 10 * time.Minute

// Options configures the scheduler.
type Options struct {
	Interval            time.Duration // time between cycles
	BatchSize           int           // events fetched per mining batch
	MinSupport          int           // observations before a rule is published
	MinObservations     int64         // live samples before judging a version
	MinConfidence       float64       // confidence floor for publishing a rule
	RegressionThreshold float64       // success-rate drop that triggers rollback
	PatternMaxAge       time.Duration // pruning cutoff for in-memory patterns
	Logger              *slog.Logger
}

// DefaultOptions returns the default scheduler options.
func DefaultOptions() Options {
	return Options{
		Interval:            5 * time.Minute,
		BatchSize:           500,
		MinSupport:          3,
		MinObservations:     20,
		MinConfidence:       0.3,
		RegressionThreshold: 0.2,
		PatternMaxAge:       90 * 24 * time.Hour,
		Logger:              slog.Default(),
	}
}

// Pruner is in-memory pattern state the scheduler ages out.
type Pruner interface {
	Prune(maxAge time.Duration, now time.Time) int
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Cycles         int64
	UsageMined     int64
	AcceptedMined  int64
	RulesPublished int64
	CurrentVersion int64
	Rollbacks      int64
	PatternsPruned int64
	LastCycleAt    time.Time
	LastError      string
}

// ruleKey identifies a mined rule before it has a store id.
type ruleKey struct {
	typ     string
	pattern string
}

// ruleState accumulates evidence for one rule across cycles.
type ruleState struct {
	support   int
	successes int
	adoptions int
}

// Scheduler owns the learning loop. One instance per store.
type Scheduler struct {
	st      *store.Store
	pruners []Pruner
	opts    Options

	mu    sync.Mutex
	rules map[ruleKey]*ruleState
	// lastUsage carries the previous event across batch boundaries so
	// sequence pairs spanning a batch edge are not lost.
	lastUsage *store.UsageEvent
	stats     Stats
}

// New creates a scheduler. pruners may be empty.
func New(st *store.Store, pruners []Pruner, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MinSupport <= 0 {
		opts.MinSupport = def.MinSupport
	}
	if opts.MinObservations <= 0 {
		opts.MinObservations = def.MinObservations
	}
	if opts.MinConfidence <= 0 || opts.MinConfidence > 1 {
		opts.MinConfidence = def.MinConfidence
	}
	if opts.RegressionThreshold <= 0 {
		opts.RegressionThreshold = def.RegressionThreshold
	}
	if opts.PatternMaxAge <= 0 {
		opts.PatternMaxAge = def.PatternMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Scheduler{
		st:      st,
		pruners: pruners,
		opts:    opts,
		rules:   make(map[ruleKey]*ruleState),
	}
}

// Run executes cycles on the configured interval until ctx is done.
// Rule state from earlier process lifetimes is re-seeded from the
// store on the first cycle.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.opts.Logger.Warn("learning cycle failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single learning cycle: seed, judge the live
// version, mine new events, publish changed rules, prune.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Cycles++
	s.stats.LastCycleAt = time.Now()
	s.stats.LastError = ""

	err := s.cycleLocked(ctx)
	if err != nil {
		s.stats.LastError = err.Error()
	}
	return err
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) cycleLocked(ctx context.Context) error {
	if err := s.seedLocked(ctx); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}

	if err := s.judgeLocked(ctx); err != nil {
		return fmt.Errorf("judge version: %w", err)
	}

	mined, err := s.mineUsageLocked(ctx)
	if err != nil {
		return fmt.Errorf("mine usage: %w", err)
	}
	accepted, err := s.mineAcceptanceLocked(ctx)
	if err != nil {
		return fmt.Errorf("mine acceptance: %w", err)
	}

	if mined > 0 || accepted > 0 {
		if err := s.publishLocked(ctx); err != nil {
			return fmt.Errorf("publish rules: %w", err)
		}
	}

	now := time.Now()
	for _, p := range s.pruners {
		s.stats.PatternsPruned += int64(p.Prune(s.opts.PatternMaxAge, now))
	}
	return nil
}

// seedLocked restores accumulated support from the active rule set so a
// restart does not reset mined evidence to zero.
func (s *Scheduler) seedLocked(ctx context.Context) error {
	if len(s.rules) > 0 {
		return nil
	}
	active, err := s.st.ActiveRules(ctx)
	if err != nil {
		return err
	}
	for _, r := range active {
		key := ruleKey{typ: r.Type, pattern: r.Pattern}
		support := int(r.Weight)
		if support < s.opts.MinSupport {
			support = s.opts.MinSupport
		}
		s.rules[key] = &ruleState{
			support:   support,
			successes: int(r.Confidence * float64(support)),
		}
		s.stats.CurrentVersion = max64(s.stats.CurrentVersion, r.Version)
	}
	return nil
}

// mineUsageLocked folds new usage events into the rule accumulators.
func (s *Scheduler) mineUsageLocked(ctx context.Context) (int, error) {
	last, err := s.st.Checkpoint(ctx, sourceUsage)
	if err != nil {
		return 0, err
	}

	mined := 0
	for batch := 0; batch < maxBatchesPerCycle; batch++ {
		events, err := s.st.UsageAfter(ctx, last, s.opts.BatchSize)
		if err != nil {
			return mined, err
		}
		if len(events) == 0 {
			break
		}

		for i := range events {
			s.foldUsageLocked(&events[i])
		}
		last = events[len(events)-1].ID
		if err := s.st.SetCheckpoint(ctx, sourceUsage, last); err != nil {
			return mined, err
		}
		mined += len(events)

		if len(events) < s.opts.BatchSize {
			break
		}
	}
	s.stats.UsageMined += int64(mined)
	return mined, nil
}

// foldUsageLocked derives parameter, context and sequence evidence from
// one execution event.
func (s *Scheduler) foldUsageLocked(ev *store.UsageEvent) {
	cmd := parse.Parse(ev.Command)
	if name := cmd.Name; name != "" {
		for _, arg := range cmd.Args {
			s.bumpLocked(store.RuleParameter, name+" "+arg, ev.Success)
		}
	}
	if ev.Cwd != "" {
		s.bumpLocked(store.RuleContext, ev.Cwd+" -> "+ev.Command, ev.Success)
	}

	if prev := s.lastUsage; prev != nil && prev.Command != ev.Command {
		if gap := ev.Ts - prev.Ts; gap >= 0 && gap <= sequenceGap.Milliseconds() {
			s.bumpLocked(store.RuleSequence, prev.Command+" -> "+ev.Command, ev.Success)
		}
	}
	evCopy := *ev
	s.lastUsage = &evCopy
}

func (s *Scheduler) bumpLocked(typ, pattern string, success bool) {
	key := ruleKey{typ: typ, pattern: pattern}
	st := s.rules[key]
	if st == nil {
		st = &ruleState{}
		s.rules[key] = st
	}
	st.support++
	if success {
		st.successes++
	}
}

// mineAcceptanceLocked credits accepted suggestions to the rules that
// could have produced them.
func (s *Scheduler) mineAcceptanceLocked(ctx context.Context) (int, error) {
	last, err := s.st.Checkpoint(ctx, sourceAcceptance)
	if err != nil {
		return 0, err
	}

	mined := 0
	for batch := 0; batch < maxBatchesPerCycle; batch++ {
		events, err := s.st.AcceptancesAfter(ctx, last, s.opts.BatchSize)
		if err != nil {
			return mined, err
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			s.creditAcceptanceLocked(ev.Suggestion)
		}
		last = events[len(events)-1].ID
		if err := s.st.SetCheckpoint(ctx, sourceAcceptance, last); err != nil {
			return mined, err
		}
		mined += len(events)

		if len(events) < s.opts.BatchSize {
			break
		}
	}
	s.stats.AcceptedMined += int64(mined)
	return mined, nil
}

func (s *Scheduler) creditAcceptanceLocked(suggestion string) {
	for key, st := range s.rules {
		switch key.typ {
		case store.RuleParameter:
			if key.pattern == suggestion {
				st.adoptions++
			}
		case store.RuleContext, store.RuleSequence:
			if strings.HasSuffix(key.pattern, " -> "+suggestion) {
				st.adoptions++
			}
		}
	}
}

// publishLocked writes rules that reached MinSupport and MinConfidence
// under a fresh version and deprecates the previously active one.
func (s *Scheduler) publishLocked(ctx context.Context) error {
	var ready []ruleKey
	for key, st := range s.rules {
		if st.support >= s.opts.MinSupport && confidence(st) >= s.opts.MinConfidence {
			ready = append(ready, key)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	version, err := s.st.NextRuleVersion(ctx)
	if err != nil {
		return err
	}
	nowMs := time.Now().UnixMilli()

	if err := s.st.InsertRuleVersion(ctx, store.RuleVersion{
		Version:   version,
		Changes:   fmt.Sprintf("published %d rules", len(ready)),
		Status:    store.VersionActive,
		CreatedAt: nowMs,
	}); err != nil {
		return err
	}

	for _, key := range ready {
		st := s.rules[key]
		_, err := s.st.UpsertRule(ctx, store.Rule{
			Type:       key.typ,
			Pattern:    key.pattern,
			Weight:     float64(st.support),
			Confidence: confidence(st),
			Version:    version,
			CreatedAt:  nowMs,
			UpdatedAt:  nowMs,
		})
		if err != nil {
			return err
		}
	}

	// Supersede: every older active version yields to the new one.
	versions, err := s.st.RuleVersions(ctx)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.Version != version && v.Status == store.VersionActive {
			if err := s.st.SetRuleVersionStatus(ctx, v.Version, store.VersionDeprecated); err != nil {
				return err
			}
		}
	}

	s.stats.RulesPublished += int64(len(ready))
	s.stats.CurrentVersion = version
	s.opts.Logger.Info("published rule version",
		"version", version,
		"rules", len(ready),
	)
	return nil
}

// judgeLocked compares the active version's live success rate against
// its predecessor and rolls back on a regression.
func (s *Scheduler) judgeLocked(ctx context.Context) error {
	versions, err := s.st.RuleVersions(ctx)
	if err != nil {
		return err
	}

	var active *store.RuleVersion
	var previous *store.RuleVersion
	for i := range versions {
		v := &versions[i]
		switch {
		case v.Status == store.VersionActive && active == nil:
			active = v
		case active != nil && v.Status == store.VersionDeprecated && previous == nil:
			previous = v
		}
	}
	if active == nil || previous == nil {
		return nil
	}

	cur, err := s.st.VersionPerformance(ctx, active.Version)
	if err != nil {
		return err
	}
	if cur.UsageCount < s.opts.MinObservations {
		return nil
	}
	prev, err := s.st.VersionPerformance(ctx, previous.Version)
	if err != nil {
		return err
	}
	if prev.UsageCount < s.opts.MinObservations {
		return nil
	}

	curRate := float64(cur.SuccessCount) / float64(cur.UsageCount)
	prevRate := float64(prev.SuccessCount) / float64(prev.UsageCount)
	if prevRate-curRate <= s.opts.RegressionThreshold {
		return nil
	}

	if err := s.st.SetRuleVersionStatus(ctx, active.Version, store.VersionRollback); err != nil {
		return err
	}
	if err := s.st.SetRuleVersionStatus(ctx, previous.Version, store.VersionActive); err != nil {
		return err
	}
	s.stats.Rollbacks++
	s.stats.CurrentVersion = previous.Version
	s.opts.Logger.Warn("rolled back rule version",
		"version", active.Version,
		"restored", previous.Version,
		"success_rate", curRate,
		"previous_rate", prevRate,
	)
	return nil
}

// confidence blends a rule's success rate with its adoption evidence.
func confidence(st *ruleState) float64 {
	if st.support == 0 {
		return 0
	}
	success := float64(st.successes) / float64(st.support)
	adoption := float64(st.adoptions) / float64(st.support)
	if adoption > 1 {
		adoption = 1
	}
	c := 0.7*success + 0.3*adoption
	if c > 1 {
		c = 1
	}
	return c
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
