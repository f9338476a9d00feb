// Package generate produces raw completion candidates from independent
// sources: the persistent history, static and learned heuristics, and
// live probes against the remote session. Generators never rank; they
// attach the evidence (frequency, recency, success rate, a local
// confidence prior) and leave ordering to the scorer.
package generate

import (
	"context"

	"github.com/tern-sh/tern/internal/completion/ctxbuild"
)

// Source identifies which generator produced a candidate.
type Source string

// Candidate sources.
const (
	SourceHistory    Source = "history"
	SourceHeuristic  Source = "heuristic"
	SourceRemote     Source = "remote"
	SourceCorrection Source = "correction"
)

// Candidate is one raw completion proposal.
type Candidate struct {
	Text        string // full command line the suggestion would insert
	Source      Source
	Frequency   int     // executions observed, 0 when not history-backed
	LastUsed    int64   // unix ms of last execution, 0 when unknown
	SuccessRate float64 // rolling success of the backing evidence
	Confidence  float64 // generator-local prior in [0, 1]
	Reason      string  // short origin note, e.g. "used 12x here"
}

// Generator is one candidate source. Generate must tolerate partial
// context (no session, empty history) and return nil rather than fail;
// a generator that needs I/O honors ctx.
type Generator interface {
	Name() string
	Generate(ctx context.Context, cc *ctxbuild.Context) []Candidate
}
