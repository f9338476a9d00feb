package generate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tern-sh/tern/internal/completion/ctxbuild"
	"github.com/tern-sh/tern/internal/completion/store"
)

// HistoryGenerator proposes previously executed commands matching the
// typed prefix, and for empty input the commands most likely to follow
// the last executed one.
type HistoryGenerator struct {
	st     *store.Store
	limit  int
	logger *slog.Logger
}

// NewHistoryGenerator creates a history generator. limit caps the rows
// fetched per request.
func NewHistoryGenerator(st *store.Store, limit int, logger *slog.Logger) *HistoryGenerator {
	if limit <= 0 {
		limit = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryGenerator{st: st, limit: limit, logger: logger}
}

// Name implements Generator.
func (g *HistoryGenerator) Name() string { return string(SourceHistory) }

// Generate implements Generator.
func (g *HistoryGenerator) Generate(ctx context.Context, cc *ctxbuild.Context) []Candidate {
	input := strings.TrimLeft(cc.Input, " \t")

	if input == "" {
		return g.followups(cc)
	}

	recs, err := g.st.PrefixSearch(ctx, input, g.limit)
	if err != nil {
		g.logger.Debug("history generator: prefix search failed", "error", err)
		return nil
	}

	out := make([]Candidate, 0, len(recs))
	for _, rec := range recs {
		if rec.Command == input {
			// The user already typed the whole command.
			continue
		}
		out = append(out, candidateFromRecord(rec))
	}
	return out
}

// followups proposes the next commands observed after the session's
// last executed command, backed by the chain counters.
func (g *HistoryGenerator) followups(cc *ctxbuild.Context) []Candidate {
	if cc.User == nil || cc.LastCommand == "" {
		return nil
	}

	next := cc.User.NextAfter(cc.LastCommand)
	var out []Candidate
	for _, n := range next {
		if len(out) >= g.limit {
			break
		}
		out = append(out, Candidate{
			Text:       n.Command,
			Source:     SourceHistory,
			Frequency:  n.Count,
			Confidence: cc.User.ChainProbability(cc.LastCommand, n.Command),
			Reason:     fmt.Sprintf("often follows %q", cc.LastCommand),
		})
	}
	return out
}

func candidateFromRecord(rec store.HistoryRecord) Candidate {
	success := 0.0
	if rec.Success {
		success = 1.0
	}
	return Candidate{
		Text:        rec.Command,
		Source:      SourceHistory,
		Frequency:   rec.Frequency,
		LastUsed:    rec.LastUsed,
		SuccessRate: success,
		Confidence:  1.0,
		Reason:      fmt.Sprintf("used %dx", rec.Frequency),
	}
}
