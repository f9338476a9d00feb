package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Rule types produced by the background scheduler.
const (
	RuleParameter = "parameter" // frequent argument for a command
	RuleContext   = "context"   // command associated with a directory
	RuleSequence  = "sequence"  // command pair observed in order
)

// Rule version statuses. A version leaves "active" exactly once:
// deprecated when superseded by a better version, rollback when its
// live performance regressed. Both transitions are scheduler-owned.
const (
	VersionActive     = "active"
	VersionDeprecated = "deprecated"
	VersionRollback   = "rollback"
)

// Rule is a mined, weighted, versioned generalization of usage events.
type Rule struct {
	ID         int64
	Type       string
	Pattern    string
	Weight     float64
	Confidence float64
	Version    int64
	Metadata   string
	CreatedAt  int64
	UpdatedAt  int64
}

// RuleVersion is one entry in a rule lineage's version history.
type RuleVersion struct {
	Version   int64
	Changes   string
	Status    string
	CreatedAt int64
}

// RulePerformance holds live counters for one rule.
type RulePerformance struct {
	RuleID        int64
	UsageCount    int64
	SuccessCount  int64
	AdoptionCount int64
	TotalLatency  int64
	LastUsedAt    int64
}

// UsageEvent is one raw execution event awaiting mining.
type UsageEvent struct {
	ID      int64
	Command string
	Cwd     string
	Hour    int
	Success bool
	Ts      int64
}

// AcceptanceEvent records the user accepting a suggestion.
type AcceptanceEvent struct {
	ID          int64
	Suggestion  string
	Source      string
	InputPrefix string
	LatencyMs   int64
	Ts          int64
}

// InsertUsage appends a raw usage event for later mining.
func (s *Store) InsertUsage(ctx context.Context, ev UsageEvent) error {
	if err := s.guard(); err != nil {
		return err
	}
	successInt := 0
	if ev.Success {
		successInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_usage (command, cwd, hour, success, ts)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Command, ev.Cwd, ev.Hour, successInt, ev.Ts)
	return err
}

// InsertAcceptance appends a suggestion-acceptance event.
func (s *Store) InsertAcceptance(ctx context.Context, ev AcceptanceEvent) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acceptance_event (suggestion, source, input_prefix, latency_ms, ts)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Suggestion, ev.Source, ev.InputPrefix, ev.LatencyMs, ev.Ts)
	return err
}

// UsageAfter returns up to limit usage events with id > afterID, in id
// order. The scheduler batches through these between checkpoints.
func (s *Store) UsageAfter(ctx context.Context, afterID int64, limit int) ([]UsageEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, cwd, hour, success, ts
		FROM command_usage
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageEvent
	for rows.Next() {
		var ev UsageEvent
		var successInt int
		if err := rows.Scan(&ev.ID, &ev.Command, &ev.Cwd, &ev.Hour, &successInt, &ev.Ts); err != nil {
			return nil, err
		}
		ev.Success = successInt != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AcceptancesAfter returns up to limit acceptance events with id > afterID.
func (s *Store) AcceptancesAfter(ctx context.Context, afterID int64, limit int) ([]AcceptanceEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suggestion, source, input_prefix, latency_ms, ts
		FROM acceptance_event
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AcceptanceEvent
	for rows.Next() {
		var ev AcceptanceEvent
		if err := rows.Scan(&ev.ID, &ev.Suggestion, &ev.Source, &ev.InputPrefix, &ev.LatencyMs, &ev.Ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Checkpoint returns the last mined event id for source ("usage" or
// "acceptance"), or 0 when mining has never run.
func (s *Store) Checkpoint(ctx context.Context, source string) (int64, error) {
	var lastID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_id FROM mining_checkpoint WHERE source = ?
	`, source).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return lastID, err
}

// SetCheckpoint records the last mined event id for source.
func (s *Store) SetCheckpoint(ctx context.Context, source string, lastID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mining_checkpoint (source, last_id) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET last_id = excluded.last_id
	`, source, lastID)
	return err
}

// UpsertRule inserts or updates a rule keyed by (type, pattern) and
// returns the rule id.
func (s *Store) UpsertRule(ctx context.Context, r Rule) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completion_rules (type, pattern, weight, confidence, version, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, pattern) DO UPDATE SET
			weight     = excluded.weight,
			confidence = excluded.confidence,
			version    = excluded.version,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at
	`, r.Type, r.Pattern, r.Weight, r.Confidence, r.Version, r.Metadata, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert rule: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM completion_rules WHERE type = ? AND pattern = ?
	`, r.Type, r.Pattern).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve rule id: %w", err)
	}
	return id, nil
}

// RulesByVersion returns all rules carrying the given version.
func (s *Store) RulesByVersion(ctx context.Context, version int64) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, pattern, weight, confidence, version, metadata, created_at, updated_at
		FROM completion_rules
		WHERE version = ?
		ORDER BY id ASC
	`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// ActiveRules returns rules whose version is currently active.
func (s *Store) ActiveRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.type, r.pattern, r.weight, r.confidence, r.version, r.metadata, r.created_at, r.updated_at
		FROM completion_rules r
		JOIN rule_versions v ON v.version = r.version
		WHERE v.status = ?
		ORDER BY r.weight DESC
	`, VersionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows *sql.Rows) ([]Rule, error) {
	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Type, &r.Pattern, &r.Weight, &r.Confidence, &r.Version, &r.Metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextRuleVersion allocates the next monotonic rule version number.
func (s *Store) NextRuleVersion(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM rule_versions
	`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// InsertRuleVersion records a new version entry.
func (s *Store) InsertRuleVersion(ctx context.Context, v RuleVersion) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_versions (version, changes, status, created_at)
		VALUES (?, ?, ?, ?)
	`, v.Version, v.Changes, v.Status, v.CreatedAt)
	return err
}

// SetRuleVersionStatus transitions a version's status. Transitions out
// of active are terminal for that version.
func (s *Store) SetRuleVersionStatus(ctx context.Context, version int64, status string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE rule_versions SET status = ? WHERE version = ?
	`, status, version)
	return err
}

// RuleVersions returns all versions, newest first.
func (s *Store) RuleVersions(ctx context.Context) ([]RuleVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, changes, status, created_at
		FROM rule_versions
		ORDER BY version DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RuleVersion
	for rows.Next() {
		var v RuleVersion
		if err := rows.Scan(&v.Version, &v.Changes, &v.Status, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ObserveRule folds one live observation into a rule's performance
// counters: the rule was used, whether the resulting execution
// succeeded, whether the user adopted the suggestion, and the
// suggestion latency.
func (s *Store) ObserveRule(ctx context.Context, ruleID int64, success, adopted bool, latencyMs, nowMs int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	successInc := 0
	if success {
		successInc = 1
	}
	adoptedInc := 0
	if adopted {
		adoptedInc = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_performance (rule_id, usage_count, success_count, adoption_count, total_latency, last_used_at)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			usage_count    = usage_count + 1,
			success_count  = success_count + ?,
			adoption_count = adoption_count + ?,
			total_latency  = total_latency + ?,
			last_used_at   = ?
	`, ruleID, successInc, adoptedInc, latencyMs, nowMs,
		successInc, adoptedInc, latencyMs, nowMs)
	return err
}

// Performance returns the live counters for a rule, or zeroes when the
// rule has never been observed.
func (s *Store) Performance(ctx context.Context, ruleID int64) (RulePerformance, error) {
	var p RulePerformance
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_id, usage_count, success_count, adoption_count, total_latency, last_used_at
		FROM rule_performance WHERE rule_id = ?
	`, ruleID).Scan(&p.RuleID, &p.UsageCount, &p.SuccessCount, &p.AdoptionCount, &p.TotalLatency, &p.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RulePerformance{RuleID: ruleID}, nil
	}
	return p, err
}

// VersionPerformance aggregates live counters across every rule in a
// version. The scheduler uses it for regression detection.
func (s *Store) VersionPerformance(ctx context.Context, version int64) (RulePerformance, error) {
	var p RulePerformance
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(p.usage_count), 0),
		       COALESCE(SUM(p.success_count), 0),
		       COALESCE(SUM(p.adoption_count), 0),
		       COALESCE(SUM(p.total_latency), 0),
		       COALESCE(MAX(p.last_used_at), 0)
		FROM completion_rules r
		LEFT JOIN rule_performance p ON p.rule_id = r.id
		WHERE r.version = ?
	`, version).Scan(&p.UsageCount, &p.SuccessCount, &p.AdoptionCount, &p.TotalLatency, &p.LastUsedAt)
	return p, err
}
