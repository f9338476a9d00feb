package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Relation types between two history records.
const (
	RelationSequence = "sequence" // command2 observed immediately after command1
	RelationSimilar  = "similar"  // same name, overlapping arguments
	RelationVariant  = "variant"  // same name, different arguments
)

// Relation is a pairwise link between two executed commands. The
// (command1, command2) pair is unique; repeats fold into frequency,
// success rate and the running average time gap.
type Relation struct {
	ID          int64
	FromID      int64
	ToID        int64
	Type        string
	Frequency   int
	LastUsed    int64
	SuccessRate float64
	AvgTimeGap  float64 // milliseconds
}

// RelatedCommand is a relation joined with the target command text.
type RelatedCommand struct {
	Command     string
	Type        string
	Frequency   int
	SuccessRate float64
	AvgTimeGap  float64
}

// RecordRelation upserts a relation between two history rows. Running
// aggregates are folded in incrementally from the pre-update row.
func (s *Store) RecordRelation(ctx context.Context, fromID, toID int64, relType string, success bool, gapMs float64, nowMs int64) error {
	if fromID == toID {
		return nil
	}
	if err := s.guard(); err != nil {
		return err
	}
	successVal := 0.0
	if success {
		successVal = 1.0
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_relations
			(command1_id, command2_id, relation_type, frequency, last_used, success_rate, avg_time_gap)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(command1_id, command2_id) DO UPDATE SET
			success_rate  = (success_rate * frequency + ?) / (frequency + 1),
			avg_time_gap  = (avg_time_gap * frequency + ?) / (frequency + 1),
			frequency     = frequency + 1,
			last_used     = ?,
			relation_type = ?
	`, fromID, toID, relType, nowMs, successVal, gapMs,
		successVal, gapMs, nowMs, relType)
	if err != nil {
		return fmt.Errorf("failed to record relation: %w", err)
	}
	return nil
}

// NextCommands returns the commands observed after fromID, most
// frequent first, joined with their command text.
func (s *Store) NextCommands(ctx context.Context, fromID int64, limit int) ([]RelatedCommand, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.command, r.relation_type, r.frequency, r.success_rate, r.avg_time_gap
		FROM command_relations r
		JOIN command_history h ON h.id = r.command2_id
		WHERE r.command1_id = ? AND r.relation_type = ?
		ORDER BY r.frequency DESC, r.last_used DESC
		LIMIT ?
	`, fromID, RelationSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RelatedCommand
	for rows.Next() {
		var rc RelatedCommand
		if err := rows.Scan(&rc.Command, &rc.Type, &rc.Frequency, &rc.SuccessRate, &rc.AvgTimeGap); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// GetRelation returns the relation between two history rows, or nil.
func (s *Store) GetRelation(ctx context.Context, fromID, toID int64) (*Relation, error) {
	var r Relation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, command1_id, command2_id, relation_type, frequency, last_used, success_rate, avg_time_gap
		FROM command_relations
		WHERE command1_id = ? AND command2_id = ?
	`, fromID, toID).Scan(&r.ID, &r.FromID, &r.ToID, &r.Type, &r.Frequency, &r.LastUsed, &r.SuccessRate, &r.AvgTimeGap)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}
