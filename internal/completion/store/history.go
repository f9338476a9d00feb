package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// HistoryRecord is one deduplicated executed command. Repeat executions
// of the same command text increment Frequency in place.
type HistoryRecord struct {
	ID        int64
	Command   string
	Context   string
	Frequency int
	LastUsed  int64 // unix milliseconds
	Success   bool
	Outputs   []string
}

// outputsSeparator joins the retained output lines into one column.
// A record separator cannot appear in terminal output lines.
const outputsSeparator = "\x1e"

// RecordExecution upserts an executed command: first execution inserts
// a row, repeats increment frequency and refresh context, success and
// outputs. Returns the history row id.
func (s *Store) RecordExecution(ctx context.Context, command, cmdContext string, success bool, outputs []string, nowMs int64) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	successInt := 0
	if success {
		successInt = 1
	}
	joined := strings.Join(outputs, outputsSeparator)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history (command, context, frequency, last_used, success, outputs)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(command) DO UPDATE SET
			frequency = frequency + 1,
			context   = excluded.context,
			last_used = excluded.last_used,
			success   = excluded.success,
			outputs   = excluded.outputs
	`, command, cmdContext, nowMs, successInt, joined)
	if err != nil {
		return 0, fmt.Errorf("failed to record execution: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM command_history WHERE command = ?
	`, command).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve history id: %w", err)
	}
	return id, nil
}

// GetByCommand returns the history record for the exact command text,
// or nil when it has never been executed.
func (s *Store) GetByCommand(ctx context.Context, command string) (*HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, command, context, frequency, last_used, success, outputs
		FROM command_history WHERE command = ?
	`, command)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// PrefixSearch returns history records whose command starts with prefix,
// case-insensitively, ordered by frequency then recency.
func (s *Store) PrefixSearch(ctx context.Context, prefix string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := escapeLike(prefix) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, context, frequency, last_used, success, outputs
		FROM command_history
		WHERE command LIKE ? ESCAPE '\'
		ORDER BY frequency DESC, last_used DESC
		LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectHistory(rows)
}

// Recent returns the most recently used history records.
func (s *Store) Recent(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, context, frequency, last_used, success, outputs
		FROM command_history
		ORDER BY last_used DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectHistory(rows)
}

// All streams every history record, oldest first. Used to rebuild the
// in-memory pattern state at startup.
func (s *Store) All(ctx context.Context) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, context, frequency, last_used, success, outputs
		FROM command_history
		ORDER BY last_used ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectHistory(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (*HistoryRecord, error) {
	var rec HistoryRecord
	var successInt int
	var joined string
	if err := row.Scan(&rec.ID, &rec.Command, &rec.Context, &rec.Frequency, &rec.LastUsed, &successInt, &joined); err != nil {
		return nil, err
	}
	rec.Success = successInt != 0
	if joined != "" {
		rec.Outputs = strings.Split(joined, outputsSeparator)
	}
	return &rec, nil
}

func collectHistory(rows *sql.Rows) ([]HistoryRecord, error) {
	var out []HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// escapeLike escapes LIKE wildcards in a user-typed prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
