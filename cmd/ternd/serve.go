package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/tern-sh/tern/internal/completion/engine"
)

// request is one line of the stdin protocol.
type request struct {
	Op        string `json:"op"` // complete | record | accept | clear | stats
	SessionID string `json:"session_id,omitempty"`

	// complete
	Input      string `json:"input,omitempty"`
	Cursor     int    `json:"cursor,omitempty"`
	HasSession bool   `json:"has_session,omitempty"`

	// record
	Command  string   `json:"command,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	ExitCode int      `json:"exit_code,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`

	// accept: either the suggestion text or an index into the
	// session's most recent completion result.
	Suggestion  string `json:"suggestion,omitempty"`
	Index       *int   `json:"index,omitempty"`
	InputPrefix string `json:"input_prefix,omitempty"`
	Source      string `json:"source,omitempty"`
	LatencyMs   int64  `json:"latency_ms,omitempty"`
}

// suggestionJSON is one suggestion in a complete response.
type suggestionJSON struct {
	Text   string  `json:"text"`
	Tail   string  `json:"tail,omitempty"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
	Reason string  `json:"reason,omitempty"`
}

// response is one line of the stdout protocol.
type response struct {
	OK          bool             `json:"ok"`
	Error       string           `json:"error,omitempty"`
	Suggestions []suggestionJSON `json:"suggestions,omitempty"`
	FromCache   bool             `json:"from_cache,omitempty"`
	Accepted    string           `json:"accepted,omitempty"`
	Stats       *engine.Stats    `json:"stats,omitempty"`
}

// serveLines reads newline-delimited JSON requests until EOF or ctx
// cancellation. Stale completion results are reported as ok with no
// suggestions: the shell has already moved on and must not render them.
func serveLines(ctx context.Context, eng *engine.Engine, trans *localTransport, in io.Reader, out io.Writer, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			writeResponse(enc, logger, response{Error: "malformed request: " + err.Error()})
			continue
		}
		writeResponse(enc, logger, handle(ctx, eng, trans, req))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func handle(ctx context.Context, eng *engine.Engine, trans *localTransport, req request) response {
	switch req.Op {
	case "complete":
		resp, err := eng.GetSuggestions(ctx, engine.Request{
			SessionID:  req.SessionID,
			Input:      req.Input,
			Cursor:     req.Cursor,
			HasSession: req.HasSession,
		})
		if errors.Is(err, engine.ErrStale) || errors.Is(err, engine.ErrNotReady) {
			return response{OK: true}
		}
		if err != nil {
			return response{Error: err.Error()}
		}
		out := response{OK: true, FromCache: resp.FromCache}
		for _, s := range resp.Suggestions {
			out.Suggestions = append(out.Suggestions, suggestionJSON{
				Text:   s.Text,
				Tail:   s.Tail,
				Score:  s.Score,
				Source: string(s.Source),
				Reason: s.Reason,
			})
		}
		return out

	case "record":
		if trans != nil && req.Cwd != "" {
			trans.SetWorkingDirectory(req.SessionID, req.Cwd)
		}
		err := eng.RecordCommandExecution(ctx, engine.Execution{
			SessionID: req.SessionID,
			Command:   req.Command,
			Cwd:       req.Cwd,
			ExitCode:  req.ExitCode,
			Stderr:    req.Stderr,
			Outputs:   req.Outputs,
			At:        time.Now(),
		})
		if err != nil && !errors.Is(err, engine.ErrNotReady) {
			return response{Error: err.Error()}
		}
		return response{OK: true}

	case "accept":
		latency := time.Duration(req.LatencyMs) * time.Millisecond
		if req.Suggestion == "" && req.Index != nil {
			text, err := eng.AcceptSuggestionAt(ctx, req.SessionID, *req.Index, latency)
			if err != nil && !errors.Is(err, engine.ErrNotReady) {
				return response{Error: err.Error()}
			}
			return response{OK: true, Accepted: text}
		}
		err := eng.AcceptSuggestion(ctx, req.Suggestion, req.InputPrefix, req.Source, latency)
		if err != nil && !errors.Is(err, engine.ErrNotReady) {
			return response{Error: err.Error()}
		}
		return response{OK: true, Accepted: req.Suggestion}

	case "clear":
		eng.ClearSuggestions()
		return response{OK: true}

	case "stats":
		stats := eng.Stats()
		return response{OK: true, Stats: &stats}

	default:
		return response{Error: "unknown op: " + req.Op}
	}
}

func writeResponse(enc *json.Encoder, logger *slog.Logger, resp response) {
	if err := enc.Encode(resp); err != nil {
		logger.Warn("response write failed", "error", err)
	}
}
