// Package probe executes introspection commands against the active
// remote session. It owns connection reuse, per-session serialization,
// timeouts and reconnect backoff; callers treat an unavailable probe as
// "no data", never as a hard failure.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnectionLost is returned by a Transport when the underlying
// connection has dropped. The executor reconnects with backoff before
// the next probe.
var ErrConnectionLost = errors.New("remote connection lost")

// Output is the raw result of one remote command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Transport is the remote-session capability the engine consumes. The
// connection lifecycle itself is owned by the caller; the executor only
// asks for reconnects when a probe observes ErrConnectionLost.
type Transport interface {
	Execute(ctx context.Context, sessionID, command string) (Output, error)
	WorkingDirectory(ctx context.Context, sessionID string) (string, error)
	Environment(ctx context.Context, sessionID string) (map[string]string, error)
	Reconnect(ctx context.Context, sessionID string) error
}

// Result is a probe outcome. Unavailable means the probe timed out or
// the connection could not be re-established; the fields are then zero
// and the caller must proceed without this source.
type Result struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	Unavailable bool
}

// Options configures the executor.
type Options struct {
	Timeout       time.Duration // per-probe timeout
	MaxReconnects int           // reconnect attempts per lost connection
	BackoffBase   time.Duration // initial reconnect backoff
	BackoffMax    time.Duration // backoff cap
	Logger        *slog.Logger
}

// DefaultOptions returns the default executor options.
func DefaultOptions() Options {
	return Options{
		Timeout:       400 * time.Millisecond,
		MaxReconnects: 3,
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    2 * time.Second,
	}
}

// session serializes probes over one logical connection.
type session struct {
	mu sync.Mutex
}

// Executor multiplexes probes over one logical connection per session.
// Probes against the same session are serialized; different sessions
// run fully concurrently.
type Executor struct {
	transport Transport
	opts      Options

	mu       sync.Mutex
	sessions map[string]*session
}

// NewExecutor creates an executor over the given transport.
func NewExecutor(transport Transport, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions().BackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = DefaultOptions().BackoffMax
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		transport: transport,
		opts:      opts,
		sessions:  make(map[string]*session),
	}
}

// Run executes one command against the session, serialized with other
// probes on the same session. A timeout or unrecoverable connection
// loss yields Result{Unavailable: true} and a nil error.
func (e *Executor) Run(ctx context.Context, sessionID, command string) Result {
	s := e.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	probeID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	out, err := e.execute(ctx, sessionID, command)
	if err == nil {
		return Result{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
	}

	if errors.Is(err, ErrConnectionLost) {
		if reconnErr := e.reconnect(ctx, sessionID); reconnErr == nil {
			out, err = e.execute(ctx, sessionID, command)
			if err == nil {
				return Result{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
			}
		}
	}

	e.opts.Logger.Debug("probe unavailable",
		"probe_id", probeID,
		"session_id", sessionID,
		"command", command,
		"error", err,
	)
	return Result{Unavailable: true}
}

// execute runs the transport call in a goroutine so a transport that
// ignores context cancellation cannot block the caller past the budget.
func (e *Executor) execute(ctx context.Context, sessionID, command string) (Output, error) {
	type reply struct {
		out Output
		err error
	}
	ch := make(chan reply, 1)

	go func() {
		out, err := e.transport.Execute(ctx, sessionID, command)
		ch <- reply{out, err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

// reconnect retries the transport reconnect with capped exponential
// backoff until it succeeds, attempts are exhausted, or ctx expires.
func (e *Executor) reconnect(ctx context.Context, sessionID string) error {
	backoff := e.opts.BackoffBase
	var lastErr error

	for attempt := 0; attempt < e.opts.MaxReconnects; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.opts.BackoffMax {
				backoff = e.opts.BackoffMax
			}
		}

		lastErr = e.transport.Reconnect(ctx, sessionID)
		if lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = ErrConnectionLost
	}
	return lastErr
}

// session returns the serialization handle for sessionID, creating it
// on first use.
func (e *Executor) session(sessionID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &session{}
		e.sessions[sessionID] = s
	}
	return s
}

// Forget drops the serialization state for a closed session.
func (e *Executor) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}
