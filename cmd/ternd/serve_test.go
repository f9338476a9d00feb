package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-sh/tern/internal/completion/engine"
	"github.com/tern-sh/tern/internal/completion/store"
	"github.com/tern-sh/tern/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T) (*engine.Engine, *localTransport) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	trans := newLocalTransport()
	eng := engine.New(engine.Dependencies{Store: st, Transport: trans}, config.Default())
	select {
	case <-eng.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never became ready")
	}
	return eng, trans
}

func runLines(t *testing.T, lines ...string) []response {
	t.Helper()
	eng, trans := testEngine(t)

	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out strings.Builder
	require.NoError(t, serveLines(context.Background(), eng, trans, in, &out, discardLogger()))

	var responses []response
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		var resp response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestServe_RecordThenComplete(t *testing.T) {
	t.Parallel()

	got := runLines(t,
		`{"op":"record","session_id":"s1","command":"git status","cwd":"/tmp","exit_code":0}`,
		`{"op":"complete","session_id":"s1","input":"git st","cursor":6}`,
	)

	require.Len(t, got, 2)
	assert.True(t, got[0].OK)
	require.True(t, got[1].OK)
	require.NotEmpty(t, got[1].Suggestions)
	assert.Equal(t, "git status", got[1].Suggestions[0].Text)
}

func TestServe_AcceptClearStats(t *testing.T) {
	t.Parallel()

	got := runLines(t,
		`{"op":"accept","suggestion":"git status","input_prefix":"git st","source":"history","latency_ms":12}`,
		`{"op":"clear"}`,
		`{"op":"stats"}`,
	)

	require.Len(t, got, 3)
	for _, r := range got[:2] {
		assert.True(t, r.OK)
	}
	require.NotNil(t, got[2].Stats)
	assert.Equal(t, uint64(1), got[2].Stats.Acceptances)
}

func TestServe_AcceptByIndex(t *testing.T) {
	t.Parallel()

	got := runLines(t,
		`{"op":"record","session_id":"s1","command":"git status","cwd":"/tmp","exit_code":0}`,
		`{"op":"complete","session_id":"s1","input":"git st","cursor":6}`,
		`{"op":"accept","session_id":"s1","index":0,"latency_ms":8}`,
		`{"op":"accept","session_id":"s1","index":9}`,
	)

	require.Len(t, got, 4)
	require.True(t, got[2].OK)
	assert.Equal(t, "git status", got[2].Accepted)
	require.True(t, got[3].OK)
	assert.Empty(t, got[3].Accepted)
}

func TestServe_MalformedAndUnknown(t *testing.T) {
	t.Parallel()

	got := runLines(t,
		`{not json`,
		`{"op":"bogus"}`,
	)

	require.Len(t, got, 2)
	assert.False(t, got[0].OK)
	assert.Contains(t, got[0].Error, "malformed request")
	assert.False(t, got[1].OK)
	assert.Contains(t, got[1].Error, "unknown op")
}
