package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeUsage, ExitUsage},
		{CodeNotFound, ExitNotFound},
		{CodeAuth, ExitAuth},
		{CodeForbidden, ExitForbidden},
		{CodeRateLimit, ExitRateLimit},
		{CodeNetwork, ExitNetwork},
		{CodeAPI, ExitAPI},
		{CodeDecode, ExitDecode},
		{CodeCancelled, ExitCancelled},
		{"unknown", ExitAPI},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCodeFor(tt.code), tt.code)
	}
}

func TestErrorString(t *testing.T) {
	e := ErrAuth("Not authenticated")
	assert.Equal(t, "Not authenticated: Run: opcli auth login", e.Error())
	assert.Equal(t, ExitAuth, e.ExitCode())

	plain := ErrUsage("bad flag")
	assert.Equal(t, "bad flag", plain.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	e := ErrNetwork(cause)

	assert.True(t, e.Retryable)
	assert.ErrorIs(t, e, cause)
}

func TestErrRateLimitHint(t *testing.T) {
	assert.Equal(t, "Try again in 30 seconds", ErrRateLimit(30).Hint)
	assert.Equal(t, "Try again later", ErrRateLimit(0).Hint)
}

func TestAsError(t *testing.T) {
	orig := ErrForbidden("no access")
	assert.Same(t, orig, AsError(orig))

	wrapped := fmt.Errorf("outer: %w", orig)
	assert.Same(t, orig, AsError(wrapped))

	plain := errors.New("boom")
	e := AsError(plain)
	assert.Equal(t, CodeAPI, e.Code)
	assert.Equal(t, "boom", e.Message)
}

func TestWriterOK(t *testing.T) {
	var buf bytes.Buffer
	w := New(Options{Format: FormatJSON, Writer: &buf})

	require.NoError(t, w.OK(map[string]any{"id": 1}, WithSummary("1 item")))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "1 item", resp.Summary)
}

func TestWriterQuiet(t *testing.T) {
	var buf bytes.Buffer
	w := New(Options{Format: FormatQuiet, Writer: &buf})

	require.NoError(t, w.OK(map[string]any{"id": 1}))

	// No envelope in quiet mode
	var data map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &data))
	assert.Equal(t, float64(1), data["id"])
	assert.NotContains(t, data, "ok")
}

func TestWriterErr(t *testing.T) {
	var buf bytes.Buffer
	w := New(Options{Format: FormatJSON, Writer: &buf})

	require.NoError(t, w.Err(ErrAuth("Not authenticated")))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, "auth_required", resp.Code)
	assert.Equal(t, "Not authenticated", resp.Error)
	assert.Equal(t, "Run: opcli auth login", resp.Hint)
}
