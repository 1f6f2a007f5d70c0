package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_LevelGating(t *testing.T) {
	ctx := context.Background()

	debug := New("debug", "text")
	assert.True(t, debug.Enabled(ctx, slog.LevelDebug))

	errOnly := New("error", "json")
	assert.False(t, errOnly.Enabled(ctx, slog.LevelInfo))
	assert.True(t, errOnly.Enabled(ctx, slog.LevelError))
}

func TestRequestIDAndActor(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, ActorID(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	ctx = WithActor(ctx, "user_1")

	assert.Equal(t, "second", RequestID(ctx))
	assert.Equal(t, "user_1", ActorID(ctx))
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	custom := New("info", "json")
	ctx := WithLogger(context.Background(), custom)
	assert.Same(t, custom, FromContext(ctx))
}

func TestL_AnnotatesRequestAndActor(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithActor(ctx, "buyer_1")

	L(ctx).Info("deposit submitted", "tx_id", "tx_1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "deposit submitted", line["msg"])
	assert.Equal(t, "req-456", line["request_id"])
	assert.Equal(t, "buyer_1", line["actor_id"])
	assert.Equal(t, "tx_1", line["tx_id"])
}

func TestL_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	L(ctx).Info("sweep finished")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "request_id")
	assert.NotContains(t, line, "actor_id")
}
