package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/authorityx/internal/circuitbreaker"
	"github.com/mbd888/authorityx/internal/clock"
)

func TestGuarded_SkipsSinkWhileOpen(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	failing := &failingSink{}
	g := Guard(failing, circuitbreaker.New(2, time.Minute, c))
	n := Notification{UserID: "usr_1", Title: "Hello"}

	require.Error(t, g.Notify(context.Background(), n))
	require.Error(t, g.Notify(context.Background(), n))
	assert.ErrorIs(t, g.Notify(context.Background(), n), ErrSinkUnavailable)
	assert.Equal(t, 2, failing.calls)

	c.Advance(time.Minute)
	require.Error(t, g.Notify(context.Background(), n))
	assert.Equal(t, 3, failing.calls, "trial call reaches the sink after cooldown")
}

func TestGuarded_PassesThrough(t *testing.T) {
	rec := &Recorder{}
	g := Guard(rec, circuitbreaker.New(1, time.Minute, nil))

	require.NoError(t, g.Notify(context.Background(), Notification{UserID: "usr_1", Title: "Hi"}))
	assert.Equal(t, "recorder", g.Name())
	assert.Len(t, rec.For("usr_1"), 1)
}
