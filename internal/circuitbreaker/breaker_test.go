package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/authorityx/internal/clock"
)

func newBreaker(threshold int) (*Breaker, *clock.Fake) {
	c := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(threshold, time.Minute, c), c
}

func TestBreaker_ClosedByDefault(t *testing.T) {
	b, _ := newBreaker(3)
	assert.True(t, b.Allow("queue"))
	assert.Equal(t, StateClosed, b.State("queue"))
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3)

	b.Failure("queue")
	b.Failure("queue")
	assert.True(t, b.Allow("queue"))

	b.Failure("queue")
	assert.False(t, b.Allow("queue"))
	assert.Equal(t, StateOpen, b.State("queue"))

	// other keys are unaffected
	assert.True(t, b.Allow("pubsub"))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newBreaker(2)

	b.Failure("queue")
	b.Success("queue")
	b.Failure("queue")
	assert.Equal(t, StateClosed, b.State("queue"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, c := newBreaker(1)
	b.Failure("queue")
	assert.False(t, b.Allow("queue"))

	c.Advance(time.Minute)
	assert.True(t, b.Allow("queue"), "one trial call after cooldown")
	assert.Equal(t, StateHalfOpen, b.State("queue"))
	assert.False(t, b.Allow("queue"), "second call waits for the trial")

	b.Success("queue")
	assert.Equal(t, StateClosed, b.State("queue"))
	assert.True(t, b.Allow("queue"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, c := newBreaker(1)
	b.Failure("queue")
	c.Advance(time.Minute)
	assert.True(t, b.Allow("queue"))

	b.Failure("queue")
	assert.Equal(t, StateOpen, b.State("queue"))
	assert.False(t, b.Allow("queue"))

	c.Advance(30 * time.Second)
	assert.False(t, b.Allow("queue"), "cooldown restarts from the failed trial")
}

func TestBreaker_OnTransition(t *testing.T) {
	b, c := newBreaker(1)
	var seen []string
	b.OnTransition(func(key string, from, to State) {
		seen = append(seen, key+":"+from.String()+"->"+to.String())
	})

	b.Failure("queue")
	c.Advance(time.Minute)
	b.Allow("queue")
	b.Success("queue")

	assert.Equal(t, []string{
		"queue:closed->open",
		"queue:open->half_open",
		"queue:half_open->closed",
	}, seen)
}
