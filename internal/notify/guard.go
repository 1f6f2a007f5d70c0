package notify

import (
	"context"
	"errors"

	"github.com/mbd888/authorityx/internal/circuitbreaker"
	"github.com/mbd888/authorityx/internal/metrics"
)

// ErrSinkUnavailable is returned while a guarded sink's circuit is open.
var ErrSinkUnavailable = errors.New("notification sink unavailable")

// Guarded skips a sink whose recent deliveries keep failing, so an outage
// of Redis or a downstream provider does not stall every dispatch for the
// full delivery timeout.
type Guarded struct {
	sink    Sink
	breaker *circuitbreaker.Breaker
}

// Guard wraps sink with breaker. Circuit transitions are counted per sink.
func Guard(sink Sink, breaker *circuitbreaker.Breaker) *Guarded {
	breaker.OnTransition(func(key string, _, to circuitbreaker.State) {
		metrics.SinkBreakerTransitions.WithLabelValues(key, to.String()).Inc()
	})
	return &Guarded{sink: sink, breaker: breaker}
}

func (g *Guarded) Name() string { return g.sink.Name() }

func (g *Guarded) Notify(ctx context.Context, n Notification) error {
	name := g.sink.Name()
	if !g.breaker.Allow(name) {
		return ErrSinkUnavailable
	}
	if err := g.sink.Notify(ctx, n); err != nil {
		g.breaker.Failure(name)
		return err
	}
	g.breaker.Success(name)
	return nil
}
