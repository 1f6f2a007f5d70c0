// Package notify delivers user notifications after state changes commit.
//
// Services hand notifications to a Notifier once their unit of work has
// committed. Delivery is asynchronous and best-effort: a failing sink is
// logged and counted but never reported back to the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/authorityx/internal/metrics"
)

// Notification is a message for one user.
type Notification struct {
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
}

// Sink delivers a notification somewhere.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Notifier accepts notifications for fire-and-forget delivery.
type Notifier interface {
	Dispatch(ctx context.Context, ns ...Notification)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Dispatch(context.Context, ...Notification) {}

// DefaultTimeout bounds one delivery attempt to one sink.
const DefaultTimeout = 10 * time.Second

// Dispatcher fans notifications out to sinks on background goroutines.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering to sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sinks: sinks, timeout: DefaultTimeout, logger: logger}
}

// Dispatch queues ns for delivery and returns immediately. The request
// context's values are kept but its cancellation is not.
func (d *Dispatcher) Dispatch(ctx context.Context, ns ...Notification) {
	if len(ns) == 0 || len(d.sinks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, n := range ns {
			for _, sink := range d.sinks {
				d.deliver(ctx, sink, n)
			}
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := safeNotify(ctx, sink, n)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
		d.logger.Warn("notification delivery failed",
			"sink", sink.Name(), "user_id", n.UserID, "title", n.Title, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), "ok").Inc()
}

func safeNotify(ctx context.Context, sink Sink, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sink: %v", r)
		}
	}()
	return sink.Notify(ctx, n)
}

// Wait blocks until every dispatched notification has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Recorder is an in-memory sink that keeps what it receives.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

// Sent returns a copy of everything received.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// For returns what userID received.
func (r *Recorder) For(userID string) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Notify(_ context.Context, n Notification) error {
	s.Logger.Info("notification",
		"user_id", n.UserID, "title", n.Title, "message", n.Message, "link", n.Link)
	return nil
}
