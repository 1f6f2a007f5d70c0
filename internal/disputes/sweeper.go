package disputes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/authorityx/internal/metrics"
)

// Sweeper periodically auto-resolves submitted disputes past their deadline.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a dispute sweeper. A zero interval sweeps hourly.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RunOnce performs a single sweep at the service clock's current time.
func (s *Sweeper) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DisputeSweepsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in dispute sweeper", "panic", fmt.Sprint(r))
		}
	}()

	resolved, err := s.service.Sweep(ctx, s.service.clock.Now())
	if err != nil {
		metrics.DisputeSweepsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("dispute sweep failed", "resolved", resolved, "error", err)
		return
	}
	metrics.DisputeSweepsTotal.WithLabelValues("ok").Inc()
	if resolved > 0 {
		s.logger.Info("disputes auto-resolved", "count", resolved)
	}
}
