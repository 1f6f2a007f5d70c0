package store

import (
	"context"
	"errors"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/logging"
	"github.com/mbd888/authorityx/internal/metrics"
)

// Atomic runs fn as one unit of work named op. Domain errors pass through
// unchanged. Anything else means the unit was rolled back for an
// infrastructure reason; it is logged and surfaced as OperationFailed.
func Atomic(ctx context.Context, s Store, op string, fn func(tx Tx) error) error {
	err := s.Update(ctx, fn)
	if err == nil {
		return nil
	}
	if apperr.IsDomain(err) || errors.Is(err, apperr.ErrOperationFailed) {
		return err
	}
	metrics.UnitOfWorkFailures.WithLabelValues(op).Inc()
	logging.L(ctx).Error("unit of work rolled back", "op", op, "error", err)
	return apperr.OperationFailed(op, err)
}

// Read runs fn as a read-only unit, classifying errors like Atomic.
func Read(ctx context.Context, s Store, op string, fn func(tx Tx) error) error {
	err := s.View(ctx, fn)
	if err == nil || apperr.IsDomain(err) {
		return err
	}
	logging.L(ctx).Error("read failed", "op", op, "error", err)
	return apperr.OperationFailed(op, err)
}
