// Package timeline records the audit trail of escrow transactions.
//
// Entries are appended inside the unit of work that performs the transition
// they describe and are never updated or deleted.
package timeline

import (
	"context"

	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/idgen"
	"github.com/mbd888/authorityx/internal/store"
)

// Recorder appends timeline entries.
type Recorder struct {
	clock clock.Clock
}

// NewRecorder creates a recorder stamping entries with c.
func NewRecorder(c clock.Clock) *Recorder {
	if c == nil {
		c = clock.Real{}
	}
	return &Recorder{clock: c}
}

// Record appends an entry for t's current status, attributed to actor.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, t *domain.Transaction, actor domain.Actor, title, description string) (*domain.TimelineEntry, error) {
	e := &domain.TimelineEntry{
		ID:            idgen.WithPrefix("evt_"),
		TransactionID: t.ID,
		Status:        t.Status,
		Title:         title,
		Description:   description,
		ActorID:       actor.ID,
		ActorRole:     t.PartyOf(actor),
		CreatedAt:     r.clock.Now(),
	}
	if err := tx.Timeline().Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns a transaction's entries in the order they were recorded.
func List(ctx context.Context, s store.Store, txID string) ([]*domain.TimelineEntry, error) {
	var out []*domain.TimelineEntry
	err := store.Read(ctx, s, "timeline.list", func(tx store.Tx) error {
		var err error
		out, err = tx.Timeline().List(ctx, txID)
		return err
	})
	return out, err
}
