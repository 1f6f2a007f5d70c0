// Package ledger owns user credit balances.
//
// An account's TotalCredits and UsedCredits change only through this package.
// Every change appends an immutable CreditTransaction in the same unit of
// work, so the signed sum of a user's entries always equals their available
// balance. Callers that pair a debit with the grant it pays for use the Tx
// variants inside their own unit.
package ledger

import (
	"context"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/idgen"
	"github.com/mbd888/authorityx/internal/metrics"
	"github.com/mbd888/authorityx/internal/store"
	"github.com/mbd888/authorityx/internal/traces"
)

// Balance is a user's credit position.
type Balance struct {
	UserID    string `json:"userId"`
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Available int64  `json:"available"`
}

// Audit compares the balance on the account with its entry log.
type Audit struct {
	UserID     string `json:"userId"`
	Available  int64  `json:"available"`
	EntrySum   int64  `json:"entrySum"`
	Consistent bool   `json:"consistent"`
}

// Ledger manages credit balances.
type Ledger struct {
	store store.Store
	clock clock.Clock
}

// New creates a ledger over s.
func New(s store.Store, c clock.Clock) *Ledger {
	if c == nil {
		c = clock.Real{}
	}
	return &Ledger{store: s, clock: c}
}

// Balance returns the user's current credit position.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	var bal *Balance
	err := store.Read(ctx, l.store, "ledger.balance", func(tx store.Tx) error {
		a, err := tx.Accounts().Get(ctx, userID)
		if err != nil {
			return err
		}
		bal = balanceOf(a)
		return nil
	})
	return bal, err
}

// Debit spends amount credits in its own unit of work.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reason, reference string) (*domain.CreditTransaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Debit", traces.UserID(userID), traces.Credits(amount))
	defer metrics.Track("ledger", "debit")()

	var entry *domain.CreditTransaction
	err := store.Atomic(ctx, l.store, "ledger.debit", func(tx store.Tx) error {
		var err error
		entry, err = l.DebitTx(ctx, tx, userID, amount, reason, reference)
		return err
	})
	traces.End(span, err)
	observe("debit", amount, err)
	return entry, err
}

// DebitTx spends amount credits inside the caller's unit. The account row is
// locked before the balance is checked, so concurrent debits serialize.
func (l *Ledger) DebitTx(ctx context.Context, tx store.Tx, userID string, amount int64, reason, reference string) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, apperr.BadRequest("debit amount must be positive, got %d", amount)
	}
	a, err := tx.Accounts().GetForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if avail := a.AvailableCredits(); avail < amount {
		return nil, apperr.InsufficientCredits(amount, avail)
	}
	return l.apply(ctx, tx, a, a.TotalCredits, a.UsedCredits+amount, -amount, reason, reference)
}

// Credit grants amount credits in its own unit of work.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason, reference string) (*domain.CreditTransaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Credit", traces.UserID(userID), traces.Credits(amount))
	defer metrics.Track("ledger", "credit")()

	var entry *domain.CreditTransaction
	err := store.Atomic(ctx, l.store, "ledger.credit", func(tx store.Tx) error {
		var err error
		entry, err = l.CreditTx(ctx, tx, userID, amount, reason, reference)
		return err
	})
	traces.End(span, err)
	observe("credit", amount, err)
	return entry, err
}

// CreditTx grants amount credits inside the caller's unit.
func (l *Ledger) CreditTx(ctx context.Context, tx store.Tx, userID string, amount int64, reason, reference string) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, apperr.BadRequest("credit amount must be positive, got %d", amount)
	}
	a, err := tx.Accounts().GetForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, tx, a, a.TotalCredits+amount, a.UsedCredits, amount, reason, reference)
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, a *domain.Account, total, used, delta int64, reason, reference string) (*domain.CreditTransaction, error) {
	now := l.clock.Now()
	if err := tx.Accounts().SetCredits(ctx, a.ID, total, used, now); err != nil {
		return nil, err
	}
	entry := &domain.CreditTransaction{
		ID:           idgen.WithPrefix("crd_"),
		UserID:       a.ID,
		Amount:       delta,
		BalanceAfter: total - used,
		Reason:       reason,
		ReferenceID:  reference,
		CreatedAt:    now,
	}
	if err := tx.Credits().Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// History lists the user's entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.CreditTransaction
	err := store.Read(ctx, l.store, "ledger.history", func(tx store.Tx) error {
		if _, err := tx.Accounts().Get(ctx, userID); err != nil {
			return err
		}
		var err error
		out, err = tx.Credits().List(ctx, userID, limit)
		return err
	})
	return out, err
}

// Verify recomputes the entry sum and compares it with the account balance.
func (l *Ledger) Verify(ctx context.Context, userID string) (*Audit, error) {
	var audit *Audit
	err := store.Read(ctx, l.store, "ledger.verify", func(tx store.Tx) error {
		a, err := tx.Accounts().Get(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := tx.Credits().Sum(ctx, userID)
		if err != nil {
			return err
		}
		avail := a.AvailableCredits()
		audit = &Audit{
			UserID:     userID,
			Available:  avail,
			EntrySum:   sum,
			Consistent: sum == avail && a.UsedCredits >= 0 && a.UsedCredits <= a.TotalCredits,
		}
		return nil
	})
	return audit, err
}

func balanceOf(a *domain.Account) *Balance {
	return &Balance{
		UserID:    a.ID,
		Total:     a.TotalCredits,
		Used:      a.UsedCredits,
		Available: a.AvailableCredits(),
	}
}

func observe(kind string, amount int64, err error) {
	if err != nil {
		metrics.CreditOpsTotal.WithLabelValues(kind, string(apperr.KindOf(err))).Inc()
		return
	}
	metrics.CreditOpsTotal.WithLabelValues(kind, "ok").Inc()
	metrics.CreditsMovedTotal.WithLabelValues(kind).Add(float64(amount))
}
