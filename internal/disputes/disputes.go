// Package disputes suspends accounts whose payment identity does not match
// the account holder and lets them appeal.
//
// Flow:
//  1. Block suspends the account, opens a pending dispute and revokes sessions
//  2. The user submits an explanation, which starts the auto-unblock window
//  3. An admin resolves or rejects, or the sweeper resolves once the window
//     has passed
package disputes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/idgen"
	"github.com/mbd888/authorityx/internal/logging"
	"github.com/mbd888/authorityx/internal/metrics"
	"github.com/mbd888/authorityx/internal/notify"
	"github.com/mbd888/authorityx/internal/sessions"
	"github.com/mbd888/authorityx/internal/store"
	"github.com/mbd888/authorityx/internal/traces"
)

// DefaultAutoUnblock is how long a submitted dispute waits for review before
// the account is restored automatically.
const DefaultAutoUnblock = 24 * time.Hour

// sweepBatch bounds how many disputes one sweep resolves.
const sweepBatch = 500

// Service manages account disputes.
type Service struct {
	store       store.Store
	revoker     sessions.Revoker
	clock       clock.Clock
	autoUnblock time.Duration
	notifier    notify.Notifier
}

// NewService creates a dispute service. A zero autoUnblock uses
// DefaultAutoUnblock.
func NewService(s store.Store, revoker sessions.Revoker, c clock.Clock, autoUnblock time.Duration) *Service {
	if c == nil {
		c = clock.Real{}
	}
	if autoUnblock <= 0 {
		autoUnblock = DefaultAutoUnblock
	}
	return &Service{store: s, revoker: revoker, clock: c, autoUnblock: autoUnblock, notifier: notify.Nop{}}
}

// WithNotifier sets where post-commit notifications go.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// BlockRequest names the account and the mismatched payment identity.
type BlockRequest struct {
	UserID      string `json:"userId" binding:"required"`
	AccountName string `json:"accountName" binding:"required"`
	PaymentName string `json:"paymentName" binding:"required"`
}

// Block suspends the user and opens a dispute. If the user already has an
// open dispute it is returned unchanged. Session revocation runs last in the
// unit so a revocation failure leaves the account untouched.
func (s *Service) Block(ctx context.Context, actor domain.Actor, req BlockRequest) (*domain.AccountDispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Block", traces.UserID(req.UserID))
	defer metrics.Track("disputes", "block")()
	if !actor.IsAdmin() && actor.Role != domain.RoleSystem {
		err := apperr.Forbidden("only admins can block accounts")
		traces.End(span, err)
		return nil, err
	}

	var (
		d       *domain.AccountDispute
		created bool
		revoked int
	)
	err := store.Atomic(ctx, s.store, "disputes.block", func(tx store.Tx) error {
		created = false
		a, err := tx.Accounts().GetForUpdate(ctx, req.UserID)
		if err != nil {
			return err
		}
		d, err = tx.Disputes().OpenForUser(ctx, a.ID)
		switch {
		case err == nil:
			return nil
		case apperr.KindOf(err) != apperr.KindNotFound:
			return err
		}

		now := s.clock.Now()
		reason := fmt.Sprintf("payment name %q does not match account name %q", req.PaymentName, req.AccountName)
		if err := tx.Accounts().SetSuspended(ctx, a.ID, true, reason, now); err != nil {
			return err
		}
		d = &domain.AccountDispute{
			ID:          idgen.WithPrefix("dsp_"),
			UserID:      a.ID,
			AccountName: req.AccountName,
			PaymentName: req.PaymentName,
			Status:      domain.DisputePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Disputes().Create(ctx, d); err != nil {
			return err
		}
		revoked, err = s.revoker.RevokeAll(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("revoke sessions for %s: %w", a.ID, err)
		}
		created = true
		return nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.DisputesTotal.WithLabelValues("blocked").Inc()
		logging.L(ctx).Info("account blocked", "user_id", d.UserID, "dispute_id", d.ID, "sessions_revoked", revoked)
		s.notifier.Dispatch(ctx, note(d, "Account suspended",
			"Your account is suspended because the name on your payment does not match your account. Submit an explanation to appeal."))
	}
	return d, nil
}

func note(d *domain.AccountDispute, title, message string) notify.Notification {
	return notify.Notification{UserID: d.UserID, Title: title, Message: message, Link: "/disputes/" + d.ID}
}

// Submit records the user's explanation and starts the auto-unblock window.
func (s *Service) Submit(ctx context.Context, id string, actor domain.Actor, explanation string) (*domain.AccountDispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Submit", traces.DisputeID(id), traces.UserID(actor.ID))
	defer metrics.Track("disputes", "submit")()
	if strings.TrimSpace(explanation) == "" {
		err := apperr.BadRequest("an explanation is required")
		traces.End(span, err)
		return nil, err
	}

	var d *domain.AccountDispute
	err := store.Atomic(ctx, s.store, "disputes.submit", func(tx store.Tx) error {
		var err error
		d, err = tx.Disputes().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if d.UserID != actor.ID {
			return apperr.Forbidden("dispute %s belongs to another user", id)
		}
		if d.Status != domain.DisputePending {
			return apperr.InvalidTransition("submit dispute", "dispute", d.Status, domain.DisputePending)
		}
		now := s.clock.Now()
		deadline := now.Add(s.autoUnblock)
		d.Explanation = explanation
		d.Status = domain.DisputeSubmitted
		d.SubmittedAt = &now
		d.AutoUnblockAt = &deadline
		d.UpdatedAt = now
		return tx.Disputes().Update(ctx, d)
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("submitted").Inc()
	return d, nil
}

// Resolve restores the account. Resolving a resolved dispute is a no-op.
func (s *Service) Resolve(ctx context.Context, id string, actor domain.Actor, resolution string) (*domain.AccountDispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Resolve", traces.DisputeID(id), traces.UserID(actor.ID))
	defer metrics.Track("disputes", "resolve")()
	if !actor.IsAdmin() {
		err := apperr.Forbidden("only admins can resolve disputes")
		traces.End(span, err)
		return nil, err
	}
	d, changed, err := s.resolve(ctx, id, actor, resolution)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.DisputesTotal.WithLabelValues("resolved").Inc()
		s.notifier.Dispatch(ctx, note(d, "Account restored", "Your dispute was resolved and your account is active again."))
	}
	return d, nil
}

// resolve restores the account in one unit. changed is false when the
// dispute was already resolved.
func (s *Service) resolve(ctx context.Context, id string, actor domain.Actor, resolution string) (d *domain.AccountDispute, changed bool, err error) {
	err = store.Atomic(ctx, s.store, "disputes.resolve", func(tx store.Tx) error {
		changed = false
		var err error
		d, err = tx.Disputes().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch d.Status {
		case domain.DisputeResolved:
			return nil
		case domain.DisputeRejected:
			return apperr.InvalidTransition("resolve dispute", "dispute", d.Status,
				domain.DisputePending, domain.DisputeSubmitted)
		}
		now := s.clock.Now()
		if err := tx.Accounts().SetSuspended(ctx, d.UserID, false, "", now); err != nil {
			return err
		}
		d.Status = domain.DisputeResolved
		d.ResolvedBy = actor.ID
		d.ResolvedAt = &now
		d.Resolution = resolution
		d.UpdatedAt = now
		if err := tx.Disputes().Update(ctx, d); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return d, changed, err
}

// Reject closes the dispute and leaves the account suspended.
func (s *Service) Reject(ctx context.Context, id string, actor domain.Actor, resolution string) (*domain.AccountDispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Reject", traces.DisputeID(id), traces.UserID(actor.ID))
	defer metrics.Track("disputes", "reject")()
	if !actor.IsAdmin() {
		err := apperr.Forbidden("only admins can reject disputes")
		traces.End(span, err)
		return nil, err
	}

	var d *domain.AccountDispute
	err := store.Atomic(ctx, s.store, "disputes.reject", func(tx store.Tx) error {
		var err error
		d, err = tx.Disputes().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if d.Status.IsTerminal() {
			return apperr.InvalidTransition("reject dispute", "dispute", d.Status,
				domain.DisputePending, domain.DisputeSubmitted)
		}
		now := s.clock.Now()
		d.Status = domain.DisputeRejected
		d.ResolvedBy = actor.ID
		d.ResolvedAt = &now
		d.Resolution = resolution
		d.UpdatedAt = now
		return tx.Disputes().Update(ctx, d)
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("rejected").Inc()
	s.notifier.Dispatch(ctx, note(d, "Dispute rejected", "Your dispute was reviewed and rejected. Your account remains suspended."))
	return d, nil
}

// Sweep resolves every submitted dispute whose auto-unblock deadline is at
// or before now. Each dispute is resolved in its own unit and re-checked
// under lock, so concurrent sweeps and admin actions never double-resolve.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	defer metrics.Track("disputes", "sweep")()
	var due []*domain.AccountDispute
	err := store.Read(ctx, s.store, "disputes.list_due", func(tx store.Tx) error {
		var err error
		due, err = tx.Disputes().ListDue(ctx, now, sweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	resolved := 0
	var notes []notify.Notification
	for _, candidate := range due {
		var d *domain.AccountDispute
		err := store.Atomic(ctx, s.store, "disputes.auto_resolve", func(tx store.Tx) error {
			d = nil
			cur, err := tx.Disputes().GetForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if cur.Status != domain.DisputeSubmitted || cur.AutoUnblockAt == nil || cur.AutoUnblockAt.After(now) {
				return nil
			}
			at := s.clock.Now()
			if err := tx.Accounts().SetSuspended(ctx, cur.UserID, false, "", at); err != nil {
				return err
			}
			cur.Status = domain.DisputeResolved
			cur.ResolvedBy = domain.SystemActor.ID
			cur.ResolvedAt = &at
			cur.Resolution = "auto-unblocked after review window"
			cur.UpdatedAt = at
			if err := tx.Disputes().Update(ctx, cur); err != nil {
				return err
			}
			d = cur
			return nil
		})
		if err != nil {
			s.notifier.Dispatch(ctx, notes...)
			return resolved, err
		}
		if d != nil {
			resolved++
			metrics.DisputesTotal.WithLabelValues("auto_resolved").Inc()
			notes = append(notes, note(d, "Account restored", "Your account was restored after your dispute was reviewed."))
		}
	}
	s.notifier.Dispatch(ctx, notes...)
	return resolved, nil
}

// Get returns a dispute to its owner or an admin.
func (s *Service) Get(ctx context.Context, id string, actor domain.Actor) (*domain.AccountDispute, error) {
	var d *domain.AccountDispute
	err := store.Read(ctx, s.store, "disputes.get", func(tx store.Tx) error {
		var err error
		d, err = tx.Disputes().Get(ctx, id)
		if err != nil {
			return err
		}
		if d.UserID != actor.ID && !actor.IsAdmin() {
			return apperr.Forbidden("dispute %s belongs to another user", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Current returns the user's open dispute, or NotFound.
func (s *Service) Current(ctx context.Context, userID string) (*domain.AccountDispute, error) {
	var d *domain.AccountDispute
	err := store.Read(ctx, s.store, "disputes.current", func(tx store.Tx) error {
		var err error
		d, err = tx.Disputes().OpenForUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListPending returns open disputes for admin review: submitted ones first,
// then those still waiting on the user.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*domain.AccountDispute, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.AccountDispute
	err := store.Read(ctx, s.store, "disputes.list_pending", func(tx store.Tx) error {
		for _, st := range []domain.DisputeStatus{domain.DisputeSubmitted, domain.DisputePending} {
			ds, err := tx.Disputes().ListByStatus(ctx, st, limit-len(out))
			if err != nil {
				return err
			}
			out = append(out, ds...)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
