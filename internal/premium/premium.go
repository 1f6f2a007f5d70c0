// Package premium grants buyers access to restricted listings.
//
// A grant always pairs an unlock with a one-credit debit in the same unit of
// work. Subscribers on a qualifying plan get the grant immediately; everyone
// else files a request that an admin approves or rejects.
package premium

import (
	"context"
	"fmt"
	"slices"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/idgen"
	"github.com/mbd888/authorityx/internal/ledger"
	"github.com/mbd888/authorityx/internal/metrics"
	"github.com/mbd888/authorityx/internal/notify"
	"github.com/mbd888/authorityx/internal/store"
	"github.com/mbd888/authorityx/internal/traces"
)

// Cost is the credit price of one listing unlock.
const Cost = 1

// ReasonUnlock is the ledger reason recorded for an unlock debit.
const ReasonUnlock = "premium_unlock"

// Config selects which plans skip review and which may not request at all.
type Config struct {
	FastTiers    []domain.Tier
	BlockedTiers []domain.Tier
}

// DefaultConfig returns the standard plan rules.
func DefaultConfig() Config {
	return Config{
		FastTiers:    []domain.Tier{domain.TierPro, domain.TierEnterprise},
		BlockedTiers: []domain.Tier{domain.TierBroker},
	}
}

func (c Config) fastPath(a *domain.Account) bool {
	return a.SubscriptionActive && slices.Contains(c.FastTiers, a.Tier)
}

// Service manages premium access.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	cfg      Config
	clock    clock.Clock
	notifier notify.Notifier
}

// NewService creates a premium access service.
func NewService(s store.Store, l *ledger.Ledger, cfg Config, c clock.Clock) *Service {
	if c == nil {
		c = clock.Real{}
	}
	return &Service{store: s, ledger: l, cfg: cfg, clock: c, notifier: notify.Nop{}}
}

// WithNotifier sets where post-commit notifications go.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// Request is the body of an access request.
type Request struct {
	ListingID string `json:"listingId" binding:"required"`
	Message   string `json:"message"`
}

// Request files an access request for a restricted listing. Checks run in a
// fixed order so callers see the most fundamental problem first.
func (s *Service) Request(ctx context.Context, actor domain.Actor, req Request) (*domain.PremiumRequest, error) {
	ctx, span := traces.StartSpan(ctx, "premium.Request", traces.ListingID(req.ListingID), traces.UserID(actor.ID))
	defer metrics.Track("premium", "request")()

	var (
		r       *domain.PremiumRequest
		outcome string
		listing *domain.Listing
	)
	err := store.Atomic(ctx, s.store, "premium.request", func(tx store.Tx) error {
		l, err := tx.Listings().Get(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if !l.Restricted {
			return apperr.BadRequest("listing %s is not restricted", l.ID)
		}
		listing = l
		a, err := tx.Accounts().GetForUpdate(ctx, actor.ID)
		if err != nil {
			return err
		}
		if slices.Contains(s.cfg.BlockedTiers, a.Tier) {
			return apperr.New(apperr.KindPlanNotEligible, "plan %s cannot request premium access", a.Tier)
		}
		if l.SellerID == a.ID {
			return apperr.New(apperr.KindAlreadyUnlocked, "sellers always see their own listing")
		}
		unlocked, err := tx.Unlocks().Exists(ctx, a.ID, l.ID)
		if err != nil {
			return err
		}
		if unlocked {
			return apperr.New(apperr.KindAlreadyUnlocked, "listing %s is already unlocked", l.ID)
		}
		open, err := tx.PremiumRequests().OpenFor(ctx, a.ID, l.ID)
		switch {
		case err == nil:
			return apperr.New(apperr.KindDuplicateRequest, "request %s for listing %s is still %s", open.ID, l.ID, open.Status)
		case apperr.KindOf(err) != apperr.KindNotFound:
			return err
		}
		if avail := a.AvailableCredits(); avail < Cost {
			return apperr.InsufficientCredits(Cost, avail)
		}

		now := s.clock.Now()
		r = &domain.PremiumRequest{
			ID:        idgen.WithPrefix("prq_"),
			BuyerID:   a.ID,
			ListingID: l.ID,
			Message:   req.Message,
			Status:    domain.PremiumPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		outcome = "pending"
		if !s.cfg.fastPath(a) {
			return tx.PremiumRequests().Create(ctx, r)
		}
		r.Status = domain.PremiumCompleted
		r.HandledBy = domain.SystemActor.ID
		r.CompletedAt = &now
		outcome = "fast_path"
		if err := tx.PremiumRequests().Create(ctx, r); err != nil {
			return err
		}
		return s.grant(ctx, tx, r)
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	metrics.PremiumRequestsTotal.WithLabelValues(outcome).Inc()
	if r.Status == domain.PremiumCompleted {
		s.notifier.Dispatch(ctx, granted(r, listing))
	}
	return r, nil
}

// grant unlocks the listing for the request's buyer and debits the cost.
// Both the fast path and admin approval go through here.
func (s *Service) grant(ctx context.Context, tx store.Tx, r *domain.PremiumRequest) error {
	entry, err := s.ledger.DebitTx(ctx, tx, r.BuyerID, Cost, ReasonUnlock, r.ID)
	if err != nil {
		return err
	}
	return tx.Unlocks().Create(ctx, &domain.Unlock{
		ID:         idgen.WithPrefix("unl_"),
		UserID:     r.BuyerID,
		ListingID:  r.ListingID,
		CreditTxID: entry.ID,
		CreatedAt:  s.clock.Now(),
	})
}

func granted(r *domain.PremiumRequest, l *domain.Listing) notify.Notification {
	return notify.Notification{
		UserID:  r.BuyerID,
		Title:   "Premium access granted",
		Message: fmt.Sprintf("You can now see the full details of %s. %d credit was used.", l.Title, Cost),
		Link:    "/listings/" + l.ID,
	}
}

// review locks request id for an admin action.
func (s *Service) review(ctx context.Context, op, id string, actor domain.Actor, fn func(tx store.Tx, r *domain.PremiumRequest) error) (*domain.PremiumRequest, *domain.Listing, error) {
	ctx, span := traces.StartSpan(ctx, "premium."+op, traces.UserID(actor.ID))
	defer metrics.Track("premium", op)()
	if !actor.IsAdmin() {
		err := apperr.Forbidden("only admins can %s premium requests", op)
		traces.End(span, err)
		return nil, nil, err
	}
	var (
		r *domain.PremiumRequest
		l *domain.Listing
	)
	err := store.Atomic(ctx, s.store, "premium."+op, func(tx store.Tx) error {
		var err error
		r, err = tx.PremiumRequests().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, r); err != nil {
			return err
		}
		r.HandledBy = actor.ID
		r.UpdatedAt = s.clock.Now()
		if err := tx.PremiumRequests().Update(ctx, r); err != nil {
			return err
		}
		l, err = tx.Listings().Get(ctx, r.ListingID)
		return err
	})
	traces.End(span, err)
	if err != nil {
		return nil, nil, err
	}
	return r, l, nil
}

// AdminApprove completes an open request with the same grant as the fast path.
func (s *Service) AdminApprove(ctx context.Context, id string, actor domain.Actor) (*domain.PremiumRequest, error) {
	r, l, err := s.review(ctx, "approve", id, actor, func(tx store.Tx, r *domain.PremiumRequest) error {
		if r.Status.IsTerminal() {
			return apperr.InvalidTransition("approve request", "premium request", r.Status,
				domain.PremiumPending, domain.PremiumContacted, domain.PremiumInProgress)
		}
		unlocked, err := tx.Unlocks().Exists(ctx, r.BuyerID, r.ListingID)
		if err != nil {
			return err
		}
		if unlocked {
			return apperr.New(apperr.KindAlreadyUnlocked, "listing %s is already unlocked", r.ListingID)
		}
		if err := s.grant(ctx, tx, r); err != nil {
			return err
		}
		now := s.clock.Now()
		r.Status = domain.PremiumCompleted
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PremiumRequestsTotal.WithLabelValues("approved").Inc()
	s.notifier.Dispatch(ctx, granted(r, l))
	return r, nil
}

// AdminReject cancels an open request. No credits move.
func (s *Service) AdminReject(ctx context.Context, id string, actor domain.Actor) (*domain.PremiumRequest, error) {
	r, l, err := s.review(ctx, "reject", id, actor, func(_ store.Tx, r *domain.PremiumRequest) error {
		if r.Status.IsTerminal() {
			return apperr.InvalidTransition("reject request", "premium request", r.Status,
				domain.PremiumPending, domain.PremiumContacted, domain.PremiumInProgress)
		}
		r.Status = domain.PremiumCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PremiumRequestsTotal.WithLabelValues("rejected").Inc()
	s.notifier.Dispatch(ctx, notify.Notification{
		UserID:  r.BuyerID,
		Title:   "Premium request declined",
		Message: fmt.Sprintf("Your request for %s was declined. No credits were used.", l.Title),
		Link:    "/listings/" + l.ID,
	})
	return r, nil
}

// MarkContacted records that an admin reached out to the buyer.
func (s *Service) MarkContacted(ctx context.Context, id string, actor domain.Actor) (*domain.PremiumRequest, error) {
	r, _, err := s.review(ctx, "contacted", id, actor, func(_ store.Tx, r *domain.PremiumRequest) error {
		if r.Status != domain.PremiumPending {
			return apperr.InvalidTransition("mark contacted", "premium request", r.Status, domain.PremiumPending)
		}
		r.Status = domain.PremiumContacted
		return nil
	})
	return r, err
}

// MarkInProgress records that the request is being worked on.
func (s *Service) MarkInProgress(ctx context.Context, id string, actor domain.Actor) (*domain.PremiumRequest, error) {
	r, _, err := s.review(ctx, "in_progress", id, actor, func(_ store.Tx, r *domain.PremiumRequest) error {
		if r.Status != domain.PremiumPending && r.Status != domain.PremiumContacted {
			return apperr.InvalidTransition("mark in progress", "premium request", r.Status,
				domain.PremiumPending, domain.PremiumContacted)
		}
		r.Status = domain.PremiumInProgress
		return nil
	})
	return r, err
}

// Get returns a request to its buyer or an admin.
func (s *Service) Get(ctx context.Context, id string, actor domain.Actor) (*domain.PremiumRequest, error) {
	var r *domain.PremiumRequest
	err := store.Read(ctx, s.store, "premium.get", func(tx store.Tx) error {
		var err error
		r, err = tx.PremiumRequests().Get(ctx, id)
		if err != nil {
			return err
		}
		if r.BuyerID != actor.ID && !actor.IsAdmin() {
			return apperr.Forbidden("request %s belongs to another user", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// HasAccess reports whether actor may see the restricted details of a
// listing: unrestricted listings, the seller, admins and unlocked buyers.
func (s *Service) HasAccess(ctx context.Context, actor domain.Actor, listingID string) (bool, error) {
	var ok bool
	err := store.Read(ctx, s.store, "premium.has_access", func(tx store.Tx) error {
		l, err := tx.Listings().Get(ctx, listingID)
		if err != nil {
			return err
		}
		if !l.Restricted || l.SellerID == actor.ID || actor.IsAdmin() {
			ok = true
			return nil
		}
		ok, err = tx.Unlocks().Exists(ctx, actor.ID, listingID)
		return err
	})
	return ok, err
}

// ListByStatus returns requests in status for the admin queue, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status domain.PremiumStatus, limit int) ([]*domain.PremiumRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.PremiumRequest
	err := store.Read(ctx, s.store, "premium.list", func(tx store.Tx) error {
		var err error
		out, err = tx.PremiumRequests().ListByStatus(ctx, status, limit)
		return err
	})
	return out, err
}
