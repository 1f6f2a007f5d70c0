// Package offers handles price negotiation on listings.
//
// Flow:
//  1. A buyer makes an offer (or buys now at the asking price)
//  2. The seller accepts, rejects or counters
//  3. After a counter the buyer accepts or rejects
//  4. Acceptance opens the escrow transaction in the same unit of work
package offers

import (
	"context"
	"fmt"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/escrow"
	"github.com/mbd888/authorityx/internal/idgen"
	"github.com/mbd888/authorityx/internal/metrics"
	"github.com/mbd888/authorityx/internal/money"
	"github.com/mbd888/authorityx/internal/notify"
	"github.com/mbd888/authorityx/internal/store"
	"github.com/mbd888/authorityx/internal/traces"
)

// Opener opens escrow transactions from accepted offers.
type Opener interface {
	OpenInTx(ctx context.Context, tx store.Tx, offerID string, actor domain.Actor) (*escrow.Opened, error)
	Announce(ctx context.Context, o *escrow.Opened)
}

// Service manages offers.
type Service struct {
	store    store.Store
	opener   Opener
	clock    clock.Clock
	notifier notify.Notifier
}

// NewService creates an offer service.
func NewService(s store.Store, opener Opener, c clock.Clock) *Service {
	if c == nil {
		c = clock.Real{}
	}
	return &Service{store: s, opener: opener, clock: c, notifier: notify.Nop{}}
}

// WithNotifier sets where post-commit notifications go.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// CreateRequest is the body of a new offer.
type CreateRequest struct {
	ListingID string       `json:"listingId" binding:"required"`
	Amount    money.Amount `json:"amount"`
	Message   string       `json:"message"`
	BuyNow    bool         `json:"buyNow"`
}

// CounterRequest is the body of a seller's counter offer.
type CounterRequest struct {
	Amount  money.Amount `json:"amount" binding:"required"`
	Message string       `json:"message"`
}

// Result is an offer and, once accepted, the transaction it opened.
type Result struct {
	Offer       *domain.Offer       `json:"offer"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

// run executes fn in one unit and dispatches what it queued after commit.
func (s *Service) run(ctx context.Context, op string, fn func(tx store.Tx, notes *[]notify.Notification) (*escrow.Opened, error)) error {
	defer metrics.Track("offers", op)()
	var (
		notes  []notify.Notification
		opened *escrow.Opened
	)
	err := store.Atomic(ctx, s.store, "offers."+op, func(tx store.Tx) error {
		notes = nil
		var err error
		opened, err = fn(tx, &notes)
		return err
	})
	if err != nil {
		return err
	}
	if opened != nil {
		s.opener.Announce(ctx, opened)
	}
	s.notifier.Dispatch(ctx, notes...)
	return nil
}

func offerNote(o *domain.Offer, userID, title, message string) notify.Notification {
	return notify.Notification{UserID: userID, Title: title, Message: message, Link: "/offers/" + o.ID}
}

// Create records a buyer's offer. A buy-now offer at the asking price is
// accepted immediately.
func (s *Service) Create(ctx context.Context, actor domain.Actor, req CreateRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Create", traces.ListingID(req.ListingID), traces.UserID(actor.ID))
	var res *Result
	err := s.run(ctx, "create", func(tx store.Tx, notes *[]notify.Notification) (*escrow.Opened, error) {
		res = nil
		buyer, err := tx.Accounts().Get(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		if buyer.Suspended {
			return nil, apperr.Forbidden("account %s is suspended", buyer.ID)
		}
		l, err := tx.Listings().GetForUpdate(ctx, req.ListingID)
		if err != nil {
			return nil, err
		}
		if l.Status != domain.ListingActive {
			return nil, apperr.InvalidTransition("make offer", "listing", l.Status, domain.ListingActive)
		}
		if l.SellerID == actor.ID {
			return nil, apperr.BadRequest("seller cannot make an offer on their own listing")
		}

		amount := req.Amount
		if req.BuyNow {
			if amount == 0 {
				amount = l.AskingPrice
			}
			if amount != l.AskingPrice {
				return nil, apperr.BadRequest("buy now must be at the asking price %s", l.AskingPrice)
			}
		}
		if amount <= 0 {
			return nil, apperr.BadRequest("offer amount must be positive")
		}

		open, err := tx.Offers().ListOpenByListing(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		for _, o := range open {
			if o.BuyerID == actor.ID {
				return nil, apperr.New(apperr.KindDuplicateRequest,
					"offer %s on this listing is still open", o.ID)
			}
		}

		now := s.clock.Now()
		o := &domain.Offer{
			ID:        idgen.WithPrefix("off_"),
			ListingID: l.ID,
			BuyerID:   actor.ID,
			SellerID:  l.SellerID,
			Amount:    amount,
			BuyNow:    req.BuyNow,
			Message:   req.Message,
			Status:    domain.OfferPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Offers().Create(ctx, o); err != nil {
			return nil, err
		}

		if !req.BuyNow {
			*notes = append(*notes, offerNote(o, l.SellerID, "New offer",
				fmt.Sprintf("You received an offer of %s on %s.", amount, l.Title)))
			res = &Result{Offer: o}
			return nil, nil
		}

		opened, err := s.opener.OpenInTx(ctx, tx, o.ID, actor)
		if err != nil {
			return nil, err
		}
		accepted, err := tx.Offers().Get(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		res = &Result{Offer: accepted, Transaction: opened.Transaction}
		return opened, nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// mutate locks offer id and applies fn to it.
func (s *Service) mutate(ctx context.Context, op, id string, actor domain.Actor, fn func(tx store.Tx, o *domain.Offer, notes *[]notify.Notification) (*escrow.Opened, error)) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "offers."+op, traces.OfferID(id), traces.UserID(actor.ID))
	var res *Result
	err := s.run(ctx, op, func(tx store.Tx, notes *[]notify.Notification) (*escrow.Opened, error) {
		o, err := tx.Offers().GetForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		if actor.ID != o.BuyerID && actor.ID != o.SellerID && !actor.IsAdmin() {
			return nil, apperr.Forbidden("actor %s is not a party to offer %s", actor.ID, o.ID)
		}
		opened, err := fn(tx, o, notes)
		if err != nil {
			return nil, err
		}
		res = &Result{Offer: o}
		if opened != nil {
			res.Transaction = opened.Transaction
		}
		return opened, nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// respondent returns who answers the offer in its current state: the seller
// while it is pending, the buyer once the seller has countered.
func respondent(o *domain.Offer) string {
	if o.Status == domain.OfferCountered {
		return o.BuyerID
	}
	return o.SellerID
}

func expectOpen(op string, o *domain.Offer) error {
	if o.Status.IsTerminal() {
		return apperr.InvalidTransition(op, "offer", o.Status, domain.OfferPending, domain.OfferCountered)
	}
	return nil
}

// Accept accepts the offer at its agreed price and opens the transaction.
// The seller accepts a pending offer, the buyer a countered one. Admins may
// accept on behalf of either.
func (s *Service) Accept(ctx context.Context, id string, actor domain.Actor) (*Result, error) {
	return s.mutate(ctx, "accept", id, actor, func(tx store.Tx, o *domain.Offer, _ *[]notify.Notification) (*escrow.Opened, error) {
		if err := expectOpen("accept offer", o); err != nil {
			return nil, err
		}
		if actor.ID != respondent(o) && !actor.IsAdmin() {
			return nil, apperr.Forbidden("offer %s is waiting on the other party", o.ID)
		}
		opened, err := s.opener.OpenInTx(ctx, tx, o.ID, actor)
		if err != nil {
			return nil, err
		}
		accepted, err := tx.Offers().Get(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		*o = *accepted
		return opened, nil
	})
}

// Counter replaces a pending offer's price with the seller's counter amount.
func (s *Service) Counter(ctx context.Context, id string, actor domain.Actor, req CounterRequest) (*Result, error) {
	return s.mutate(ctx, "counter", id, actor, func(tx store.Tx, o *domain.Offer, notes *[]notify.Notification) (*escrow.Opened, error) {
		if actor.ID != o.SellerID {
			return nil, apperr.Forbidden("only the seller can counter offer %s", o.ID)
		}
		if o.Status != domain.OfferPending {
			return nil, apperr.InvalidTransition("counter offer", "offer", o.Status, domain.OfferPending)
		}
		if req.Amount <= 0 {
			return nil, apperr.BadRequest("counter amount must be positive")
		}
		if req.Amount == o.Amount {
			return nil, apperr.BadRequest("counter amount equals the offer; accept it instead")
		}
		amount := req.Amount
		o.CounterAmount = &amount
		if req.Message != "" {
			o.Message = req.Message
		}
		o.Status = domain.OfferCountered
		o.UpdatedAt = s.clock.Now()
		if err := tx.Offers().Update(ctx, o); err != nil {
			return nil, err
		}
		*notes = append(*notes, offerNote(o, o.BuyerID, "Counter offer",
			fmt.Sprintf("The seller countered your offer of %s with %s.", o.Amount, amount)))
		return nil, nil
	})
}

// Reject declines the offer. The party whose turn it is may reject.
func (s *Service) Reject(ctx context.Context, id string, actor domain.Actor, reason string) (*Result, error) {
	return s.mutate(ctx, "reject", id, actor, func(tx store.Tx, o *domain.Offer, notes *[]notify.Notification) (*escrow.Opened, error) {
		if err := expectOpen("reject offer", o); err != nil {
			return nil, err
		}
		if actor.ID != respondent(o) && !actor.IsAdmin() {
			return nil, apperr.Forbidden("offer %s is waiting on the other party", o.ID)
		}
		to := o.BuyerID
		if actor.ID == o.BuyerID {
			to = o.SellerID
		}
		price := o.AgreedPrice()
		if err := s.close(ctx, tx, o, reason); err != nil {
			return nil, err
		}
		*notes = append(*notes, offerNote(o, to, "Offer rejected",
			fmt.Sprintf("The offer of %s was rejected.", price)))
		return nil, nil
	})
}

// Withdraw lets the buyer take back an open offer.
func (s *Service) Withdraw(ctx context.Context, id string, actor domain.Actor) (*Result, error) {
	return s.mutate(ctx, "withdraw", id, actor, func(tx store.Tx, o *domain.Offer, notes *[]notify.Notification) (*escrow.Opened, error) {
		if actor.ID != o.BuyerID {
			return nil, apperr.Forbidden("only the buyer can withdraw offer %s", o.ID)
		}
		if err := expectOpen("withdraw offer", o); err != nil {
			return nil, err
		}
		if err := s.close(ctx, tx, o, "withdrawn"); err != nil {
			return nil, err
		}
		*notes = append(*notes, offerNote(o, o.SellerID, "Offer withdrawn",
			fmt.Sprintf("The buyer withdrew their offer of %s.", o.Amount)))
		return nil, nil
	})
}

func (s *Service) close(ctx context.Context, tx store.Tx, o *domain.Offer, reason string) error {
	o.Status = domain.OfferRejected
	o.RejectReason = reason
	o.UpdatedAt = s.clock.Now()
	return tx.Offers().Update(ctx, o)
}

// Get returns an offer visible to its parties and admins.
func (s *Service) Get(ctx context.Context, id string, actor domain.Actor) (*domain.Offer, error) {
	var o *domain.Offer
	err := store.Read(ctx, s.store, "offers.get", func(tx store.Tx) error {
		var err error
		o, err = tx.Offers().Get(ctx, id)
		if err != nil {
			return err
		}
		if actor.ID != o.BuyerID && actor.ID != o.SellerID && !actor.IsAdmin() {
			return apperr.Forbidden("actor %s is not a party to offer %s", actor.ID, o.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListByUser returns offers made or received by userID, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.Offer
	err := store.Read(ctx, s.store, "offers.list", func(tx store.Tx) error {
		var err error
		out, err = tx.Offers().ListByUser(ctx, userID, limit)
		return err
	})
	return out, err
}
