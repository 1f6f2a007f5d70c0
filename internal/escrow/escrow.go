// Package escrow runs the transaction engine that coordinates the sale of an
// operating authority between a buyer and a seller.
//
// Flow:
//  1. An accepted offer (or an admin) opens a transaction: listing reserved,
//     competing offers rejected
//  2. Both parties accept the terms and the buyer pays the deposit
//  3. Buyer and seller approve independently, then an admin approves
//  4. The buyer pays the balance; once verified the listing is sold
//
// Either party may cancel or dispute an active transaction; only an admin
// takes a transaction out of dispute. Every state change runs in one unit
// of work that also appends its timeline entry.
// Notifications are dispatched only after the unit commits.
package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/idgen"
	"github.com/mbd888/authorityx/internal/metrics"
	"github.com/mbd888/authorityx/internal/money"
	"github.com/mbd888/authorityx/internal/notify"
	"github.com/mbd888/authorityx/internal/store"
	"github.com/mbd888/authorityx/internal/timeline"
	"github.com/mbd888/authorityx/internal/traces"
)

// Config holds the pricing parameters of new transactions.
type Config struct {
	DepositPct float64
	MinDeposit money.Amount
	MaxDeposit money.Amount
	FeePct     float64
}

// DefaultConfig returns the standard brokerage terms.
func DefaultConfig() Config {
	return Config{
		DepositPct: 0.10,
		MinDeposit: money.FromUnits(500),
		MaxDeposit: money.FromUnits(10000),
		FeePct:     0.05,
	}
}

// Terms computes the deposit, platform fee and final amount for price. The
// deposit never exceeds the price itself.
func (c Config) Terms(price money.Amount) (deposit, fee, final money.Amount) {
	deposit = price.Pct(c.DepositPct).Clamp(c.MinDeposit, c.MaxDeposit)
	if deposit > price {
		deposit = price
	}
	fee = price.Pct(c.FeePct)
	return deposit, fee, price - deposit
}

// Engine runs escrow transactions.
type Engine struct {
	store    store.Store
	cfg      Config
	clock    clock.Clock
	timeline *timeline.Recorder
	notifier notify.Notifier
}

// NewEngine creates an engine over s.
func NewEngine(s store.Store, cfg Config, c clock.Clock) *Engine {
	if c == nil {
		c = clock.Real{}
	}
	return &Engine{
		store:    s,
		cfg:      cfg,
		clock:    c,
		timeline: timeline.NewRecorder(c),
		notifier: notify.Nop{},
	}
}

// WithNotifier sets where post-commit notifications go.
func (e *Engine) WithNotifier(n notify.Notifier) *Engine {
	e.notifier = n
	return e
}

// unit collects what one unit of work did so it can be published after
// commit.
type unit struct {
	tx        store.Tx
	entered   []domain.TxStatus
	payments  []*domain.Payment
	completed *domain.Transaction
	notes     []notify.Notification
}

func (u *unit) notify(t *domain.Transaction, userID, title, message string) {
	u.notes = append(u.notes, notify.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
		Link:    "/transactions/" + t.ID,
	})
}

// notifyParties notifies buyer and seller alike.
func (u *unit) notifyParties(t *domain.Transaction, title, message string) {
	u.notify(t, t.BuyerID, title, message)
	u.notify(t, t.SellerID, title, message)
}

// publish records metrics and dispatches notifications of a committed unit.
func (e *Engine) publish(ctx context.Context, u *unit) {
	for _, s := range u.entered {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(s)).Inc()
	}
	for _, p := range u.payments {
		metrics.PaymentsTotal.WithLabelValues(string(p.Type), string(p.Status)).Inc()
	}
	if t := u.completed; t != nil && t.CompletedAt != nil {
		metrics.EscrowDuration.Observe(t.CompletedAt.Sub(t.CreatedAt).Seconds())
	}
	e.notifier.Dispatch(ctx, u.notes...)
}

// atomic runs fn in one unit of work named escrow.<op> and publishes its
// effects once committed.
func (e *Engine) atomic(ctx context.Context, op string, fn func(u *unit) error) error {
	var u *unit
	err := store.Atomic(ctx, e.store, "escrow."+op, func(tx store.Tx) error {
		u = &unit{tx: tx}
		return fn(u)
	})
	if err != nil {
		return err
	}
	e.publish(ctx, u)
	return nil
}

// mutate locks transaction id and applies fn to it in one unit.
func (e *Engine) mutate(ctx context.Context, op, id string, actor domain.Actor, fn func(u *unit, t *domain.Transaction) error) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op,
		traces.TransactionID(id), traces.UserID(actor.ID), traces.ActorRole(string(actor.Role)))
	defer metrics.Track("escrow", op)()

	var out *domain.Transaction
	err := e.atomic(ctx, op, func(u *unit) error {
		t, err := u.tx.Transactions().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(u, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// advance moves t to next, persists it and appends the timeline entry.
func (e *Engine) advance(ctx context.Context, u *unit, t *domain.Transaction, op string, next domain.TxStatus, actor domain.Actor, title, description string) error {
	if !t.Status.CanTransitionTo(next) {
		return apperr.InvalidTransition(op, "transaction", t.Status, domain.From(next)...)
	}
	t.Status = next
	t.UpdatedAt = e.clock.Now()
	if err := u.tx.Transactions().Update(ctx, t); err != nil {
		return err
	}
	if _, err := e.timeline.Record(ctx, u.tx, t, actor, title, description); err != nil {
		return err
	}
	u.entered = append(u.entered, next)
	return nil
}

// record persists t without a status change and appends an entry for it.
func (e *Engine) record(ctx context.Context, u *unit, t *domain.Transaction, actor domain.Actor, title, description string) error {
	t.UpdatedAt = e.clock.Now()
	if err := u.tx.Transactions().Update(ctx, t); err != nil {
		return err
	}
	_, err := e.timeline.Record(ctx, u.tx, t, actor, title, description)
	return err
}

// expect fails with InvalidTransition unless t is in one of states.
func expect(op string, t *domain.Transaction, states ...domain.TxStatus) error {
	for _, s := range states {
		if t.Status == s {
			return nil
		}
	}
	return apperr.InvalidTransition(op, "transaction", t.Status, states...)
}

// activeStatuses are the states either party can cancel or dispute from.
var activeStatuses = []domain.TxStatus{
	domain.TxAwaitingDeposit, domain.TxDepositReceived, domain.TxInReview,
	domain.TxBuyerApproved, domain.TxSellerApproved, domain.TxBothApproved,
	domain.TxPaymentPending, domain.TxPaymentReceived,
}

// liveStatuses adds disputed, which only an admin can leave.
var liveStatuses = append(activeStatuses[:len(activeStatuses):len(activeStatuses)], domain.TxDisputed)

// settlesFrom is the state a payment of typ settles its transaction from.
func settlesFrom(typ domain.PaymentType) domain.TxStatus {
	if typ == domain.PaymentFinal {
		return domain.TxPaymentPending
	}
	return domain.TxAwaitingDeposit
}

func requireParty(t *domain.Transaction, actor domain.Actor, allowed ...domain.Party) (domain.Party, error) {
	p := t.PartyOf(actor)
	for _, a := range allowed {
		if p == a {
			return p, nil
		}
	}
	return p, apperr.Forbidden("actor %s may not act on transaction %s", actor.ID, t.ID)
}

func partyTitle(p domain.Party) string {
	switch p {
	case domain.PartyBuyer:
		return "Buyer"
	case domain.PartySeller:
		return "Seller"
	case domain.PartyAdmin:
		return "Admin"
	}
	return "System"
}

// Opened is the result of opening a transaction inside a caller's unit.
type Opened struct {
	Transaction *domain.Transaction
	Rejected    []*domain.Offer
	origin      string
	u           *unit
}

// Announce publishes the metrics and notifications of an Opened whose unit
// has committed.
func (e *Engine) Announce(ctx context.Context, o *Opened) {
	if o == nil || o.u == nil {
		return
	}
	metrics.EscrowCreatedTotal.WithLabelValues(o.origin).Inc()
	e.publish(ctx, o.u)
}

// OpenInTx accepts offer offerID and opens its transaction inside the
// caller's unit. The offer must still be open. Authorization is the caller's
// concern. Call Announce after the unit commits.
func (e *Engine) OpenInTx(ctx context.Context, tx store.Tx, offerID string, actor domain.Actor) (*Opened, error) {
	o, err := tx.Offers().GetForUpdate(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return nil, apperr.InvalidTransition("accept offer", "offer", o.Status,
			domain.OfferPending, domain.OfferCountered)
	}
	u := &unit{tx: tx}
	t, rejected, err := e.open(ctx, u, o.ListingID, o.BuyerID, o.AgreedPrice(), o, actor)
	if err != nil {
		return nil, err
	}
	return &Opened{Transaction: t, Rejected: rejected, origin: "offer", u: u}, nil
}

// open performs the four effects of transaction creation: offer accepted,
// transaction created, listing reserved, competing offers rejected.
func (e *Engine) open(ctx context.Context, u *unit, listingID, buyerID string, price money.Amount, accepted *domain.Offer, actor domain.Actor) (*domain.Transaction, []*domain.Offer, error) {
	if price <= 0 {
		return nil, nil, apperr.BadRequest("price must be positive")
	}
	l, err := u.tx.Listings().GetForUpdate(ctx, listingID)
	if err != nil {
		return nil, nil, err
	}
	live, err := u.tx.Transactions().ActiveByListing(ctx, listingID)
	switch {
	case err == nil:
		return nil, nil, apperr.New(apperr.KindAlreadyExists,
			"listing %s already has transaction %s in progress", listingID, live.ID)
	case apperr.KindOf(err) != apperr.KindNotFound:
		return nil, nil, err
	}
	if l.Status != domain.ListingActive {
		return nil, nil, apperr.InvalidTransition("open transaction", "listing", l.Status, domain.ListingActive)
	}
	if buyerID == l.SellerID {
		return nil, nil, apperr.BadRequest("seller cannot buy their own listing")
	}
	buyer, err := u.tx.Accounts().Get(ctx, buyerID)
	if err != nil {
		return nil, nil, err
	}
	if buyer.Suspended {
		return nil, nil, apperr.Forbidden("account %s is suspended", buyerID)
	}

	now := e.clock.Now()
	offerID := ""
	if accepted != nil {
		offerID = accepted.ID
		accepted.Status = domain.OfferAccepted
		accepted.UpdatedAt = now
		if err := u.tx.Offers().Update(ctx, accepted); err != nil {
			return nil, nil, err
		}
	}

	deposit, fee, final := e.cfg.Terms(price)
	t := &domain.Transaction{
		ID:            idgen.WithPrefix("txn_"),
		OfferID:       offerID,
		ListingID:     listingID,
		BuyerID:       buyerID,
		SellerID:      l.SellerID,
		Price:         price,
		DepositAmount: deposit,
		PlatformFee:   fee,
		FinalAmount:   final,
		Status:        domain.TxAwaitingDeposit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := u.tx.Transactions().Create(ctx, t); err != nil {
		return nil, nil, err
	}
	if err := u.tx.Listings().SetStatus(ctx, listingID, domain.ListingReserved, now); err != nil {
		return nil, nil, err
	}

	open, err := u.tx.Offers().ListOpenByListing(ctx, listingID)
	if err != nil {
		return nil, nil, err
	}
	var rejected []*domain.Offer
	for _, o := range open {
		if o.ID == offerID {
			continue
		}
		o.Status = domain.OfferRejected
		o.RejectReason = "listing reserved for another buyer"
		o.UpdatedAt = now
		if err := u.tx.Offers().Update(ctx, o); err != nil {
			return nil, nil, err
		}
		rejected = append(rejected, o)
		u.notes = append(u.notes, notify.Notification{
			UserID:  o.BuyerID,
			Title:   "Offer declined",
			Message: fmt.Sprintf("Your offer on %s was declined because the listing is now reserved.", l.Title),
			Link:    "/offers/" + o.ID,
		})
	}

	if _, err := e.timeline.Record(ctx, u.tx, t, actor, "Transaction opened",
		fmt.Sprintf("Agreed price %s, deposit %s", price, deposit)); err != nil {
		return nil, nil, err
	}
	u.entered = append(u.entered, domain.TxAwaitingDeposit)
	u.notify(t, t.BuyerID, "Offer accepted",
		fmt.Sprintf("Your purchase of %s is in escrow. A deposit of %s is due.", l.Title, deposit))
	u.notify(t, t.SellerID, "Transaction opened",
		fmt.Sprintf("%s is reserved. Waiting for the buyer's deposit.", l.Title))
	return t, rejected, nil
}

// AdminCreateRequest opens a transaction on behalf of the parties. When
// OfferID is set the offer is accepted and its agreed price used.
type AdminCreateRequest struct {
	ListingID string       `json:"listingId"`
	BuyerID   string       `json:"buyerId"`
	Price     money.Amount `json:"price"`
	OfferID   string       `json:"offerId"`
}

// AdminCreate opens a transaction directly.
func (e *Engine) AdminCreate(ctx context.Context, actor domain.Actor, req AdminCreateRequest) (*domain.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("only admins can create transactions directly")
	}
	ctx, span := traces.StartSpan(ctx, "escrow.AdminCreate",
		traces.ListingID(req.ListingID), traces.UserID(actor.ID))
	defer metrics.Track("escrow", "admin_create")()

	var opened *Opened
	err := store.Atomic(ctx, e.store, "escrow.admin_create", func(tx store.Tx) error {
		if req.OfferID != "" {
			o, err := e.OpenInTx(ctx, tx, req.OfferID, actor)
			if err != nil {
				return err
			}
			opened = o
			return nil
		}
		if req.BuyerID == "" || req.ListingID == "" {
			return apperr.BadRequest("listingId and buyerId are required without an offer")
		}
		u := &unit{tx: tx}
		t, rejected, err := e.open(ctx, u, req.ListingID, req.BuyerID, req.Price, nil, actor)
		if err != nil {
			return err
		}
		opened = &Opened{Transaction: t, Rejected: rejected, u: u}
		return nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	opened.origin = "admin"
	e.Announce(ctx, opened)
	return opened.Transaction, nil
}

// AcceptTerms records the actor's acceptance of the transaction terms.
// Accepting twice is a no-op.
func (e *Engine) AcceptTerms(ctx context.Context, id string, actor domain.Actor) (*domain.Transaction, error) {
	return e.mutate(ctx, "accept_terms", id, actor, func(u *unit, t *domain.Transaction) error {
		party, err := requireParty(t, actor, domain.PartyBuyer, domain.PartySeller)
		if err != nil {
			return err
		}
		if err := expect("accept terms", t, domain.TxAwaitingDeposit, domain.TxDepositReceived, domain.TxInReview); err != nil {
			return err
		}
		now := e.clock.Now()
		switch {
		case party == domain.PartyBuyer && !t.BuyerAcceptedTerms:
			t.BuyerAcceptedTerms = true
			t.BuyerTermsAt = &now
		case party == domain.PartySeller && !t.SellerAcceptedTerms:
			t.SellerAcceptedTerms = true
			t.SellerTermsAt = &now
		default:
			return nil
		}
		if err := e.record(ctx, u, t, actor, partyTitle(party)+" accepted terms", ""); err != nil {
			return err
		}
		if t.BuyerAcceptedTerms && t.SellerAcceptedTerms {
			u.notifyParties(t, "Terms accepted", "Both parties have accepted the transaction terms.")
		}
		return nil
	})
}

// PaymentRequest is the body of a deposit or final payment submission.
type PaymentRequest struct {
	Method    domain.PaymentMethod `json:"method" binding:"required"`
	Reference string               `json:"reference"`
}

// SubmitDeposit records the buyer's deposit payment.
func (e *Engine) SubmitDeposit(ctx context.Context, id string, actor domain.Actor, req PaymentRequest) (*domain.Payment, error) {
	return e.submitPayment(ctx, "submit_deposit", id, actor, req, domain.PaymentDeposit)
}

// SubmitFinalPayment records the buyer's payment of the balance.
func (e *Engine) SubmitFinalPayment(ctx context.Context, id string, actor domain.Actor, req PaymentRequest) (*domain.Payment, error) {
	return e.submitPayment(ctx, "submit_final_payment", id, actor, req, domain.PaymentFinal)
}

func (e *Engine) submitPayment(ctx context.Context, op, id string, actor domain.Actor, req PaymentRequest, typ domain.PaymentType) (*domain.Payment, error) {
	var payment *domain.Payment
	_, err := e.mutate(ctx, op, id, actor, func(u *unit, t *domain.Transaction) error {
		if _, err := requireParty(t, actor, domain.PartyBuyer); err != nil {
			return err
		}
		required, amount, label := domain.TxAwaitingDeposit, t.DepositAmount, "Deposit"
		if typ == domain.PaymentFinal {
			required, amount, label = domain.TxPaymentPending, t.FinalAmount, "Final payment"
		}
		if err := expect(strings.ReplaceAll(op, "_", " "), t, required); err != nil {
			return err
		}
		if !req.Method.Valid() {
			return apperr.BadRequest("unknown payment method %q", req.Method)
		}

		existing, err := u.tx.Payments().ListByTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, p := range existing {
			if p.Type == typ && p.Status != domain.PaymentFailed {
				return apperr.New(apperr.KindAlreadyExists,
					"%s payment %s already submitted (%s)", typ, p.ID, p.Status)
			}
		}

		now := e.clock.Now()
		status := domain.PaymentPending
		if req.Method.GatewaySettled() {
			status = domain.PaymentProcessing
		}
		payment = &domain.Payment{
			ID:            idgen.WithPrefix("pay_"),
			TransactionID: t.ID,
			PayerID:       actor.ID,
			Type:          typ,
			Amount:        amount,
			Method:        req.Method,
			Status:        status,
			Reference:     req.Reference,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := u.tx.Payments().Create(ctx, payment); err != nil {
			return err
		}
		u.payments = append(u.payments, payment)
		if err := e.record(ctx, u, t, actor, label+" submitted",
			fmt.Sprintf("%s by %s, awaiting verification", amount, req.Method)); err != nil {
			return err
		}
		u.notify(t, t.BuyerID, label+" submitted",
			fmt.Sprintf("We received your %s of %s and will confirm it shortly.", typ, amount))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// VerifyDeposit confirms a deposit payment and moves the transaction to
// deposit_received.
func (e *Engine) VerifyDeposit(ctx context.Context, paymentID string, actor domain.Actor) (*domain.Transaction, error) {
	return e.verify(ctx, "verify_deposit", paymentID, actor, domain.PaymentDeposit)
}

// VerifyFinalPayment confirms the final payment and completes the
// transaction, marking the listing sold.
func (e *Engine) VerifyFinalPayment(ctx context.Context, paymentID string, actor domain.Actor) (*domain.Transaction, error) {
	return e.verify(ctx, "verify_final_payment", paymentID, actor, domain.PaymentFinal)
}

// VerifyPayment confirms a payment of either type.
func (e *Engine) VerifyPayment(ctx context.Context, paymentID string, actor domain.Actor) (*domain.Transaction, error) {
	return e.verify(ctx, "verify_payment", paymentID, actor, "")
}

func (e *Engine) verify(ctx context.Context, op, paymentID string, actor domain.Actor, typ domain.PaymentType) (*domain.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("only admins can verify payments")
	}
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.PaymentID(paymentID), traces.UserID(actor.ID))
	defer metrics.Track("escrow", op)()

	var out *domain.Transaction
	err := e.atomic(ctx, op, func(u *unit) error {
		p, err := u.tx.Payments().GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if typ != "" && p.Type != typ {
			return apperr.BadRequest("payment %s is a %s payment, not %s", p.ID, p.Type, typ)
		}
		if !p.Status.IsOpen() {
			return apperr.InvalidTransition("verify payment", "payment", p.Status,
				domain.PaymentPending, domain.PaymentProcessing)
		}
		t, err := u.tx.Transactions().GetForUpdate(ctx, p.TransactionID)
		if err != nil {
			return err
		}
		if err := e.settle(ctx, u, p, t, actor); err != nil {
			return err
		}
		out = t
		return nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settle completes p and advances its transaction.
func (e *Engine) settle(ctx context.Context, u *unit, p *domain.Payment, t *domain.Transaction, actor domain.Actor) error {
	if err := expect("settle "+string(p.Type), t, settlesFrom(p.Type)); err != nil {
		return err
	}
	if err := e.capture(ctx, u, p, actor); err != nil {
		return err
	}
	return e.apply(ctx, u, p, t, actor)
}

// capture marks p completed.
func (e *Engine) capture(ctx context.Context, u *unit, p *domain.Payment, actor domain.Actor) error {
	now := e.clock.Now()
	p.Status = domain.PaymentCompleted
	p.VerifiedBy = actor.ID
	p.VerifiedAt = &now
	p.UpdatedAt = now
	if err := u.tx.Payments().Update(ctx, p); err != nil {
		return err
	}
	u.payments = append(u.payments, p)
	return nil
}

// apply advances t for the completed payment p. A deposit moves the
// transaction to deposit_received; a final payment moves it through
// payment_received to completed and sells the listing.
func (e *Engine) apply(ctx context.Context, u *unit, p *domain.Payment, t *domain.Transaction, actor domain.Actor) error {
	now := e.clock.Now()
	if p.Type == domain.PaymentDeposit {
		t.DepositReceivedAt = &now
		if err := e.advance(ctx, u, t, "verify deposit", domain.TxDepositReceived, actor,
			"Deposit received", fmt.Sprintf("Deposit of %s verified", p.Amount)); err != nil {
			return err
		}
		u.notifyParties(t, "Deposit received",
			fmt.Sprintf("The deposit of %s has been confirmed. The transfer review can begin.", p.Amount))
		return nil
	}

	return e.finish(ctx, u, t, actor, fmt.Sprintf("Final payment of %s verified", p.Amount))
}

// finish moves t from payment_pending through payment_received to completed
// and sells the listing.
func (e *Engine) finish(ctx context.Context, u *unit, t *domain.Transaction, actor domain.Actor, received string) error {
	now := e.clock.Now()
	t.PaymentReceivedAt = &now
	if err := e.advance(ctx, u, t, "receive final payment", domain.TxPaymentReceived, actor,
		"Final payment received", received); err != nil {
		return err
	}
	t.CompletedAt = &now
	if err := e.advance(ctx, u, t, "complete", domain.TxCompleted, actor,
		"Transaction completed", "Authority transferred to the buyer"); err != nil {
		return err
	}
	if err := u.tx.Listings().SetStatus(ctx, t.ListingID, domain.ListingSold, now); err != nil {
		return err
	}
	u.completed = t
	u.notifyParties(t, "Transaction completed", "Payment is confirmed and the sale is complete.")
	return nil
}

// GatewayResult classifies how a gateway event was handled.
type GatewayResult string

const (
	GatewaySucceeded GatewayResult = "succeeded"
	GatewayFailed    GatewayResult = "failed"
	GatewayIgnored   GatewayResult = "ignored"
)

// HandleGatewayEvent applies a payment gateway outcome. Success always
// completes the payment as the system actor. The transaction advances when
// it is waiting for that payment; a disputed transaction picks the payment
// up when the dispute is resumed, and a cancelled one flags it for refund.
// Failure marks the payment failed and leaves the transaction where it was
// so the buyer can pay again. Events for payments that are already settled
// or failed are ignored.
func (e *Engine) HandleGatewayEvent(ctx context.Context, paymentID string, succeeded bool, reason string) (GatewayResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.HandleGatewayEvent", traces.PaymentID(paymentID))
	defer metrics.Track("escrow", "gateway_event")()

	result := GatewayIgnored
	err := e.atomic(ctx, "gateway_event", func(u *unit) error {
		result = GatewayIgnored
		p, err := u.tx.Payments().GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if !p.Method.GatewaySettled() || !p.Status.IsOpen() {
			return nil
		}
		t, err := u.tx.Transactions().GetForUpdate(ctx, p.TransactionID)
		if err != nil {
			return err
		}

		if succeeded {
			result = GatewaySucceeded
			if t.Status == settlesFrom(p.Type) {
				return e.settle(ctx, u, p, t, domain.SystemActor)
			}
			return e.captureHeld(ctx, u, p, t)
		}

		now := e.clock.Now()
		p.Status = domain.PaymentFailed
		p.FailureReason = reason
		p.UpdatedAt = now
		if err := u.tx.Payments().Update(ctx, p); err != nil {
			return err
		}
		u.payments = append(u.payments, p)
		if err := e.record(ctx, u, t, domain.SystemActor, "Payment failed",
			fmt.Sprintf("%s payment %s failed: %s", p.Type, p.ID, reason)); err != nil {
			return err
		}
		u.notify(t, t.BuyerID, "Payment failed",
			fmt.Sprintf("Your %s of %s could not be processed. Please submit it again.", p.Type, p.Amount))
		result = GatewayFailed
		return nil
	})
	traces.End(span, err)
	if err != nil {
		metrics.GatewayEventsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.GatewayEventsTotal.WithLabelValues(string(result)).Inc()
	return result, nil
}

// captureHeld records a gateway capture for a transaction that is not
// waiting for it.
func (e *Engine) captureHeld(ctx context.Context, u *unit, p *domain.Payment, t *domain.Transaction) error {
	p.RefundDue = t.Status == domain.TxCancelled
	if err := e.capture(ctx, u, p, domain.SystemActor); err != nil {
		return err
	}
	if p.RefundDue {
		metrics.RefundsDueTotal.WithLabelValues(string(p.Type)).Inc()
		u.notify(t, t.BuyerID, "Refund due",
			fmt.Sprintf("Your %s of %s was captured after the transaction was cancelled and will be refunded.", p.Type, p.Amount))
		return e.record(ctx, u, t, domain.SystemActor, "Payment captured after cancellation",
			fmt.Sprintf("%s payment %s of %s captured, refund due", p.Type, p.ID, p.Amount))
	}
	return e.record(ctx, u, t, domain.SystemActor, "Payment settled while "+string(t.Status),
		fmt.Sprintf("%s payment %s of %s captured, applied when the transaction resumes", p.Type, p.ID, p.Amount))
}

// StartReview moves a funded transaction into review.
func (e *Engine) StartReview(ctx context.Context, id string, actor domain.Actor) (*domain.Transaction, error) {
	return e.mutate(ctx, "start_review", id, actor, func(u *unit, t *domain.Transaction) error {
		party, err := requireParty(t, actor, domain.PartyBuyer, domain.PartySeller, domain.PartyAdmin)
		if err != nil {
			return err
		}
		if err := expect("start review", t, domain.TxDepositReceived); err != nil {
			return err
		}
		if err := e.advance(ctx, u, t, "start review", domain.TxInReview, actor,
			"Review started", partyTitle(party)+" started the transfer review"); err != nil {
			return err
		}
		u.notifyParties(t, "Review started", "The transfer documents are under review.")
		return nil
	})
}

// Approve records the buyer's or seller's approval. The status follows from
// the two approval flags.
func (e *Engine) Approve(ctx context.Context, id string, actor domain.Actor) (*domain.Transaction, error) {
	return e.mutate(ctx, "approve", id, actor, func(u *unit, t *domain.Transaction) error {
		party, err := requireParty(t, actor, domain.PartyBuyer, domain.PartySeller)
		if err != nil {
			return err
		}
		other := domain.TxBuyerApproved
		if party == domain.PartyBuyer {
			other = domain.TxSellerApproved
		}
		if err := expect("approve", t, domain.TxDepositReceived, domain.TxInReview, other); err != nil {
			return err
		}

		now := e.clock.Now()
		if party == domain.PartyBuyer {
			t.BuyerApproved = true
			t.BuyerApprovedAt = &now
		} else {
			t.SellerApproved = true
			t.SellerApprovedAt = &now
		}
		next := domain.ApprovalStatus(t.BuyerApproved, t.SellerApproved)
		if err := e.advance(ctx, u, t, "approve", next, actor, partyTitle(party)+" approved", ""); err != nil {
			return err
		}
		if next == domain.TxBothApproved {
			u.notifyParties(t, "Both parties approved", "The transaction is waiting for final admin approval.")
		} else {
			counterparty := t.SellerID
			if party == domain.PartySeller {
				counterparty = t.BuyerID
			}
			u.notify(t, counterparty, partyTitle(party)+" approved",
				"The other party approved the transfer. Your approval is needed to proceed.")
		}
		return nil
	})
}

// AdminApprove releases a bilaterally approved transaction for final payment.
func (e *Engine) AdminApprove(ctx context.Context, id string, actor domain.Actor) (*domain.Transaction, error) {
	return e.mutate(ctx, "admin_approve", id, actor, func(u *unit, t *domain.Transaction) error {
		if _, err := requireParty(t, actor, domain.PartyAdmin); err != nil {
			return err
		}
		if err := expect("admin approve", t, domain.TxBothApproved); err != nil {
			return err
		}
		now := e.clock.Now()
		t.AdminApprovedAt = &now
		if err := e.advance(ctx, u, t, "admin approve", domain.TxPaymentPending, actor,
			"Admin approved", fmt.Sprintf("Final payment of %s due", t.FinalAmount)); err != nil {
			return err
		}
		if t.FinalAmount <= 0 {
			// the deposit covered the whole price
			return e.finish(ctx, u, t, actor, "Deposit covers the full price")
		}
		u.notify(t, t.BuyerID, "Final payment due",
			fmt.Sprintf("The transfer is approved. Please pay the remaining %s.", t.FinalAmount))
		u.notify(t, t.SellerID, "Admin approved", "The transfer is approved and the final payment is due.")
		return nil
	})
}

// Cancel ends a live transaction and returns the listing to the market.
// Parties cancel active transactions; a disputed one is cancelled by an
// admin, here or through ResolveDispute.
//
// Manual payments still pending are marked failed. Gateway payments in
// flight are left for the gateway outcome. Completed payments are flagged
// RefundDue; refunds themselves are handled outside the engine.
func (e *Engine) Cancel(ctx context.Context, id string, actor domain.Actor, reason string) (*domain.Transaction, error) {
	return e.mutate(ctx, "cancel", id, actor, func(u *unit, t *domain.Transaction) error {
		party, err := requireParty(t, actor, domain.PartyBuyer, domain.PartySeller, domain.PartyAdmin)
		if err != nil {
			return err
		}
		allowed := activeStatuses
		if party == domain.PartyAdmin {
			allowed = liveStatuses
		}
		if err := expect("cancel", t, allowed...); err != nil {
			return err
		}
		return e.cancel(ctx, u, t, actor, party, reason)
	})
}

func (e *Engine) cancel(ctx context.Context, u *unit, t *domain.Transaction, actor domain.Actor, party domain.Party, reason string) error {
	now := e.clock.Now()
	payments, err := u.tx.Payments().ListByTransaction(ctx, t.ID)
	if err != nil {
		return err
	}
	var refunds []*domain.Payment
	for _, p := range payments {
		switch {
		case p.Status == domain.PaymentCompleted && !p.RefundDue:
			p.RefundDue = true
			refunds = append(refunds, p)
		case p.Status == domain.PaymentPending:
			p.Status = domain.PaymentFailed
			p.FailureReason = "transaction cancelled"
		default:
			continue
		}
		p.UpdatedAt = now
		if err := u.tx.Payments().Update(ctx, p); err != nil {
			return err
		}
		u.payments = append(u.payments, p)
	}

	t.CancelReason = reason
	t.CancelledAt = &now
	if err := e.advance(ctx, u, t, "cancel", domain.TxCancelled, actor,
		"Transaction cancelled", partyTitle(party)+" cancelled: "+reason); err != nil {
		return err
	}
	if err := u.tx.Listings().SetStatus(ctx, t.ListingID, domain.ListingActive, now); err != nil {
		return err
	}
	for _, p := range refunds {
		metrics.RefundsDueTotal.WithLabelValues(string(p.Type)).Inc()
		if err := e.record(ctx, u, t, actor, "Refund due",
			fmt.Sprintf("%s payment %s of %s to be refunded", p.Type, p.ID, p.Amount)); err != nil {
			return err
		}
	}
	u.notifyParties(t, "Transaction cancelled", "The transaction was cancelled and the listing is available again.")
	return nil
}

// OpenDispute freezes a live transaction until an admin resolves it.
func (e *Engine) OpenDispute(ctx context.Context, id string, actor domain.Actor, reason string) (*domain.Transaction, error) {
	if reason == "" {
		return nil, apperr.BadRequest("dispute reason is required")
	}
	return e.mutate(ctx, "open_dispute", id, actor, func(u *unit, t *domain.Transaction) error {
		party, err := requireParty(t, actor, domain.PartyBuyer, domain.PartySeller)
		if err != nil {
			return err
		}
		if err := expect("open dispute", t, activeStatuses...); err != nil {
			return err
		}
		now := e.clock.Now()
		t.DisputedFrom = t.Status
		t.DisputeReason = reason
		t.DisputedAt = &now
		if err := e.advance(ctx, u, t, "open dispute", domain.TxDisputed, actor,
			"Dispute opened", partyTitle(party)+": "+reason); err != nil {
			return err
		}
		u.notifyParties(t, "Dispute opened", "The transaction is on hold while our team reviews the dispute.")
		return nil
	})
}

// DisputeOutcome is an admin's decision on a disputed transaction.
type DisputeOutcome string

const (
	// OutcomeResume returns the transaction to the state it was disputed from.
	OutcomeResume DisputeOutcome = "resume"
	// OutcomeCancel cancels the transaction.
	OutcomeCancel DisputeOutcome = "cancel"
)

// ResolveDispute settles a disputed transaction.
func (e *Engine) ResolveDispute(ctx context.Context, id string, actor domain.Actor, outcome DisputeOutcome, note string) (*domain.Transaction, error) {
	if outcome != OutcomeResume && outcome != OutcomeCancel {
		return nil, apperr.BadRequest("outcome must be %q or %q", OutcomeResume, OutcomeCancel)
	}
	return e.mutate(ctx, "resolve_dispute", id, actor, func(u *unit, t *domain.Transaction) error {
		if _, err := requireParty(t, actor, domain.PartyAdmin); err != nil {
			return err
		}
		if err := expect("resolve dispute", t, domain.TxDisputed); err != nil {
			return err
		}
		if outcome == OutcomeCancel {
			return e.cancel(ctx, u, t, actor, domain.PartyAdmin, "dispute resolved: "+note)
		}
		resume := t.DisputedFrom
		t.DisputedFrom = ""
		if err := e.advance(ctx, u, t, "resolve dispute", resume, actor,
			"Dispute resolved", note); err != nil {
			return err
		}
		u.notifyParties(t, "Dispute resolved", "The dispute was resolved and the transaction continues.")
		return e.applyHeld(ctx, u, t, actor)
	})
}

// applyHeld advances t for a payment captured while it was disputed.
func (e *Engine) applyHeld(ctx context.Context, u *unit, t *domain.Transaction, actor domain.Actor) error {
	payments, err := u.tx.Payments().ListByTransaction(ctx, t.ID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Status == domain.PaymentCompleted && !p.RefundDue && settlesFrom(p.Type) == t.Status {
			return e.apply(ctx, u, p, t, actor)
		}
	}
	return nil
}

// Get returns the transaction as actor may see it.
func (e *Engine) Get(ctx context.Context, id string, actor domain.Actor) (*View, error) {
	var view *View
	err := store.Read(ctx, e.store, "escrow.get", func(tx store.Tx) error {
		t, err := tx.Transactions().Get(ctx, id)
		if err != nil {
			return err
		}
		party, err := requireParty(t, actor, domain.PartyBuyer, domain.PartySeller, domain.PartyAdmin)
		if err != nil {
			return err
		}
		buyer, err := tx.Accounts().Get(ctx, t.BuyerID)
		if err != nil {
			return err
		}
		seller, err := tx.Accounts().Get(ctx, t.SellerID)
		if err != nil {
			return err
		}
		view = Project(t, party, buyer, seller)
		return nil
	})
	return view, err
}

// Timeline returns the transaction's audit trail in recorded order.
func (e *Engine) Timeline(ctx context.Context, id string, actor domain.Actor) ([]*domain.TimelineEntry, error) {
	var out []*domain.TimelineEntry
	err := store.Read(ctx, e.store, "escrow.timeline", func(tx store.Tx) error {
		t, err := tx.Transactions().Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := requireParty(t, actor, domain.PartyBuyer, domain.PartySeller, domain.PartyAdmin); err != nil {
			return err
		}
		out, err = tx.Timeline().List(ctx, id)
		return err
	})
	return out, err
}

// Payments lists the payment attempts of a transaction.
func (e *Engine) Payments(ctx context.Context, id string, actor domain.Actor) ([]*domain.Payment, error) {
	var out []*domain.Payment
	err := store.Read(ctx, e.store, "escrow.payments", func(tx store.Tx) error {
		t, err := tx.Transactions().Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := requireParty(t, actor, domain.PartyBuyer, domain.PartySeller, domain.PartyAdmin); err != nil {
			return err
		}
		out, err = tx.Payments().ListByTransaction(ctx, id)
		return err
	})
	return out, err
}

// ListForUser returns the transactions where userID is buyer or seller,
// newest first.
func (e *Engine) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.Transaction
	err := store.Read(ctx, e.store, "escrow.list", func(tx store.Tx) error {
		var err error
		out, err = tx.Transactions().ListByUser(ctx, userID, limit)
		return err
	})
	return out, err
}
