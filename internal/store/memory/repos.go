package memory

import (
	"context"
	"sort"
	"time"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/domain"
)

// --- accounts ---

type accountRepo struct{ t *tx }

func (r accountRepo) Get(_ context.Context, id string) (*domain.Account, error) {
	a, ok := r.t.d.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account", id)
	}
	return &a, nil
}

func (r accountRepo) GetForUpdate(ctx context.Context, id string) (*domain.Account, error) {
	return r.Get(ctx, id)
}

func (r accountRepo) Create(_ context.Context, a *domain.Account) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.accounts[a.ID]; ok {
		return apperr.New(apperr.KindAlreadyExists, "account %s already exists", a.ID)
	}
	r.t.d.accounts[a.ID] = *a
	return nil
}

func (r accountRepo) SetCredits(_ context.Context, id string, total, used int64, at time.Time) error {
	if err := r.t.write(); err != nil {
		return err
	}
	a, ok := r.t.d.accounts[id]
	if !ok {
		return apperr.NotFound("account", id)
	}
	a.TotalCredits, a.UsedCredits, a.UpdatedAt = total, used, at
	r.t.d.accounts[id] = a
	return nil
}

func (r accountRepo) SetSuspended(_ context.Context, id string, suspended bool, reason string, at time.Time) error {
	if err := r.t.write(); err != nil {
		return err
	}
	a, ok := r.t.d.accounts[id]
	if !ok {
		return apperr.NotFound("account", id)
	}
	a.Suspended, a.SuspendedReason, a.UpdatedAt = suspended, reason, at
	r.t.d.accounts[id] = a
	return nil
}

// --- listings ---

type listingRepo struct{ t *tx }

func (r listingRepo) Get(_ context.Context, id string) (*domain.Listing, error) {
	l, ok := r.t.d.listings[id]
	if !ok {
		return nil, apperr.NotFound("listing", id)
	}
	return &l, nil
}

func (r listingRepo) GetForUpdate(ctx context.Context, id string) (*domain.Listing, error) {
	return r.Get(ctx, id)
}

func (r listingRepo) Create(_ context.Context, l *domain.Listing) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.listings[l.ID]; ok {
		return apperr.New(apperr.KindAlreadyExists, "listing %s already exists", l.ID)
	}
	r.t.d.listings[l.ID] = *l
	return nil
}

func (r listingRepo) SetStatus(_ context.Context, id string, status domain.ListingStatus, at time.Time) error {
	if err := r.t.write(); err != nil {
		return err
	}
	l, ok := r.t.d.listings[id]
	if !ok {
		return apperr.NotFound("listing", id)
	}
	l.Status, l.UpdatedAt = status, at
	r.t.d.listings[id] = l
	return nil
}

// --- offers ---

type offerRepo struct{ t *tx }

func (r offerRepo) Get(_ context.Context, id string) (*domain.Offer, error) {
	o, ok := r.t.d.offers[id]
	if !ok {
		return nil, apperr.NotFound("offer", id)
	}
	return &o, nil
}

func (r offerRepo) GetForUpdate(ctx context.Context, id string) (*domain.Offer, error) {
	return r.Get(ctx, id)
}

func (r offerRepo) Create(_ context.Context, o *domain.Offer) error {
	if err := r.t.write(); err != nil {
		return err
	}
	r.t.d.offers[o.ID] = *o
	return nil
}

func (r offerRepo) Update(_ context.Context, o *domain.Offer) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.offers[o.ID]; !ok {
		return apperr.NotFound("offer", o.ID)
	}
	r.t.d.offers[o.ID] = *o
	return nil
}

func (r offerRepo) ListOpenByListing(_ context.Context, listingID string) ([]*domain.Offer, error) {
	var out []*domain.Offer
	for _, o := range r.t.d.offers {
		if o.ListingID == listingID && !o.Status.IsTerminal() {
			cp := o
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (r offerRepo) ListByUser(_ context.Context, userID string, limit int) ([]*domain.Offer, error) {
	var out []*domain.Offer
	for _, o := range r.t.d.offers {
		if o.BuyerID == userID || o.SellerID == userID {
			cp := o
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[j].CreatedAt, out[j].ID, out[i].CreatedAt, out[i].ID) })
	return truncate(out, limit), nil
}

// --- transactions ---

type transactionRepo struct{ t *tx }

func (r transactionRepo) Get(_ context.Context, id string) (*domain.Transaction, error) {
	t, ok := r.t.d.transactions[id]
	if !ok {
		return nil, apperr.NotFound("transaction", id)
	}
	return &t, nil
}

func (r transactionRepo) GetForUpdate(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.Get(ctx, id)
}

func (r transactionRepo) Create(_ context.Context, t *domain.Transaction) error {
	if err := r.t.write(); err != nil {
		return err
	}
	// Mirrors the partial unique index on live transactions per listing.
	for _, existing := range r.t.d.transactions {
		if existing.ListingID == t.ListingID && !existing.Status.IsTerminal() {
			return apperr.New(apperr.KindAlreadyExists,
				"listing %s already has live transaction %s", t.ListingID, existing.ID)
		}
	}
	r.t.d.transactions[t.ID] = *t
	return nil
}

func (r transactionRepo) Update(_ context.Context, t *domain.Transaction) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.transactions[t.ID]; !ok {
		return apperr.NotFound("transaction", t.ID)
	}
	r.t.d.transactions[t.ID] = *t
	return nil
}

func (r transactionRepo) ActiveByListing(_ context.Context, listingID string) (*domain.Transaction, error) {
	for _, t := range r.t.d.transactions {
		if t.ListingID == listingID && !t.Status.IsTerminal() {
			cp := t
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "listing %s has no live transaction", listingID)
}

func (r transactionRepo) ListByUser(_ context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, t := range r.t.d.transactions {
		if t.BuyerID == userID || t.SellerID == userID {
			cp := t
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[j].CreatedAt, out[j].ID, out[i].CreatedAt, out[i].ID) })
	return truncate(out, limit), nil
}

// --- payments ---

type paymentRepo struct{ t *tx }

func (r paymentRepo) Get(_ context.Context, id string) (*domain.Payment, error) {
	p, ok := r.t.d.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment", id)
	}
	return &p, nil
}

func (r paymentRepo) GetForUpdate(ctx context.Context, id string) (*domain.Payment, error) {
	return r.Get(ctx, id)
}

func (r paymentRepo) Create(_ context.Context, p *domain.Payment) error {
	if err := r.t.write(); err != nil {
		return err
	}
	r.t.d.payments[p.ID] = *p
	return nil
}

func (r paymentRepo) Update(_ context.Context, p *domain.Payment) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.payments[p.ID]; !ok {
		return apperr.NotFound("payment", p.ID)
	}
	r.t.d.payments[p.ID] = *p
	return nil
}

func (r paymentRepo) ListByTransaction(_ context.Context, txID string) ([]*domain.Payment, error) {
	var out []*domain.Payment
	for _, p := range r.t.d.payments {
		if p.TransactionID == txID {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

// --- timeline ---

type timelineRepo struct{ t *tx }

func (r timelineRepo) Append(_ context.Context, e *domain.TimelineEntry) error {
	if err := r.t.write(); err != nil {
		return err
	}
	r.t.d.timeline = append(r.t.d.timeline, *e)
	return nil
}

func (r timelineRepo) List(_ context.Context, txID string) ([]*domain.TimelineEntry, error) {
	var out []*domain.TimelineEntry
	for _, e := range r.t.d.timeline {
		if e.TransactionID == txID {
			cp := e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- credits ---

type creditRepo struct{ t *tx }

func (r creditRepo) Append(_ context.Context, c *domain.CreditTransaction) error {
	if err := r.t.write(); err != nil {
		return err
	}
	r.t.d.credits = append(r.t.d.credits, *c)
	return nil
}

func (r creditRepo) List(_ context.Context, userID string, limit int) ([]*domain.CreditTransaction, error) {
	var out []*domain.CreditTransaction
	for i := len(r.t.d.credits) - 1; i >= 0; i-- {
		if c := r.t.d.credits[i]; c.UserID == userID {
			out = append(out, &c)
		}
	}
	return truncate(out, limit), nil
}

func (r creditRepo) Sum(_ context.Context, userID string) (int64, error) {
	var sum int64
	for _, c := range r.t.d.credits {
		if c.UserID == userID {
			sum += c.Amount
		}
	}
	return sum, nil
}

// --- unlocks ---

type unlockRepo struct{ t *tx }

func unlockKey(userID, listingID string) string { return userID + "/" + listingID }

func (r unlockRepo) Exists(_ context.Context, userID, listingID string) (bool, error) {
	_, ok := r.t.d.unlocks[unlockKey(userID, listingID)]
	return ok, nil
}

func (r unlockRepo) Create(_ context.Context, u *domain.Unlock) error {
	if err := r.t.write(); err != nil {
		return err
	}
	key := unlockKey(u.UserID, u.ListingID)
	if _, ok := r.t.d.unlocks[key]; ok {
		return apperr.New(apperr.KindAlreadyUnlocked, "listing %s already unlocked", u.ListingID)
	}
	r.t.d.unlocks[key] = *u
	return nil
}

// --- premium requests ---

type premiumRepo struct{ t *tx }

func (r premiumRepo) Get(_ context.Context, id string) (*domain.PremiumRequest, error) {
	p, ok := r.t.d.premium[id]
	if !ok {
		return nil, apperr.NotFound("premium request", id)
	}
	return &p, nil
}

func (r premiumRepo) GetForUpdate(ctx context.Context, id string) (*domain.PremiumRequest, error) {
	return r.Get(ctx, id)
}

func (r premiumRepo) Create(_ context.Context, p *domain.PremiumRequest) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if !p.Status.IsTerminal() {
		for _, existing := range r.t.d.premium {
			if existing.BuyerID == p.BuyerID && existing.ListingID == p.ListingID && !existing.Status.IsTerminal() {
				return apperr.New(apperr.KindDuplicateRequest,
					"open premium request %s already exists", existing.ID)
			}
		}
	}
	r.t.d.premium[p.ID] = *p
	return nil
}

func (r premiumRepo) Update(_ context.Context, p *domain.PremiumRequest) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.premium[p.ID]; !ok {
		return apperr.NotFound("premium request", p.ID)
	}
	r.t.d.premium[p.ID] = *p
	return nil
}

func (r premiumRepo) OpenFor(_ context.Context, buyerID, listingID string) (*domain.PremiumRequest, error) {
	for _, p := range r.t.d.premium {
		if p.BuyerID == buyerID && p.ListingID == listingID && !p.Status.IsTerminal() {
			cp := p
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "no open premium request")
}

func (r premiumRepo) ListByStatus(_ context.Context, status domain.PremiumStatus, limit int) ([]*domain.PremiumRequest, error) {
	var out []*domain.PremiumRequest
	for _, p := range r.t.d.premium {
		if p.Status == status {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return truncate(out, limit), nil
}

// --- disputes ---

type disputeRepo struct{ t *tx }

func (r disputeRepo) Get(_ context.Context, id string) (*domain.AccountDispute, error) {
	d, ok := r.t.d.disputes[id]
	if !ok {
		return nil, apperr.NotFound("dispute", id)
	}
	return &d, nil
}

func (r disputeRepo) GetForUpdate(ctx context.Context, id string) (*domain.AccountDispute, error) {
	return r.Get(ctx, id)
}

func (r disputeRepo) Create(_ context.Context, d *domain.AccountDispute) error {
	if err := r.t.write(); err != nil {
		return err
	}
	r.t.d.disputes[d.ID] = *d
	return nil
}

func (r disputeRepo) Update(_ context.Context, d *domain.AccountDispute) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.disputes[d.ID]; !ok {
		return apperr.NotFound("dispute", d.ID)
	}
	r.t.d.disputes[d.ID] = *d
	return nil
}

func (r disputeRepo) OpenForUser(_ context.Context, userID string) (*domain.AccountDispute, error) {
	for _, d := range r.t.d.disputes {
		if d.UserID == userID && !d.Status.IsTerminal() {
			cp := d
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "no open dispute for user %s", userID)
}

func (r disputeRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.AccountDispute, error) {
	var out []*domain.AccountDispute
	for _, d := range r.t.d.disputes {
		if d.Status == domain.DisputeSubmitted && d.AutoUnblockAt != nil && !d.AutoUnblockAt.After(now) {
			cp := d
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return before(*out[i].AutoUnblockAt, out[i].ID, *out[j].AutoUnblockAt, out[j].ID)
	})
	return truncate(out, limit), nil
}

func (r disputeRepo) ListByStatus(_ context.Context, status domain.DisputeStatus, limit int) ([]*domain.AccountDispute, error) {
	var out []*domain.AccountDispute
	for _, d := range r.t.d.disputes {
		if d.Status == status {
			cp := d
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return truncate(out, limit), nil
}

// before orders rows by time, then by id, matching the Postgres ORDER BY.
func before(at time.Time, aID string, bt time.Time, bID string) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return aID < bID
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
