// Package memory is an in-memory store for development and tests.
//
// A single mutex serializes every read-write unit, which gives the same
// observable guarantees as a serializable database transaction. Each unit
// works on a copy of the data set that replaces the live set only on commit.
package memory

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/store"
)

var errReadOnly = errors.New("memory store: write in read-only unit")

type data struct {
	accounts     map[string]domain.Account
	listings     map[string]domain.Listing
	offers       map[string]domain.Offer
	transactions map[string]domain.Transaction
	payments     map[string]domain.Payment
	timeline     []domain.TimelineEntry
	credits      []domain.CreditTransaction
	unlocks      map[string]domain.Unlock // key: userID + "/" + listingID
	premium      map[string]domain.PremiumRequest
	disputes     map[string]domain.AccountDispute
}

func newData() *data {
	return &data{
		accounts:     make(map[string]domain.Account),
		listings:     make(map[string]domain.Listing),
		offers:       make(map[string]domain.Offer),
		transactions: make(map[string]domain.Transaction),
		payments:     make(map[string]domain.Payment),
		unlocks:      make(map[string]domain.Unlock),
		premium:      make(map[string]domain.PremiumRequest),
		disputes:     make(map[string]domain.AccountDispute),
	}
}

// clone copies the maps. Entities are stored by value, and the append-only
// logs are capped so appends in the copy never write into the live array.
func (d *data) clone() *data {
	return &data{
		accounts:     maps.Clone(d.accounts),
		listings:     maps.Clone(d.listings),
		offers:       maps.Clone(d.offers),
		transactions: maps.Clone(d.transactions),
		payments:     maps.Clone(d.payments),
		timeline:     d.timeline[:len(d.timeline):len(d.timeline)],
		credits:      d.credits[:len(d.credits):len(d.credits)],
		unlocks:      maps.Clone(d.unlocks),
		premium:      maps.Clone(d.premium),
		disputes:     maps.Clone(d.disputes),
	}
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu   sync.RWMutex
	data *data
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{data: newData()}
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&tx{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{d: s.data, readOnly: true})
}

type tx struct {
	d        *data
	readOnly bool
}

func (t *tx) write() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *tx) Accounts() store.AccountRepo { return accountRepo{t} }
func (t *tx) Listings() store.ListingRepo { return listingRepo{t} }
func (t *tx) Offers() store.OfferRepo { return offerRepo{t} }
func (t *tx) Transactions() store.TransactionRepo { return transactionRepo{t} }
func (t *tx) Payments() store.PaymentRepo { return paymentRepo{t} }
func (t *tx) Timeline() store.TimelineRepo { return timelineRepo{t} }
func (t *tx) Credits() store.CreditRepo { return creditRepo{t} }
func (t *tx) Unlocks() store.UnlockRepo { return unlockRepo{t} }
func (t *tx) PremiumRequests() store.PremiumRepo { return premiumRepo{t} }
func (t *tx) Disputes() store.DisputeRepo { return disputeRepo{t} }
