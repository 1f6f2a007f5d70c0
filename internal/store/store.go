// Package store defines the persistence boundary of the brokerage core.
//
// Every state change runs inside a unit of work (Update). Repositories are
// reached only through the Tx handed to the unit, so a set of writes either
// commits together or not at all. Reads that must observe the current
// persisted state for a transition use the ForUpdate getters, which take a
// row lock in Postgres.
package store

import (
	"context"
	"time"

	"github.com/mbd888/authorityx/internal/domain"
)

// Store opens units of work.
type Store interface {
	// Update runs fn in a read-write unit. If fn returns an error every
	// write made through tx is discarded.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only unit.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Accounts() AccountRepo
	Listings() ListingRepo
	Offers() OfferRepo
	Transactions() TransactionRepo
	Payments() PaymentRepo
	Timeline() TimelineRepo
	Credits() CreditRepo
	Unlocks() UnlockRepo
	PremiumRequests() PremiumRepo
	Disputes() DisputeRepo
}

// AccountRepo persists accounts. Credit fields change only through
// SetCredits, which only the ledger calls.
type AccountRepo interface {
	Get(ctx context.Context, id string) (*domain.Account, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	SetCredits(ctx context.Context, id string, total, used int64, at time.Time) error
	SetSuspended(ctx context.Context, id string, suspended bool, reason string, at time.Time) error
}

// ListingRepo persists listings.
type ListingRepo interface {
	Get(ctx context.Context, id string) (*domain.Listing, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Listing, error)
	Create(ctx context.Context, l *domain.Listing) error
	SetStatus(ctx context.Context, id string, status domain.ListingStatus, at time.Time) error
}

// OfferRepo persists offers.
type OfferRepo interface {
	Get(ctx context.Context, id string) (*domain.Offer, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Offer, error)
	Create(ctx context.Context, o *domain.Offer) error
	Update(ctx context.Context, o *domain.Offer) error
	// ListOpenByListing returns pending and countered offers, oldest first.
	ListOpenByListing(ctx context.Context, listingID string) ([]*domain.Offer, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Offer, error)
}

// TransactionRepo persists escrow transactions.
type TransactionRepo interface {
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Transaction, error)
	Create(ctx context.Context, t *domain.Transaction) error
	Update(ctx context.Context, t *domain.Transaction) error
	// ActiveByListing returns the non-terminal transaction on a listing,
	// or a NotFound error when there is none.
	ActiveByListing(ctx context.Context, listingID string) (*domain.Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error)
}

// PaymentRepo persists payment attempts.
type PaymentRepo interface {
	Get(ctx context.Context, id string) (*domain.Payment, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Payment, error)
	Create(ctx context.Context, p *domain.Payment) error
	Update(ctx context.Context, p *domain.Payment) error
	ListByTransaction(ctx context.Context, txID string) ([]*domain.Payment, error)
}

// TimelineRepo is append-only.
type TimelineRepo interface {
	Append(ctx context.Context, e *domain.TimelineEntry) error
	List(ctx context.Context, txID string) ([]*domain.TimelineEntry, error)
}

// CreditRepo is append-only.
type CreditRepo interface {
	Append(ctx context.Context, c *domain.CreditTransaction) error
	List(ctx context.Context, userID string, limit int) ([]*domain.CreditTransaction, error)
	Sum(ctx context.Context, userID string) (int64, error)
}

// UnlockRepo persists listing unlocks.
type UnlockRepo interface {
	Exists(ctx context.Context, userID, listingID string) (bool, error)
	Create(ctx context.Context, u *domain.Unlock) error
}

// PremiumRepo persists premium access requests.
type PremiumRepo interface {
	Get(ctx context.Context, id string) (*domain.PremiumRequest, error)
	GetForUpdate(ctx context.Context, id string) (*domain.PremiumRequest, error)
	Create(ctx context.Context, r *domain.PremiumRequest) error
	Update(ctx context.Context, r *domain.PremiumRequest) error
	// OpenFor returns the non-terminal request for the pair, or NotFound.
	OpenFor(ctx context.Context, buyerID, listingID string) (*domain.PremiumRequest, error)
	ListByStatus(ctx context.Context, status domain.PremiumStatus, limit int) ([]*domain.PremiumRequest, error)
}

// DisputeRepo persists account disputes.
type DisputeRepo interface {
	Get(ctx context.Context, id string) (*domain.AccountDispute, error)
	GetForUpdate(ctx context.Context, id string) (*domain.AccountDispute, error)
	Create(ctx context.Context, d *domain.AccountDispute) error
	Update(ctx context.Context, d *domain.AccountDispute) error
	// OpenForUser returns the non-terminal dispute for a user, or NotFound.
	OpenForUser(ctx context.Context, userID string) (*domain.AccountDispute, error)
	// ListDue returns submitted disputes whose auto-unblock deadline is at or
	// before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.AccountDispute, error)
	ListByStatus(ctx context.Context, status domain.DisputeStatus, limit int) ([]*domain.AccountDispute, error)
}
