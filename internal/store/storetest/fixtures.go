// Package storetest seeds stores with accounts and listings for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/money"
	"github.com/mbd888/authorityx/internal/store"
)

// Epoch is the fixed creation time of seeded rows.
var Epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// AccountOption customizes a seeded account.
type AccountOption func(*domain.Account)

// WithCredits seeds a balance of total granted and used spent credits.
func WithCredits(total, used int64) AccountOption {
	return func(a *domain.Account) { a.TotalCredits, a.UsedCredits = total, used }
}

// WithTier seeds a subscription tier. Active marks the subscription current.
func WithTier(tier domain.Tier, active bool) AccountOption {
	return func(a *domain.Account) { a.Tier, a.SubscriptionActive = tier, active }
}

// AsAdmin seeds an admin account.
func AsAdmin() AccountOption {
	return func(a *domain.Account) { a.Role = domain.RoleAdmin }
}

// Account creates an account with id and returns it.
func Account(t testing.TB, s store.Store, id string, opts ...AccountOption) *domain.Account {
	t.Helper()
	a := &domain.Account{
		ID:        id,
		Name:      "Name of " + id,
		Email:     id + "@example.com",
		Phone:     "+1-555-0100",
		Role:      domain.RoleUser,
		Tier:      domain.TierNone,
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
	}
	for _, opt := range opts {
		opt(a)
	}
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Accounts().Create(ctx, a); err != nil {
			return err
		}
		// Seeded balances get an opening entry so the log sums to the balance.
		if a.TotalCredits > 0 {
			if err := tx.Credits().Append(ctx, &domain.CreditTransaction{
				ID: "seed_grant_" + id, UserID: id, Amount: a.TotalCredits,
				BalanceAfter: a.TotalCredits, Reason: "seed", CreatedAt: Epoch,
			}); err != nil {
				return err
			}
		}
		if a.UsedCredits > 0 {
			return tx.Credits().Append(ctx, &domain.CreditTransaction{
				ID: "seed_spend_" + id, UserID: id, Amount: -a.UsedCredits,
				BalanceAfter: a.AvailableCredits(), Reason: "seed", CreatedAt: Epoch,
			})
		}
		return nil
	}))
	return a
}

// ListingOption customizes a seeded listing.
type ListingOption func(*domain.Listing)

// Restricted marks the listing as premium-gated.
func Restricted() ListingOption {
	return func(l *domain.Listing) { l.Restricted = true }
}

// WithStatus seeds a non-active listing status.
func WithStatus(status domain.ListingStatus) ListingOption {
	return func(l *domain.Listing) { l.Status = status }
}

// Listing creates an active listing owned by sellerID at price units.
func Listing(t testing.TB, s store.Store, id, sellerID string, price int64, opts ...ListingOption) *domain.Listing {
	t.Helper()
	l := &domain.Listing{
		ID:          id,
		SellerID:    sellerID,
		Title:       "MC authority " + id,
		AskingPrice: money.FromUnits(price),
		Status:      domain.ListingActive,
		CreatedAt:   Epoch,
		UpdatedAt:   Epoch,
	}
	for _, opt := range opts {
		opt(l)
	}
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Listings().Create(ctx, l)
	}))
	return l
}

// GetAccount reads an account.
func GetAccount(t testing.TB, s store.Store, id string) *domain.Account {
	t.Helper()
	var a *domain.Account
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.Accounts().Get(ctx, id)
		return err
	}))
	return a
}

// GetListing reads a listing.
func GetListing(t testing.TB, s store.Store, id string) *domain.Listing {
	t.Helper()
	var l *domain.Listing
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		l, err = tx.Listings().Get(ctx, id)
		return err
	}))
	return l
}

// CreditEntries lists all of a user's credit entries.
func CreditEntries(t testing.TB, s store.Store, userID string) []*domain.CreditTransaction {
	t.Helper()
	var out []*domain.CreditTransaction
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Credits().List(ctx, userID, 0)
		return err
	}))
	return out
}

// Offer creates a pending offer by buyerID on l at amount units.
func Offer(t testing.TB, s store.Store, id string, l *domain.Listing, buyerID string, amount int64) *domain.Offer {
	t.Helper()
	o := &domain.Offer{
		ID:        id,
		ListingID: l.ID,
		BuyerID:   buyerID,
		SellerID:  l.SellerID,
		Amount:    money.FromUnits(amount),
		Status:    domain.OfferPending,
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
	}
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Offers().Create(ctx, o)
	}))
	return o
}

// GetOffer reads an offer.
func GetOffer(t testing.TB, s store.Store, id string) *domain.Offer {
	t.Helper()
	var o *domain.Offer
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.Offers().Get(ctx, id)
		return err
	}))
	return o
}

// GetTransaction reads a transaction.
func GetTransaction(t testing.TB, s store.Store, id string) *domain.Transaction {
	t.Helper()
	var out *domain.Transaction
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Transactions().Get(ctx, id)
		return err
	}))
	return out
}

// GetPayment reads a payment.
func GetPayment(t testing.TB, s store.Store, id string) *domain.Payment {
	t.Helper()
	var out *domain.Payment
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Payments().Get(ctx, id)
		return err
	}))
	return out
}
