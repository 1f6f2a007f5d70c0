// Package domain holds the entities of the brokerage core and their state
// machines.
//
// Entities reference each other by ID only. Transactions, offers, listings
// and accounts are siblings owned by the persistence layer; none of them
// embeds another.
package domain

import (
	"time"

	"github.com/mbd888/authorityx/internal/money"
)

// Role is an account's platform role.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor identifies who is performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor has admin rights.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// SystemActor is used for background sweeps and gateway callbacks.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Tier is a subscription plan.
type Tier string

const (
	TierNone       Tier = "none"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierBroker     Tier = "broker"
)

// Account is the user aggregate. TotalCredits and UsedCredits are written
// only by the credit ledger.
type Account struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone,omitempty"`
	Role               Role      `json:"role"`
	Tier               Tier      `json:"tier"`
	SubscriptionActive bool      `json:"subscriptionActive"`
	TotalCredits       int64     `json:"totalCredits"`
	UsedCredits        int64     `json:"usedCredits"`
	Suspended          bool      `json:"suspended"`
	SuspendedReason    string    `json:"suspendedReason,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// AvailableCredits is TotalCredits − UsedCredits.
func (a *Account) AvailableCredits() int64 {
	return a.TotalCredits - a.UsedCredits
}

// ListingStatus is the catalog state of a listing.
type ListingStatus string

const (
	ListingDraft         ListingStatus = "draft"
	ListingPendingReview ListingStatus = "pending_review"
	ListingActive        ListingStatus = "active"
	ListingReserved      ListingStatus = "reserved"
	ListingSold          ListingStatus = "sold"
	ListingRejected      ListingStatus = "rejected"
)

// Listing is a sellable operating authority.
type Listing struct {
	ID          string        `json:"id"`
	SellerID    string        `json:"sellerId"`
	Title       string        `json:"title"`
	AskingPrice money.Amount  `json:"askingPrice"`
	Status      ListingStatus `json:"status"`
	Restricted  bool          `json:"restricted"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}
