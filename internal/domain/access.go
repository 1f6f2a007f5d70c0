package domain

import "time"

// CreditTransaction is an immutable ledger entry. Amount is signed:
// grants are positive, spends negative.
type CreditTransaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balanceAfter"`
	Reason       string    `json:"reason"`
	ReferenceID  string    `json:"referenceId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Unlock grants a user access to a restricted listing.
type Unlock struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	ListingID  string    `json:"listingId"`
	CreditTxID string    `json:"creditTxId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PremiumStatus is the state of a premium access request.
type PremiumStatus string

const (
	PremiumPending    PremiumStatus = "pending"
	PremiumContacted  PremiumStatus = "contacted"
	PremiumInProgress PremiumStatus = "in_progress"
	PremiumCompleted  PremiumStatus = "completed"
	PremiumCancelled  PremiumStatus = "cancelled"
)

// IsTerminal returns true for completed and cancelled requests.
func (s PremiumStatus) IsTerminal() bool {
	return s == PremiumCompleted || s == PremiumCancelled
}

// PremiumRequest asks for access to a restricted listing.
type PremiumRequest struct {
	ID          string        `json:"id"`
	BuyerID     string        `json:"buyerId"`
	ListingID   string        `json:"listingId"`
	Message     string        `json:"message,omitempty"`
	Status      PremiumStatus `json:"status"`
	HandledBy   string        `json:"handledBy,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}
