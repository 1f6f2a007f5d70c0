package domain

import "time"

// DisputeStatus is the state of an account dispute.
type DisputeStatus string

const (
	DisputePending   DisputeStatus = "pending"
	DisputeSubmitted DisputeStatus = "submitted"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeRejected  DisputeStatus = "rejected"
)

// IsTerminal returns true for resolved and rejected disputes.
func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeResolved || s == DisputeRejected
}

// AccountDispute tracks a suspension for a payment identity mismatch.
type AccountDispute struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	AccountName   string        `json:"accountName"`
	PaymentName   string        `json:"paymentName"`
	Explanation   string        `json:"explanation,omitempty"`
	Status        DisputeStatus `json:"status"`
	SubmittedAt   *time.Time    `json:"submittedAt,omitempty"`
	AutoUnblockAt *time.Time    `json:"autoUnblockAt,omitempty"`
	ResolvedBy    string        `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty"`
	Resolution    string        `json:"resolution,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}
