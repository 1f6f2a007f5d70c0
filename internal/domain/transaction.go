package domain

import (
	"time"

	"github.com/mbd888/authorityx/internal/money"
)

// TxStatus is the escrow state of a transaction.
type TxStatus string

const (
	TxAwaitingDeposit TxStatus = "awaiting_deposit"
	TxDepositReceived TxStatus = "deposit_received"
	TxInReview        TxStatus = "in_review"
	TxBuyerApproved   TxStatus = "buyer_approved"
	TxSellerApproved  TxStatus = "seller_approved"
	TxBothApproved    TxStatus = "both_approved"
	TxPaymentPending  TxStatus = "payment_pending"
	TxPaymentReceived TxStatus = "payment_received"
	TxCompleted       TxStatus = "completed"
	TxCancelled       TxStatus = "cancelled"
	TxDisputed        TxStatus = "disputed"
)

// txTransitions is the single legal-transition table for transactions.
// Cancellation and dispute edges are added in init for every live state.
var txTransitions = map[TxStatus][]TxStatus{
	TxAwaitingDeposit: {TxDepositReceived},
	TxDepositReceived: {TxInReview, TxBuyerApproved, TxSellerApproved},
	TxInReview:        {TxBuyerApproved, TxSellerApproved},
	TxBuyerApproved:   {TxBothApproved},
	TxSellerApproved:  {TxBothApproved},
	TxBothApproved:    {TxPaymentPending},
	TxPaymentPending:  {TxPaymentReceived},
	TxPaymentReceived: {TxCompleted},
	TxDisputed: {
		TxAwaitingDeposit, TxDepositReceived, TxInReview, TxBuyerApproved,
		TxSellerApproved, TxBothApproved, TxPaymentPending, TxPaymentReceived,
	},
}

func init() {
	for from := range txTransitions {
		txTransitions[from] = append(txTransitions[from], TxCancelled)
		if from != TxDisputed {
			txTransitions[from] = append(txTransitions[from], TxDisputed)
		}
	}
}

// IsTerminal returns true for completed and cancelled transactions.
func (s TxStatus) IsTerminal() bool {
	return s == TxCompleted || s == TxCancelled
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s TxStatus) CanTransitionTo(next TxStatus) bool {
	for _, n := range txTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// From returns every state with an edge into next, in table order.
func From(next TxStatus) []TxStatus {
	var out []TxStatus
	for _, s := range TxStatuses {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// TxStatuses lists every state in lifecycle order.
var TxStatuses = []TxStatus{
	TxAwaitingDeposit, TxDepositReceived, TxInReview, TxBuyerApproved,
	TxSellerApproved, TxBothApproved, TxPaymentPending, TxPaymentReceived,
	TxCompleted, TxCancelled, TxDisputed,
}

// ApprovalStatus derives the approval state from the two party flags.
// It returns "" when neither party has approved.
func ApprovalStatus(buyerApproved, sellerApproved bool) TxStatus {
	switch {
	case buyerApproved && sellerApproved:
		return TxBothApproved
	case buyerApproved:
		return TxBuyerApproved
	case sellerApproved:
		return TxSellerApproved
	}
	return ""
}

// Party is the relation of an actor to a transaction.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartyAdmin  Party = "admin"
	PartySystem Party = "system"
	PartyNone   Party = ""
)

// Transaction is the escrow record created from an accepted offer.
type Transaction struct {
	ID                  string       `json:"id"`
	OfferID             string       `json:"offerId"`
	ListingID           string       `json:"listingId"`
	BuyerID             string       `json:"buyerId"`
	SellerID            string       `json:"sellerId"`
	Price               money.Amount `json:"price"`
	DepositAmount       money.Amount `json:"depositAmount"`
	PlatformFee         money.Amount `json:"platformFee"`
	FinalAmount         money.Amount `json:"finalAmount"`
	Status              TxStatus     `json:"status"`
	BuyerAcceptedTerms  bool         `json:"buyerAcceptedTerms"`
	SellerAcceptedTerms bool         `json:"sellerAcceptedTerms"`
	BuyerApproved       bool         `json:"buyerApproved"`
	SellerApproved      bool         `json:"sellerApproved"`
	DisputeReason       string       `json:"disputeReason,omitempty"`
	DisputedFrom        TxStatus     `json:"disputedFrom,omitempty"`
	CancelReason        string       `json:"cancelReason,omitempty"`
	BuyerTermsAt        *time.Time   `json:"buyerTermsAt,omitempty"`
	SellerTermsAt       *time.Time   `json:"sellerTermsAt,omitempty"`
	DepositReceivedAt   *time.Time   `json:"depositReceivedAt,omitempty"`
	BuyerApprovedAt     *time.Time   `json:"buyerApprovedAt,omitempty"`
	SellerApprovedAt    *time.Time   `json:"sellerApprovedAt,omitempty"`
	AdminApprovedAt     *time.Time   `json:"adminApprovedAt,omitempty"`
	PaymentReceivedAt   *time.Time   `json:"paymentReceivedAt,omitempty"`
	CompletedAt         *time.Time   `json:"completedAt,omitempty"`
	CancelledAt         *time.Time   `json:"cancelledAt,omitempty"`
	DisputedAt          *time.Time   `json:"disputedAt,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// PartyOf returns the actor's relation to the transaction.
func (t *Transaction) PartyOf(a Actor) Party {
	switch {
	case a.Role == RoleSystem:
		return PartySystem
	case a.IsAdmin():
		return PartyAdmin
	case a.ID == t.BuyerID:
		return PartyBuyer
	case a.ID == t.SellerID:
		return PartySeller
	}
	return PartyNone
}

// PaymentType distinguishes the two money movements of a transaction.
type PaymentType string

const (
	PaymentDeposit PaymentType = "deposit"
	PaymentFinal   PaymentType = "final_payment"
)

// PaymentStatus is the settlement state of a payment attempt.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

// IsOpen reports whether the payment can still settle.
func (s PaymentStatus) IsOpen() bool {
	return s == PaymentPending || s == PaymentProcessing
}

// PaymentMethod is how the payer moves money.
type PaymentMethod string

const (
	MethodCard  PaymentMethod = "card"
	MethodACH   PaymentMethod = "ach"
	MethodWire  PaymentMethod = "wire"
	MethodCheck PaymentMethod = "check"
)

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodACH, MethodWire, MethodCheck:
		return true
	}
	return false
}

// GatewaySettled reports whether the payment gateway confirms the method.
// Other methods need manual verification by an admin.
func (m PaymentMethod) GatewaySettled() bool {
	return m == MethodCard || m == MethodACH
}

// Payment is one money movement attempt against a transaction. RefundDue
// marks funds captured for a transaction that was later cancelled.
type Payment struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transactionId"`
	PayerID       string        `json:"payerId"`
	Type          PaymentType   `json:"type"`
	Amount        money.Amount  `json:"amount"`
	Method        PaymentMethod `json:"method"`
	Status        PaymentStatus `json:"status"`
	Reference     string        `json:"reference,omitempty"`
	VerifiedBy    string        `json:"verifiedBy,omitempty"`
	VerifiedAt    *time.Time    `json:"verifiedAt,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
	RefundDue     bool          `json:"refundDue,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// TimelineEntry is an immutable audit record of a transaction event.
type TimelineEntry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	Status        TxStatus  `json:"status"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	ActorID       string    `json:"actorId"`
	ActorRole     Party     `json:"actorRole"`
	CreatedAt     time.Time `json:"createdAt"`
}
