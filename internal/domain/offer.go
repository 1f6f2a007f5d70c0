package domain

import (
	"time"

	"github.com/mbd888/authorityx/internal/money"
)

// OfferStatus is the negotiation state of an offer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferCountered OfferStatus = "countered"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
)

// IsTerminal returns true for accepted and rejected offers.
func (s OfferStatus) IsTerminal() bool {
	return s == OfferAccepted || s == OfferRejected
}

// Offer is a buyer's bid on a listing.
type Offer struct {
	ID            string        `json:"id"`
	ListingID     string        `json:"listingId"`
	BuyerID       string        `json:"buyerId"`
	SellerID      string        `json:"sellerId"`
	Amount        money.Amount  `json:"amount"`
	CounterAmount *money.Amount `json:"counterAmount,omitempty"`
	BuyNow        bool          `json:"buyNow"`
	Message       string        `json:"message,omitempty"`
	Status        OfferStatus   `json:"status"`
	RejectReason  string        `json:"rejectReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// AgreedPrice is the price an acceptance settles on: the counter amount when
// the seller has countered, the offered amount otherwise.
func (o *Offer) AgreedPrice() money.Amount {
	if o.Status == OfferCountered && o.CounterAmount != nil {
		return *o.CounterAmount
	}
	return o.Amount
}
