// Package gateway turns payment provider webhooks into payment outcomes for
// the escrow engine.
//
// Payments are created with their escrow payment ID in the provider's
// metadata under the "payment_id" key; webhooks carry it back.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// MetadataPaymentID is the metadata key holding the escrow payment ID.
const MetadataPaymentID = "payment_id"

var (
	// ErrUnsupportedEvent is returned for event types that carry no payment outcome.
	ErrUnsupportedEvent = errors.New("gateway: unsupported event type")
	// ErrInvalidSignature is returned when a signed payload fails verification.
	ErrInvalidSignature = errors.New("gateway: invalid signature")
)

// Event is a payment outcome reported by the provider.
type Event struct {
	ID        string `json:"id"`
	PaymentID string `json:"paymentId"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`
}

// Parse decodes a webhook payload. When secret is set the signature header
// is verified first.
func Parse(payload []byte, signature, secret string) (*Event, error) {
	var (
		ev  stripe.Event
		err error
	)
	if secret != "" {
		ev, err = webhook.ConstructEventWithOptions(payload, signature, secret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	} else if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("gateway: decode event: %w", err)
	}

	var succeeded bool
	switch string(ev.Type) {
	case "payment_intent.succeeded":
		succeeded = true
	case "payment_intent.payment_failed", "payment_intent.canceled":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	}
	if ev.Data == nil {
		return nil, fmt.Errorf("gateway: event %s has no data", ev.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("gateway: decode payment intent: %w", err)
	}
	paymentID := pi.Metadata[MetadataPaymentID]
	if paymentID == "" {
		return nil, fmt.Errorf("gateway: payment intent %s has no %s metadata", pi.ID, MetadataPaymentID)
	}

	out := &Event{ID: ev.ID, PaymentID: paymentID, Succeeded: succeeded}
	if !succeeded {
		out.Reason = failureReason(&pi)
	}
	return out, nil
}

func failureReason(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError != nil {
		if pi.LastPaymentError.Msg != "" {
			return pi.LastPaymentError.Msg
		}
		if pi.LastPaymentError.Code != "" {
			return string(pi.LastPaymentError.Code)
		}
	}
	if pi.CancellationReason != "" {
		return "canceled: " + string(pi.CancellationReason)
	}
	return "payment failed"
}
