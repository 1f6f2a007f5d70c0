package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/escrow"
	"github.com/mbd888/authorityx/internal/logging"
)

// maxPayloadBytes bounds webhook bodies.
const maxPayloadBytes = 64 * 1024

// SignatureHeader is the provider's signature header.
const SignatureHeader = "Stripe-Signature"

// Processor applies a payment outcome.
type Processor interface {
	HandleGatewayEvent(ctx context.Context, paymentID string, succeeded bool, reason string) (escrow.GatewayResult, error)
}

// Handler receives provider webhooks.
type Handler struct {
	processor Processor
	secret    string
}

// NewHandler creates a webhook handler. An empty secret disables signature
// verification.
func NewHandler(p Processor, secret string) *Handler {
	return &Handler{processor: p, secret: secret}
}

// RegisterRoutes sets up the webhook route. It must sit outside user auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.Receive)
}

// Receive handles POST /v1/webhooks/payments
//
// Outcomes the engine rejects (unknown payment, transaction moved on) are
// acknowledged so the provider stops retrying; infrastructure failures
// answer 500 so it retries.
func (h *Handler) Receive(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}

	ev, err := Parse(payload, c.GetHeader(SignatureHeader), h.secret)
	switch {
	case errors.Is(err, ErrUnsupportedEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "result": escrow.GatewayIgnored})
		return
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	case err != nil:
		logging.L(ctx).Warn("undecodable gateway event", "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true, "result": escrow.GatewayIgnored})
		return
	}

	result, err := h.processor.HandleGatewayEvent(ctx, ev.PaymentID, ev.Succeeded, ev.Reason)
	if err != nil {
		if apperr.IsDomain(err) {
			logging.L(ctx).Warn("gateway event not applied",
				"event_id", ev.ID, "payment_id", ev.PaymentID, "error", err)
			c.JSON(http.StatusOK, gin.H{"received": true, "result": escrow.GatewayIgnored})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation_failed", "message": "Event could not be applied"})
		return
	}
	logging.L(ctx).Info("gateway event applied",
		"event_id", ev.ID, "payment_id", ev.PaymentID, "result", result)
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
