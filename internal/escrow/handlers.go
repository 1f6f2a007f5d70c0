package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/httputil"
)

// Handler provides HTTP endpoints for escrow transactions.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up routes for buyers and sellers. Admins reach the
// same routes with full visibility.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/timeline", h.GetTimeline)
	r.GET("/transactions/:id/payments", h.ListPayments)
	r.POST("/transactions/:id/terms", h.AcceptTerms)
	r.POST("/transactions/:id/deposit", h.SubmitDeposit)
	r.POST("/transactions/:id/review", h.StartReview)
	r.POST("/transactions/:id/approve", h.Approve)
	r.POST("/transactions/:id/final-payment", h.SubmitFinalPayment)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/transactions/:id/dispute", h.OpenDispute)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.AdminCreate)
	r.POST("/transactions/:id/approve", h.AdminApprove)
	r.POST("/transactions/:id/resolve", h.ResolveDispute)
	r.POST("/payments/:paymentId/verify", h.VerifyPayment)
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest is the body of an admin dispute resolution.
type ResolveRequest struct {
	Outcome DisputeOutcome `json:"outcome" binding:"required"`
	Note    string         `json:"note"`
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.engine.ListForUser(c.Request.Context(), auth.Actor(c).ID, httputil.Limit(c, 50, 200))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	view, err := h.engine.Get(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": view})
}

// GetTimeline handles GET /v1/transactions/:id/timeline
func (h *Handler) GetTimeline(c *gin.Context) {
	entries, err := h.engine.Timeline(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": entries, "count": len(entries)})
}

// ListPayments handles GET /v1/transactions/:id/payments
func (h *Handler) ListPayments(c *gin.Context) {
	payments, err := h.engine.Payments(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// AcceptTerms handles POST /v1/transactions/:id/terms
func (h *Handler) AcceptTerms(c *gin.Context) {
	t, err := h.engine.AcceptTerms(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, t, err)
}

// SubmitDeposit handles POST /v1/transactions/:id/deposit
func (h *Handler) SubmitDeposit(c *gin.Context) {
	var req PaymentRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	p, err := h.engine.SubmitDeposit(c.Request.Context(), c.Param("id"), auth.Actor(c), req)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// StartReview handles POST /v1/transactions/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	t, err := h.engine.StartReview(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, t, err)
}

// Approve handles POST /v1/transactions/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	t, err := h.engine.Approve(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, t, err)
}

// SubmitFinalPayment handles POST /v1/transactions/:id/final-payment
func (h *Handler) SubmitFinalPayment(c *gin.Context) {
	var req PaymentRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	p, err := h.engine.SubmitFinalPayment(c.Request.Context(), c.Param("id"), auth.Actor(c), req)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req ReasonRequest
	if c.Request.ContentLength > 0 && !httputil.BindJSON(c, &req) {
		return
	}
	t, err := h.engine.Cancel(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Reason)
	h.respond(c, t, err)
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req ReasonRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	t, err := h.engine.OpenDispute(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Reason)
	h.respond(c, t, err)
}

// AdminCreate handles POST /v1/admin/transactions
func (h *Handler) AdminCreate(c *gin.Context) {
	var req AdminCreateRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	t, err := h.engine.AdminCreate(c.Request.Context(), auth.Actor(c), req)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// AdminApprove handles POST /v1/admin/transactions/:id/approve
func (h *Handler) AdminApprove(c *gin.Context) {
	t, err := h.engine.AdminApprove(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, t, err)
}

// ResolveDispute handles POST /v1/admin/transactions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	t, err := h.engine.ResolveDispute(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Outcome, req.Note)
	h.respond(c, t, err)
}

// VerifyPayment handles POST /v1/admin/payments/:paymentId/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	t, err := h.engine.VerifyPayment(c.Request.Context(), c.Param("paymentId"), auth.Actor(c))
	h.respond(c, t, err)
}

func (h *Handler) respond(c *gin.Context, t any, err error) {
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}
