package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/httputil"
)

// Handler provides HTTP endpoints for credit balances.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up routes for the authenticated user's own credits.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits", h.GetOwnBalance)
	r.GET("/credits/history", h.GetOwnHistory)
}

// RegisterAdminRoutes sets up admin credit management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/credits", h.GetBalance)
	r.GET("/users/:userId/credits/history", h.GetHistory)
	r.GET("/users/:userId/credits/audit", h.Audit)
	r.POST("/users/:userId/credits/grant", h.Grant)
	r.POST("/users/:userId/credits/debit", h.Debit)
}

// AdjustRequest is the body of grant and debit requests.
type AdjustRequest struct {
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reason    string `json:"reason" binding:"required"`
	Reference string `json:"reference"`
}

// GetOwnBalance handles GET /v1/credits
func (h *Handler) GetOwnBalance(c *gin.Context) {
	h.balance(c, auth.Actor(c).ID)
}

// GetOwnHistory handles GET /v1/credits/history
func (h *Handler) GetOwnHistory(c *gin.Context) {
	h.history(c, auth.Actor(c).ID)
}

// GetBalance handles GET /v1/admin/users/:userId/credits
func (h *Handler) GetBalance(c *gin.Context) {
	h.balance(c, c.Param("userId"))
}

// GetHistory handles GET /v1/admin/users/:userId/credits/history
func (h *Handler) GetHistory(c *gin.Context) {
	h.history(c, c.Param("userId"))
}

// Audit handles GET /v1/admin/users/:userId/credits/audit
func (h *Handler) Audit(c *gin.Context) {
	audit, err := h.ledger.Verify(c.Request.Context(), c.Param("userId"))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": audit})
}

// Grant handles POST /v1/admin/users/:userId/credits/grant
func (h *Handler) Grant(c *gin.Context) {
	var req AdjustRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	entry, err := h.ledger.Credit(c.Request.Context(), c.Param("userId"), req.Amount, req.Reason, req.Reference)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// Debit handles POST /v1/admin/users/:userId/credits/debit
func (h *Handler) Debit(c *gin.Context) {
	var req AdjustRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	entry, err := h.ledger.Debit(c.Request.Context(), c.Param("userId"), req.Amount, req.Reason, req.Reference)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

func (h *Handler) balance(c *gin.Context, userID string) {
	bal, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func (h *Handler) history(c *gin.Context, userID string) {
	entries, err := h.ledger.History(c.Request.Context(), userID, httputil.Limit(c, 50, 200))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
