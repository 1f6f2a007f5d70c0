package offers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/httputil"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/counter", h.CounterOffer)
	r.POST("/offers/:id/reject", h.RejectOffer)
	r.POST("/offers/:id/withdraw", h.WithdrawOffer)
}

// RejectRequest carries an optional rejection reason.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Create(c.Request.Context(), auth.Actor(c), req)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	offers, err := h.service.ListByUser(c.Request.Context(), auth.Actor(c).ID, httputil.Limit(c, 50, 200))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	res, err := h.service.Accept(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// CounterOffer handles POST /v1/offers/:id/counter
func (h *Handler) CounterOffer(c *gin.Context) {
	var req CounterRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Counter(c.Request.Context(), c.Param("id"), auth.Actor(c), req)
	h.respond(c, res, err)
}

// RejectOffer handles POST /v1/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	var req RejectRequest
	if c.Request.ContentLength > 0 && !httputil.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Reason)
	h.respond(c, res, err)
}

// WithdrawOffer handles POST /v1/offers/:id/withdraw
func (h *Handler) WithdrawOffer(c *gin.Context) {
	res, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, res, err)
}

func (h *Handler) respond(c *gin.Context, res *Result, err error) {
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
