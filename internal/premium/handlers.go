package premium

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/httputil"
)

// Handler provides HTTP endpoints for premium access.
type Handler struct {
	service *Service
}

// NewHandler creates a new premium handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up buyer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/premium-requests", h.CreateRequest)
	r.GET("/premium-requests/:id", h.GetRequest)
	r.GET("/listings/:id/access", h.CheckAccess)
}

// RegisterAdminRoutes sets up the admin review queue.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/premium-requests", h.ListRequests)
	r.POST("/premium-requests/:id/approve", h.Approve)
	r.POST("/premium-requests/:id/reject", h.Reject)
	r.POST("/premium-requests/:id/contacted", h.MarkContacted)
	r.POST("/premium-requests/:id/in-progress", h.MarkInProgress)
}

// CreateRequest handles POST /v1/premium-requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var req Request
	if !httputil.BindJSON(c, &req) {
		return
	}
	r, err := h.service.Request(c.Request.Context(), auth.Actor(c), req)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": r})
}

// GetRequest handles GET /v1/premium-requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, r, err)
}

// CheckAccess handles GET /v1/listings/:id/access
func (h *Handler) CheckAccess(c *gin.Context) {
	ok, err := h.service.HasAccess(c.Request.Context(), auth.Actor(c), c.Param("id"))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listingId": c.Param("id"), "hasAccess": ok})
}

// ListRequests handles GET /v1/admin/premium-requests
func (h *Handler) ListRequests(c *gin.Context) {
	status := domain.PremiumStatus(c.DefaultQuery("status", string(domain.PremiumPending)))
	rs, err := h.service.ListByStatus(c.Request.Context(), status, httputil.Limit(c, 50, 200))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rs, "count": len(rs)})
}

// Approve handles POST /v1/admin/premium-requests/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	r, err := h.service.AdminApprove(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, r, err)
}

// Reject handles POST /v1/admin/premium-requests/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	r, err := h.service.AdminReject(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, r, err)
}

// MarkContacted handles POST /v1/admin/premium-requests/:id/contacted
func (h *Handler) MarkContacted(c *gin.Context) {
	r, err := h.service.MarkContacted(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, r, err)
}

// MarkInProgress handles POST /v1/admin/premium-requests/:id/in-progress
func (h *Handler) MarkInProgress(c *gin.Context) {
	r, err := h.service.MarkInProgress(c.Request.Context(), c.Param("id"), auth.Actor(c))
	h.respond(c, r, err)
}

func (h *Handler) respond(c *gin.Context, r *domain.PremiumRequest, err error) {
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}
