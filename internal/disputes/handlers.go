package disputes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/httputil"
)

// Handler provides HTTP endpoints for account disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new disputes handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up routes for the suspended user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/current", h.GetCurrent)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/submit", h.Submit)
}

// RegisterAdminRoutes sets up admin dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListPending)
	r.POST("/disputes", h.Block)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/reject", h.Reject)
}

// SubmitRequest carries the user's explanation.
type SubmitRequest struct {
	Explanation string `json:"explanation" binding:"required"`
}

// DecisionRequest carries an optional admin note.
type DecisionRequest struct {
	Resolution string `json:"resolution"`
}

// GetCurrent handles GET /v1/disputes/current
func (h *Handler) GetCurrent(c *gin.Context) {
	d, err := h.service.Current(c.Request.Context(), auth.Actor(c).ID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Submit handles POST /v1/disputes/:id/submit
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	d, err := h.service.Submit(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Explanation)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListPending handles GET /v1/admin/disputes
func (h *Handler) ListPending(c *gin.Context) {
	ds, err := h.service.ListPending(c.Request.Context(), httputil.Limit(c, 50, 200))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

// Block handles POST /v1/admin/disputes
func (h *Handler) Block(c *gin.Context) {
	var req BlockRequest
	if !httputil.BindJSON(c, &req) {
		return
	}
	d, err := h.service.Block(c.Request.Context(), auth.Actor(c), req)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req DecisionRequest
	if c.Request.ContentLength > 0 && !httputil.BindJSON(c, &req) {
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Resolution)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Reject handles POST /v1/admin/disputes/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req DecisionRequest
	if c.Request.ContentLength > 0 && !httputil.BindJSON(c, &req) {
		return
	}
	d, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.Actor(c), req.Resolution)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
