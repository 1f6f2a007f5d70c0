// Package httputil holds the response conventions shared by the handlers.
package httputil

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/logging"
)

// RespondError writes err as {"error": kind, "message": text}. Infrastructure
// failures are logged and rendered without internal detail.
func RespondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)

	msg := err.Error()
	if kind == apperr.KindOperationFailed {
		var e *apperr.Error
		if !errors.As(err, &e) {
			logging.L(c.Request.Context()).Error("unclassified handler error",
				"path", c.FullPath(), "error", err)
		}
		msg = "The operation failed. Please retry."
	}

	c.JSON(status, gin.H{
		"error":   string(kind),
		"message": msg,
	})
}

// BindJSON decodes the body into v, answering 400 on failure.
func BindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// Limit parses the ?limit query parameter, bounded to [1, max].
func Limit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, max)
		}
	}
	return limit
}
