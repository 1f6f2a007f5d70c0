// Package auth reads the caller identity asserted by the upstream identity
// gateway and enforces role requirements on routes.
//
// Credentials are verified before requests reach this service. The gateway
// forwards the authenticated user in X-User-ID and their platform role in
// X-User-Role. Admin assertions must also carry the shared admin secret when
// one is configured.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/logging"
)

const (
	// ContextKeyUserID is the gin context key of the authenticated user.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the gin context key of the authenticated role.
	ContextKeyRole = "authRole"

	HeaderUserID      = "X-User-ID"
	HeaderUserRole    = "X-User-Role"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware extracts the caller identity. Requests without one continue
// unauthenticated; RequireAuth rejects them where needed.
func Middleware(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			c.Next()
			return
		}

		role := domain.Role(c.GetHeader(HeaderUserRole))
		switch role {
		case domain.RoleAdmin:
			if adminSecret != "" &&
				subtle.ConstantTimeCompare([]byte(c.GetHeader(HeaderAdminSecret)), []byte(adminSecret)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Admin role requires a valid admin secret.",
				})
				return
			}
		case domain.RoleUser, "":
			role = domain.RoleUser
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Unknown role " + string(role) + ".",
			})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Set(ContextKeyRole, string(role))
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), userID))
		c.Next()
	}
}

// RequireAuth rejects requests without an identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests from non-admins.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		if domain.Role(c.GetString(ContextKeyRole)) != domain.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// Actor returns the authenticated caller.
func Actor(c *gin.Context) domain.Actor {
	return domain.Actor{
		ID:   c.GetString(ContextKeyUserID),
		Role: domain.Role(c.GetString(ContextKeyRole)),
	}
}
