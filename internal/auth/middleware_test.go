package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/authorityx/internal/domain"
)

func newRouter(secret string, guards ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(secret))
	handlers := append(guards, func(c *gin.Context) {
		a := Actor(c)
		c.JSON(http.StatusOK, gin.H{"id": a.ID, "role": a.Role})
	})
	r.GET("/who", handlers...)
	return r
}

func do(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_DefaultsToUserRole(t *testing.T) {
	w := do(newRouter(""), map[string]string{HeaderUserID: "buyer_1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"buyer_1","role":"user"}`, w.Body.String())
}

func TestMiddleware_AdminNeedsSecret(t *testing.T) {
	r := newRouter("s3cret")

	w := do(r, map[string]string{HeaderUserID: "ops", HeaderUserRole: "admin"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, map[string]string{HeaderUserID: "ops", HeaderUserRole: "admin", HeaderAdminSecret: "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"admin"`)
}

func TestMiddleware_RejectsUnknownRoleAndSystem(t *testing.T) {
	r := newRouter("")
	for _, role := range []string{"superuser", string(domain.RoleSystem)} {
		w := do(r, map[string]string{HeaderUserID: "x", HeaderUserRole: role})
		assert.Equal(t, http.StatusUnauthorized, w.Code, role)
	}
}

func TestRequireAuth(t *testing.T) {
	r := newRouter("", RequireAuth())
	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{HeaderUserID: "u1"}).Code)
}

func TestRequireAdmin(t *testing.T) {
	r := newRouter("", RequireAdmin())
	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)
	assert.Equal(t, http.StatusForbidden, do(r, map[string]string{HeaderUserID: "u1"}).Code)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{HeaderUserID: "ops", HeaderUserRole: "admin"}).Code)
}
