package disputes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/domain"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.service)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(""), auth.RequireAuth())
	h.RegisterRoutes(v1)
	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.RequireAdmin())
	h.RegisterAdminRoutes(adminGroup)
	return r, f
}

func request(r *gin.Engine, method, path, user, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderUserID, user)
	if role != "" {
		req.Header.Set(auth.HeaderUserRole, role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_BlockSubmitResolve(t *testing.T) {
	r, f := setupTestRouter(t)

	w := request(r, http.MethodPost, "/v1/admin/disputes", "user", "", map[string]string{
		"userId": "user", "accountName": "a", "paymentName": "b",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, http.MethodPost, "/v1/admin/disputes", "admin", "admin", map[string]string{
		"userId": "user", "accountName": "Jane Carrier", "paymentName": "J. Freight LLC",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body struct {
		Dispute domain.AccountDispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	id := body.Dispute.ID

	w = request(r, http.MethodGet, "/v1/disputes/current", "user", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = request(r, http.MethodPost, "/v1/disputes/"+id+"/submit", "user", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.clock.Advance(time.Hour)
	w = request(r, http.MethodPost, "/v1/disputes/"+id+"/submit", "user", "", map[string]string{"explanation": "my LLC"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"submitted"`)

	w = request(r, http.MethodGet, "/v1/admin/disputes", "admin", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = request(r, http.MethodPost, "/v1/admin/disputes/"+id+"/resolve", "admin", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"resolved"`)

	w = request(r, http.MethodGet, "/v1/disputes/current", "user", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
