package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/store/memory"
	"github.com/mbd888/authorityx/internal/store/storetest"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *memory.Store) {
	gin.SetMode(gin.TestMode)
	s := memory.New()
	h := NewHandler(New(s, nil))

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(""), auth.RequireAuth())
	h.RegisterRoutes(v1)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin())
	h.RegisterAdminRoutes(admin)
	return r, s
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

func TestHandler_OwnBalance(t *testing.T) {
	r, s := setupTestRouter(t)
	storetest.Account(t, s, "buyer", storetest.WithCredits(3, 1))

	w := request(r, http.MethodGet, "/v1/credits", "buyer", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Balance Balance `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Balance.Available)
}

func TestHandler_AdminGrantAndDebit(t *testing.T) {
	r, s := setupTestRouter(t)
	storetest.Account(t, s, "buyer")

	w := request(r, http.MethodPost, "/v1/admin/users/buyer/credits/grant", "ops", "admin",
		AdjustRequest{Amount: 2, Reason: "goodwill"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = request(r, http.MethodPost, "/v1/admin/users/buyer/credits/debit", "ops", "admin",
		AdjustRequest{Amount: 5, Reason: "correction"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "5 required, 2 available")

	w = request(r, http.MethodGet, "/v1/admin/users/buyer/credits/audit", "ops", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"consistent":true`)
}

func TestHandler_AdminRoutesRequireAdmin(t *testing.T) {
	r, s := setupTestRouter(t)
	storetest.Account(t, s, "buyer")

	w := request(r, http.MethodPost, "/v1/admin/users/buyer/credits/grant", "buyer", "",
		AdjustRequest{Amount: 100, Reason: "free money"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_GrantValidatesBody(t *testing.T) {
	r, s := setupTestRouter(t)
	storetest.Account(t, s, "buyer")

	w := request(r, http.MethodPost, "/v1/admin/users/buyer/credits/grant", "ops", "admin",
		map[string]any{"amount": 0, "reason": "zero"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
