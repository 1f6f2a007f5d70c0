package offers

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
	"github.com/mbd888/authorityx/internal/domain"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(""), auth.RequireAuth())
	NewHandler(f.service).RegisterRoutes(v1)
	return r, f
}

func request(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderUserID, user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_NegotiationFlow(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := request(r, http.MethodPost, "/v1/offers", "buyer", map[string]any{"listingId": "lst_1", "amount": "80000.00"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Offer.ID

	w = request(r, http.MethodPost, "/v1/offers/"+id+"/counter", "seller", map[string]any{"amount": 90000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"countered"`)

	w = request(r, http.MethodPost, "/v1/offers/"+id+"/accept", "seller", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, http.MethodPost, "/v1/offers/"+id+"/accept", "buyer", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var accepted Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotNil(t, accepted.Transaction)
	assert.Equal(t, domain.TxAwaitingDeposit, accepted.Transaction.Status)

	w = request(r, http.MethodGet, "/v1/offers", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_Errors(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := request(r, http.MethodPost, "/v1/offers", "buyer", map[string]any{"amount": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(r, http.MethodGet, "/v1/offers/off_missing", "buyer", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(r, http.MethodPost, "/v1/offers/off_missing/reject", "seller", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
