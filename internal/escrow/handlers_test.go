package escrow

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
	"github.com/mbd888/authorityx/internal/money"
	"github.com/mbd888/authorityx/internal/store/storetest"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.engine)

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

func TestHandler_DepositFlow(t *testing.T) {
	r, f := setupTestRouter(t)
	txn := f.open(t)
	base := "/v1/transactions/" + txn.ID

	w := request(r, http.MethodPost, base+"/deposit", "buyer", "", map[string]string{"method": "wire"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Payment domain.Payment `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, domain.PaymentPending, created.Payment.Status)

	w = request(r, http.MethodPost, "/v1/admin/payments/"+created.Payment.ID+"/verify", "buyer", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, http.MethodPost, "/v1/admin/payments/"+created.Payment.ID+"/verify", "ops", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"deposit_received"`)

	w = request(r, http.MethodPost, "/v1/admin/payments/"+created.Payment.ID+"/verify", "ops", "admin", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transition")

	w = request(r, http.MethodGet, base+"/timeline", "seller", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":3`)
}

func TestHandler_GetTransaction(t *testing.T) {
	r, f := setupTestRouter(t)
	txn := f.open(t)

	w := request(r, http.MethodGet, "/v1/transactions/"+txn.ID, "stranger", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, http.MethodGet, "/v1/transactions/txn_missing", "buyer", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(r, http.MethodGet, "/v1/transactions/"+txn.ID, "buyer", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Transaction View `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, txn.ID, resp.Transaction.ID)
	assert.Equal(t, domain.PartyBuyer, resp.Transaction.Viewer)
	assert.True(t, resp.Transaction.Seller.Withheld)
	assert.Equal(t, money.FromUnits(10000), resp.Transaction.DepositAmount)
}

func TestHandler_ApproveBeforeDeposit(t *testing.T) {
	r, f := setupTestRouter(t)
	txn := f.open(t)

	w := request(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/approve", "buyer", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "expected deposit_received")
}

func TestHandler_CancelWithoutBody(t *testing.T) {
	r, f := setupTestRouter(t)
	txn := f.open(t)

	w := request(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/cancel", "buyer", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.ListingActive, storetest.GetListing(t, f.store, "lst_1").Status)
}

func TestHandler_DisputeRequiresBody(t *testing.T) {
	r, f := setupTestRouter(t)
	txn := f.open(t)

	w := request(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/dispute", "buyer", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/dispute", "buyer", "",
		ReasonRequest{Reason: "seller listed wrong MC number"})
	require.Equal(t, http.StatusOK, w.Code)

	w = request(r, http.MethodPost, "/v1/admin/transactions/"+txn.ID+"/resolve", "ops", "admin",
		ResolveRequest{Outcome: OutcomeResume, Note: "clarified"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"awaiting_deposit"`)
}

func TestHandler_AdminCreate(t *testing.T) {
	r, _ := setupTestRouter(t)

	body := map[string]string{"listingId": "lst_1", "buyerId": "buyer", "price": "75000.00"}
	w := request(r, http.MethodPost, "/v1/admin/transactions", "ops", "admin", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"depositAmount":"7500.00"`)

	w = request(r, http.MethodPost, "/v1/admin/transactions", "ops", "admin", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_exists")
}
