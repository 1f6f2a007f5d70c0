package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByKind(t *testing.T) {
	err := NotFound("listing", "lst_1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))

	wrapped := fmt.Errorf("accept offer: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestInvalidTransition_NamesExpectedStates(t *testing.T) {
	type status string
	err := InvalidTransition("approve", "transaction", status("awaiting_deposit"),
		status("deposit_received"), status("in_review"))
	assert.Equal(t,
		"cannot approve: transaction is awaiting_deposit, expected deposit_received or in_review",
		err.Error())
}

func TestInsufficientCredits_Message(t *testing.T) {
	err := InsufficientCredits(1, 0)
	assert.Contains(t, err.Error(), "1 required")
	assert.Contains(t, err.Error(), "0 available")
}

func TestOperationFailed_IsNotDomain(t *testing.T) {
	cause := errors.New("connection reset")
	err := OperationFailed("verify deposit", cause)
	assert.False(t, IsDomain(err))
	assert.True(t, errors.Is(err, ErrOperationFailed))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsDomain(cause))
	assert.True(t, IsDomain(BadRequest("x")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("offer", "1"), http.StatusNotFound},
		{Forbidden("no"), http.StatusForbidden},
		{New(KindPlanNotEligible, "plan"), http.StatusForbidden},
		{BadRequest("bad"), http.StatusBadRequest},
		{New(KindDuplicateRequest, "dup"), http.StatusConflict},
		{InsufficientCredits(1, 0), http.StatusPaymentRequired},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}
