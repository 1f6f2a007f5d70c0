package premium

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/ledger"
	"github.com/mbd888/authorityx/internal/notify"
	"github.com/mbd888/authorityx/internal/store/memory"
	"github.com/mbd888/authorityx/internal/store/storetest"
)

var (
	buyer  = domain.Actor{ID: "buyer", Role: domain.RoleUser}
	pro    = domain.Actor{ID: "pro", Role: domain.RoleUser}
	broker = domain.Actor{ID: "broker", Role: domain.RoleUser}
	seller = domain.Actor{ID: "seller", Role: domain.RoleUser}
	admin  = domain.Actor{ID: "admin", Role: domain.RoleAdmin}
)

type fixture struct {
	service    *Service
	store      *memory.Store
	dispatcher *notify.Dispatcher
	sent       *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	clk := clock.NewFake(storetest.Epoch.Add(time.Hour))
	rec := &notify.Recorder{}
	d := notify.NewDispatcher(slog.Default(), rec)

	storetest.Account(t, s, "buyer", storetest.WithCredits(3, 0))
	storetest.Account(t, s, "broke")
	storetest.Account(t, s, "pro", storetest.WithCredits(1, 0), storetest.WithTier(domain.TierPro, true))
	storetest.Account(t, s, "lapsed", storetest.WithCredits(1, 0), storetest.WithTier(domain.TierEnterprise, false))
	storetest.Account(t, s, "broker", storetest.WithCredits(5, 0), storetest.WithTier(domain.TierBroker, true))
	storetest.Account(t, s, "seller")
	storetest.Account(t, s, "admin", storetest.AsAdmin())
	storetest.Listing(t, s, "lst_r", "seller", 100000, storetest.Restricted())
	storetest.Listing(t, s, "lst_r2", "seller", 90000, storetest.Restricted())
	storetest.Listing(t, s, "lst_open", "seller", 50000)

	return &fixture{
		service:    NewService(s, ledger.New(s, clk), DefaultConfig(), clk).WithNotifier(d),
		store:      s,
		dispatcher: d,
		sent:       rec,
	}
}

func (f *fixture) request(actor domain.Actor, listingID string) (*domain.PremiumRequest, error) {
	return f.service.Request(context.Background(), actor, Request{ListingID: listingID, Message: "please"})
}

func assertKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), err.Error())
}

func (f *fixture) countRequests(t *testing.T) int {
	t.Helper()
	n := 0
	for _, st := range []domain.PremiumStatus{
		domain.PremiumPending, domain.PremiumContacted, domain.PremiumInProgress,
		domain.PremiumCompleted, domain.PremiumCancelled,
	} {
		rs, err := f.service.ListByStatus(context.Background(), st, 100)
		require.NoError(t, err)
		n += len(rs)
	}
	return n
}

func TestRequest_InsufficientCreditsCreatesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.request(domain.Actor{ID: "broke", Role: domain.RoleUser}, "lst_r")
	assertKind(t, err, apperr.KindInsufficientCredits)
	assert.Contains(t, err.Error(), "1 required, 0 available")

	assert.Zero(t, f.countRequests(t))
	assert.Empty(t, storetest.CreditEntries(t, f.store, "broke"))
}

func TestRequest_CheckOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.request(buyer, "lst_open")
	assertKind(t, err, apperr.KindBadRequest)

	_, err = f.request(buyer, "lst_missing")
	assertKind(t, err, apperr.KindNotFound)

	_, err = f.request(broker, "lst_r")
	assertKind(t, err, apperr.KindPlanNotEligible)

	_, err = f.request(seller, "lst_r")
	assertKind(t, err, apperr.KindAlreadyUnlocked)

	r, err := f.request(buyer, "lst_r")
	require.NoError(t, err)
	_, err = f.request(buyer, "lst_r")
	assertKind(t, err, apperr.KindDuplicateRequest)

	_, err = f.service.AdminApprove(ctx, r.ID, admin)
	require.NoError(t, err)
	_, err = f.request(buyer, "lst_r")
	assertKind(t, err, apperr.KindAlreadyUnlocked)
}

func TestRequest_FastPathGrantsImmediately(t *testing.T) {
	f := newFixture(t)
	r, err := f.request(pro, "lst_r")
	require.NoError(t, err)

	assert.Equal(t, domain.PremiumCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, domain.SystemActor.ID, r.HandledBy)

	acct := storetest.GetAccount(t, f.store, "pro")
	assert.Zero(t, acct.AvailableCredits())
	entries := storetest.CreditEntries(t, f.store, "pro")
	require.NotEmpty(t, entries)
	assert.Equal(t, int64(-1), entries[0].Amount)
	assert.Equal(t, r.ID, entries[0].ReferenceID)

	ok, err := f.service.HasAccess(context.Background(), pro, "lst_r")
	require.NoError(t, err)
	assert.True(t, ok)

	f.dispatcher.Wait()
	require.Len(t, f.sent.For("pro"), 1)
	assert.Equal(t, "Premium access granted", f.sent.For("pro")[0].Title)
}

func TestRequest_LapsedSubscriptionWaitsForReview(t *testing.T) {
	f := newFixture(t)
	r, err := f.request(domain.Actor{ID: "lapsed", Role: domain.RoleUser}, "lst_r")
	require.NoError(t, err)
	assert.Equal(t, domain.PremiumPending, r.Status)
	assert.Equal(t, int64(1), storetest.GetAccount(t, f.store, "lapsed").AvailableCredits())
}

func TestRequest_ConcurrentFastPathCannotOverspend(t *testing.T) {
	f := newFixture(t)
	listings := []string{"lst_r", "lst_r2"}

	var wg sync.WaitGroup
	errs := make([]error, len(listings))
	for i, id := range listings {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.request(pro, id)
		}(i, id)
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
			continue
		}
		assertKind(t, err, apperr.KindInsufficientCredits)
	}
	assert.Equal(t, 1, granted)
	assert.Zero(t, storetest.GetAccount(t, f.store, "pro").AvailableCredits())
}

func TestAdminApprove_SharesTheGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.request(buyer, "lst_r")
	require.NoError(t, err)

	_, err = f.service.AdminApprove(ctx, r.ID, buyer)
	assertKind(t, err, apperr.KindForbidden)

	r, err = f.service.MarkContacted(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.PremiumContacted, r.Status)
	r, err = f.service.MarkInProgress(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.PremiumInProgress, r.Status)
	_, err = f.service.MarkContacted(ctx, r.ID, admin)
	assertKind(t, err, apperr.KindInvalidTransition)

	r, err = f.service.AdminApprove(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.PremiumCompleted, r.Status)
	assert.Equal(t, "admin", r.HandledBy)
	assert.Equal(t, int64(2), storetest.GetAccount(t, f.store, "buyer").AvailableCredits())

	_, err = f.service.AdminApprove(ctx, r.ID, admin)
	assertKind(t, err, apperr.KindInvalidTransition)
	assert.Equal(t, int64(2), storetest.GetAccount(t, f.store, "buyer").AvailableCredits())
}

func TestAdminApprove_RechecksCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.request(domain.Actor{ID: "lapsed", Role: domain.RoleUser}, "lst_r")
	require.NoError(t, err)

	_, err = ledger.New(f.store, nil).Debit(ctx, "lapsed", 1, "spent elsewhere", "")
	require.NoError(t, err)

	_, err = f.service.AdminApprove(ctx, r.ID, admin)
	assertKind(t, err, apperr.KindInsufficientCredits)

	got, err := f.service.Get(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.PremiumPending, got.Status)
}

func TestAdminReject_NoLedgerEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.request(buyer, "lst_r")
	require.NoError(t, err)

	r, err = f.service.AdminReject(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.PremiumCancelled, r.Status)
	assert.Equal(t, int64(3), storetest.GetAccount(t, f.store, "buyer").AvailableCredits())

	ok, err := f.service.HasAccess(ctx, buyer, "lst_r")
	require.NoError(t, err)
	assert.False(t, ok)

	f.dispatcher.Wait()
	assert.Equal(t, "Premium request declined", f.sent.For("buyer")[0].Title)

	// A cancelled request no longer blocks a new one.
	_, err = f.request(buyer, "lst_r")
	require.NoError(t, err)
}

func TestGet_OwnerOrAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.request(buyer, "lst_r")
	require.NoError(t, err)

	_, err = f.service.Get(ctx, r.ID, pro)
	assertKind(t, err, apperr.KindForbidden)
	_, err = f.service.Get(ctx, r.ID, buyer)
	require.NoError(t, err)
}

func TestHasAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		actor   domain.Actor
		listing string
		want    bool
	}{
		{"unrestricted listing", buyer, "lst_open", true},
		{"seller", seller, "lst_r", true},
		{"admin", admin, "lst_r", true},
		{"locked buyer", buyer, "lst_r", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := f.service.HasAccess(ctx, tt.actor, tt.listing)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
