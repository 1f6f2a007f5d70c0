package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/authorityx/internal/apperr"
	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/domain"
	"github.com/mbd888/authorityx/internal/store"
	"github.com/mbd888/authorityx/internal/store/memory"
	"github.com/mbd888/authorityx/internal/store/storetest"
)

func newLedger(t *testing.T) (*Ledger, *memory.Store, *clock.Fake) {
	t.Helper()
	s := memory.New()
	clk := clock.NewFake(storetest.Epoch.Add(time.Hour))
	return New(s, clk), s, clk
}

func TestDebit_RecordsEntryAndBalance(t *testing.T) {
	l, s, clk := newLedger(t)
	storetest.Account(t, s, "buyer", storetest.WithCredits(5, 1))

	entry, err := l.Debit(context.Background(), "buyer", 2, "unlock listing", "lst_1")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), entry.Amount)
	assert.Equal(t, int64(2), entry.BalanceAfter)
	assert.Equal(t, "lst_1", entry.ReferenceID)
	assert.Equal(t, clk.Now(), entry.CreatedAt)

	bal, err := l.Balance(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Equal(t, &Balance{UserID: "buyer", Total: 5, Used: 3, Available: 2}, bal)
}

func TestDebit_InsufficientNamesAmounts(t *testing.T) {
	l, s, _ := newLedger(t)
	storetest.Account(t, s, "buyer", storetest.WithCredits(2, 1))

	_, err := l.Debit(context.Background(), "buyer", 3, "unlock", "")
	require.ErrorIs(t, err, apperr.ErrInsufficientCredits)
	assert.Contains(t, err.Error(), "3 required, 1 available")

	assert.Len(t, storetest.CreditEntries(t, s, "buyer"), 2, "no entry appended on failure")
	assert.Equal(t, int64(1), storetest.GetAccount(t, s, "buyer").UsedCredits)
}

func TestDebitAndCredit_RejectNonPositive(t *testing.T) {
	l, s, _ := newLedger(t)
	storetest.Account(t, s, "buyer", storetest.WithCredits(2, 0))

	for _, amount := range []int64{0, -1} {
		_, err := l.Debit(context.Background(), "buyer", amount, "x", "")
		assert.ErrorIs(t, err, apperr.ErrBadRequest)
		_, err = l.Credit(context.Background(), "buyer", amount, "x", "")
		assert.ErrorIs(t, err, apperr.ErrBadRequest)
	}
}

func TestDebit_UnknownUser(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.Debit(context.Background(), "ghost", 1, "x", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCredit_IncreasesTotal(t *testing.T) {
	l, s, _ := newLedger(t)
	storetest.Account(t, s, "buyer")

	entry, err := l.Credit(context.Background(), "buyer", 10, "admin grant", "ticket-42")
	require.NoError(t, err)
	assert.Equal(t, int64(10), entry.Amount)
	assert.Equal(t, int64(10), entry.BalanceAfter)

	a := storetest.GetAccount(t, s, "buyer")
	assert.Equal(t, int64(10), a.TotalCredits)
	assert.Equal(t, int64(0), a.UsedCredits)
}

func TestDebitTx_RollsBackWithCallerUnit(t *testing.T) {
	l, s, _ := newLedger(t)
	storetest.Account(t, s, "buyer", storetest.WithCredits(1, 0))

	grantFailed := errors.New("grant failed")
	ctx := context.Background()
	err := s.Update(ctx, func(tx store.Tx) error {
		if _, err := l.DebitTx(ctx, tx, "buyer", 1, "unlock", "lst_1"); err != nil {
			return err
		}
		return grantFailed
	})
	require.ErrorIs(t, err, grantFailed)

	bal, err := l.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Available)
	assert.Len(t, storetest.CreditEntries(t, s, "buyer"), 1)
}

func TestDebit_ConcurrentCallersCannotOverspend(t *testing.T) {
	l, s, _ := newLedger(t)
	storetest.Account(t, s, "buyer", storetest.WithCredits(3, 0))

	const callers = 10
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(context.Background(), "buyer", 1, "unlock", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, callers-3, rejected)

	audit, err := l.Verify(context.Background(), "buyer")
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
	assert.Equal(t, int64(0), audit.Available)
}

func TestVerify_DetectsDrift(t *testing.T) {
	l, s, _ := newLedger(t)
	storetest.Account(t, s, "buyer", storetest.WithCredits(4, 0))

	// Write the balance behind the ledger's back.
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Accounts().SetCredits(ctx, "buyer", 5, 0, storetest.Epoch)
	}))

	audit, err := l.Verify(ctx, "buyer")
	require.NoError(t, err)
	assert.False(t, audit.Consistent)
	assert.Equal(t, int64(5), audit.Available)
	assert.Equal(t, int64(4), audit.EntrySum)
}

func TestHistory_NewestFirst(t *testing.T) {
	l, s, clk := newLedger(t)
	storetest.Account(t, s, "buyer")
	ctx := context.Background()

	_, err := l.Credit(ctx, "buyer", 3, "grant", "")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = l.Debit(ctx, "buyer", 1, "unlock", "lst_1")
	require.NoError(t, err)

	entries, err := l.History(ctx, "buyer", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-1), entries[0].Amount)
	assert.Equal(t, int64(3), entries[1].Amount)

	_, err = l.History(ctx, "ghost", 10)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSumAlwaysMatchesBalance(t *testing.T) {
	l, s, _ := newLedger(t)
	storetest.Account(t, s, "buyer", storetest.WithTier(domain.TierPro, true))
	ctx := context.Background()

	ops := []struct {
		credit bool
		amount int64
	}{{true, 5}, {false, 2}, {false, 4}, {true, 1}, {false, 4}, {false, 1}}
	for _, op := range ops {
		if op.credit {
			_, _ = l.Credit(ctx, "buyer", op.amount, "grant", "")
		} else {
			_, _ = l.Debit(ctx, "buyer", op.amount, "spend", "")
		}
		a := storetest.GetAccount(t, s, "buyer")
		require.GreaterOrEqual(t, a.UsedCredits, int64(0))
		require.LessOrEqual(t, a.UsedCredits, a.TotalCredits)

		audit, err := l.Verify(ctx, "buyer")
		require.NoError(t, err)
		require.True(t, audit.Consistent, "after %+v", op)
	}
}
