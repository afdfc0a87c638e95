package budget

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, budgets map[int]string) *Ledger {
	t.Helper()
	l := NewLedger(Config{ReservationTTL: time.Minute}, nil, nil)
	for id, amount := range budgets {
		require.NoError(t, l.SetBudget(id, d(amount)))
	}
	return l
}

func available(t *testing.T, l *Ledger, id int) decimal.Decimal {
	t.Helper()
	cb, ok := l.CampaignBudget(id)
	require.True(t, ok)
	return cb.Available
}

func TestReserveThenReleaseRestoresAvailable(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "10.00"})
	before := available(t, l, 1)

	id := l.ReserveBudget(1, d("3.3333"), "bid-1")
	require.NotEmpty(t, id)
	assert.True(t, available(t, l, 1).Equal(d("6.6667")))

	require.NoError(t, l.ReleaseBudgetReservation("bid-1"))
	assert.True(t, available(t, l, 1).Equal(before))

	res, ok := l.Reservation("bid-1")
	require.True(t, ok)
	assert.Equal(t, models.ReservationReleased, res.State)
	assert.Equal(t, ReasonLoss, res.Reason)
}

func TestTwoConcurrentReservationsForExactBudget(t *testing.T) {
	l := newTestLedger(t, map[int]string{7: "2.0"})

	var wg sync.WaitGroup
	results := make([]string, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = l.ReserveBudget(7, d("2.0"), fmt.Sprintf("bid-%d", i))
		}(i)
	}
	close(start)
	wg.Wait()

	won := 0
	for _, r := range results {
		if r != "" {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.True(t, available(t, l, 7).IsZero())
	assert.Equal(t, int64(1), l.GetBudgetStatistics().RaceLost)
}

func TestConcurrentReservationsNeverOverspend(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "10", 2: "5"})

	var wg sync.WaitGroup
	var succeeded [3]atomic.Int64
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			campaign := 1 + i%2
			bidID := fmt.Sprintf("bid-%d", i)
			if l.ReserveBudget(campaign, d("0.5"), bidID) == "" {
				return
			}
			succeeded[campaign].Add(1)
			// settle half of the wins at full price, the rest as losses
			if i%4 < 2 {
				assert.NoError(t, l.ConfirmBudgetSpend(bidID, d("0.5")))
			} else {
				assert.NoError(t, l.ReleaseBudgetReservation(bidID))
			}
		}(i)
	}
	wg.Wait()

	for id, total := range map[int]string{1: "10", 2: "5"} {
		cb, ok := l.CampaignBudget(id)
		require.True(t, ok)
		assert.True(t, cb.Spent.LessThanOrEqual(d(total)), "campaign %d overspent: %s", id, cb.Spent)
		assert.True(t, cb.Reserved.IsZero())
		assert.GreaterOrEqual(t, succeeded[id].Load(), int64(1))
	}
}

func TestReservationsAreExactWhenOversubscribed(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "10"})

	var wg sync.WaitGroup
	var ok atomic.Int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.ReserveBudget(1, d("0.75"), fmt.Sprintf("bid-%d", i)) != "" {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// 13 * 0.75 = 9.75 fits, a 14th would not
	assert.Equal(t, int64(13), ok.Load())
	assert.True(t, available(t, l, 1).Equal(d("0.25")))
}

func TestConfirmReturnsDifference(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "5"})
	var events []SpendEvent
	l.SetSpendHook(func(e SpendEvent) { events = append(events, e) })

	require.NotEmpty(t, l.ReserveBudget(1, d("2.00"), "bid-1"))
	require.NoError(t, l.ConfirmBudgetSpend("bid-1", d("1.51")))

	cb, _ := l.CampaignBudget(1)
	assert.True(t, cb.Spent.Equal(d("1.51")))
	assert.True(t, cb.Reserved.IsZero())
	assert.True(t, cb.Available.Equal(d("3.49")))
	require.Len(t, events, 1)
	assert.True(t, events[0].Amount.Equal(d("1.51")))
	assert.True(t, events[0].TotalSpent.Equal(d("1.51")))
}

func TestConfirmCapsAtReservedAmount(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "2"})
	require.NotEmpty(t, l.ReserveBudget(1, d("2"), "bid-1"))
	require.NoError(t, l.ConfirmBudgetSpend("bid-1", d("9")))

	cb, _ := l.CampaignBudget(1)
	assert.True(t, cb.Spent.Equal(d("2")))
	assert.True(t, cb.Available.IsZero())
}

func TestSettlementIsExactlyOnce(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "5"})
	require.NotEmpty(t, l.ReserveBudget(1, d("1"), "bid-1"))

	require.NoError(t, l.ConfirmBudgetSpend("bid-1", d("1")))
	assert.ErrorIs(t, l.ConfirmBudgetSpend("bid-1", d("1")), ErrAlreadySettled)
	assert.ErrorIs(t, l.ReleaseBudgetReservation("bid-1"), ErrAlreadySettled)

	cb, _ := l.CampaignBudget(1)
	assert.True(t, cb.Spent.Equal(d("1")))
	assert.True(t, cb.Available.Equal(d("4")))
	assert.Equal(t, int64(2), l.GetBudgetStatistics().Duplicates)

	assert.ErrorIs(t, l.ConfirmBudgetSpend("missing", d("1")), ErrReservationNotFound)
}

func TestConcurrentNoticesSettleOnce(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "5"})
	require.NotEmpty(t, l.ReserveBudget(1, d("1"), "bid-1"))

	var wg sync.WaitGroup
	var settled atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = l.ConfirmBudgetSpend("bid-1", d("0.8"))
			} else {
				err = l.ReleaseBudgetReservation("bid-1")
			}
			if err == nil {
				settled.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), settled.Load())
	cb, _ := l.CampaignBudget(1)
	assert.True(t, cb.Reserved.IsZero())
	assert.Equal(t, 0, cb.OpenReservations)
}

func TestUnknownCampaignFailsClosed(t *testing.T) {
	l := newTestLedger(t, nil)
	assert.False(t, l.CheckBudget(42, d("1")))
	assert.Empty(t, l.ReserveBudget(42, d("1"), "bid-1"))

	_, err := l.Reserve(42, d("1"), "bid-1")
	assert.ErrorIs(t, err, ErrUnknownCampaign)
}

func TestReserveRejectsBadInput(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "5"})
	assert.False(t, l.CheckBudget(1, d("0")))
	assert.Empty(t, l.ReserveBudget(1, d("-1"), "bid-1"))
	assert.Empty(t, l.ReserveBudget(1, d("1"), ""))

	require.NotEmpty(t, l.ReserveBudget(1, d("1"), "bid-1"))
	_, err := l.Reserve(1, d("1"), "bid-1")
	assert.ErrorIs(t, err, ErrDuplicateBid)
	assert.True(t, available(t, l, 1).Equal(d("4")))
}

func TestCheckBudget(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "2"})
	assert.True(t, l.CheckBudget(1, d("2")))
	assert.False(t, l.CheckBudget(1, d("2.0001")))

	require.NotEmpty(t, l.ReserveBudget(1, d("1.5"), "bid-1"))
	assert.False(t, l.CheckBudget(1, d("1")))
	assert.True(t, l.CheckBudget(1, d("0.5")))
}

func TestExpireReservations(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "5"})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	require.NotEmpty(t, l.ReserveBudget(1, d("2"), "stale"))
	now = now.Add(30 * time.Second)
	require.NotEmpty(t, l.ReserveBudget(1, d("1"), "fresh"))

	assert.Equal(t, 1, l.ExpireReservations(now.Add(31*time.Second)))
	assert.True(t, available(t, l, 1).Equal(d("4")))

	res, _ := l.Reservation("stale")
	assert.Equal(t, models.ReservationReleased, res.State)
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.ErrorIs(t, l.ConfirmBudgetSpend("stale", d("2")), ErrAlreadySettled)

	// settled entries are forgotten once the retention window passes
	assert.Equal(t, 1, l.ExpireReservations(now.Add(2*time.Minute)))
	l.ExpireReservations(now.Add(10 * time.Minute))
	_, ok := l.Reservation("stale")
	assert.False(t, ok)

	st := l.GetBudgetStatistics()
	assert.Equal(t, int64(2), st.Expired)
	assert.True(t, st.TotalReserved.IsZero())
}

func TestRestoreAndStatistics(t *testing.T) {
	l := newTestLedger(t, map[int]string{2: "20", 1: "10"})
	require.NoError(t, l.Restore(1, d("4")))
	require.NotEmpty(t, l.ReserveBudget(2, d("5"), "bid-1"))

	st := l.GetBudgetStatistics()
	assert.True(t, st.TotalBudget.Equal(d("30")))
	assert.True(t, st.TotalSpent.Equal(d("4")))
	assert.True(t, st.TotalReserved.Equal(d("5")))
	require.Len(t, st.Campaigns, 2)
	assert.Equal(t, 1, st.Campaigns[0].CampaignID)
	assert.True(t, st.Campaigns[0].Available.Equal(d("6")))
	assert.Equal(t, 1, st.Campaigns[1].OpenReservations)

	// reading statistics must not change the ledger
	again := l.GetBudgetStatistics()
	assert.True(t, again.TotalReserved.Equal(st.TotalReserved))
	assert.True(t, again.Campaigns[1].Available.Equal(st.Campaigns[1].Available))
	assert.Equal(t, st.Reserved, again.Reserved)

	assert.ErrorIs(t, l.SetBudget(1, d("-1")), ErrInvalidAmount)
}

func TestDailySpendTracksCommitments(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "100"})
	now := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	require.NotEmpty(t, l.ReserveBudget(1, d("3"), "a"))
	require.NotEmpty(t, l.ReserveBudget(1, d("2"), "b"))
	require.NoError(t, l.ConfirmBudgetSpend("a", d("1")))
	require.NoError(t, l.ReleaseBudgetReservation("b"))
	assert.True(t, l.DailySpend(1).Equal(d("1")))

	now = now.Add(2 * time.Minute)
	assert.True(t, l.DailySpend(1).IsZero())
}

func TestLedgerRecordsMetrics(t *testing.T) {
	metrics := observability.NewRecordingRegistry()
	l := NewLedger(Config{}, nil, metrics)
	require.NoError(t, l.SetBudget(1, d("1")))

	require.NotEmpty(t, l.ReserveBudget(1, d("1"), "a"))
	assert.Empty(t, l.ReserveBudget(1, d("1"), "b"))
	require.NoError(t, l.ConfirmBudgetSpend("a", d("0.5")))

	assert.Equal(t, 1, metrics.Count("reservation:reserved"))
	assert.Equal(t, 1, metrics.Count("reservation:race_lost"))
	assert.Equal(t, 1, metrics.Count("reservation:confirmed"))
	assert.Equal(t, 0.5, metrics.Spend("1"))
}

func TestSetBudgetBelowCommittedSpend(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "10"})
	require.NotEmpty(t, l.ReserveBudget(1, d("5"), "b1"))

	assert.ErrorIs(t, l.SetBudget(1, d("3")), ErrBudgetBelowCommitted)
	cb, _ := l.CampaignBudget(1)
	assert.True(t, cb.Total.Equal(d("10")))

	require.NoError(t, l.ConfirmBudgetSpend("b1", d("5")))
	cb, _ = l.CampaignBudget(1)
	assert.True(t, cb.Spent.LessThanOrEqual(cb.Total))
	assert.False(t, cb.Available.IsNegative())

	// lowering to exactly the committed spend is allowed
	require.NoError(t, l.SetBudget(1, d("5")))
	assert.False(t, l.CheckBudget(1, d("0.0001")))
	assert.ErrorIs(t, l.SetBudget(1, d("4.9999")), ErrBudgetBelowCommitted)
}

func TestCheckBudgetDuringAccountContention(t *testing.T) {
	l := newTestLedger(t, map[int]string{1: "2"})
	a := l.account(1)

	a.mu.Lock()
	done := make(chan bool)
	go func() { done <- l.CheckBudget(1, d("1")) }()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("CheckBudget blocked on the account lock")
	}
	a.mu.Unlock()

	require.NotEmpty(t, l.ReserveBudget(1, d("1.5"), "b1"))
	assert.False(t, l.CheckBudget(1, d("1")))
	require.NoError(t, l.ReleaseBudgetReservation("b1"))
	assert.True(t, l.CheckBudget(1, d("2")))
}
