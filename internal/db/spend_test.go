package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/observability"
)

type memSpendStore struct {
	mu     sync.Mutex
	totals map[int]decimal.Decimal
	fail   bool
	writes int
}

func (m *memSpendStore) RecordSpend(_ context.Context, id int, total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.fail {
		return errors.New("db down")
	}
	if m.totals == nil {
		m.totals = map[int]decimal.Decimal{}
	}
	m.totals[id] = total
	return nil
}

func (m *memSpendStore) total(id int) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[id]
}

func TestSpendWriterCoalesces(t *testing.T) {
	store := &memSpendStore{}
	_, redisStore := setupTestRedis(t)
	w := NewSpendWriter(store, redisStore, zap.NewNop(), nil)
	at := time.Now()

	w.Hook(budget.SpendEvent{CampaignID: 1, Amount: d("1"), TotalSpent: d("1"), At: at})
	w.Hook(budget.SpendEvent{CampaignID: 1, Amount: d("2"), TotalSpent: d("3"), At: at})
	w.Hook(budget.SpendEvent{CampaignID: 2, Amount: d("0.5"), TotalSpent: d("0.5"), At: at})
	w.Flush(context.Background())

	assert.Equal(t, 2, store.writes)
	assert.Equal(t, "3", store.total(1).String())
	assert.Equal(t, "0.5", store.total(2).String())

	daily, err := redisStore.DailySpend(context.Background(), 1, at)
	assert.NoError(t, err)
	assert.Equal(t, "3", daily.String())
}

func TestSpendWriterRetriesFailedTotals(t *testing.T) {
	store := &memSpendStore{fail: true}
	metrics := observability.NewRecordingRegistry()
	w := NewSpendWriter(store, nil, zap.NewNop(), metrics)

	w.Hook(budget.SpendEvent{CampaignID: 1, TotalSpent: d("4")})
	w.Flush(context.Background())
	assert.Equal(t, 1, metrics.Count("spend_persist_errors"))

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	w.Flush(context.Background())

	assert.Equal(t, "4", store.total(1).String())
}

func TestSpendWriterFlushesOnShutdown(t *testing.T) {
	store := &memSpendStore{}
	w := NewSpendWriter(store, nil, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, time.Hour)
		close(done)
	}()

	w.Hook(budget.SpendEvent{CampaignID: 3, TotalSpent: d("9")})
	cancel()
	<-done

	assert.Equal(t, "9", store.total(3).String())
}
