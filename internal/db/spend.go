package db

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/observability"
)

// SpendStore persists campaign spend totals.
type SpendStore interface {
	RecordSpend(ctx context.Context, campaignID int, total decimal.Decimal) error
}

// SpendCounter tracks daily spend outside the process.
type SpendCounter interface {
	IncrSpend(ctx context.Context, campaignID int, amount decimal.Decimal, at time.Time) (decimal.Decimal, error)
}

const defaultFlushInterval = time.Second

// SpendWriter is the write-behind for confirmed spend. The ledger hook only
// records the latest total per campaign; Run persists them off the notice
// path.
type SpendWriter struct {
	store   SpendStore
	counter SpendCounter
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	mu      sync.Mutex
	pending map[int]decimal.Decimal
	daily   []budget.SpendEvent
}

// NewSpendWriter creates a writer. counter may be nil.
func NewSpendWriter(store SpendStore, counter SpendCounter, logger *zap.Logger, metrics observability.MetricsRegistry) *SpendWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &SpendWriter{
		store:   store,
		counter: counter,
		logger:  logger,
		metrics: metrics,
		pending: make(map[int]decimal.Decimal),
	}
}

// Hook is installed as the ledger spend hook.
func (w *SpendWriter) Hook(e budget.SpendEvent) {
	w.mu.Lock()
	if cur, ok := w.pending[e.CampaignID]; !ok || e.TotalSpent.GreaterThan(cur) {
		w.pending[e.CampaignID] = e.TotalSpent
	}
	if w.counter != nil {
		w.daily = append(w.daily, e)
	}
	w.mu.Unlock()
}

// Flush writes everything recorded so far. Totals that fail to persist are
// kept for the next flush unless a newer total arrived meanwhile.
func (w *SpendWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	daily := w.daily
	w.pending = make(map[int]decimal.Decimal)
	w.daily = nil
	w.mu.Unlock()

	for id, total := range pending {
		if err := w.store.RecordSpend(ctx, id, total); err != nil {
			w.metrics.IncrementSpendPersistErrors()
			w.logger.Error("persist campaign spend",
				zap.Int("campaign_id", id),
				zap.String("total", total.String()),
				zap.Error(err))
			w.mu.Lock()
			if cur, ok := w.pending[id]; !ok || total.GreaterThan(cur) {
				w.pending[id] = total
			}
			w.mu.Unlock()
		}
	}
	for _, e := range daily {
		if _, err := w.counter.IncrSpend(ctx, e.CampaignID, e.Amount, e.At); err != nil {
			w.logger.Warn("increment spend counter", zap.Int("campaign_id", e.CampaignID), zap.Error(err))
		}
	}
}

// Run flushes every interval and once more when ctx is done.
func (w *SpendWriter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			w.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}
