// Package db holds the Postgres and Redis stores and the loader that moves
// inventory and persisted spend into the in-memory bid path structures.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/models"
)

// Source is where inventory and persisted spend come from.
type Source interface {
	LoadCampaigns(ctx context.Context) ([]models.Campaign, error)
	LoadCreatives(ctx context.Context) ([]models.Creative, error)
	LoadSpend(ctx context.Context) (map[int]decimal.Decimal, error)
}

// BudgetRegistry receives campaign budgets and restored spend.
type BudgetRegistry interface {
	SetBudget(campaignID int, total decimal.Decimal) error
	Restore(campaignID int, spent decimal.Decimal) error
}

// LoadResult summarizes one load.
type LoadResult struct {
	Campaigns int `json:"campaigns"`
	Creatives int `json:"creatives"`
	Restored  int `json:"restored"`
}

// Loader refreshes the inventory snapshot and campaign budgets. Persisted
// spend is restored once, on the first successful load; afterwards the
// ledger is the source of truth.
type Loader struct {
	src     Source
	inv     models.InventoryStore
	budgets BudgetRegistry
	logger  *zap.Logger

	mu       sync.Mutex // serializes loads
	restored bool
}

// NewLoader creates a loader.
func NewLoader(src Source, inv models.InventoryStore, budgets BudgetRegistry, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{src: src, inv: inv, budgets: budgets, logger: logger}
}

// Load reads campaigns and creatives, validates their relationships and
// swaps them in. Nothing is changed when any step fails.
func (l *Loader) Load(ctx context.Context) (LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	campaigns, err := l.src.LoadCampaigns(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load campaigns: %w", err)
	}
	creatives, err := l.src.LoadCreatives(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load creatives: %w", err)
	}

	known := make(map[int]struct{}, len(campaigns))
	for _, c := range campaigns {
		if c.Budget.IsNegative() {
			return LoadResult{}, fmt.Errorf("campaign %d has a negative budget", c.ID)
		}
		known[c.ID] = struct{}{}
	}
	for _, cr := range creatives {
		if _, ok := known[cr.CampaignID]; !ok {
			return LoadResult{}, fmt.Errorf("creative %d references undefined campaign %d", cr.ID, cr.CampaignID)
		}
	}

	var spend map[int]decimal.Decimal
	if !l.restored {
		if spend, err = l.src.LoadSpend(ctx); err != nil {
			return LoadResult{}, fmt.Errorf("load spend: %w", err)
		}
	}

	if err := l.inv.ReloadAll(campaigns, creatives); err != nil {
		return LoadResult{}, fmt.Errorf("reload inventory: %w", err)
	}
	res := LoadResult{Campaigns: len(campaigns), Creatives: len(creatives)}
	for _, c := range campaigns {
		err := l.budgets.SetBudget(c.ID, c.Budget)
		switch {
		case errors.Is(err, budget.ErrBudgetBelowCommitted):
			// the ledger keeps its current total until committed spend settles
			l.logger.Warn("stored budget below committed spend, keeping ledger total",
				zap.Int("campaign_id", c.ID),
				zap.String("budget", c.Budget.String()))
		case err != nil:
			l.logger.Warn("set campaign budget", zap.Int("campaign_id", c.ID), zap.Error(err))
		}
	}
	if !l.restored {
		for id, spent := range spend {
			if _, ok := known[id]; !ok {
				continue
			}
			if err := l.budgets.Restore(id, spent); err != nil {
				l.logger.Warn("restore campaign spend", zap.Int("campaign_id", id), zap.Error(err))
				continue
			}
			res.Restored++
		}
		l.restored = true
	}

	l.logger.Info("inventory loaded",
		zap.Int("campaigns", res.Campaigns),
		zap.Int("creatives", res.Creatives),
		zap.Int("restored_spend", res.Restored))
	return res, nil
}

// Run reloads every interval until ctx is done. Failed reloads keep the
// previous snapshot.
func (l *Loader) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Load(ctx); err != nil {
				l.logger.Error("periodic reload failed", zap.Error(err))
			}
		}
	}
}
