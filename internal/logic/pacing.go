// Package logic holds the cross-cutting pieces of the auction pipeline: the
// outcome taxonomy, the auction trace and campaign pacing.
//
// Pacing decides whether a campaign that just won an impression's internal
// auction may actually place the bid. Two mechanisms apply:
//   - a per-campaign QPS limiter (see package ratelimit);
//   - daily budget pacing. PacingASAP bids until the daily budget is
//     committed; PacingEven only allows the fraction of the daily budget that
//     matches the fraction of the UTC day already elapsed.
//
// Daily commitments come from the budget ledger, so pacing never does I/O.
package logic

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/openbidder/internal/logic/ratelimit"
	"github.com/patrickwarner/openbidder/internal/models"
)

// nowFn is used to get the current time. Tests replace it to simulate
// different times of day.
var nowFn = time.Now

// Pacing reasons returned by Pacer.Allow.
const (
	PaceDailyCap     = "daily_cap_reached"
	PaceEvenThrottle = "even_pacing_throttled"
	PaceRateLimited  = "rate_limited"
)

// DailySpender reports the amount a campaign committed today.
type DailySpender interface {
	DailySpend(campaignID int) decimal.Decimal
}

// Pacer combines daily budget pacing with the per-campaign rate limiter.
type Pacer struct {
	spend   DailySpender
	limiter *ratelimit.CampaignLimiter
}

// NewPacer creates a Pacer. Either dependency may be nil to disable that check.
func NewPacer(spend DailySpender, limiter *ratelimit.CampaignLimiter) *Pacer {
	return &Pacer{spend: spend, limiter: limiter}
}

// Allow reports whether the campaign may bid price now, and if not, why.
// Budget checks run first so a throttled campaign does not burn a rate token.
func (p *Pacer) Allow(c *models.Campaign, price decimal.Decimal) (bool, string) {
	if p == nil || c == nil {
		return true, ""
	}
	if p.spend != nil && c.DailyBudget.IsPositive() {
		committed := p.spend.DailySpend(c.ID)
		if committed.Add(price).GreaterThan(c.DailyBudget) {
			return false, PaceDailyCap
		}
		if c.PaceType == models.PacingEven {
			now := nowFn().UTC()
			start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			fraction := decimal.NewFromFloat(float64(now.Sub(start)) / float64(24*time.Hour))
			if committed.GreaterThanOrEqual(c.DailyBudget.Mul(fraction)) {
				return false, PaceEvenThrottle
			}
		}
	}
	if p.limiter != nil && !p.limiter.Allow(c) {
		return false, PaceRateLimited
	}
	return true, ""
}
