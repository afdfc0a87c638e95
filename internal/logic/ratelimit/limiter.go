// Package ratelimit caps how often each campaign may bid.
//
// Limits are token buckets from golang.org/x/time/rate: a campaign may bid in
// bursts up to its burst size while its sustained rate never exceeds its QPS.
package ratelimit

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

// CampaignLimiter manages one limiter per campaign, created lazily on first
// access.
//
// Example usage:
//
//	limiter := NewCampaignLimiter(Config{DefaultQPS: 50, Burst: 10, Enabled: true}, metrics)
//	if limiter.Allow(campaign) {
//	    // campaign may bid on this impression
//	}
type CampaignLimiter struct {
	limiters map[int]*entry
	mu       sync.RWMutex // protects the limiters map
	config   Config
	metrics  observability.MetricsRegistry
	now      func() time.Time
}

type entry struct {
	limiter *rate.Limiter
	qps     float64
	hits    atomic.Int64
	total   atomic.Int64
}

// Config holds the configuration for rate limiting.
type Config struct {
	DefaultQPS float64 // bids per second for campaigns without their own QPS; 0 means unlimited
	Burst      int     // bucket size
	Enabled    bool
}

// NewCampaignLimiter creates a new campaign rate limiter.
func NewCampaignLimiter(config Config, metrics observability.MetricsRegistry) *CampaignLimiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &CampaignLimiter{
		limiters: make(map[int]*entry),
		config:   config,
		metrics:  metrics,
		now:      time.Now,
	}
}

// qpsFor returns the effective limit for the campaign.
func (cl *CampaignLimiter) qpsFor(c *models.Campaign) float64 {
	if c.QPS > 0 {
		return c.QPS
	}
	return cl.config.DefaultQPS
}

// Allow consumes one token for the campaign and reports whether it may bid.
// Campaigns without a limit are always allowed.
func (cl *CampaignLimiter) Allow(c *models.Campaign) bool {
	if !cl.config.Enabled || c == nil {
		return true
	}
	qps := cl.qpsFor(c)
	if qps <= 0 {
		return true
	}

	label := strconv.Itoa(c.ID)
	cl.metrics.IncrementRateLimitRequests(label)

	e := cl.entryFor(c.ID, qps)
	e.total.Add(1)
	allowed := e.limiter.AllowN(cl.now(), 1)
	if !allowed {
		e.hits.Add(1)
		cl.metrics.IncrementRateLimitHits(label)
	}
	return allowed
}

// entryFor uses double-checked locking so the write lock is only taken when
// a campaign is first seen or its QPS changes.
func (cl *CampaignLimiter) entryFor(id int, qps float64) *entry {
	cl.mu.RLock()
	e, ok := cl.limiters[id]
	cl.mu.RUnlock()
	if ok && e.qps == qps {
		return e
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	e, ok = cl.limiters[id]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(qps), cl.config.Burst), qps: qps}
		cl.limiters[id] = e
	} else if e.qps != qps {
		e.limiter.SetLimitAt(cl.now(), rate.Limit(qps))
		e.qps = qps
	}
	return e
}

// GetStats returns rate limiting statistics for all campaigns seen so far.
func (cl *CampaignLimiter) GetStats() map[int]RateLimitStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := make(map[int]RateLimitStats, len(cl.limiters))
	for id, e := range cl.limiters {
		hits, total := e.hits.Load(), e.total.Load()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[id] = RateLimitStats{CampaignID: id, Hits: hits, Total: total, HitRate: hitRate}
	}
	return stats
}

// RateLimitStats contains statistics about rate limiting for a single campaign.
type RateLimitStats struct {
	CampaignID int     `json:"campaign_id"`
	Hits       int64   `json:"hits"`     // limited requests
	Total      int64   `json:"total"`    // all requests
	HitRate    float64 `json:"hit_rate"` // 0.0-1.0
}

// String returns a human-readable representation of the rate limit statistics.
func (s RateLimitStats) String() string {
	return fmt.Sprintf("Campaign %d: %d/%d hits (%.2f%%)", s.CampaignID, s.Hits, s.Total, s.HitRate*100)
}
