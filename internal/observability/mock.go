package observability

import (
	"sync"
	"time"
)

// RecordingRegistry is a MetricsRegistry that keeps counts in memory so tests
// can assert on what a component recorded.
type RecordingRegistry struct {
	mu       sync.Mutex
	counters map[string]int
	spend    map[string]float64
}

// NewRecordingRegistry creates an empty RecordingRegistry.
func NewRecordingRegistry() *RecordingRegistry {
	return &RecordingRegistry{
		counters: make(map[string]int),
		spend:    make(map[string]float64),
	}
}

func (m *RecordingRegistry) add(key string, n int) {
	m.mu.Lock()
	m.counters[key] += n
	m.mu.Unlock()
}

// Count returns the value recorded under key, e.g. "nobid:FRAUDULENT".
func (m *RecordingRegistry) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

// Spend returns the last spend total set for campaign.
func (m *RecordingRegistry) Spend(campaign string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spend[campaign]
}

func (m *RecordingRegistry) IncrementRequests(endpoint, method, status string) {
	m.add("request:"+endpoint+":"+status, 1)
}

func (m *RecordingRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

func (m *RecordingRegistry) RecordAuctionLatency(duration time.Duration) {}

func (m *RecordingRegistry) IncrementBids() {
	m.add("bids", 1)
}

func (m *RecordingRegistry) IncrementNoBids(reason string) {
	m.add("nobid:"+reason, 1)
}

func (m *RecordingRegistry) IncrementImpressionOutcome(outcome string) {
	m.add("imp:"+outcome, 1)
}

func (m *RecordingRegistry) IncrementFraudBlocked(rule string) {
	m.add("fraud:"+rule, 1)
}

func (m *RecordingRegistry) IncrementFilterRejections(stage string, n int) {
	m.add("filter:"+stage, n)
}

func (m *RecordingRegistry) IncrementReservations(outcome string) {
	m.add("reservation:"+outcome, 1)
}

func (m *RecordingRegistry) IncrementSpendPersistErrors() {
	m.add("spend_persist_errors", 1)
}

func (m *RecordingRegistry) IncrementNotifications(kind, outcome string) {
	m.add("notice:"+kind+":"+outcome, 1)
}

func (m *RecordingRegistry) IncrementRateLimitRequests(campaignID string) {
	m.add("ratelimit_requests", 1)
}

func (m *RecordingRegistry) IncrementRateLimitHits(campaignID string) {
	m.add("ratelimit_hits", 1)
}

func (m *RecordingRegistry) SetSpendTotal(campaign string, amount float64) {
	m.mu.Lock()
	m.spend[campaign] = amount
	m.mu.Unlock()
}
