package observability

import "time"

// MetricsRegistry records application metrics. Components receive it by
// injection so tests can swap in NoOpRegistry or RecordingRegistry.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Auction metrics
	RecordAuctionLatency(duration time.Duration)
	IncrementBids()
	IncrementNoBids(reason string)
	IncrementImpressionOutcome(outcome string)
	IncrementFraudBlocked(rule string)
	IncrementFilterRejections(stage string, n int)

	// Ledger metrics
	IncrementReservations(outcome string)
	SetSpendTotal(campaign string, amount float64)
	IncrementSpendPersistErrors()
	IncrementNotifications(kind, outcome string)

	// Rate limiting metrics
	IncrementRateLimitRequests(campaignID string)
	IncrementRateLimitHits(campaignID string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) RecordAuctionLatency(duration time.Duration) {
	AuctionLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementBids() {
	BidCount.Inc()
}

func (r *PrometheusRegistry) IncrementNoBids(reason string) {
	NoBidCount.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) IncrementImpressionOutcome(outcome string) {
	ImpressionOutcomes.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) IncrementFraudBlocked(rule string) {
	FraudBlocked.WithLabelValues(rule).Inc()
}

func (r *PrometheusRegistry) IncrementFilterRejections(stage string, n int) {
	if n > 0 {
		FilterRejections.WithLabelValues(stage).Add(float64(n))
	}
}

func (r *PrometheusRegistry) IncrementReservations(outcome string) {
	ReservationCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) SetSpendTotal(campaign string, amount float64) {
	SpendTotal.WithLabelValues(campaign).Set(amount)
}

func (r *PrometheusRegistry) IncrementSpendPersistErrors() {
	SpendPersistErrors.Inc()
}

func (r *PrometheusRegistry) IncrementNotifications(kind, outcome string) {
	NotificationCount.WithLabelValues(kind, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitRequests(campaignID string) {
	RateLimitRequests.WithLabelValues(campaignID).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(campaignID string) {
	RateLimitHits.WithLabelValues(campaignID).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) RecordAuctionLatency(duration time.Duration)                          {}
func (r *NoOpRegistry) IncrementBids()                                                       {}
func (r *NoOpRegistry) IncrementNoBids(reason string)                                        {}
func (r *NoOpRegistry) IncrementImpressionOutcome(outcome string)                            {}
func (r *NoOpRegistry) IncrementFraudBlocked(rule string)                                    {}
func (r *NoOpRegistry) IncrementFilterRejections(stage string, n int)                        {}
func (r *NoOpRegistry) IncrementReservations(outcome string)                                 {}
func (r *NoOpRegistry) SetSpendTotal(campaign string, amount float64)                        {}
func (r *NoOpRegistry) IncrementSpendPersistErrors()                                         {}
func (r *NoOpRegistry) IncrementNotifications(kind, outcome string)                          {}
func (r *NoOpRegistry) IncrementRateLimitRequests(campaignID string)                         {}
func (r *NoOpRegistry) IncrementRateLimitHits(campaignID string)                             {}
