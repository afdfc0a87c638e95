package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_http_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidder_http_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// time spent inside the auction pipeline, excluding decode/encode
	AuctionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bidder_auction_duration_seconds",
			Help:    "Histogram of auction pipeline latencies",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	BidCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bidder_bids_total",
			Help: "Total bids emitted",
		},
	)

	// no-bid responses labelled by reason
	NoBidCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_nobid_total",
			Help: "Total no-bid responses",
		},
		[]string{"reason"},
	)

	// per-impression outcomes (bid, no_candidates, filtered_out, ...)
	ImpressionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_impression_outcomes_total",
			Help: "Per-impression auction outcomes",
		},
		[]string{"outcome"},
	)

	FraudBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_fraud_blocked_total",
			Help: "Requests blocked by fraud detection, by rule",
		},
		[]string{"rule"},
	)

	FilterRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_filter_rejections_total",
			Help: "Candidates removed by the slot filter, by stage",
		},
		[]string{"stage"},
	)

	// ledger transitions (reserved, race_lost, confirmed, released, expired)
	ReservationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_reservations_total",
			Help: "Budget reservation transitions",
		},
		[]string{"outcome"},
	)

	// confirmed spend per campaign
	SpendTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidder_spend_total",
			Help: "Total confirmed spend",
		},
		[]string{"campaign"},
	)

	// number of errors persisting spend updates
	SpendPersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bidder_spend_persist_errors_total",
			Help: "Total spend persistence errors",
		},
	)

	// win/loss notices labelled by kind and outcome
	NotificationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_notifications_total",
			Help: "Win and loss notifications received",
		},
		[]string{"kind", "outcome"},
	)

	// pacing limiter hits per campaign
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_ratelimit_hits_total",
			Help: "Total rate limit hits per campaign",
		},
		[]string{"campaign_id"},
	)

	// pacing limiter checks per campaign
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidder_ratelimit_requests_total",
			Help: "Total rate limit checks per campaign",
		},
		[]string{"campaign_id"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		AuctionLatency,
		BidCount,
		NoBidCount,
		ImpressionOutcomes,
		FraudBlocked,
		FilterRejections,
		ReservationCount,
		SpendTotal,
		SpendPersistErrors,
		NotificationCount,
		RateLimitHits,
		RateLimitRequests,
	)
}
