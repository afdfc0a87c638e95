// Package analytics records auction outcomes (bids, no-bids, wins and losses)
// in ClickHouse for offline reporting.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/openbidder/internal/observability"
)

// Event types.
const (
	EventBid   = "bid"
	EventNoBid = "nobid"
	EventWin   = "win"
	EventLoss  = "loss"
)

const writeTimeout = 2 * time.Second

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// Recorder accepts outcome events without blocking the caller.
type Recorder interface {
	Record(e Event)
}

// Event mirrors a row in the auction_events table. ClearingPrice is the
// expected charge under the auction type, known when the bid is made.
type Event struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventType     string          `json:"event_type"`
	RequestID     string          `json:"request_id"`
	ImpID         string          `json:"imp_id"`
	BidID         string          `json:"bid_id"`
	CampaignID    int             `json:"campaign_id"`
	CreativeID    int             `json:"creative_id"`
	Price         decimal.Decimal `json:"price"`
	ClearingPrice decimal.Decimal `json:"clearing_price"`
	Reason        string          `json:"reason"`
	DeviceType    string          `json:"device_type"`
	Country       string          `json:"country"`
}

// PoolConfig sizes the ClickHouse connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

const createTable = `CREATE TABLE IF NOT EXISTS auction_events (
    timestamp    DateTime64(3),
    event_type   LowCardinality(String),
    request_id   String,
    imp_id       String,
    bid_id       String,
    campaign_id  Int32,
    creative_id  Int32,
    price        Decimal(18, 4),
    clearing_price Decimal(18, 4),
    reason       LowCardinality(String),
    device_type  LowCardinality(String),
    country      LowCardinality(String)
) ENGINE=MergeTree() ORDER BY (event_type, timestamp)`

const insertEvent = `INSERT INTO auction_events (timestamp, event_type, request_id, imp_id, bid_id, campaign_id, creative_id, price, clearing_price, reason, device_type, country) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Analytics writes events to ClickHouse. Record queues events for a
// background writer started with Run.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
	logger  *zap.Logger

	queue   chan Event
	dropped atomic.Int64
	written atomic.Int64
}

// InitClickHouse connects to ClickHouse and ensures the events table exists.
func InitClickHouse(dsn string, pool PoolConfig, metrics observability.MetricsRegistry, logger *zap.Logger) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	a := New(db, metrics, logger, 4096)
	a.logger.Info("Connected to ClickHouse",
		zap.Int("max_open_conns", pool.MaxOpenConns))
	return a, nil
}

// New wraps an open database handle. queueSize bounds the number of events
// waiting for the background writer.
func New(db *sql.DB, metrics observability.MetricsRegistry, logger *zap.Logger, queueSize int) *Analytics {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analytics{
		DB:      db,
		Metrics: metrics,
		logger:  logger,
		queue:   make(chan Event, queueSize),
	}
}

// RecordEvent inserts a single event row.
func (a *Analytics) RecordEvent(ctx context.Context, e Event) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if _, err := a.DB.ExecContext(ctx, insertEvent,
		e.Timestamp, e.EventType, e.RequestID, e.ImpID, e.BidID,
		int32(e.CampaignID), int32(e.CreativeID), e.Price.StringFixed(4), e.ClearingPrice.StringFixed(4),
		e.Reason, e.DeviceType, e.Country,
	); err != nil {
		return fmt.Errorf("insert %s event: %w", e.EventType, err)
	}
	a.written.Add(1)
	return nil
}

// Record queues the event for the background writer. When the queue is full
// the event is dropped and counted.
func (a *Analytics) Record(e Event) {
	if a == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is left.
// Writes in flight are not cut short by the cancellation.
func (a *Analytics) Run(ctx context.Context) {
	for {
		select {
		case e := <-a.queue:
			a.write(ctx, e)
		case <-ctx.Done():
			a.flush(ctx)
			return
		}
	}
}

func (a *Analytics) flush(ctx context.Context) {
	for {
		select {
		case e := <-a.queue:
			a.write(ctx, e)
		default:
			return
		}
	}
}

func (a *Analytics) write(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := a.RecordEvent(ctx, e); err != nil {
		a.logger.Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", e.EventType))
	}
}

// EventsByRequestID returns every event of one bid request in time order.
func (a *Analytics) EventsByRequestID(ctx context.Context, requestID string) ([]Event, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	rows, err := a.DB.QueryContext(ctx, `SELECT timestamp, event_type, request_id, imp_id, bid_id,
        campaign_id, creative_id, price, clearing_price, reason, device_type, country
        FROM auction_events WHERE request_id = ? ORDER BY timestamp`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var campaignID, creativeID int32
		if err := rows.Scan(&e.Timestamp, &e.EventType, &e.RequestID, &e.ImpID, &e.BidID,
			&campaignID, &creativeID, &e.Price, &e.ClearingPrice, &e.Reason, &e.DeviceType, &e.Country); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CampaignID = int(campaignID)
		e.CreativeID = int(creativeID)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats reports writer totals.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// GetStats returns a snapshot of the writer totals.
func (a *Analytics) GetStats() Stats {
	return Stats{Written: a.written.Load(), Dropped: a.dropped.Load(), Queued: len(a.queue)}
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.logger.Error("clickhouse close", zap.Error(err))
		}
	}
}
