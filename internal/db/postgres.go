package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB     *sql.DB
	logger *zap.Logger
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS campaigns (
    id SERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    seat TEXT,
    adomain TEXT[],
    cat TEXT[],
    budget NUMERIC(18,4) NOT NULL DEFAULT 0,
    daily_budget NUMERIC(18,4) NOT NULL DEFAULT 0,
    max_bid NUMERIC(18,4) NOT NULL DEFAULT 0,
    pace_type TEXT,
    qps DOUBLE PRECISION NOT NULL DEFAULT 0,
    deal_id TEXT,
    countries TEXT[],
    device_types TEXT[],
    os TEXT[],
    start_date TIMESTAMP NULL,
    end_date TIMESTAMP NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS creatives (
    id SERIAL PRIMARY KEY,
    campaign_id INT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    format TEXT NOT NULL,
    width INT NOT NULL DEFAULT 0,
    height INT NOT NULL DEFAULT 0,
    mimes TEXT[],
    adm TEXT,
    bid_price NUMERIC(18,4) NOT NULL,
    quality_score DOUBLE PRECISION NOT NULL DEFAULT 1,
    secure BOOLEAN NOT NULL DEFAULT FALSE,
    click_url TEXT,
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS campaign_spend (
    campaign_id INT PRIMARY KEY REFERENCES campaigns(id) ON DELETE CASCADE,
    spent NUMERIC(18,4) NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_campaigns_active_dates ON campaigns (active, start_date, end_date) WHERE active = true;
CREATE INDEX IF NOT EXISTS idx_creatives_campaign_id ON creatives (campaign_id);
CREATE INDEX IF NOT EXISTS idx_creatives_format ON creatives (format) WHERE active = true;
`

// InitPostgres connects to Postgres with connection pooling configuration
// and creates the schema.
func InitPostgres(dsn string, pool PoolConfig, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := NewPostgres(db, logger)
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	logger.Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", pool.MaxOpenConns),
		zap.Int("max_idle_conns", pool.MaxIdleConns),
		zap.Duration("conn_max_lifetime", pool.ConnMaxLifetime))
	return p, nil
}

// NewPostgres wraps an open connection.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{DB: db, logger: logger}
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			p.logger.Error("postgres close", zap.Error(err))
		}
	}
}

// EnsureSchema creates the required tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const campaignColumns = `id, name, COALESCE(seat, ''), adomain, cat, budget, daily_budget, max_bid,
    COALESCE(pace_type, ''), qps, COALESCE(deal_id, ''), countries, device_types, os,
    start_date, end_date, active`

// LoadCampaigns retrieves every campaign. Inactive and out of flight
// campaigns are included so their budgets stay registered.
func (p *Postgres) LoadCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var cs []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return cs, nil
}

// GetCampaign loads a single campaign. models.ErrNotFound is returned when
// no row matches.
func (p *Postgres) GetCampaign(ctx context.Context, id int) (models.Campaign, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		return models.Campaign{}, err
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s scanner) (models.Campaign, error) {
	var c models.Campaign
	var start, end sql.NullTime
	err := s.Scan(&c.ID, &c.Name, &c.Seat, pq.Array(&c.AdvertiserDomains), pq.Array(&c.Categories),
		&c.Budget, &c.DailyBudget, &c.MaxBid, &c.PaceType, &c.QPS, &c.DealID,
		pq.Array(&c.Countries), pq.Array(&c.DeviceTypes), pq.Array(&c.OS),
		&start, &end, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return c, models.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("scan campaign: %w", err)
	}
	if start.Valid {
		c.StartDate = start.Time
	}
	if end.Valid {
		c.EndDate = end.Time
	}
	return c, nil
}

// LoadCreatives fetches creatives from the database.
func (p *Postgres) LoadCreatives(ctx context.Context) ([]models.Creative, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, campaign_id, format, width, height, mimes, COALESCE(adm, ''),
    bid_price, quality_score, secure, COALESCE(click_url, ''), active FROM creatives ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query creatives: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var cs []models.Creative
	for rows.Next() {
		var c models.Creative
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Format, &c.Width, &c.Height, pq.Array(&c.Mimes), &c.Adm,
			&c.BidPrice, &c.QualityScore, &c.Secure, &c.ClickURL, &c.Active); err != nil {
			return nil, fmt.Errorf("scan creative: %w", err)
		}
		cs = append(cs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return cs, nil
}

// LoadSpend returns the persisted confirmed spend per campaign.
func (p *Postgres) LoadSpend(ctx context.Context) (map[int]decimal.Decimal, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT campaign_id, spent FROM campaign_spend`)
	if err != nil {
		return nil, fmt.Errorf("query spend: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	spend := make(map[int]decimal.Decimal)
	for rows.Next() {
		var id int
		var spent decimal.Decimal
		if err := rows.Scan(&id, &spent); err != nil {
			return nil, fmt.Errorf("scan spend: %w", err)
		}
		spend[id] = spent
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return spend, nil
}

// RecordSpend persists the campaign's total confirmed spend. Totals only
// move forward, so a late write never rolls spend back.
func (p *Postgres) RecordSpend(ctx context.Context, campaignID int, total decimal.Decimal) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO campaign_spend (campaign_id, spent, updated_at) VALUES ($1, $2, NOW())
    ON CONFLICT (campaign_id) DO UPDATE SET spent = GREATEST(campaign_spend.spent, EXCLUDED.spent), updated_at = NOW()`,
		campaignID, total.StringFixed(4))
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// UpdateCampaignBudget sets the lifetime budget of a campaign.
func (p *Postgres) UpdateCampaignBudget(ctx context.Context, id int, budget decimal.Decimal) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE campaigns SET budget=$1 WHERE id=$2`, budget.StringFixed(4), id)
	if err != nil {
		return fmt.Errorf("update campaign budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update campaign budget: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// InsertCampaign inserts a new campaign and sets the generated ID.
func (p *Postgres) InsertCampaign(ctx context.Context, c *models.Campaign) error {
	err := p.DB.QueryRowContext(ctx, `INSERT INTO campaigns (
        name, seat, adomain, cat, budget, daily_budget, max_bid, pace_type, qps,
        deal_id, countries, device_types, os, start_date, end_date, active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id`,
		c.Name, c.Seat, pq.Array(c.AdvertiserDomains), pq.Array(c.Categories),
		c.Budget.StringFixed(4), c.DailyBudget.StringFixed(4), c.MaxBid.StringFixed(4),
		c.PaceType, c.QPS, c.DealID, pq.Array(c.Countries), pq.Array(c.DeviceTypes), pq.Array(c.OS),
		nullTime(c.StartDate), nullTime(c.EndDate), c.Active).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// InsertCreative inserts a new creative and sets the generated ID.
func (p *Postgres) InsertCreative(ctx context.Context, c *models.Creative) error {
	err := p.DB.QueryRowContext(ctx, `INSERT INTO creatives (
        campaign_id, format, width, height, mimes, adm, bid_price, quality_score, secure, click_url, active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		c.CampaignID, c.Format, c.Width, c.Height, pq.Array(c.Mimes), c.Adm,
		c.BidPrice.StringFixed(4), c.QualityScore, c.Secure, c.ClickURL, c.Active).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert creative: %w", err)
	}
	return nil
}

// DeleteCampaign removes a campaign. Creatives and spend go with it.
func (p *Postgres) DeleteCampaign(ctx context.Context, id int) error {
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
