package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RedisAddr      string
	ClickHouseDSN  string
	PostgresDSN    string
	GeoIPDB        string
	DebugTrace     bool
	ReloadInterval time.Duration
	ServiceName    string

	// Notification URLs and signing
	NoticeBaseURL  string
	TokenSecret    string
	TokenTTL       time.Duration
	NoticeDedupTTL time.Duration

	// Auction configuration
	Seat         string
	Currency     string
	DefaultTMax  time.Duration
	MinTMax      time.Duration
	MaxTMax      time.Duration
	FXRates      map[string]decimal.Decimal
	MinBidPrice  decimal.Decimal
	AuctionDebug bool

	// Budget ledger configuration
	ReservationTTL    time.Duration
	SweepInterval     time.Duration
	SpendPersistDelay time.Duration

	// Pacing configuration
	PacingEnabled bool
	DefaultQPS    float64
	DefaultBurst  int

	// Fraud detection configuration
	FraudBlockedCIDRs    []string
	FraudDataCenterCIDRs []string
	FraudStrictIDs       bool
	FraudGeoMismatch     bool

	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 2*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 2*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=0")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.GeoIPDB = getenv("GEOIP_DB", "internal/geoip/testdata/GeoLite2-Country.mmdb")
	cfg.DebugTrace = envBool("DEBUG_TRACE", false)
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "openbidder")

	cfg.NoticeBaseURL = strings.TrimRight(getenv("NOTICE_BASE_URL", "http://localhost:8787"), "/")
	cfg.TokenSecret = getenv("TOKEN_SECRET", "")
	cfg.TokenTTL = envDuration("TOKEN_TTL", 30*time.Minute)
	cfg.NoticeDedupTTL = envDuration("NOTICE_DEDUP_TTL", time.Hour)

	cfg.Seat = getenv("BIDDER_SEAT", "openbidder")
	cfg.Currency = strings.ToUpper(getenv("BIDDER_CURRENCY", "USD"))
	cfg.DefaultTMax = envDuration("DEFAULT_TMAX", 120*time.Millisecond)
	cfg.MinTMax = envDuration("MIN_TMAX", 10*time.Millisecond)
	cfg.MaxTMax = envDuration("MAX_TMAX", time.Second)
	// rates are units of the bidder currency per one unit of the listed currency
	cfg.FXRates = envRates("FX_RATES", "EUR:1.08,GBP:1.27,JPY:0.0067")
	cfg.MinBidPrice = envDecimal("MIN_BID_PRICE", decimal.RequireFromString("0.01"))
	cfg.AuctionDebug = envBool("AUCTION_DEBUG", false)

	cfg.ReservationTTL = envDuration("RESERVATION_TTL", 5*time.Minute)
	cfg.SweepInterval = envDuration("SWEEP_INTERVAL", 30*time.Second)
	cfg.SpendPersistDelay = envDuration("SPEND_PERSIST_DELAY", 0)

	cfg.PacingEnabled = envBool("PACING_ENABLED", true)
	cfg.DefaultQPS = envFloat("PACING_DEFAULT_QPS", 0) // 0 means unlimited
	cfg.DefaultBurst = envInt("PACING_DEFAULT_BURST", 10)

	cfg.FraudBlockedCIDRs = envList("FRAUD_BLOCKED_CIDRS", "")
	cfg.FraudDataCenterCIDRs = envList("FRAUD_DATACENTER_CIDRS", "")
	cfg.FraudStrictIDs = envBool("FRAUD_STRICT_IDS", false)
	cfg.FraudGeoMismatch = envBool("FRAUD_GEO_MISMATCH", true)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Outcome events are high volume, so the pool is larger than Postgres'
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 100)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 25)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 0.1)

	return cfg
}

// ClampTMax converts an OpenRTB tmax value in milliseconds into a deadline
// budget bounded by MinTMax and MaxTMax. Zero or negative values yield
// DefaultTMax.
func (c Config) ClampTMax(tmaxMillis int) time.Duration {
	if tmaxMillis <= 0 {
		return c.DefaultTMax
	}
	d := time.Duration(tmaxMillis) * time.Millisecond
	if c.MinTMax > 0 && d < c.MinTMax {
		return c.MinTMax
	}
	if c.MaxTMax > 0 && d > c.MaxTMax {
		return c.MaxTMax
	}
	return d
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

// envDecimal parses a monetary amount. When unset or invalid, def is returned.
func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := decimal.NewFromString(v); err == nil {
		return d
	}
	return def
}

// envList splits a comma separated variable, dropping empty entries.
func envList(key, def string) []string {
	v := getenv(key, def)
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envRates parses "CUR:rate" pairs. Malformed pairs are skipped.
func envRates(key, def string) map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range envList(key, def) {
		cur, rate, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil || !d.IsPositive() {
			continue
		}
		rates[strings.ToUpper(strings.TrimSpace(cur))] = d
	}
	return rates
}
