package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/openbidder/internal/analytics"
	"github.com/patrickwarner/openbidder/internal/api"
	"github.com/patrickwarner/openbidder/internal/bidserver"
	"github.com/patrickwarner/openbidder/internal/config"
	"github.com/patrickwarner/openbidder/internal/db"
	"github.com/patrickwarner/openbidder/internal/geoip"
	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/logic/bidding"
	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/logic/filters"
	"github.com/patrickwarner/openbidder/internal/logic/fraud"
	"github.com/patrickwarner/openbidder/internal/logic/ratelimit"
	"github.com/patrickwarner/openbidder/internal/macros"
	"github.com/patrickwarner/openbidder/internal/middleware"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLogger(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		// syncing stderr fails on some platforms; nothing useful to do about it
		_ = logger.Sync()
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	metricsRegistry := observability.NewPrometheusRegistry()

	pg, err := db.InitPostgres(cfg.PostgresDSN, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	// Redis only backs notice dedup, reload fan-out and daily counters, so
	// the bidder keeps running without it.
	var store *db.RedisStore
	if cfg.RedisAddr != "" {
		store, err = db.InitRedis(cfg.RedisAddr, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without dedup", zap.Error(err))
			store = nil
		} else {
			defer store.Close()
		}
	}

	var geo *geoip.GeoIP
	if cfg.GeoIPDB != "" {
		geo, err = geoip.Init(cfg.GeoIPDB)
		if err != nil {
			logger.Warn("geoip database unavailable, geo rules disabled", zap.Error(err))
			geo = nil
		} else {
			defer func() { _ = geo.Close() }()
		}
	}

	inventory := models.NewInMemoryInventory()
	ledger := budget.NewLedger(budget.Config{ReservationTTL: cfg.ReservationTTL}, logger, metricsRegistry)

	var counter db.SpendCounter
	if store != nil {
		counter = store
	}
	spendWriter := db.NewSpendWriter(pg, counter, logger, metricsRegistry)
	ledger.SetSpendHook(spendWriter.Hook)

	loader := db.NewLoader(pg, inventory, ledger, logger)
	res, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("initial inventory load: %w", err)
	}
	logger.Info("inventory loaded",
		zap.Int("campaigns", res.Campaigns),
		zap.Int("creatives", res.Creatives),
		zap.Int("restored", res.Restored))

	fx := logic.FX{Base: cfg.Currency, Rates: cfg.FXRates}

	detector, err := fraud.NewDetector(fraud.Config{
		BlockedCIDRs:    cfg.FraudBlockedCIDRs,
		DataCenterCIDRs: cfg.FraudDataCenterCIDRs,
		StrictIDs:       cfg.FraudStrictIDs,
		GeoMismatch:     cfg.FraudGeoMismatch,
	}, geo, metricsRegistry)
	if err != nil {
		return fmt.Errorf("fraud detector: %w", err)
	}

	algo := bidding.NewAlgorithm(inventory, geo, bidding.Config{
		Seat:        cfg.Seat,
		FX:          fx,
		MinBidPrice: cfg.MinBidPrice,
	}, logger)
	algo.SetBudgetProbe(ledger)

	bidder := bidserver.New(cfg, detector, algo, filters.NewSinglePassFilter(fx, metricsRegistry), ledger, logger, metricsRegistry)
	if cfg.PacingEnabled {
		limiter := ratelimit.NewCampaignLimiter(ratelimit.Config{
			DefaultQPS: cfg.DefaultQPS,
			Burst:      cfg.DefaultBurst,
			Enabled:    true,
		}, metricsRegistry)
		bidder.SetPacer(logic.NewPacer(ledger, limiter), inventory)
	}
	bidder.SetMacros(macros.NewService(logger, prometheus.DefaultRegisterer))

	var events *analytics.Analytics
	if cfg.ClickHouseDSN != "" {
		events, err = analytics.InitClickHouse(cfg.ClickHouseDSN, analytics.PoolConfig{
			MaxOpenConns:    cfg.CHMaxOpenConns,
			MaxIdleConns:    cfg.CHMaxIdleConns,
			ConnMaxLifetime: cfg.CHConnMaxLifetime,
			ConnMaxIdleTime: cfg.CHConnMaxIdleTime,
		}, metricsRegistry, logger)
		if err != nil {
			logger.Warn("clickhouse unavailable, outcome events disabled", zap.Error(err))
			events = nil
		} else {
			defer events.Close()
			bidder.SetRecorder(events)
		}
	}

	srvDeps := api.NewServer(logger, bidder, inventory, ledger, metricsRegistry, cfg)
	srvDeps.Reloader = loader
	srvDeps.BudgetStore = pg
	if store != nil {
		srvDeps.Dedup = store
		srvDeps.Broadcaster = store
	}

	r := srvDeps.Router()
	r.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = r
	handler = middleware.Recover(logger)(handler)
	handler = middleware.WithTraceLogger(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = otelhttp.NewHandler(handler, cfg.ServiceName)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Bidder running", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ledger.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		spendWriter.Run(gctx, cfg.SpendPersistDelay)
		return nil
	})
	if cfg.ReloadInterval > 0 {
		g.Go(func() error {
			loader.Run(gctx, cfg.ReloadInterval)
			return nil
		})
	}
	if events != nil {
		g.Go(func() error {
			events.Run(gctx)
			return nil
		})
	}
	if store != nil {
		g.Go(func() error {
			err := store.SubscribeReload(gctx, func(ctx context.Context) {
				if _, err := loader.Load(ctx); err != nil {
					logger.Error("reload from broadcast", zap.Error(err))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("reload subscription ended", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}
