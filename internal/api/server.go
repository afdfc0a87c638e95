package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/bidserver"
	"github.com/patrickwarner/openbidder/internal/config"
	"github.com/patrickwarner/openbidder/internal/db"
	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

var tracer = otel.Tracer("openbidder/api")

// Bidder runs auctions and settles notices.
type Bidder interface {
	ProcessBidRequest(ctx context.Context, req *models.BidRequest) *models.BidResponse
	HandleWinNotification(ctx context.Context, bidID string, winPrice *decimal.Decimal) error
	HandleLossNotification(ctx context.Context, bidID string, winPrice *decimal.Decimal, lossReason string) error
	GetServerStatistics() bidserver.Statistics
}

// Deduper remembers which notices were already handled.
type Deduper interface {
	MarkNotified(ctx context.Context, kind, bidID string, ttl time.Duration) (bool, error)
}

// Reloader reloads inventory from the campaign store.
type Reloader interface {
	Load(ctx context.Context) (db.LoadResult, error)
}

// Broadcaster tells other instances to reload.
type Broadcaster interface {
	PublishReload(ctx context.Context) error
}

// BudgetAdmin is the ledger surface used by the campaign endpoints.
type BudgetAdmin interface {
	SetBudget(campaignID int, total decimal.Decimal) error
	CampaignBudget(campaignID int) (budget.CampaignBudget, bool)
}

// BudgetStore persists campaign budgets.
type BudgetStore interface {
	UpdateCampaignBudget(ctx context.Context, id int, budget decimal.Decimal) error
}

// Server groups dependencies for HTTP handlers. Optional collaborators are
// nil when the backing service is not configured.
type Server struct {
	Logger    *zap.Logger
	Bidder    Bidder
	Inventory models.InventoryStore
	Budgets   BudgetAdmin
	Metrics   observability.MetricsRegistry
	Config    config.Config

	TokenSecret []byte

	Dedup       Deduper     // optional
	Reloader    Reloader    // optional
	Broadcaster Broadcaster // optional
	BudgetStore BudgetStore // optional
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, bidder Bidder, inv models.InventoryStore, budgets BudgetAdmin, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		Logger:      logger,
		Bidder:      bidder,
		Inventory:   inv,
		Budgets:     budgets,
		Metrics:     metrics,
		Config:      cfg,
		TokenSecret: []byte(cfg.TokenSecret),
	}
}

// Router registers every endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/openrtb2/bid", s.BidHandler).Methods(http.MethodPost)
	r.HandleFunc("/win", s.WinHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/loss", s.LossHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/reload", s.ReloadHandler).Methods(http.MethodPost)

	r.HandleFunc("/campaigns", s.ListCampaigns).Methods(http.MethodGet)
	r.HandleFunc("/campaigns/{id}", s.GetCampaign).Methods(http.MethodGet)
	r.HandleFunc("/campaigns/{id}/budget", s.UpdateCampaignBudget).Methods(http.MethodPut)
	return r
}

// observe records request count and latency for one handled request.
func (s *Server) observe(endpoint, method, status string, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, status)
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
