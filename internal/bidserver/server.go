// Package bidserver runs the auction for incoming bid requests and settles
// the resulting reservations when win and loss notices arrive.
package bidserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/openbidder/internal/analytics"
	"github.com/patrickwarner/openbidder/internal/config"
	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/macros"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

var tracer = otel.Tracer("openbidder/bidserver")

// Server orchestrates fraud screening, per-impression auctions and budget
// reservation. It is safe for concurrent use.
type Server struct {
	cfg    config.Config
	fraud  FraudDetector
	algo   BiddingAlgorithm
	filter SlotFilter
	budget BudgetService

	pacer     Pacer
	campaigns CampaignSource
	macros    *macros.Service
	events    analytics.Recorder
	secret    []byte

	logger      *zap.Logger
	metrics     observability.MetricsRegistry
	newID       func() string
	noBidSample float64 // fraction of no-bids logged

	requests  atomic.Int64
	bids      atomic.Int64
	technical atomic.Int64
	timeouts  atomic.Int64
	noBids    counterSet
	outcomes  counterSet
	notices   counterSet
}

// New creates a Server around the four auction collaborators.
func New(cfg config.Config, fraud FraudDetector, algo BiddingAlgorithm, filter SlotFilter, ledger BudgetService, logger *zap.Logger, metrics observability.MetricsRegistry) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		cfg:         cfg,
		fraud:       fraud,
		algo:        algo,
		filter:      filter,
		budget:      ledger,
		secret:      []byte(cfg.TokenSecret),
		logger:      logger,
		metrics:     metrics,
		newID:       uuid.NewString,
		noBidSample: observability.GetSamplingRate(),
	}
}

// SetPacer enables pacing of winning campaigns. campaigns resolves the
// campaign of a winning candidate.
func (s *Server) SetPacer(p Pacer, campaigns CampaignSource) {
	s.pacer = p
	s.campaigns = campaigns
}

// SetMacros enables macro expansion of markup and notice URLs.
func (s *Server) SetMacros(m *macros.Service) {
	s.macros = m
}

// SetRecorder enables outcome event recording.
func (s *Server) SetRecorder(r analytics.Recorder) {
	s.events = r
}

// impResult is the outcome of one impression's auction.
type impResult struct {
	bid    *models.Bid
	seat   string
	winner *models.BidCandidate
	err    error
}

// reserved reports whether the impression holds a budget reservation.
func (r *impResult) reserved() bool {
	return r.bid != nil
}

// ProcessBidRequest runs the auction for every impression of req and returns
// the aggregated response. It always returns a well formed response: no-fill,
// fraud, deadline expiry and internal failures all become a response without
// seat bids carrying a no-bid reason.
func (s *Server) ProcessBidRequest(ctx context.Context, req *models.BidRequest) (resp *models.BidResponse) {
	start := time.Now()
	s.requests.Add(1)

	ctx, span := tracer.Start(ctx, "bidserver.ProcessBidRequest")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while processing bid request",
				zap.Any("panic", r),
				zap.Stack("stack"))
			span.SetStatus(codes.Error, "panic")
			s.recordNoBid(req, models.NoBidTechnicalError)
			resp = s.noBid(req, models.NoBidTechnicalError)
		}
		s.metrics.RecordAuctionLatency(time.Since(start))
	}()

	if req == nil {
		s.recordNoBid(nil, models.NoBidTechnicalError)
		return s.noBid(nil, models.NoBidTechnicalError)
	}
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int("imp.count", len(req.Imp)),
	)

	if s.fraud.IsFraudulent(req) {
		span.SetAttributes(attribute.String("auction.result", "fraudulent"))
		s.recordNoBid(req, models.NoBidFraudulent)
		return s.noBid(req, models.NoBidFraudulent)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ClampTMax(req.TMax))
	defer cancel()

	var auctionTrace *logic.AuctionTrace
	if s.cfg.AuctionDebug {
		auctionTrace = &logic.AuctionTrace{}
	}

	results := make([]impResult, len(req.Imp))
	g, gctx := errgroup.WithContext(ctx)
	for i := range req.Imp {
		g.Go(func() error {
			results[i] = s.processImpression(gctx, &req.Imp[i], req, auctionTrace)
			if errors.Is(results[i].err, logic.ErrTechnical) {
				return results[i].err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		// Stragglers finish in the background and give their budget back.
		go func() {
			<-done
			s.releaseAll(results, budget.ReasonTimeout)
		}()
		return s.timeout(req, span)
	}

	if err != nil {
		s.releaseAll(results, budget.ReasonAborted)
		s.logger.Error("impression processing failed", zap.String("request_id", req.ID), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		s.recordNoBid(req, models.NoBidTechnicalError)
		return s.noBid(req, models.NoBidTechnicalError)
	}
	if ctx.Err() != nil {
		s.releaseAll(results, budget.ReasonTimeout)
		return s.timeout(req, span)
	}

	if auctionTrace != nil {
		s.logger.Debug("auction trace",
			zap.String("request_id", req.ID),
			zap.Any("steps", auctionTrace.Snapshot()))
	}
	return s.aggregate(req, results, span)
}

func (s *Server) timeout(req *models.BidRequest, span trace.Span) *models.BidResponse {
	s.timeouts.Add(1)
	span.SetAttributes(attribute.String("auction.result", "timeout"))
	s.logger.Warn("auction deadline exceeded", zap.String("request_id", req.ID), zap.Int("tmax", req.TMax))
	s.recordNoBid(req, models.NoBidUnknown)
	return s.noBid(req, models.NoBidUnknown)
}

// releaseAll gives back every reservation held by results.
func (s *Server) releaseAll(results []impResult, reason string) {
	for i := range results {
		if results[i].reserved() {
			s.release(results[i].bid.ID, reason)
		}
	}
}

func (s *Server) release(bidID, reason string) {
	var err error
	if rr, ok := s.budget.(reasonReleaser); ok {
		err = rr.ReleaseWithReason(bidID, reason)
	} else {
		err = s.budget.ReleaseBudgetReservation(bidID)
	}
	if err != nil {
		s.logger.Warn("release reservation", zap.String("bid_id", bidID), zap.String("reason", reason), zap.Error(err))
	}
}

// processImpression runs steps generate, filter, sort, select, pace, check
// and reserve for one impression. Panics become ErrTechnical.
func (s *Server) processImpression(ctx context.Context, imp *models.Imp, req *models.BidRequest, at *logic.AuctionTrace) (res impResult) {
	ctx, span := tracer.Start(ctx, "bidserver.impression",
		trace.WithAttributes(attribute.String("imp.id", imp.ID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while processing impression",
				zap.String("imp_id", imp.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			res = impResult{err: fmt.Errorf("%w: %v", logic.ErrTechnical, r)}
		}
		outcome := logic.Outcome(res.err)
		s.outcomes.inc(outcome)
		s.metrics.IncrementImpressionOutcome(outcome)
		span.SetAttributes(attribute.String("imp.outcome", outcome))
	}()

	if ctx.Err() != nil {
		return impResult{err: logic.ErrDeadlineExceeded}
	}
	candidates := s.algo.GenerateBidCandidates(ctx, imp, req)
	at.AddStep(imp.ID, "generate", candidates)
	if len(candidates) == 0 {
		return impResult{err: logic.ErrNoEligibleCandidates}
	}

	filtered := s.filter.FilterCandidatesWithTrace(imp, req, candidates, at)
	if len(filtered) == 0 {
		return impResult{err: logic.ErrFilteredOut}
	}

	sorted := s.algo.SortCandidates(filtered)
	winner := s.algo.SelectWinningBid(sorted, imp, req)
	if winner == nil {
		return impResult{err: logic.ErrNoWinnerSelected}
	}
	at.AddStepWithDetails(imp.ID, "select", []models.BidCandidate{*winner}, map[string]string{
		"price":    winner.Price.String(),
		"clearing": winner.ClearingPrice.String(),
	})

	if s.pacer != nil && s.campaigns != nil {
		if ok, reason := s.pacer.Allow(s.campaigns.GetCampaign(winner.CampaignID), winner.Price); !ok {
			at.AddStepWithDetails(imp.ID, "pacing", nil, map[string]string{"reason": reason})
			return impResult{err: fmt.Errorf("%w: %s", logic.ErrPacingLimited, reason)}
		}
	}

	if ctx.Err() != nil {
		return impResult{err: logic.ErrDeadlineExceeded}
	}
	if !s.budget.CheckBudget(winner.CampaignID, winner.Price) {
		return impResult{err: logic.ErrBudgetInsufficient}
	}
	bidID := s.newID()
	if s.budget.ReserveBudget(winner.CampaignID, winner.Price, bidID) == "" {
		return impResult{err: logic.ErrReservationRaceLost}
	}

	bid := s.buildBid(req, imp, winner, bidID)
	return impResult{bid: bid, seat: winner.Seat, winner: winner}
}

// aggregate folds the impression results into one response, grouping bids by
// seat in impression order.
func (s *Server) aggregate(req *models.BidRequest, results []impResult, span trace.Span) *models.BidResponse {
	resp := &models.BidResponse{ID: req.ID, Cur: s.currency()}
	seatIdx := make(map[string]int)
	for i := range results {
		r := &results[i]
		if r.bid == nil {
			continue
		}
		idx, ok := seatIdx[r.seat]
		if !ok {
			idx = len(resp.SeatBid)
			seatIdx[r.seat] = idx
			resp.SeatBid = append(resp.SeatBid, models.SeatBid{Seat: r.seat})
		}
		resp.SeatBid[idx].Bid = append(resp.SeatBid[idx].Bid, *r.bid)
		s.recordBid(req, r)
	}

	n := resp.BidCount()
	span.SetAttributes(attribute.Int("auction.bids", n))
	if n == 0 {
		s.recordNoBid(req, models.NoBidUnknown)
		resp.NBR = models.NoBidUnknown.Code()
		resp.SeatBid = []models.SeatBid{}
		return resp
	}
	resp.BidID = s.newID()
	s.bids.Add(int64(n))
	return resp
}

func (s *Server) noBid(req *models.BidRequest, reason models.NoBidReason) *models.BidResponse {
	resp := &models.BidResponse{SeatBid: []models.SeatBid{}, Cur: s.currency(), NBR: reason.Code()}
	if req != nil {
		resp.ID = req.ID
	}
	if reason == models.NoBidTechnicalError {
		s.technical.Add(1)
	}
	return resp
}

func (s *Server) currency() string {
	if s.cfg.Currency == "" {
		return logic.DefaultCurrency
	}
	return s.cfg.Currency
}

func (s *Server) recordNoBid(req *models.BidRequest, reason models.NoBidReason) {
	s.noBids.inc(reason.String())
	s.metrics.IncrementNoBids(reason.String())
	if req != nil && observability.ShouldSample(s.noBidSample) {
		s.logger.Info("no bid", zap.String("request_id", req.ID), zap.String("reason", reason.String()))
	}
	if s.events != nil && req != nil {
		tctx := targetingOf(req)
		s.events.Record(analytics.Event{
			EventType:  analytics.EventNoBid,
			RequestID:  req.ID,
			Reason:     reason.String(),
			DeviceType: tctx.DeviceType,
			Country:    tctx.Country,
		})
	}
}

func (s *Server) recordBid(req *models.BidRequest, r *impResult) {
	s.metrics.IncrementBids()
	if s.events != nil {
		tctx := targetingOf(req)
		s.events.Record(analytics.Event{
			EventType:  analytics.EventBid,
			RequestID:  req.ID,
			ImpID:      r.bid.ImpID,
			BidID:      r.bid.ID,
			CampaignID: r.winner.CampaignID,
			CreativeID: r.winner.CreativeID,
			Price:      r.winner.Price,
			DeviceType: tctx.DeviceType,
			Country:    tctx.Country,

			ClearingPrice: r.winner.ClearingPrice,
		})
	}
}

// targetingOf derives analytics dimensions from the request without GeoIP.
func targetingOf(req *models.BidRequest) models.TargetingContext {
	return logic.ResolveTargeting(nil, req.Device)
}

// counterSet is a set of named counters created on first use.
type counterSet struct {
	m sync.Map // string -> *atomic.Int64
}

func (c *counterSet) inc(key string) {
	v, ok := c.m.Load(key)
	if !ok {
		v, _ = c.m.LoadOrStore(key, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(1)
}

func (c *counterSet) snapshot() map[string]int64 {
	out := make(map[string]int64)
	c.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
