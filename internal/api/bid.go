package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/middleware"
	"github.com/patrickwarner/openbidder/internal/models"
)

// maxBidRequestBytes bounds the size of an accepted bid request body.
const maxBidRequestBytes = 1 << 20

// NoBidReasonHeader carries the no-bid reason of a 204 response.
const NoBidReasonHeader = "X-Openrtb-Nbr"

// decodeBidRequest reads and unmarshals an OpenRTB bid request body.
func decodeBidRequest(w http.ResponseWriter, r *http.Request) (*models.BidRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBidRequestBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	defer func() {
		_ = r.Body.Close()
	}()

	var req models.BidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &req, nil
}

// validateBidRequest rejects requests the auction cannot run on.
func validateBidRequest(req *models.BidRequest) error {
	if req.ID == "" {
		return fmt.Errorf("id required")
	}
	if len(req.Imp) == 0 {
		return fmt.Errorf("imp[] required")
	}
	for i, imp := range req.Imp {
		if imp.ID == "" {
			return fmt.Errorf("imp[%d].id required", i)
		}
	}
	return nil
}

// BidHandler handles POST /openrtb2/bid. It answers 200 with a bid response
// when at least one impression got a bid and 204 otherwise.
func (s *Server) BidHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "BidHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/openrtb2/bid"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "bid"
	const method = "POST"

	req, err := decodeBidRequest(w, r)
	if err != nil {
		logger.Warn("decode bid request", zap.Error(err))
		s.observe(endpoint, method, "400", start)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := validateBidRequest(req); err != nil {
		logger.Warn("invalid bid request", zap.String("request_id", req.ID), zap.Error(err))
		s.observe(endpoint, method, "400", start)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.Bidder.ProcessBidRequest(ctx, req)

	if !resp.HasBids() {
		if resp.NBR != nil {
			w.Header().Set(NoBidReasonHeader, strconv.Itoa(*resp.NBR))
		}
		span.SetAttributes(attribute.String("bid.result", "no_bid"))
		s.observe(endpoint, method, "204", start)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(resp); err != nil {
		logger.Error("encode bid response", zap.String("request_id", req.ID), zap.Error(err))
		s.releaseBids(r, resp, "encode_error")
		s.observe(endpoint, method, "500", start)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	span.SetAttributes(
		attribute.String("bid.result", "bid"),
		attribute.Int("bid.count", resp.BidCount()),
	)
	s.observe(endpoint, method, "200", start)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Debug("write bid response", zap.Error(err))
	}
}

// releaseBids gives back the reservations of a response that could not be
// delivered.
func (s *Server) releaseBids(r *http.Request, resp *models.BidResponse, reason string) {
	for _, sb := range resp.SeatBid {
		for _, b := range sb.Bid {
			if err := s.Bidder.HandleLossNotification(r.Context(), b.ID, nil, reason); err != nil {
				s.Logger.Warn("release undelivered bid", zap.String("bid_id", b.ID), zap.Error(err))
			}
		}
	}
}
