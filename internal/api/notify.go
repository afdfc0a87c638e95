package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/middleware"
	"github.com/patrickwarner/openbidder/internal/token"
)

// notice is a parsed win or loss notification.
type notice struct {
	bidID  string
	price  *decimal.Decimal
	reason string
}

// parseNotice extracts a notice from the query or form. A signed token is
// required when a secret is configured, and its bid id must match.
func (s *Server) parseNotice(r *http.Request) (notice, error) {
	n := notice{
		bidID:  strings.TrimSpace(r.FormValue("bid_id")),
		reason: r.FormValue("reason"),
	}
	if len(s.TokenSecret) > 0 {
		claims, err := token.Verify(r.FormValue("t"), s.TokenSecret, s.Config.TokenTTL)
		if err != nil {
			return n, err
		}
		if n.bidID == "" {
			n.bidID = claims.BidID
		}
		if claims.BidID != n.bidID {
			return n, token.ErrInvalid
		}
	}
	if n.bidID == "" {
		return n, errors.New("bid_id required")
	}
	if raw := r.FormValue("price"); raw != "" {
		// an unsubstituted ${AUCTION_PRICE} is treated as no price
		if p, err := decimal.NewFromString(raw); err == nil && !p.IsNegative() {
			n.price = &p
		}
	}
	return n, nil
}

// firstNotice reports whether the notice has not been seen before. Without a
// deduper, or when it fails, the ledger's own idempotency applies.
func (s *Server) firstNotice(r *http.Request, kind, bidID string) bool {
	if s.Dedup == nil {
		return true
	}
	ttl := s.Config.NoticeDedupTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	first, err := s.Dedup.MarkNotified(r.Context(), kind, bidID, ttl)
	if err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Warn("notice dedup unavailable", zap.Error(err))
		return true
	}
	return first
}

// writeNoticeAck always answers 200; exchanges do not retry notices.
func writeNoticeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

// WinHandler handles GET|POST /win.
func (s *Server) WinHandler(w http.ResponseWriter, r *http.Request) {
	s.handleNotice(w, r, "win")
}

// LossHandler handles GET|POST /loss.
func (s *Server) LossHandler(w http.ResponseWriter, r *http.Request) {
	s.handleNotice(w, r, "loss")
}

func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request, kind string) {
	ctx, span := tracer.Start(r.Context(), kind+"Handler")
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	defer func() {
		s.observe(kind, r.Method, "200", start)
		writeNoticeAck(w)
	}()

	n, err := s.parseNotice(r)
	if err != nil {
		logger.Warn("ignoring notice", zap.String("kind", kind), zap.Error(err))
		s.Metrics.IncrementNotifications(kind, "rejected")
		return
	}
	// a win without a price settles nothing, so it must not claim the bid
	// and shadow a later priced win
	claims := kind != "win" || n.price != nil
	if claims && !s.firstNotice(r, kind, n.bidID) {
		logger.Debug("duplicate notice", zap.String("kind", kind), zap.String("bid_id", n.bidID))
		s.Metrics.IncrementNotifications(kind, "duplicate")
		return
	}

	if kind == "win" {
		err = s.Bidder.HandleWinNotification(ctx, n.bidID, n.price)
	} else {
		err = s.Bidder.HandleLossNotification(ctx, n.bidID, n.price, n.reason)
	}
	if err != nil {
		logger.Info("notice not applied",
			zap.String("kind", kind),
			zap.String("bid_id", n.bidID),
			zap.Error(err))
	}
}
