package bidserver

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/analytics"
	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/macros"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/token"
)

// Notice kinds used for metrics and statistics.
const (
	noticeWin  = "win"
	noticeLoss = "loss"
)

// buildBid turns the reserved winner into an OpenRTB bid.
func (s *Server) buildBid(req *models.BidRequest, imp *models.Imp, w *models.BidCandidate, bidID string) *models.Bid {
	bid := &models.Bid{
		ID:      bidID,
		ImpID:   imp.ID,
		Price:   w.Price.InexactFloat64(),
		Adm:     w.Adm,
		ADomain: w.ADomain,
		CID:     strconv.Itoa(w.CampaignID),
		CrID:    strconv.Itoa(w.CreativeID),
		Cat:     w.Cat,
		DealID:  w.DealID,
		W:       w.W,
		H:       w.H,
	}

	bc := &macros.BidContext{
		RequestID:  req.ID,
		BidID:      bidID,
		ImpID:      imp.ID,
		Seat:       w.Seat,
		Currency:   s.currency(),
		CampaignID: w.CampaignID,
		CreativeID: w.CreativeID,
		ClickURL:   w.ClickURL,
		Timestamp:  time.Now(),
	}
	if s.macros != nil {
		bid.Adm = s.macros.ExpandMarkup(w.Adm, bc)
	}

	if s.cfg.NoticeBaseURL == "" {
		return bid
	}
	t, err := token.Generate(token.Claims{
		BidID:      bidID,
		RequestID:  req.ID,
		ImpID:      imp.ID,
		CampaignID: w.CampaignID,
		CreativeID: w.CreativeID,
		Price:      w.Price,
		Currency:   s.currency(),
	}, s.secret)
	if err != nil {
		s.logger.Warn("notice token", zap.String("bid_id", bidID), zap.Error(err))
		return bid
	}
	bid.NURL = s.noticeURL(noticeWin, t, "", bc)
	bid.LURL = s.noticeURL(noticeLoss, t, "&reason=${AUCTION_LOSS}", bc)
	return bid
}

// noticeURL builds a win or loss URL. ${AUCTION_PRICE} and ${AUCTION_LOSS}
// are left for the exchange to substitute.
func (s *Server) noticeURL(kind, tok, extra string, bc *macros.BidContext) string {
	raw := s.cfg.NoticeBaseURL + "/" + kind +
		"?bid_id=${AUCTION_BID_ID}&imp=${AUCTION_IMP_ID}&price=${AUCTION_PRICE}" + extra +
		"&t=" + url.QueryEscape(tok)
	if s.macros == nil {
		return raw
	}
	return s.macros.ExpandNoticeURL(raw, bc)
}

// HandleWinNotification settles a won bid. The win price, when present, is
// booked as spend and the rest of the reservation returned. Without a price
// nothing changes and the reservation expires on its own.
func (s *Server) HandleWinNotification(ctx context.Context, bidID string, winPrice *decimal.Decimal) error {
	_, span := tracer.Start(ctx, "bidserver.HandleWinNotification")
	defer span.End()
	span.SetAttributes(attribute.String("bid.id", bidID))

	if winPrice == nil {
		s.countNotice(noticeWin, "no_price")
		s.logger.Debug("win notice without price", zap.String("bid_id", bidID))
		return nil
	}
	if err := s.budget.ConfirmBudgetSpend(bidID, *winPrice); err != nil {
		s.countNotice(noticeWin, noticeOutcome(err))
		return err
	}
	s.countNotice(noticeWin, "confirmed")
	if s.events != nil {
		s.events.Record(analytics.Event{
			EventType: analytics.EventWin,
			BidID:     bidID,
			Price:     *winPrice,
		})
	}
	return nil
}

// HandleLossNotification releases the bid's reservation in full. The price
// and reason reported by the exchange are only recorded.
func (s *Server) HandleLossNotification(ctx context.Context, bidID string, winPrice *decimal.Decimal, lossReason string) error {
	_, span := tracer.Start(ctx, "bidserver.HandleLossNotification")
	defer span.End()
	span.SetAttributes(
		attribute.String("bid.id", bidID),
		attribute.String("loss.reason", lossReason),
	)

	var err error
	if rr, ok := s.budget.(reasonReleaser); ok {
		err = rr.ReleaseWithReason(bidID, budget.ReasonLoss)
	} else {
		err = s.budget.ReleaseBudgetReservation(bidID)
	}
	if err != nil {
		s.countNotice(noticeLoss, noticeOutcome(err))
		return err
	}
	s.countNotice(noticeLoss, "released")
	if s.events != nil {
		e := analytics.Event{
			EventType: analytics.EventLoss,
			BidID:     bidID,
			Reason:    lossReason,
		}
		if winPrice != nil {
			e.Price = *winPrice
		}
		s.events.Record(e)
	}
	return nil
}

func (s *Server) countNotice(kind, outcome string) {
	s.notices.inc(kind + ":" + outcome)
	s.metrics.IncrementNotifications(kind, outcome)
}

func noticeOutcome(err error) string {
	switch {
	case errors.Is(err, budget.ErrReservationNotFound):
		return "not_found"
	case errors.Is(err, budget.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, budget.ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "error"
	}
}
