package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/models"
)

// Release reasons recorded on reservations.
const (
	ReasonLoss    = "loss"
	ReasonExpired = "expired"
	ReasonTimeout = "timeout"
	ReasonAborted = "aborted"
)

// lookup finds the reservation and its account.
func (l *Ledger) lookup(bidID string) (*models.Reservation, *account, error) {
	v, ok := l.byBid.Load(bidID)
	if !ok {
		return nil, nil, ErrReservationNotFound
	}
	res := v.(*models.Reservation)
	a := l.account(res.CampaignID)
	if a == nil {
		return nil, nil, ErrUnknownCampaign
	}
	return res, a, nil
}

// ConfirmBudgetSpend moves the bid's reservation from Reserved to Confirmed.
// It books winPrice, capped at the reserved amount, as spend and returns the
// rest of the reservation to the campaign's available budget. A reservation
// that is already settled is left untouched and ErrAlreadySettled is returned.
func (l *Ledger) ConfirmBudgetSpend(bidID string, winPrice decimal.Decimal) error {
	if winPrice.IsNegative() {
		return ErrInvalidAmount
	}
	res, a, err := l.lookup(bidID)
	if err != nil {
		return err
	}
	now := l.now()

	a.mu.Lock()
	if res.State.Terminal() {
		a.mu.Unlock()
		l.duplicateCount.Add(1)
		return ErrAlreadySettled
	}
	cleared := decimal.Min(winPrice.Round(monetaryPrecision), res.Amount)
	refund := res.Amount.Sub(cleared)
	a.reserved = a.reserved.Sub(res.Amount)
	a.spent = a.spent.Add(cleared)
	a.open--
	a.rollDay(now)
	if res.CreatedAt.UTC().Format("2006-01-02") == a.day {
		a.daySpent = decimal.Max(decimal.Zero, a.daySpent.Sub(refund))
	}
	res.State = models.ReservationConfirmed
	res.Cleared = cleared
	res.SettledAt = now
	event := SpendEvent{
		CampaignID:    res.CampaignID,
		BidID:         bidID,
		ReservationID: res.ID,
		Amount:        cleared,
		TotalSpent:    a.spent,
		At:            now,
	}
	a.publish()
	a.mu.Unlock()

	l.confirmedCount.Add(1)
	l.metrics.IncrementReservations("confirmed")
	l.metrics.SetSpendTotal(campaignLabel(event.CampaignID), event.TotalSpent.InexactFloat64())
	if l.onSpend != nil {
		l.onSpend(event)
	}
	return nil
}

// ReleaseBudgetReservation moves the bid's reservation from Reserved to
// Released and returns the full amount to the campaign.
func (l *Ledger) ReleaseBudgetReservation(bidID string) error {
	return l.release(bidID, ReasonLoss)
}

// ReleaseWithReason is ReleaseBudgetReservation with an explicit reason.
func (l *Ledger) ReleaseWithReason(bidID, reason string) error {
	return l.release(bidID, reason)
}

func (l *Ledger) release(bidID, reason string) error {
	res, a, err := l.lookup(bidID)
	if err != nil {
		return err
	}
	if !l.releaseLocked(res, a, reason, l.now()) {
		l.duplicateCount.Add(1)
		return ErrAlreadySettled
	}
	return nil
}

// releaseLocked takes the account lock and releases res if still open.
func (l *Ledger) releaseLocked(res *models.Reservation, a *account, reason string, now time.Time) bool {
	a.mu.Lock()
	if res.State.Terminal() {
		a.mu.Unlock()
		return false
	}
	a.reserved = a.reserved.Sub(res.Amount)
	a.open--
	a.rollDay(now)
	if res.CreatedAt.UTC().Format("2006-01-02") == a.day {
		a.daySpent = decimal.Max(decimal.Zero, a.daySpent.Sub(res.Amount))
	}
	res.State = models.ReservationReleased
	res.Reason = reason
	res.SettledAt = now
	a.publish()
	a.mu.Unlock()

	if reason == ReasonExpired {
		l.expiredCount.Add(1)
		l.metrics.IncrementReservations("expired")
	} else {
		l.releasedCount.Add(1)
		l.metrics.IncrementReservations("released")
	}
	return true
}

// ExpireReservations releases reservations whose TTL has passed and forgets
// settled reservations older than the retention window. It returns the
// number of reservations expired.
func (l *Ledger) ExpireReservations(now time.Time) int {
	expired := 0
	l.byBid.Range(func(key, value any) bool {
		res := value.(*models.Reservation)
		a := l.account(res.CampaignID)
		if a == nil {
			return true
		}
		a.mu.Lock()
		state, expiresAt, settledAt := res.State, res.ExpiresAt, res.SettledAt
		a.mu.Unlock()

		switch {
		case state == models.ReservationReserved && !expiresAt.IsZero() && !now.Before(expiresAt):
			if l.releaseLocked(res, a, ReasonExpired, now) {
				expired++
			}
		case state.Terminal() && l.cfg.Retention > 0 && now.Sub(settledAt) > l.cfg.Retention:
			l.byBid.Delete(key)
		}
		return true
	})
	return expired
}

// RunSweeper calls ExpireReservations every interval until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.ExpireReservations(l.now()); n > 0 {
				l.logger.Info("expired budget reservations", zap.Int("count", n))
			}
		}
	}
}
