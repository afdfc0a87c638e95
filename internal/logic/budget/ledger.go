// Package budget implements the campaign spend ledger.
//
// Every campaign has its own account guarded by its own mutex, so reservations
// for unrelated campaigns never contend. The account map itself is only
// write-locked when a campaign's budget is first registered. Reservations are
// indexed by bid id so win and loss notices, which arrive later and from other
// callers, can settle them exactly once.
package budget

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

// monetaryPrecision is the number of decimal places amounts are rounded to.
const monetaryPrecision = 4

var (
	ErrUnknownCampaign     = errors.New("unknown campaign")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadySettled      = errors.New("reservation already settled")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateBid        = errors.New("bid already holds a reservation")
	ErrInsufficientBudget  = errors.New("insufficient budget")
)

// ErrBudgetBelowCommitted rejects a budget lower than confirmed spend plus
// open reservations.
var ErrBudgetBelowCommitted = errors.New("budget below committed spend")

// SpendEvent describes a confirmed spend. It is delivered to the spend hook
// after the account lock is released.
type SpendEvent struct {
	CampaignID    int
	BidID         string
	ReservationID string
	Amount        decimal.Decimal // booked by this confirmation
	TotalSpent    decimal.Decimal // lifetime confirmed spend after the booking
	At            time.Time
}

// account is one campaign's budget. All fields are guarded by mu.
type account struct {
	mu       sync.Mutex
	total    decimal.Decimal
	spent    decimal.Decimal
	reserved decimal.Decimal
	open     int

	// spend committed today (confirmed plus still reserved), for pacing
	day      string
	daySpent decimal.Decimal

	// headroom mirrors available() for lock-free reads; written under mu
	headroom atomic.Pointer[decimal.Decimal]
}

func (a *account) available() decimal.Decimal {
	return a.total.Sub(a.spent).Sub(a.reserved)
}

// publish refreshes the lock-free headroom. Callers hold mu.
func (a *account) publish() {
	h := a.available()
	a.headroom.Store(&h)
}

// rollDay resets the daily counter when the UTC date changes.
func (a *account) rollDay(now time.Time) {
	d := now.UTC().Format("2006-01-02")
	if a.day != d {
		a.day = d
		a.daySpent = decimal.Zero
	}
}

// Config controls reservation lifetime.
type Config struct {
	// ReservationTTL is how long a reservation may stay unsettled before the
	// sweeper releases it. Zero disables expiry.
	ReservationTTL time.Duration
	// Retention is how long settled reservations are kept so duplicate
	// notices are recognised. Defaults to ReservationTTL.
	Retention time.Duration
}

// Ledger is the concurrency-safe campaign budget store.
type Ledger struct {
	mu       sync.RWMutex // guards the accounts map, not the accounts
	accounts map[int]*account

	// bid id -> *models.Reservation; a reservation is mutated only under its
	// campaign's account lock
	byBid sync.Map

	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	onSpend func(SpendEvent)

	reservedCount   atomic.Int64
	raceLostCount   atomic.Int64
	confirmedCount  atomic.Int64
	releasedCount   atomic.Int64
	expiredCount    atomic.Int64
	duplicateCount  atomic.Int64
	rejectedUnknown atomic.Int64
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config, logger *zap.Logger, metrics observability.MetricsRegistry) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if cfg.Retention == 0 {
		cfg.Retention = cfg.ReservationTTL
	}
	return &Ledger{
		accounts: make(map[int]*account),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
}

// SetSpendHook registers a callback invoked after every confirmed spend.
// The hook runs on the notifying goroutine without any ledger lock held.
func (l *Ledger) SetSpendHook(fn func(SpendEvent)) {
	l.onSpend = fn
}

// SetClock replaces the time source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// account returns the campaign account or nil.
func (l *Ledger) account(campaignID int) *account {
	l.mu.RLock()
	a := l.accounts[campaignID]
	l.mu.RUnlock()
	return a
}

// accountOrCreate uses double-checked locking so the map write lock is only
// taken the first time a campaign is seen.
func (l *Ledger) accountOrCreate(campaignID int) *account {
	if a := l.account(campaignID); a != nil {
		return a
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[campaignID]
	if !ok {
		a = &account{}
		l.accounts[campaignID] = a
	}
	return a
}

// SetBudget registers a campaign or changes its lifetime budget. Spend and
// open reservations are kept, so the new total may not drop below them:
// ErrBudgetBelowCommitted is returned and the old total stays in force.
func (l *Ledger) SetBudget(campaignID int, total decimal.Decimal) error {
	if total.IsNegative() {
		return ErrInvalidAmount
	}
	total = total.Round(monetaryPrecision)
	a := l.accountOrCreate(campaignID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if total.LessThan(a.spent.Add(a.reserved)) {
		return ErrBudgetBelowCommitted
	}
	a.total = total
	a.publish()
	return nil
}

// Restore sets a campaign's confirmed spend, typically from persisted state
// at startup. The campaign is registered with a zero budget if unknown.
func (l *Ledger) Restore(campaignID int, spent decimal.Decimal) error {
	if spent.IsNegative() {
		return ErrInvalidAmount
	}
	a := l.accountOrCreate(campaignID)
	a.mu.Lock()
	a.spent = spent.Round(monetaryPrecision)
	a.publish()
	a.mu.Unlock()
	return nil
}

// CheckBudget is an optimistic check that the campaign's unreserved budget
// covers price. It reads the last published headroom without taking the
// account lock; ReserveBudget re-validates atomically.
func (l *Ledger) CheckBudget(campaignID int, price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	a := l.account(campaignID)
	if a == nil {
		return false
	}
	h := a.headroom.Load()
	return h != nil && h.GreaterThanOrEqual(price)
}

// ReserveBudget atomically re-validates and deducts price from the campaign's
// available budget, creating a Reserved record keyed by bidID. It returns the
// reservation id, or "" when the headroom is gone, the campaign is unknown or
// the bid already holds a reservation.
func (l *Ledger) ReserveBudget(campaignID int, price decimal.Decimal, bidID string) string {
	id, err := l.Reserve(campaignID, price, bidID)
	if err != nil {
		return ""
	}
	return id
}

// Reserve is ReserveBudget with the failure reason.
func (l *Ledger) Reserve(campaignID int, price decimal.Decimal, bidID string) (string, error) {
	if !price.IsPositive() || bidID == "" {
		return "", ErrInvalidAmount
	}
	a := l.account(campaignID)
	if a == nil {
		l.rejectedUnknown.Add(1)
		return "", ErrUnknownCampaign
	}
	price = price.Round(monetaryPrecision)
	now := l.now()

	a.mu.Lock()
	if a.available().LessThan(price) {
		a.mu.Unlock()
		l.raceLostCount.Add(1)
		l.metrics.IncrementReservations("race_lost")
		return "", ErrInsufficientBudget
	}
	res := &models.Reservation{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		BidID:      bidID,
		Amount:     price,
		State:      models.ReservationReserved,
		CreatedAt:  now,
	}
	if l.cfg.ReservationTTL > 0 {
		res.ExpiresAt = now.Add(l.cfg.ReservationTTL)
	}
	if _, loaded := l.byBid.LoadOrStore(bidID, res); loaded {
		a.mu.Unlock()
		return "", ErrDuplicateBid
	}
	a.reserved = a.reserved.Add(price)
	a.open++
	a.rollDay(now)
	a.daySpent = a.daySpent.Add(price)
	a.publish()
	a.mu.Unlock()

	l.reservedCount.Add(1)
	l.metrics.IncrementReservations("reserved")
	return res.ID, nil
}

// Reservation returns a copy of the reservation held by bidID.
func (l *Ledger) Reservation(bidID string) (models.Reservation, bool) {
	v, ok := l.byBid.Load(bidID)
	if !ok {
		return models.Reservation{}, false
	}
	res := v.(*models.Reservation)
	a := l.account(res.CampaignID)
	a.mu.Lock()
	cp := *res
	a.mu.Unlock()
	return cp, true
}

// DailySpend returns the amount committed today (confirmed or reserved) for
// the campaign, used by pacing.
func (l *Ledger) DailySpend(campaignID int) decimal.Decimal {
	a := l.account(campaignID)
	if a == nil {
		return decimal.Zero
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollDay(l.now())
	return a.daySpent
}

func campaignLabel(id int) string {
	return strconv.Itoa(id)
}
