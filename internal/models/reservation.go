package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationState is the lifecycle state of a budget reservation.
type ReservationState int

const (
	// ReservationReserved holds budget pending a win or loss notice.
	ReservationReserved ReservationState = iota
	// ReservationConfirmed is terminal: the clearing price was booked as spend.
	ReservationConfirmed
	// ReservationReleased is terminal: the full amount went back to the campaign.
	ReservationReleased
)

func (s ReservationState) String() string {
	switch s {
	case ReservationReserved:
		return "reserved"
	case ReservationConfirmed:
		return "confirmed"
	case ReservationReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s ReservationState) Terminal() bool {
	return s == ReservationConfirmed || s == ReservationReleased
}

// Reservation is a provisional hold against a campaign budget for one bid.
type Reservation struct {
	ID         string           `json:"id"`
	CampaignID int              `json:"campaign_id"`
	BidID      string           `json:"bid_id"`
	Amount     decimal.Decimal  `json:"amount"`  // reserved at bid time
	Cleared    decimal.Decimal  `json:"cleared"` // booked on confirm
	State      ReservationState `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	SettledAt  time.Time        `json:"settled_at,omitempty"`
	// Reason records why a reservation was released ("loss", "expired", "timeout").
	Reason string `json:"reason,omitempty"`
}
