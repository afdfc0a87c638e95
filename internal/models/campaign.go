package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pacing types define how a campaign's daily budget is delivered over time.
const (
	// PacingASAP bids whenever the campaign is eligible until the daily budget is gone.
	PacingASAP = "asap"
	// PacingEven spreads the daily budget across the day so it is not exhausted early.
	PacingEven = "even"
)

// Campaign is a buyer's campaign. It owns the budget the ledger guards and the
// targeting rules candidate generation applies. All monetary amounts are in
// the bidder currency and in the same CPM units as bid prices.
type Campaign struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	// Seat is the buyer seat the campaign bids under. Empty uses the bidder's default seat.
	Seat              string   `json:"seat,omitempty"`
	AdvertiserDomains []string `json:"adomain,omitempty"` // Checked against badv and deal wadomain.
	Categories        []string `json:"cat,omitempty"`     // IAB categories, checked against bcat.
	// Budget is the lifetime budget. Confirmed spend never exceeds it.
	Budget decimal.Decimal `json:"budget"`
	// DailyBudget caps spend per UTC day for pacing. Zero disables the daily cap.
	DailyBudget decimal.Decimal `json:"daily_budget"`
	// MaxBid caps any bid price the campaign produces. Zero means uncapped.
	MaxBid   decimal.Decimal `json:"max_bid"`
	PaceType string          `json:"pace_type,omitempty"`
	// QPS limits how many bids per second the campaign may place. Zero uses the configured default.
	QPS float64 `json:"qps,omitempty"`
	// DealID restricts the campaign to one private marketplace deal. Empty means open market.
	DealID      string    `json:"deal_id,omitempty"`
	Countries   []string  `json:"countries,omitempty"`    // ISO-3166 alpha-2, empty targets all.
	DeviceTypes []string  `json:"device_types,omitempty"` // "mobile", "desktop", "tablet", "tv"
	OS          []string  `json:"os,omitempty"`           // "ios", "android", "windows", ...
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Active      bool      `json:"active"`
}

// IsLive reports whether the campaign is active and inside its flight dates.
// Zero dates are open ended.
func (c *Campaign) IsLive(now time.Time) bool {
	if !c.Active {
		return false
	}
	if !c.StartDate.IsZero() && now.Before(c.StartDate) {
		return false
	}
	if !c.EndDate.IsZero() && now.After(c.EndDate) {
		return false
	}
	return true
}

// TargetsCountry reports whether country is targeted. Matching ignores case.
func (c *Campaign) TargetsCountry(country string) bool {
	return matchesAny(c.Countries, country)
}

// TargetsDevice reports whether the device type is targeted.
func (c *Campaign) TargetsDevice(deviceType string) bool {
	return matchesAny(c.DeviceTypes, deviceType)
}

// TargetsOS reports whether the operating system is targeted.
func (c *Campaign) TargetsOS(os string) bool {
	return matchesAny(c.OS, os)
}

// TargetingRules counts the targeting dimensions the campaign restricts.
func (c *Campaign) TargetingRules() int {
	n := 0
	for _, rule := range [][]string{c.Countries, c.DeviceTypes, c.OS} {
		if len(rule) > 0 {
			n++
		}
	}
	return n
}

// matchesAny is true for an empty rule, otherwise for a case-insensitive hit.
func matchesAny(rule []string, v string) bool {
	if len(rule) == 0 {
		return true
	}
	for _, r := range rule {
		if strings.EqualFold(r, v) {
			return true
		}
	}
	return false
}
