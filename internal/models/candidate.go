package models

import "github.com/shopspring/decimal"

// BidCandidate is an internal proposal to fill one impression. Candidates are
// built fresh per impression, never persisted and dropped once the auction for
// that impression resolves.
type BidCandidate struct {
	CampaignID int
	CreativeID int
	ImpID      string
	Seat       string
	// Price is the bid price; it is the amount reserved against the campaign budget.
	Price decimal.Decimal
	// ClearingPrice is the expected charge, set by winner selection.
	ClearingPrice decimal.Decimal
	W, H          int
	Format        string
	Adm           string
	ClickURL      string
	ADomain       []string
	Cat           []string
	DealID        string
	Secure        bool
	Mimes         []string

	BaseScore      float64
	QualityScore   float64
	RelevanceScore float64
	FinalScore     float64

	FraudPassed      bool
	BudgetAvailable  bool
	TargetingMatched bool
}

// Eligible reports whether every eligibility flag is set.
func (c *BidCandidate) Eligible() bool {
	return c.FraudPassed && c.BudgetAvailable && c.TargetingMatched
}
