package bidserver

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/models"
)

// FraudDetector classifies whole requests.
type FraudDetector interface {
	IsFraudulent(req *models.BidRequest) bool
}

// BiddingAlgorithm proposes, ranks and picks candidates for one impression.
type BiddingAlgorithm interface {
	GenerateBidCandidates(ctx context.Context, imp *models.Imp, req *models.BidRequest) []models.BidCandidate
	SortCandidates(candidates []models.BidCandidate) []models.BidCandidate
	SelectWinningBid(sorted []models.BidCandidate, imp *models.Imp, req *models.BidRequest) *models.BidCandidate
}

// SlotFilter removes candidates an impression cannot accept and records the
// step on the auction trace, which may be nil.
type SlotFilter interface {
	FilterCandidatesWithTrace(imp *models.Imp, req *models.BidRequest, candidates []models.BidCandidate, trace *logic.AuctionTrace) []models.BidCandidate
}

// BudgetService is the campaign budget ledger.
type BudgetService interface {
	CheckBudget(campaignID int, price decimal.Decimal) bool
	ReserveBudget(campaignID int, price decimal.Decimal, bidID string) string
	ConfirmBudgetSpend(bidID string, winPrice decimal.Decimal) error
	ReleaseBudgetReservation(bidID string) error
}

// reasonReleaser is implemented by ledgers that record why a reservation was
// released.
type reasonReleaser interface {
	ReleaseWithReason(bidID, reason string) error
}

// Pacer decides whether a campaign may place a bid right now.
type Pacer interface {
	Allow(c *models.Campaign, price decimal.Decimal) (bool, string)
}

// CampaignSource looks campaigns up by id.
type CampaignSource interface {
	GetCampaign(campaignID int) *models.Campaign
}
