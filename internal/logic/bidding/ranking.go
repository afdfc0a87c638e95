package bidding

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/openbidder/internal/logic/filters"
	"github.com/patrickwarner/openbidder/internal/models"
)

// SortCandidates returns a new slice ordered by descending final score, then
// descending price, then ascending campaign id and creative id. The order is
// total, so equal inputs always rank the same way.
func SortCandidates(candidates []models.BidCandidate) []models.BidCandidate {
	out := make([]models.BidCandidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c > 0
		}
		if a.CampaignID != b.CampaignID {
			return a.CampaignID < b.CampaignID
		}
		return a.CreativeID < b.CreativeID
	})
	return out
}

// SortCandidates ranks candidates; see the package level SortCandidates.
func (a *Algorithm) SortCandidates(candidates []models.BidCandidate) []models.BidCandidate {
	return SortCandidates(candidates)
}

// SelectWinningBid returns a copy of the first eligible candidate with its
// clearing price set, or nil when no candidate is eligible.
//
// In a first price auction the clearing price is the bid price. In a second
// price auction it is the higher of the next eligible price and the floor,
// plus one increment, never above the bid price. Without a runner-up the
// floor (at least one increment) clears.
func (a *Algorithm) SelectWinningBid(sorted []models.BidCandidate, imp *models.Imp, req *models.BidRequest) *models.BidCandidate {
	idx := -1
	for i := range sorted {
		if sorted[i].Eligible() {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.noWinner.Add(1)
		return nil
	}

	winner := sorted[idx]
	winner.ClearingPrice = winner.Price
	if req.AuctionType() == models.AuctionSecondPrice {
		var runnerUp *models.BidCandidate
		for i := idx + 1; i < len(sorted); i++ {
			if sorted[i].Eligible() {
				runnerUp = &sorted[i]
				break
			}
		}
		winner.ClearingPrice = a.secondPrice(&winner, runnerUp, imp)
	}

	a.selections.Add(1)
	return &winner
}

func (a *Algorithm) secondPrice(winner, runnerUp *models.BidCandidate, imp *models.Imp) decimal.Decimal {
	floor, ok := filters.CandidateFloor(winner, imp, a.cfg.FX)
	if !ok {
		floor = decimal.Zero
	}

	var clearing decimal.Decimal
	if runnerUp != nil {
		clearing = decimal.Max(runnerUp.Price, floor).Add(a.cfg.Increment)
	} else {
		clearing = decimal.Max(floor, a.cfg.Increment)
	}
	return decimal.Min(clearing, winner.Price).Round(monetaryPrecision)
}
