package bidding

import (
	"testing"

	"github.com/peterldowns/testy/check"

	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/models"
)

func cand(campaignID, creativeID int, score float64, price string) models.BidCandidate {
	return models.BidCandidate{
		CampaignID: campaignID, CreativeID: creativeID, FinalScore: score, Price: d(price),
		FraudPassed: true, BudgetAvailable: true, TargetingMatched: true,
	}
}

func order(cs []models.BidCandidate) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.CreativeID
	}
	return out
}

func TestSortCandidates(t *testing.T) {
	in := []models.BidCandidate{
		cand(3, 30, 1.0, "1.0"),
		cand(1, 11, 2.0, "1.5"),
		cand(2, 20, 2.0, "2.0"),
		cand(1, 10, 2.0, "1.5"),
		cand(4, 40, 0.5, "9.0"),
	}

	got := SortCandidates(in)

	check.Equal(t, []int{20, 10, 11, 30, 40}, order(got))
	check.Equal(t, []int{30, 11, 20, 10, 40}, order(in))
}

func TestSortCandidatesDeterministic(t *testing.T) {
	a := []models.BidCandidate{cand(2, 2, 1, "1"), cand(1, 1, 1, "1"), cand(1, 3, 1, "1")}
	b := []models.BidCandidate{cand(1, 3, 1, "1"), cand(2, 2, 1, "1"), cand(1, 1, 1, "1")}

	check.Equal(t, order(SortCandidates(a)), order(SortCandidates(b)))
	check.Equal(t, 0, len(SortCandidates(nil)))
}

func selector() *Algorithm {
	return NewAlgorithm(models.NewInMemoryInventory(), nil, Config{FX: logic.FX{Base: "USD"}}, nil)
}

func TestSelectWinningBidFirstPrice(t *testing.T) {
	a := selector()
	req := &models.BidRequest{AT: models.AuctionFirstPrice}
	imp := &models.Imp{ID: "1"}

	w := a.SelectWinningBid([]models.BidCandidate{cand(1, 1, 3, "3"), cand(2, 2, 2, "2")}, imp, req)

	check.NotNil(t, w)
	check.Equal(t, 1, w.CreativeID)
	check.Equal(t, "3", w.ClearingPrice.String())
}

func TestSelectWinningBidSecondPrice(t *testing.T) {
	a := selector()
	req := &models.BidRequest{AT: models.AuctionSecondPrice}
	imp := &models.Imp{ID: "1", BidFloor: 0.5}

	w := a.SelectWinningBid([]models.BidCandidate{cand(1, 1, 3, "3"), cand(2, 2, 2, "2")}, imp, req)
	check.Equal(t, "2.01", w.ClearingPrice.String())
	check.Equal(t, "3", w.Price.String())

	w = a.SelectWinningBid([]models.BidCandidate{cand(1, 1, 3, "3"), cand(2, 2, 2, "0.2")}, imp, req)
	check.Equal(t, "0.51", w.ClearingPrice.String()) // floor above runner-up

	w = a.SelectWinningBid([]models.BidCandidate{cand(1, 1, 3, "3")}, imp, req)
	check.Equal(t, "0.5", w.ClearingPrice.String()) // no runner-up clears at the floor

	w = a.SelectWinningBid([]models.BidCandidate{cand(1, 1, 3, "3")}, &models.Imp{ID: "1"}, req)
	check.Equal(t, "0.01", w.ClearingPrice.String())

	w = a.SelectWinningBid([]models.BidCandidate{cand(1, 1, 3, "2"), cand(2, 2, 2, "2")}, imp, req)
	check.Equal(t, "2", w.ClearingPrice.String()) // never above the bid
}

func TestSelectWinningBidSkipsIneligible(t *testing.T) {
	a := selector()
	req := &models.BidRequest{AT: models.AuctionFirstPrice}
	noBudget := cand(1, 1, 5, "5")
	noBudget.BudgetAvailable = false

	w := a.SelectWinningBid([]models.BidCandidate{noBudget, cand(2, 2, 1, "1")}, &models.Imp{}, req)
	check.Equal(t, 2, w.CreativeID)

	w = a.SelectWinningBid([]models.BidCandidate{noBudget}, &models.Imp{}, req)
	check.True(t, w == nil)
	w = a.SelectWinningBid(nil, &models.Imp{}, req)
	check.True(t, w == nil)

	st := a.GetBiddingStatistics()
	check.Equal(t, int64(1), st.WinnersSelected)
	check.Equal(t, int64(2), st.ImpressionsNoWinner)
}

func TestSelectWinningBidDoesNotMutateInput(t *testing.T) {
	a := selector()
	in := []models.BidCandidate{cand(1, 1, 3, "3")}
	w := a.SelectWinningBid(in, &models.Imp{}, &models.BidRequest{AT: models.AuctionFirstPrice})

	check.Equal(t, "3", w.ClearingPrice.String())
	check.True(t, in[0].ClearingPrice.IsZero())
}
