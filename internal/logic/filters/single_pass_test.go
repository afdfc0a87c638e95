package filters

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

func testFX() logic.FX {
	return logic.FX{Base: "USD", Rates: map[string]decimal.Decimal{"EUR": decimal.RequireFromString("1.10")}}
}

func bannerCandidate(campaignID, creativeID int, price string) models.BidCandidate {
	return models.BidCandidate{
		CampaignID: campaignID,
		CreativeID: creativeID,
		ImpID:      "1",
		Seat:       "openbidder",
		Price:      decimal.RequireFromString(price),
		W:          300,
		H:          250,
		Format:     models.FormatBanner,
		ADomain:    []string{"brand.example"},
		Cat:        []string{"IAB2-1"},
		Secure:     true,
		Mimes:      []string{"image/png"},
	}
}

func bannerImp() models.Imp {
	return models.Imp{ID: "1", Banner: &models.Banner{W: 300, H: 250}}
}

func ids(cs []models.BidCandidate) []int {
	out := make([]int, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.CreativeID)
	}
	return out
}

func TestFilterFloor(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	imp := bannerImp()
	imp.BidFloor = 0.5
	req := &models.BidRequest{ID: "r", Imp: []models.Imp{imp}}

	got := f.FilterCandidatesForImpression(&imp, req, []models.BidCandidate{
		bannerCandidate(1, 1, "1.25"),
		bannerCandidate(1, 2, "0.4999"),
		bannerCandidate(1, 3, "0.5"),
	})
	assert.Equal(t, []int{1, 3}, ids(got))
}

func TestFilterFloorCurrencyNormalization(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	imp := bannerImp()
	imp.BidFloor = 1.0
	imp.BidFloorCur = "EUR" // 1.10 USD
	req := &models.BidRequest{ID: "r"}

	got := f.FilterCandidatesForImpression(&imp, req, []models.BidCandidate{
		bannerCandidate(1, 1, "1.05"),
		bannerCandidate(1, 2, "1.10"),
	})
	assert.Equal(t, []int{2}, ids(got))

	imp.BidFloorCur = "CHF"
	got = f.FilterCandidatesForImpression(&imp, req, []models.BidCandidate{bannerCandidate(1, 1, "100")})
	assert.Empty(t, got, "unknown floor currency must not be bid on")
}

func TestFilterBlocklists(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	imp := bannerImp()

	adv := bannerCandidate(1, 1, "1")
	adv.ADomain = []string{"Blocked.example"}
	cat := bannerCandidate(2, 2, "1")
	cat.Cat = []string{"IAB7-3"}
	slotCat := bannerCandidate(3, 3, "1")
	slotCat.Cat = []string{"IAB9"}
	ok := bannerCandidate(4, 4, "1")

	imp.Ext.BCat = []string{"IAB9"}
	req := &models.BidRequest{ID: "r", BAdv: []string{"blocked.example"}, BCat: []string{"IAB7"}}

	got := f.FilterCandidatesForImpression(&imp, req, []models.BidCandidate{adv, cat, slotCat, ok})
	assert.Equal(t, []int{4}, ids(got))

	st := f.GetFilterStatistics()
	assert.Equal(t, int64(1), st.RejectedByStage[StageBlockedAdvertiser])
	assert.Equal(t, int64(2), st.RejectedByStage[StageBlockedCategory])
}

func TestFilterSeats(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	imp := bannerImp()
	c := bannerCandidate(1, 1, "1")

	assert.Empty(t, f.FilterCandidatesForImpression(&imp, &models.BidRequest{BSeat: []string{"openbidder"}}, []models.BidCandidate{c}))
	assert.Empty(t, f.FilterCandidatesForImpression(&imp, &models.BidRequest{WSeat: []string{"other"}}, []models.BidCandidate{c}))
	assert.Len(t, f.FilterCandidatesForImpression(&imp, &models.BidRequest{WSeat: []string{"OpenBidder"}}, []models.BidCandidate{c}), 1)
}

func TestFilterFormatAndSize(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	req := &models.BidRequest{ID: "r"}

	wrongSize := bannerCandidate(1, 1, "1")
	wrongSize.W, wrongSize.H = 728, 90
	video := bannerCandidate(1, 2, "1")
	video.Format = models.FormatVideo
	gif := bannerCandidate(1, 3, "1")
	gif.Mimes = []string{"image/gif"}
	fits := bannerCandidate(1, 4, "1")

	imp := models.Imp{ID: "1", Banner: &models.Banner{
		Format: []models.Format{{W: 300, H: 250}, {W: 320, H: 50}},
		Mimes:  []string{"image/png", "image/jpeg"},
	}}
	got := f.FilterCandidatesForImpression(&imp, req, []models.BidCandidate{wrongSize, video, gif, fits})
	assert.Equal(t, []int{4}, ids(got))

	vimp := models.Imp{ID: "1", Video: &models.Video{W: 300, H: 250, Mimes: []string{"video/mp4"}}}
	video.Mimes = []string{"video/mp4"}
	got = f.FilterCandidatesForImpression(&vimp, req, []models.BidCandidate{video, fits})
	assert.Equal(t, []int{2}, ids(got))
}

func TestFilterSecure(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	secure := 1
	imp := bannerImp()
	imp.Secure = &secure

	insecure := bannerCandidate(1, 1, "1")
	insecure.Secure = false
	got := f.FilterCandidatesForImpression(&imp, &models.BidRequest{}, []models.BidCandidate{insecure, bannerCandidate(1, 2, "1")})
	assert.Equal(t, []int{2}, ids(got))
}

func TestFilterDeals(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	imp := bannerImp()
	imp.BidFloor = 0.1
	imp.PMP = &models.PMP{
		PrivateAuction: 1,
		Deals: []models.Deal{
			{ID: "deal-a", BidFloor: 2.0},
			{ID: "deal-b", WSeat: []string{"someone-else"}},
			{ID: "deal-c", WADomain: []string{"brand.example"}},
		},
	}
	req := &models.BidRequest{ID: "r"}

	open := bannerCandidate(1, 1, "5")
	lowDeal := bannerCandidate(2, 2, "1.5")
	lowDeal.DealID = "deal-a"
	highDeal := bannerCandidate(2, 3, "2.5")
	highDeal.DealID = "deal-a"
	wrongSeat := bannerCandidate(3, 4, "5")
	wrongSeat.DealID = "deal-b"
	domainOK := bannerCandidate(4, 5, "1")
	domainOK.DealID = "deal-c"
	unknown := bannerCandidate(5, 6, "5")
	unknown.DealID = "deal-z"

	got := f.FilterCandidatesForImpression(&imp, req, []models.BidCandidate{open, lowDeal, highDeal, wrongSeat, domainOK, unknown})
	assert.Equal(t, []int{3, 5}, ids(got))

	imp.PMP.PrivateAuction = 0
	got = f.FilterCandidatesForImpression(&imp, req, []models.BidCandidate{open})
	assert.Len(t, got, 1)
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	imp := bannerImp()
	imp.BidFloor = 1
	in := []models.BidCandidate{bannerCandidate(1, 1, "0.5"), bannerCandidate(1, 2, "2")}

	got := f.FilterCandidatesForImpression(&imp, &models.BidRequest{}, in)
	assert.Len(t, got, 1)
	assert.Len(t, in, 2)
	assert.Equal(t, 1, in[0].CreativeID)
}

func TestFilterStatisticsAndMetrics(t *testing.T) {
	metrics := observability.NewRecordingRegistry()
	f := NewSinglePassFilter(testFX(), metrics)
	imp := bannerImp()
	imp.BidFloor = 1

	f.FilterCandidatesForImpression(&imp, &models.BidRequest{}, []models.BidCandidate{
		bannerCandidate(1, 1, "0.5"),
		bannerCandidate(1, 2, "0.6"),
		bannerCandidate(1, 3, "2"),
	})

	st := f.GetFilterStatistics()
	assert.Equal(t, int64(3), st.Evaluated)
	assert.Equal(t, int64(1), st.Passed)
	assert.Equal(t, map[string]int64{StageFloor: 2}, st.RejectedByStage)
	assert.Equal(t, 2, metrics.Count("filter:floor"))
}

func TestFilterWithTrace(t *testing.T) {
	f := NewSinglePassFilter(testFX(), nil)
	imp := bannerImp()
	trace := &logic.AuctionTrace{}

	f.FilterCandidatesWithTrace(&imp, &models.BidRequest{}, []models.BidCandidate{bannerCandidate(7, 1, "1")}, trace)

	steps := trace.Snapshot()
	if assert.Len(t, steps, 1) {
		assert.Equal(t, "filter", steps[0].Stage)
		assert.Equal(t, []int{7}, steps[0].CampaignIDs)
		assert.Equal(t, "1", steps[0].Details["output_count"])
	}
}
