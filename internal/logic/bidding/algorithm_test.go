package bidding

import (
	"context"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/models"
)

const iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestAlgorithm(t *testing.T, campaigns []models.Campaign, creatives []models.Creative) *Algorithm {
	t.Helper()
	inv := models.NewInMemoryInventory()
	require.NoError(t, inv.ReloadAll(campaigns, creatives))
	return NewAlgorithm(inv, nil, Config{
		Seat:        "openbidder",
		FX:          logic.FX{Base: "USD"},
		MinBidPrice: d("0.01"),
	}, nil)
}

func banner(id, campaignID int, price string) models.Creative {
	return models.Creative{
		ID: id, CampaignID: campaignID, Format: models.FormatBanner,
		Width: 300, Height: 250, BidPrice: d(price), Active: true, Adm: "<div/>",
	}
}

func bannerRequest() *models.BidRequest {
	return &models.BidRequest{
		ID:     "req-1",
		Imp:    []models.Imp{{ID: "1", Banner: &models.Banner{W: 300, H: 250}}},
		Device: &models.Device{UA: iphoneUA, IP: "203.0.113.7", Geo: &models.Geo{Country: "USA"}},
	}
}

func TestGenerateBidCandidates(t *testing.T) {
	a := newTestAlgorithm(t,
		[]models.Campaign{
			{ID: 1, Active: true, AdvertiserDomains: []string{"a.example"}},
			{ID: 2, Active: true, Countries: []string{"GB"}},
			{ID: 3, Active: false},
		},
		[]models.Creative{banner(10, 1, "1.25"), banner(20, 2, "3"), banner(30, 3, "3")},
	)
	req := bannerRequest()

	got := a.GenerateBidCandidates(context.Background(), &req.Imp[0], req)

	check.Equal(t, 1, len(got))
	c := got[0]
	check.Equal(t, 10, c.CreativeID)
	check.Equal(t, "1.25", c.Price.String())
	check.Equal(t, "1", c.ImpID)
	check.Equal(t, "openbidder", c.Seat)
	check.Equal(t, []string{"a.example"}, c.ADomain)
	check.True(t, c.Eligible())
}

func TestGenerateScoresTargetedCampaigns(t *testing.T) {
	a := newTestAlgorithm(t,
		[]models.Campaign{{ID: 1, Active: true, Countries: []string{"US"}, DeviceTypes: []string{"mobile"}, MaxBid: d("5")}},
		[]models.Creative{{ID: 1, CampaignID: 1, Format: models.FormatBanner, Width: 300, Height: 250, BidPrice: d("2"), QualityScore: 1.5, Active: true}},
	)
	req := bannerRequest()

	got := a.GenerateBidCandidates(context.Background(), &req.Imp[0], req)

	require.Len(t, got, 1)
	check.Equal(t, 2.0, got[0].BaseScore)
	check.Equal(t, 1.5, got[0].QualityScore)
	check.Equal(t, 1.1, got[0].RelevanceScore)
	check.Equal(t, "3.3", got[0].Price.String())
}

func TestGenerateCapsAtMaxBid(t *testing.T) {
	a := newTestAlgorithm(t,
		[]models.Campaign{{ID: 1, Active: true, MaxBid: d("1.5")}},
		[]models.Creative{{ID: 1, CampaignID: 1, Format: models.FormatBanner, BidPrice: d("2"), QualityScore: 2, Active: true}},
	)
	req := bannerRequest()
	req.Imp[0].Banner = &models.Banner{}

	got := a.GenerateBidCandidates(context.Background(), &req.Imp[0], req)
	require.Len(t, got, 1)
	check.Equal(t, "1.5", got[0].Price.String())
}

func TestGenerateSkipsUnsupportedCurrency(t *testing.T) {
	a := newTestAlgorithm(t, []models.Campaign{{ID: 1, Active: true}}, []models.Creative{banner(1, 1, "1")})
	req := bannerRequest()
	req.Cur = []string{"JPY"}

	check.Equal(t, 0, len(a.GenerateBidCandidates(context.Background(), &req.Imp[0], req)))
	check.Equal(t, int64(1), a.GetBiddingStatistics().ImpressionsNoMatch)
}

func TestGenerateRespectsDealsAndSize(t *testing.T) {
	a := newTestAlgorithm(t,
		[]models.Campaign{{ID: 1, Active: true, DealID: "pmp-1"}, {ID: 2, Active: true}},
		[]models.Creative{banner(1, 1, "2"), banner(2, 2, "1"), {ID: 3, CampaignID: 2, Format: models.FormatBanner, Width: 728, Height: 90, BidPrice: d("1"), Active: true}},
	)
	req := bannerRequest()

	got := a.GenerateBidCandidates(context.Background(), &req.Imp[0], req)
	require.Len(t, got, 1)
	check.Equal(t, 2, got[0].CreativeID)

	req.Imp[0].PMP = &models.PMP{Deals: []models.Deal{{ID: "pmp-1"}}}
	got = a.GenerateBidCandidates(context.Background(), &req.Imp[0], req)
	require.Len(t, got, 2)
	check.Equal(t, "pmp-1", got[0].DealID)
}

func TestGenerateHonoursCampaignFlight(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAlgorithm(t,
		[]models.Campaign{{ID: 1, Active: true, StartDate: now.Add(time.Hour)}},
		[]models.Creative{banner(1, 1, "1")},
	)
	a.now = func() time.Time { return now }
	req := bannerRequest()

	check.Equal(t, 0, len(a.GenerateBidCandidates(context.Background(), &req.Imp[0], req)))
}

type stubBudget map[int]bool

func (s stubBudget) CheckBudget(campaignID int, _ decimal.Decimal) bool { return s[campaignID] }

func TestGenerateFlagsBudget(t *testing.T) {
	a := newTestAlgorithm(t,
		[]models.Campaign{{ID: 1, Active: true}, {ID: 2, Active: true}},
		[]models.Creative{banner(1, 1, "1"), banner(2, 2, "1")},
	)
	a.SetBudgetProbe(stubBudget{2: true})
	req := bannerRequest()

	got := a.GenerateBidCandidates(context.Background(), &req.Imp[0], req)
	require.Len(t, got, 2)
	check.False(t, got[0].BudgetAvailable)
	check.True(t, got[1].BudgetAvailable)
}

func TestGenerateStopsOnCancelledContext(t *testing.T) {
	a := newTestAlgorithm(t, []models.Campaign{{ID: 1, Active: true}}, []models.Creative{banner(1, 1, "1")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := bannerRequest()

	check.Equal(t, 0, len(a.GenerateBidCandidates(ctx, &req.Imp[0], req)))
}
