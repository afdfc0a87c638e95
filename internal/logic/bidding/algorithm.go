// Package bidding turns inventory into priced proposals for one impression
// and picks the proposal to bid with.
package bidding

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/geoip"
	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/logic/filters"
	"github.com/patrickwarner/openbidder/internal/models"
)

const monetaryPrecision int32 = 4 // CPM values carry 0.0001 precision

// relevanceStep is the score uplift for each targeting rule a campaign
// declares and the impression satisfies.
const relevanceStep = 0.05

// BudgetProbe is the optimistic budget check used to flag candidates. It
// must not block; a stale answer is corrected when the budget is reserved.
type BudgetProbe interface {
	CheckBudget(campaignID int, price decimal.Decimal) bool
}

// Config holds the auction settings of the algorithm.
type Config struct {
	Seat        string
	FX          logic.FX
	MinBidPrice decimal.Decimal
	// Increment is added to the runner-up price in second price auctions.
	Increment decimal.Decimal
}

// Algorithm implements candidate generation, ranking and winner selection.
// All methods are safe for concurrent use.
type Algorithm struct {
	inventory models.InventoryStore
	geo       *geoip.GeoIP
	budget    BudgetProbe
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	generated  atomic.Int64
	emptyImps  atomic.Int64
	selections atomic.Int64
	noWinner   atomic.Int64
}

// NewAlgorithm creates an Algorithm reading campaigns and creatives from
// inventory. geo may be nil.
func NewAlgorithm(inventory models.InventoryStore, geo *geoip.GeoIP, cfg Config, logger *zap.Logger) *Algorithm {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Increment.IsZero() {
		cfg.Increment = decimal.New(1, -2)
	}
	return &Algorithm{
		inventory: inventory,
		geo:       geo,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetBudgetProbe enables the optimistic budget flag on generated candidates.
// Without a probe every candidate is flagged as having budget.
func (a *Algorithm) SetBudgetProbe(p BudgetProbe) {
	a.budget = p
}

// GenerateBidCandidates proposes one candidate per live creative that fits
// the impression, targets the device and can be priced in the request
// currency. Candidates come back ordered by creative id.
func (a *Algorithm) GenerateBidCandidates(ctx context.Context, imp *models.Imp, req *models.BidRequest) []models.BidCandidate {
	if ctx.Err() != nil || !a.cfg.FX.Accepts(req.Cur) {
		a.emptyImps.Add(1)
		return nil
	}

	tctx := logic.ResolveTargeting(a.geo, req.Device)
	now := a.now()

	var out []models.BidCandidate
	for _, format := range impFormats(imp) {
		for _, cr := range a.inventory.CreativesForFormat(format) {
			camp := a.inventory.GetCampaign(cr.CampaignID)
			if camp == nil || !camp.IsLive(now) {
				continue
			}
			if !camp.TargetsCountry(tctx.Country) || !camp.TargetsDevice(tctx.DeviceType) || !camp.TargetsOS(tctx.OS) {
				continue
			}
			dealID, ok := dealFor(camp, imp)
			if !ok {
				continue
			}
			c, ok := a.price(camp, &cr)
			if !ok {
				continue
			}
			c.ImpID = imp.ID
			c.DealID = dealID
			c.FraudPassed = true
			c.TargetingMatched = true
			c.BudgetAvailable = a.budget == nil || a.budget.CheckBudget(camp.ID, c.Price)
			out = append(out, c)
		}
	}
	out = filters.FilterBySize(out, imp)

	a.generated.Add(int64(len(out)))
	if len(out) == 0 {
		a.emptyImps.Add(1)
	}
	return out
}

// price scores the creative and derives the bid price from the final score.
func (a *Algorithm) price(camp *models.Campaign, cr *models.Creative) (models.BidCandidate, bool) {
	base := cr.BidPrice
	if camp.MaxBid.IsPositive() && base.GreaterThan(camp.MaxBid) {
		base = camp.MaxBid
	}
	if !base.IsPositive() {
		return models.BidCandidate{}, false
	}

	quality := cr.QualityScore
	if quality <= 0 {
		quality = 1
	}
	relevance := 1 + relevanceStep*float64(camp.TargetingRules())
	baseScore := base.InexactFloat64()
	final := baseScore * quality * relevance

	price := decimal.NewFromFloat(final).Round(monetaryPrecision)
	if camp.MaxBid.IsPositive() && price.GreaterThan(camp.MaxBid) {
		price = camp.MaxBid
	}
	if price.LessThan(a.cfg.MinBidPrice) {
		return models.BidCandidate{}, false
	}

	seat := camp.Seat
	if seat == "" {
		seat = a.cfg.Seat
	}
	return models.BidCandidate{
		CampaignID:     camp.ID,
		CreativeID:     cr.ID,
		Seat:           seat,
		Price:          price,
		W:              cr.Width,
		H:              cr.Height,
		Format:         cr.Format,
		Adm:            cr.Adm,
		ClickURL:       cr.ClickURL,
		ADomain:        camp.AdvertiserDomains,
		Cat:            camp.Categories,
		Secure:         cr.Secure,
		Mimes:          cr.Mimes,
		BaseScore:      baseScore,
		QualityScore:   quality,
		RelevanceScore: relevance,
		FinalScore:     final,
	}, true
}

// dealFor returns the deal a campaign bids on. Deal campaigns only bid when
// the impression offers their deal; open market campaigns bid without one.
func dealFor(camp *models.Campaign, imp *models.Imp) (string, bool) {
	if camp.DealID == "" {
		return "", true
	}
	if imp.PMP == nil {
		return "", false
	}
	for _, d := range imp.PMP.Deals {
		if d.ID == camp.DealID {
			return d.ID, true
		}
	}
	return "", false
}

func impFormats(imp *models.Imp) []string {
	var formats []string
	if imp.Banner != nil {
		formats = append(formats, models.FormatBanner)
	}
	if imp.Video != nil {
		formats = append(formats, models.FormatVideo)
	}
	if imp.Audio != nil {
		formats = append(formats, models.FormatAudio)
	}
	if imp.Native != nil {
		formats = append(formats, models.FormatNative)
	}
	return formats
}

// Stats holds the running totals of the algorithm.
type Stats struct {
	CandidatesGenerated int64 `json:"candidates_generated"`
	ImpressionsNoMatch  int64 `json:"impressions_without_candidates"`
	WinnersSelected     int64 `json:"winners_selected"`
	ImpressionsNoWinner int64 `json:"impressions_without_winner"`
}

// GetBiddingStatistics returns a snapshot of the running totals.
func (a *Algorithm) GetBiddingStatistics() Stats {
	return Stats{
		CandidatesGenerated: a.generated.Load(),
		ImpressionsNoMatch:  a.emptyImps.Load(),
		WinnersSelected:     a.selections.Load(),
		ImpressionsNoWinner: a.noWinner.Load(),
	}
}
