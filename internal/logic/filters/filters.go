package filters

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/models"
)

// Filter stages, used as metric labels and statistics keys.
const (
	StageFloor             = "floor"
	StageBlockedAdvertiser = "blocked_advertiser"
	StageBlockedCategory   = "blocked_category"
	StageBlockedSeat       = "blocked_seat"
	StageFormat            = "format"
	StageSecure            = "secure"
	StageDeal              = "deal"
)

var stages = []string{
	StageFloor, StageBlockedAdvertiser, StageBlockedCategory, StageBlockedSeat,
	StageFormat, StageSecure, StageDeal,
}

// FilterBySize keeps candidates whose creative fits one of the media types the
// impression offers.
func FilterBySize(candidates []models.BidCandidate, imp *models.Imp) []models.BidCandidate {
	var out []models.BidCandidate
	for _, c := range candidates {
		if candidateFitsImp(&c, imp) {
			out = append(out, c)
		}
	}
	return out
}

// candidateFitsImp checks format, dimensions and mime types against each
// media object of the impression.
func candidateFitsImp(c *models.BidCandidate, imp *models.Imp) bool {
	if b := imp.Banner; b != nil && c.Format == models.FormatBanner {
		if bannerSizeMatches(c, b) && mimeAccepted(c.Mimes, b.Mimes) {
			return true
		}
	}
	if v := imp.Video; v != nil && c.Format == models.FormatVideo {
		if dimensionMatches(c.W, v.W) && dimensionMatches(c.H, v.H) && mimeAccepted(c.Mimes, v.Mimes) {
			return true
		}
	}
	if a := imp.Audio; a != nil && c.Format == models.FormatAudio {
		if mimeAccepted(c.Mimes, a.Mimes) {
			return true
		}
	}
	if imp.Native != nil && c.Format == models.FormatNative {
		return true
	}
	return false
}

func bannerSizeMatches(c *models.BidCandidate, b *models.Banner) bool {
	if b.W > 0 || b.H > 0 {
		return dimensionMatches(c.W, b.W) && dimensionMatches(c.H, b.H)
	}
	if len(b.Format) == 0 {
		return true
	}
	for _, f := range b.Format {
		if f.W == c.W && f.H == c.H {
			return true
		}
	}
	return false
}

func dimensionMatches(have, want int) bool {
	return want <= 0 || have == want
}

func mimeAccepted(have, accepted []string) bool {
	if len(accepted) == 0 || len(have) == 0 {
		return true
	}
	for _, m := range have {
		for _, a := range accepted {
			if strings.EqualFold(m, a) {
				return true
			}
		}
	}
	return false
}

// CandidateFloor returns the floor that applies to the candidate in the
// bidder currency: the deal floor when the candidate bids on a deal that sets
// one, otherwise the impression floor. The boolean is false when the floor is
// quoted in a currency without a known rate.
func CandidateFloor(c *models.BidCandidate, imp *models.Imp, fx logic.FX) (decimal.Decimal, bool) {
	floor, cur := imp.BidFloor, imp.BidFloorCur
	if c.DealID != "" {
		if d := findDeal(imp, c.DealID); d != nil && d.BidFloor > 0 {
			floor, cur = d.BidFloor, d.BidFloorCur
			if cur == "" {
				cur = imp.BidFloorCur
			}
		}
	}
	if floor <= 0 {
		return decimal.Zero, true
	}
	return fx.ToBase(decimal.NewFromFloat(floor), cur)
}

func meetsFloor(c *models.BidCandidate, imp *models.Imp, fx logic.FX) bool {
	floor, ok := CandidateFloor(c, imp, fx)
	return ok && c.Price.GreaterThanOrEqual(floor)
}

func blockedAdvertiser(c *models.BidCandidate, req *models.BidRequest, imp *models.Imp) bool {
	for _, d := range c.ADomain {
		if containsFold(req.BAdv, d) || containsFold(imp.Ext.BAdv, d) {
			return true
		}
	}
	return false
}

func blockedCategory(c *models.BidCandidate, req *models.BidRequest, imp *models.Imp) bool {
	for _, cat := range c.Cat {
		if categoryBlocked(req.BCat, cat) || categoryBlocked(imp.Ext.BCat, cat) {
			return true
		}
	}
	return false
}

// categoryBlocked treats a blocked tier-1 category such as IAB7 as blocking
// its subcategories (IAB7-1, IAB7-2...).
func categoryBlocked(blocked []string, cat string) bool {
	for _, b := range blocked {
		if strings.EqualFold(b, cat) || strings.HasPrefix(strings.ToUpper(cat), strings.ToUpper(b)+"-") {
			return true
		}
	}
	return false
}

func blockedSeat(c *models.BidCandidate, req *models.BidRequest) bool {
	if containsFold(req.BSeat, c.Seat) {
		return true
	}
	return len(req.WSeat) > 0 && !containsFold(req.WSeat, c.Seat)
}

// dealAllowed enforces private marketplace rules.
func dealAllowed(c *models.BidCandidate, imp *models.Imp) bool {
	if c.DealID == "" {
		return imp.PMP == nil || imp.PMP.PrivateAuction != 1
	}
	d := findDeal(imp, c.DealID)
	if d == nil {
		return false
	}
	if len(d.WSeat) > 0 && !containsFold(d.WSeat, c.Seat) {
		return false
	}
	if len(d.WADomain) > 0 {
		for _, ad := range c.ADomain {
			if containsFold(d.WADomain, ad) {
				return true
			}
		}
		return false
	}
	return true
}

func findDeal(imp *models.Imp, id string) *models.Deal {
	if imp.PMP == nil {
		return nil
	}
	for i := range imp.PMP.Deals {
		if imp.PMP.Deals[i].ID == id {
			return &imp.PMP.Deals[i]
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
