package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Creative formats. An impression offers one or more of these.
const (
	FormatBanner = "banner"
	FormatVideo  = "video"
	FormatAudio  = "audio"
	FormatNative = "native"
)

// Creative is an ad the bidder can return in Bid.Adm. It belongs to one
// campaign and carries the base CPM the campaign is willing to pay for it.
type Creative struct {
	ID         int    `json:"id"`
	CampaignID int    `json:"campaign_id"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	// Mimes lists the asset types of the creative, e.g. "image/png" or "video/mp4".
	Mimes []string `json:"mimes,omitempty"`
	// Adm is the markup template. Auction macros such as ${AUCTION_IMP_ID} are expanded per bid.
	Adm string `json:"adm"`
	// BidPrice is the base CPM bid in the bidder currency.
	BidPrice decimal.Decimal `json:"bid_price"`
	// QualityScore scales the bid during ranking. Zero is treated as 1.
	QualityScore float64 `json:"quality_score,omitempty"`
	// Secure is true when every asset is served over HTTPS.
	Secure   bool   `json:"secure"`
	ClickURL string `json:"click_url,omitempty"`
	Active   bool   `json:"active"`
}

// HasMime reports whether the creative carries one of the accepted mime types.
// An empty accept list or an untyped creative matches.
func (c *Creative) HasMime(accepted []string) bool {
	if len(accepted) == 0 || len(c.Mimes) == 0 {
		return true
	}
	for _, m := range c.Mimes {
		for _, a := range accepted {
			if strings.EqualFold(m, a) {
				return true
			}
		}
	}
	return false
}
