package models

import "encoding/json"

// Auction types carried in BidRequest.AT.
const (
	AuctionFirstPrice  = 1
	AuctionSecondPrice = 2
)

// BidRequest is the subset of the IAB OpenRTB 2.6 Bid Request object the
// bidder reads. Exchanges send one per auction; the bidder answers with a
// BidResponse before TMax elapses.
type BidRequest struct {
	ID  string `json:"id"`  // Auction id assigned by the exchange. Mirrored in BidResponse.ID.
	Imp []Imp  `json:"imp"` // Impressions offered in this auction. Each is auctioned independently.
	// TMax is the maximum time in milliseconds the exchange waits for a response,
	// including network latency. Zero means the exchange did not say.
	TMax int `json:"tmax,omitempty"`
	// AT is the auction type: 1 first price, 2 second price plus. OpenRTB defaults to 2.
	AT     int      `json:"at,omitempty"`
	Cur    []string `json:"cur,omitempty"`   // Currencies the exchange accepts for bids.
	BCat   []string `json:"bcat,omitempty"`  // Blocked IAB content categories of advertisers.
	BAdv   []string `json:"badv,omitempty"`  // Blocked advertiser domains.
	BSeat  []string `json:"bseat,omitempty"` // Blocked buyer seats.
	WSeat  []string `json:"wseat,omitempty"` // Allowed buyer seats. Empty means all seats.
	Site   *Site    `json:"site,omitempty"`
	App    *App     `json:"app,omitempty"`
	Device *Device  `json:"device,omitempty"`
	User   *User    `json:"user,omitempty"`
	// Test marks a request that must not incur spend.
	Test int             `json:"test,omitempty"`
	Ext  json.RawMessage `json:"ext,omitempty"`
}

// AuctionType returns the effective auction type, applying the OpenRTB default.
func (r *BidRequest) AuctionType() int {
	if r.AT == AuctionFirstPrice {
		return AuctionFirstPrice
	}
	return AuctionSecondPrice
}

// Imp describes one ad slot.
type Imp struct {
	ID     string  `json:"id"`
	Banner *Banner `json:"banner,omitempty"`
	Video  *Video  `json:"video,omitempty"`
	Audio  *Audio  `json:"audio,omitempty"`
	Native *Native `json:"native,omitempty"`
	PMP    *PMP    `json:"pmp,omitempty"`
	TagID  string  `json:"tagid,omitempty"`
	// BidFloor is the minimum CPM accepted for this impression, in BidFloorCur.
	BidFloor    float64 `json:"bidfloor,omitempty"`
	BidFloorCur string  `json:"bidfloorcur,omitempty"` // Defaults to USD per OpenRTB.
	// Secure is 1 when the slot requires HTTPS creative assets.
	Secure *int   `json:"secure,omitempty"`
	Ext    ImpExt `json:"ext,omitempty"`
}

// RequiresSecure reports whether the impression demands secure markup.
func (i *Imp) RequiresSecure() bool {
	return i.Secure != nil && *i.Secure == 1
}

// ImpExt holds slot level block-lists some exchanges send alongside the
// request level ones.
type ImpExt struct {
	BCat []string `json:"bcat,omitempty"`
	BAdv []string `json:"badv,omitempty"`
}

// Banner is a display slot. W/H describe the exact size; Format lists
// alternative sizes the publisher accepts.
type Banner struct {
	W      int      `json:"w,omitempty"`
	H      int      `json:"h,omitempty"`
	Format []Format `json:"format,omitempty"`
	Mimes  []string `json:"mimes,omitempty"`
}

// Format is an allowed banner size.
type Format struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Video is an instream or outstream video slot.
type Video struct {
	W           int      `json:"w,omitempty"`
	H           int      `json:"h,omitempty"`
	Mimes       []string `json:"mimes"`
	MinDuration int      `json:"minduration,omitempty"`
	MaxDuration int      `json:"maxduration,omitempty"`
}

// Audio is an audio slot.
type Audio struct {
	Mimes []string `json:"mimes"`
}

// Native is a native slot. The request payload is passed through untouched.
type Native struct {
	Request string `json:"request"`
	Ver     string `json:"ver,omitempty"`
}

// PMP carries private marketplace deals offered on an impression.
type PMP struct {
	// PrivateAuction is 1 when only bids for the listed deals are accepted.
	PrivateAuction int    `json:"private_auction,omitempty"`
	Deals          []Deal `json:"deals,omitempty"`
}

// Deal is one private marketplace deal.
type Deal struct {
	ID          string   `json:"id"`
	BidFloor    float64  `json:"bidfloor,omitempty"`
	BidFloorCur string   `json:"bidfloorcur,omitempty"`
	WSeat       []string `json:"wseat,omitempty"`    // Seats allowed to bid on the deal.
	WADomain    []string `json:"wadomain,omitempty"` // Advertiser domains allowed on the deal.
}

// Site describes the website hosting the impressions.
type Site struct {
	ID     string   `json:"id,omitempty"`
	Domain string   `json:"domain,omitempty"`
	Page   string   `json:"page,omitempty"`
	Cat    []string `json:"cat,omitempty"`
}

// App describes the application hosting the impressions.
type App struct {
	ID     string   `json:"id,omitempty"`
	Bundle string   `json:"bundle,omitempty"`
	Cat    []string `json:"cat,omitempty"`
}

// Device describes the user's device. Fraud detection and targeting read it.
type Device struct {
	UA         string `json:"ua,omitempty"`
	IP         string `json:"ip,omitempty"`
	IPv6       string `json:"ipv6,omitempty"`
	DeviceType int    `json:"devicetype,omitempty"` // OpenRTB list 5.21
	OS         string `json:"os,omitempty"`
	IFA        string `json:"ifa,omitempty"`
	Geo        *Geo   `json:"geo,omitempty"`
}

// Geo is a location declared by the exchange.
type Geo struct {
	Country string `json:"country,omitempty"` // ISO-3166-1 alpha-3 or alpha-2
	Region  string `json:"region,omitempty"`
	Type    int    `json:"type,omitempty"`
}

// User identifies the viewer.
type User struct {
	ID       string `json:"id,omitempty"`
	BuyerUID string `json:"buyeruid,omitempty"`
}

// BidResponse is the OpenRTB Bid Response returned to the exchange.
type BidResponse struct {
	ID      string    `json:"id"` // Mirrors BidRequest.ID.
	SeatBid []SeatBid `json:"seatbid"`
	BidID   string    `json:"bidid,omitempty"`
	Cur     string    `json:"cur,omitempty"`
	// NBR is the no-bid reason code, set only when SeatBid is empty.
	NBR *int `json:"nbr,omitempty"`
}

// HasBids reports whether any seat carries at least one bid.
func (r *BidResponse) HasBids() bool {
	for _, sb := range r.SeatBid {
		if len(sb.Bid) > 0 {
			return true
		}
	}
	return false
}

// BidCount returns the total number of bids across seats.
func (r *BidResponse) BidCount() int {
	n := 0
	for _, sb := range r.SeatBid {
		n += len(sb.Bid)
	}
	return n
}

// SeatBid groups the bids of one buying seat.
type SeatBid struct {
	Bid  []Bid  `json:"bid"`
	Seat string `json:"seat,omitempty"`
}

// Bid is an offer for one impression.
type Bid struct {
	ID    string  `json:"id"`    // Bidder generated id, used to settle win/loss notices.
	ImpID string  `json:"impid"` // Mirrors Imp.ID.
	Price float64 `json:"price"` // CPM in BidResponse.Cur.
	// NURL is called by the exchange when the bid wins. ${AUCTION_PRICE} is replaced with the clearing price.
	NURL string `json:"nurl,omitempty"`
	// LURL is called by the exchange when the bid loses. ${AUCTION_LOSS} carries the loss reason.
	LURL    string   `json:"lurl,omitempty"`
	Adm     string   `json:"adm,omitempty"`
	ADomain []string `json:"adomain,omitempty"`
	CID     string   `json:"cid,omitempty"`
	CrID    string   `json:"crid,omitempty"`
	Cat     []string `json:"cat,omitempty"`
	DealID  string   `json:"dealid,omitempty"`
	W       int      `json:"w,omitempty"`
	H       int      `json:"h,omitempty"`
}
