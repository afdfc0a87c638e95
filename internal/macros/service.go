package macros

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Service expands macros for emitted bids.
type Service struct {
	expander *MacroExpander
	logger   *zap.Logger
}

// NewService creates a lenient macro service registering its metrics with reg.
func NewService(logger *zap.Logger, reg prometheus.Registerer) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		expander: NewMacroExpander(logger, reg, false),
		logger:   logger.Named("macro_service"),
	}
}

// RegisterCustomMacro allows registration of additional macro expansion functions
func (s *Service) RegisterCustomMacro(name string, expansionFunc ExpansionFunc) error {
	return s.expander.RegisterMacro(name, expansionFunc)
}

// BidContext identifies the bid a notice URL or markup belongs to.
type BidContext struct {
	RequestID  string
	BidID      string
	ImpID      string
	Seat       string
	Currency   string
	CampaignID int
	CreativeID int
	ClickURL   string
	Timestamp  time.Time
}

func (b *BidContext) expansion() *ExpansionContext {
	ts := b.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &ExpansionContext{
		RequestID:  b.RequestID,
		BidID:      b.BidID,
		ImpID:      b.ImpID,
		SeatID:     b.Seat,
		Currency:   b.Currency,
		Timestamp:  ts,
		CampaignID: b.CampaignID,
		CreativeID: b.CreativeID,
		ClickURL:   b.ClickURL,
	}
}

// ExpandNoticeURL expands bid time macros in a win or loss notice URL. On
// failure the original URL is returned.
func (s *Service) ExpandNoticeURL(rawURL string, bid *BidContext) string {
	if rawURL == "" {
		return ""
	}
	out, err := s.expander.Expand(rawURL, bid.expansion(), EscapeQuery)
	if err != nil {
		s.logger.Error("Failed to expand notice URL macros, using original URL",
			zap.String("raw_url", rawURL),
			zap.Error(err))
		return rawURL
	}
	return out
}

// ExpandMarkup expands bid time macros in creative markup. The click URL is
// first expanded as a URL, then embedded HTML escaped.
func (s *Service) ExpandMarkup(adm string, bid *BidContext) string {
	if adm == "" {
		return ""
	}
	ctx := bid.expansion()
	if ctx.ClickURL != "" {
		if click, err := s.expander.Expand(ctx.ClickURL, ctx, EscapeQuery); err == nil {
			ctx.ClickURL = click
		}
	}
	out, err := s.expander.Expand(adm, ctx, EscapeHTML)
	if err != nil {
		s.logger.Error("Failed to expand markup macros, using original markup",
			zap.Int("creative_id", bid.CreativeID),
			zap.Error(err))
		return adm
	}
	return out
}
