// Package macros expands OpenRTB auction macros such as ${AUCTION_ID} in
// notice URLs and creative markup.
package macros

import (
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Escaping selects how expanded values are encoded into the target text.
type Escaping int

const (
	// EscapeQuery encodes values for use inside URL query strings.
	EscapeQuery Escaping = iota
	// EscapeHTML encodes values for use inside HTML markup.
	EscapeHTML
)

// MacroExpander replaces ${NAME} placeholders with values from an
// ExpansionContext. Placeholders without a registered expansion are left in
// place, so exchange side macros like ${AUCTION_PRICE} survive.
type MacroExpander struct {
	logger       *zap.Logger
	expansions   map[string]ExpansionFunc
	expansionsMu sync.RWMutex
	strictMode   bool // If true, any macro expansion failure causes the entire operation to fail

	// Metrics
	expansionCounter *prometheus.CounterVec
	failureCounter   *prometheus.CounterVec
}

// ExpansionFunc defines the signature for macro expansion functions
type ExpansionFunc func(ctx *ExpansionContext) (string, error)

// ExpansionContext contains all data available for macro expansion
type ExpansionContext struct {
	// Auction context
	RequestID string
	BidID     string
	ImpID     string
	SeatID    string
	Currency  string
	Timestamp time.Time

	// Ad context
	CampaignID int
	CreativeID int
	ClickURL   string
}

// NewMacroExpander creates an expander with the default macros. Metrics are
// registered with reg; a nil reg leaves them unregistered.
func NewMacroExpander(logger *zap.Logger, reg prometheus.Registerer, strictMode bool) *MacroExpander {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	expander := &MacroExpander{
		logger:     logger,
		expansions: make(map[string]ExpansionFunc),
		strictMode: strictMode,

		expansionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macro_expansions_total",
				Help: "Total number of macro expansions performed",
			},
			[]string{"macro", "success"},
		),
		failureCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macro_expansion_failures_total",
				Help: "Total number of macro expansion failures",
			},
			[]string{"macro", "error_type"},
		),
	}

	expander.registerDefaultMacros()
	return expander
}

// Expand replaces every registered macro found in text, encoding values per
// esc. Failing expansions are logged and left unexpanded unless the expander
// is strict.
func (e *MacroExpander) Expand(text string, ctx *ExpansionContext, esc Escaping) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	e.expansionsMu.RLock()
	defer e.expansionsMu.RUnlock()

	var replacements []string
	for _, name := range placeholders(text) {
		fn, ok := e.expansions[name]
		if !ok {
			continue
		}
		value, err := fn(ctx)
		if err != nil {
			e.expansionCounter.WithLabelValues(name, "false").Inc()
			e.failureCounter.WithLabelValues(name, "expansion_error").Inc()
			e.logger.Warn("Failed to expand macro",
				zap.String("macro", name),
				zap.Error(err))
			if e.strictMode {
				return "", fmt.Errorf("macro expansion failed in strict mode for macro '%s': %w", name, err)
			}
			continue
		}
		replacements = append(replacements, "${"+name+"}", encode(value, esc))
		e.expansionCounter.WithLabelValues(name, "true").Inc()
	}
	if len(replacements) == 0 {
		return text, nil
	}
	return strings.NewReplacer(replacements...).Replace(text), nil
}

func encode(v string, esc Escaping) string {
	if esc == EscapeHTML {
		return html.EscapeString(v)
	}
	return url.QueryEscape(v)
}

// placeholders returns the distinct macro names referenced in text.
func placeholders(text string) []string {
	var names []string
	seen := make(map[string]struct{})
	for i := 0; ; {
		start := strings.Index(text[i:], "${")
		if start < 0 {
			break
		}
		start += i
		end := strings.IndexByte(text[start:], '}')
		if end < 0 {
			break
		}
		end += start
		name := text[start+2 : end]
		if _, ok := seen[name]; !ok && name != "" {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		i = end + 1
	}
	return names
}

// RegisterMacro adds a custom macro expansion function
func (e *MacroExpander) RegisterMacro(name string, expansionFunc ExpansionFunc) error {
	if name == "" {
		return fmt.Errorf("macro name cannot be empty")
	}
	if expansionFunc == nil {
		return fmt.Errorf("expansion function cannot be nil")
	}

	e.expansionsMu.Lock()
	defer e.expansionsMu.Unlock()
	e.expansions[name] = expansionFunc
	return nil
}

// GetRegisteredMacros returns a list of all registered macro names
func (e *MacroExpander) GetRegisteredMacros() []string {
	e.expansionsMu.RLock()
	defer e.expansionsMu.RUnlock()

	macros := make([]string, 0, len(e.expansions))
	for name := range e.expansions {
		macros = append(macros, name)
	}
	return macros
}

// registerDefaultMacros registers the OpenRTB substitution macros the bidder
// knows at bid time. AUCTION_PRICE, AUCTION_LOSS and AUCTION_MIN_TO_WIN are
// only known to the exchange and are deliberately absent.
func (e *MacroExpander) registerDefaultMacros() {
	e.expansions["AUCTION_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.RequestID, nil
	}
	e.expansions["AUCTION_BID_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.BidID, nil
	}
	e.expansions["AUCTION_IMP_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.ImpID, nil
	}
	e.expansions["AUCTION_SEAT_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.SeatID, nil
	}
	e.expansions["AUCTION_AD_ID"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.Itoa(ctx.CreativeID), nil
	}
	e.expansions["AUCTION_CURRENCY"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.Currency, nil
	}

	e.expansions["CAMPAIGN_ID"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.Itoa(ctx.CampaignID), nil
	}
	e.expansions["CREATIVE_ID"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.Itoa(ctx.CreativeID), nil
	}
	e.expansions["CLICK_URL"] = func(ctx *ExpansionContext) (string, error) {
		if ctx.ClickURL == "" {
			return "", fmt.Errorf("no click url")
		}
		return ctx.ClickURL, nil
	}

	e.expansions["TIMESTAMP"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.FormatInt(ctx.Timestamp.Unix(), 10), nil
	}
	e.expansions["TIMESTAMP_MS"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.FormatInt(ctx.Timestamp.UnixMilli(), 10), nil
	}
	e.expansions["RANDOM"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.FormatInt(time.Now().UnixNano(), 10), nil
	}
	e.expansions["UUID"] = func(ctx *ExpansionContext) (string, error) {
		return uuid.New().String(), nil
	}
}
