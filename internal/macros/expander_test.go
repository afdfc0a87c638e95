package macros

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

func testContext() *ExpansionContext {
	return &ExpansionContext{
		RequestID:  "req-123",
		BidID:      "bid-456",
		ImpID:      "imp 1",
		SeatID:     "seat-9",
		Currency:   "USD",
		Timestamp:  time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC),
		CampaignID: 202,
		CreativeID: 789,
	}
}

func TestMacroExpander_Expand(t *testing.T) {
	logger := zaptest.NewLogger(t)
	expander := NewMacroExpander(logger, nil, false)
	ctx := testContext()

	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"No macros", "https://example.com/win", "https://example.com/win"},
		{"Single macro", "https://example.com/win?id=${AUCTION_ID}", "https://example.com/win?id=req-123"},
		{
			"Multiple macros",
			"https://example.com/win?b=${AUCTION_BID_ID}&c=${CAMPAIGN_ID}&cr=${AUCTION_AD_ID}&cur=${AUCTION_CURRENCY}",
			"https://example.com/win?b=bid-456&c=202&cr=789&cur=USD",
		},
		{"Escapes values", "https://example.com/win?imp=${AUCTION_IMP_ID}", "https://example.com/win?imp=imp+1"},
		{"Exchange macros survive", "https://example.com/win?p=${AUCTION_PRICE}&l=${AUCTION_LOSS}", "https://example.com/win?p=${AUCTION_PRICE}&l=${AUCTION_LOSS}"},
		{"Repeated macro", "${AUCTION_SEAT_ID}/${AUCTION_SEAT_ID}", "seat-9/seat-9"},
		{"Timestamp", "t=${TIMESTAMP}", "t=1705314645"},
		{"Unterminated", "x=${AUCTION_ID", "x=${AUCTION_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expander.Expand(tt.raw, ctx, EscapeQuery)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestMacroExpander_HTMLEscaping(t *testing.T) {
	expander := NewMacroExpander(zaptest.NewLogger(t), nil, false)
	ctx := testContext()
	ctx.ImpID = `"><script>`

	got, err := expander.Expand(`<div data-imp="${AUCTION_IMP_ID}"></div>`, ctx, EscapeHTML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(got, "<script>") {
		t.Errorf("markup value was not escaped: %s", got)
	}
}

func TestMacroExpander_FailureModes(t *testing.T) {
	reg := prometheus.NewRegistry()
	lenient := NewMacroExpander(zaptest.NewLogger(t), reg, false)
	_ = lenient.RegisterMacro("BROKEN", func(*ExpansionContext) (string, error) {
		return "", fmt.Errorf("boom")
	})

	got, err := lenient.Expand("a=${BROKEN}&b=${AUCTION_ID}", testContext(), EscapeQuery)
	if err != nil {
		t.Fatalf("lenient mode should not fail: %v", err)
	}
	if got != "a=${BROKEN}&b=req-123" {
		t.Errorf("unexpected partial expansion %q", got)
	}
	if n := testutil.ToFloat64(lenient.failureCounter.WithLabelValues("BROKEN", "expansion_error")); n != 1 {
		t.Errorf("expected one recorded failure, got %v", n)
	}

	strict := NewMacroExpander(zaptest.NewLogger(t), nil, true)
	_ = strict.RegisterMacro("BROKEN", func(*ExpansionContext) (string, error) {
		return "", fmt.Errorf("boom")
	})
	if _, err := strict.Expand("a=${BROKEN}", testContext(), EscapeQuery); err == nil {
		t.Error("strict mode should fail")
	}
}

func TestMacroExpander_RegisterMacro(t *testing.T) {
	expander := NewMacroExpander(zaptest.NewLogger(t), nil, false)

	if err := expander.RegisterMacro("", func(*ExpansionContext) (string, error) { return "", nil }); err == nil {
		t.Error("expected error for empty name")
	}
	if err := expander.RegisterMacro("X", nil); err == nil {
		t.Error("expected error for nil func")
	}
	if err := expander.RegisterMacro("DEAL", func(*ExpansionContext) (string, error) { return "d1", nil }); err != nil {
		t.Fatalf("register: %v", err)
	}

	found := false
	for _, m := range expander.GetRegisteredMacros() {
		if m == "DEAL" {
			found = true
		}
	}
	if !found {
		t.Error("DEAL not listed among registered macros")
	}
}
