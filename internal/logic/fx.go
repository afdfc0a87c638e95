package logic

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency applies when a request or floor omits its currency.
const DefaultCurrency = "USD"

// FX converts amounts quoted in other currencies into the bidder currency.
// Rates are units of the base currency per one unit of the keyed currency.
type FX struct {
	Base  string
	Rates map[string]decimal.Decimal
}

// ToBase converts amount from cur into the base currency. The boolean is
// false when no rate is known for cur.
func (fx FX) ToBase(amount decimal.Decimal, cur string) (decimal.Decimal, bool) {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if cur == "" {
		cur = DefaultCurrency
	}
	if cur == fx.base() {
		return amount, true
	}
	rate, ok := fx.Rates[cur]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return amount.Mul(rate), true
}

// Accepts reports whether a request that lists the given currencies can be
// answered in the base currency. An empty list accepts USD only.
func (fx FX) Accepts(curs []string) bool {
	if len(curs) == 0 {
		return fx.base() == DefaultCurrency
	}
	for _, c := range curs {
		if strings.EqualFold(strings.TrimSpace(c), fx.base()) {
			return true
		}
	}
	return false
}

func (fx FX) base() string {
	if fx.Base == "" {
		return DefaultCurrency
	}
	return strings.ToUpper(fx.Base)
}
