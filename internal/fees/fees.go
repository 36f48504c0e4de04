// Package fees normalises venue fee representations into one canonical trade fee.
package fees

import (
	"strings"

	"github.com/shopspring/decimal"
)

// TokenAmount is a flat fee charged in a specific asset.
type TokenAmount struct {
	Token  string
	Amount decimal.Decimal
}

// TradeFee is the canonical fee attached to a trade update. A fee is either a percentage of the
// traded notional, a list of flat charges, or both.
type TradeFee struct {
	Percent             decimal.Decimal
	PercentToken        string
	FlatFees            []TokenAmount
	DeductedFromReturns bool
}

// IsZero reports whether the fee charges nothing.
func (f TradeFee) IsZero() bool {
	if !f.Percent.IsZero() {
		return false
	}
	for _, flat := range f.FlatFees {
		if !flat.Amount.IsZero() {
			return false
		}
	}
	return true
}

// AmountIn returns the fee expressed in token for a fill of base units at price. Percentage fees
// are charged on the quote notional; flat fees in other tokens are not converted and are ignored.
func (f TradeFee) AmountIn(token string, price, base decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if !f.Percent.IsZero() {
		percentToken := f.PercentToken
		if percentToken == "" || strings.EqualFold(percentToken, token) {
			total = total.Add(price.Mul(base).Mul(f.Percent))
		}
	}
	for _, flat := range f.FlatFees {
		if strings.EqualFold(flat.Token, token) {
			total = total.Add(flat.Amount)
		}
	}
	return total
}
