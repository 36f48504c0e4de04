package fees

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Schema describes the venue's default fee rates.
type Schema struct {
	MakerPercent decimal.Decimal
	TakerPercent decimal.Decimal
	// BuyPercentDeductedFromReturns makes buy-side percentage fees come out of the received asset.
	BuyPercentDeductedFromReturns bool
}

// DefaultSchema charges 0.2% maker and taker, deducted from returns.
func DefaultSchema() Schema {
	rate := decimal.New(2, -3)
	return Schema{MakerPercent: rate, TakerPercent: rate, BuyPercentDeductedFromReturns: true}
}

// makerOnlyTypes are order types the venue rejects instead of letting them take liquidity.
var makerOnlyTypes = map[string]struct{}{
	"LIMIT_MAKER": {},
	"POST_ONLY":   {},
}

// IsMakerOnly reports whether orderType can only ever add liquidity.
func IsMakerOnly(orderType string) bool {
	_, ok := makerOnlyTypes[strings.ToUpper(strings.TrimSpace(orderType))]
	return ok
}

// Normalizer converts venue fee fields into TradeFee values.
type Normalizer struct {
	schema Schema
}

// NewNormalizer constructs a Normalizer for schema.
func NewNormalizer(schema Schema) *Normalizer {
	return &Normalizer{schema: schema}
}

// Schema returns the configured fee schema.
func (n *Normalizer) Schema() Schema { return n.schema }

// Rate returns the percentage charged for orderType. Maker-only order types always pay the maker rate.
// For other types a venue-reported liquidity flag wins when present, otherwise the taker rate applies.
func (n *Normalizer) Rate(orderType string, reportedMaker *bool) decimal.Decimal {
	if n.isMaker(orderType, reportedMaker) {
		return n.schema.MakerPercent
	}
	return n.schema.TakerPercent
}

func (n *Normalizer) isMaker(orderType string, reportedMaker *bool) bool {
	if IsMakerOnly(orderType) {
		return true
	}
	if reportedMaker != nil {
		return *reportedMaker
	}
	return false
}

// FromPercent builds a percentage fee for a fill that carries no explicit fee amount.
func (n *Normalizer) FromPercent(side, orderType, quoteToken string, reportedMaker *bool) TradeFee {
	return TradeFee{
		Percent:             n.Rate(orderType, reportedMaker),
		PercentToken:        strings.ToUpper(quoteToken),
		DeductedFromReturns: n.deducted(side),
	}
}

// FromFlat builds a fee from an explicit amount charged in asset. A blank asset or zero amount
// yields a fee with no flat component.
func (n *Normalizer) FromFlat(side string, amount decimal.Decimal, asset string) TradeFee {
	fee := TradeFee{DeductedFromReturns: n.deducted(side)}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" || amount.IsZero() {
		return fee
	}
	fee.FlatFees = []TokenAmount{{Token: asset, Amount: amount.Abs()}}
	return fee
}

func (n *Normalizer) deducted(side string) bool {
	if strings.EqualFold(side, "SELL") {
		return true
	}
	return n.schema.BuyPercentDeductedFromReturns
}
