package xt

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/wire"
)

type symbolsResult struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol            string         `json:"symbol"`
	State             string         `json:"state"`
	TradingEnabled    bool           `json:"tradingEnabled"`
	BaseCurrency      string         `json:"baseCurrency"`
	QuoteCurrency     string         `json:"quoteCurrency"`
	PricePrecision    int32          `json:"pricePrecision"`
	QuantityPrecision int32          `json:"quantityPrecision"`
	Filters           []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	Filter string      `json:"filter"`
	Min    wire.Number `json:"min"`
}

// TradingRules discovers the per-instrument constraints of every tradable symbol.
func (c *Client) TradingRules(ctx context.Context) ([]venue.TradingRule, error) {
	var out symbolsResult
	err := c.do(ctx, request{
		op:     "public.symbols",
		method: http.MethodGet,
		path:   c.opts.metadata.symbolsPath,
		retry:  true,
	}, &out)
	if err != nil {
		return nil, err
	}
	rules := make([]venue.TradingRule, 0, len(out.Symbols))
	for _, sym := range out.Symbols {
		if !sym.tradable() {
			continue
		}
		rule, ok := sym.rule()
		if !ok {
			c.opts.Logger.Debug("xt: skipping symbol without usable filters", observability.F("symbol", sym.Symbol))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s symbolInfo) tradable() bool {
	return strings.EqualFold(s.State, "ONLINE") && s.TradingEnabled
}

func (s symbolInfo) rule() (venue.TradingRule, bool) {
	pair := canonicalFromAssets(s.BaseCurrency, s.QuoteCurrency)
	if pair == "" {
		pair = FromVenueSymbol(s.Symbol)
	}
	if pair == "" {
		return venue.TradingRule{}, false
	}
	rule := venue.TradingRule{
		TradingPair:       pair,
		MinPriceIncrement: decimal.New(1, -s.PricePrecision),
		MinBaseIncrement:  decimal.New(1, -s.QuantityPrecision),
	}
	for _, f := range s.Filters {
		switch strings.ToUpper(f.Filter) {
		case "QUANTITY":
			rule.MinOrderSize = f.Min.Dec()
		case "QUOTE_QTY":
			rule.MinNotional = f.Min.Dec()
		}
	}
	return rule, true
}
