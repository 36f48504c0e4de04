package venue

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/errs"
)

// TradingRule is the venue-enforced constraint set of one instrument.
type TradingRule struct {
	TradingPair       string
	MinOrderSize      decimal.Decimal
	MinNotional       decimal.Decimal
	MinPriceIncrement decimal.Decimal
	MinBaseIncrement  decimal.Decimal
}

// RuleSet caches trading rules by trading pair.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string]TradingRule
}

// NewRuleSet builds a RuleSet from rules.
func NewRuleSet(rules []TradingRule) *RuleSet {
	rs := &RuleSet{}
	rs.Replace(rules)
	return rs
}

// Replace swaps the cached rules.
func (rs *RuleSet) Replace(rules []TradingRule) {
	next := make(map[string]TradingRule, len(rules))
	for _, r := range rules {
		next[strings.ToUpper(r.TradingPair)] = r
	}
	rs.mu.Lock()
	rs.rules = next
	rs.mu.Unlock()
}

// Rule returns the rule for pair.
func (rs *RuleSet) Rule(pair string) (TradingRule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.rules[strings.ToUpper(pair)]
	return r, ok
}

// Len returns the number of cached rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// All returns the cached rules sorted by trading pair.
func (rs *RuleSet) All() []TradingRule {
	rs.mu.RLock()
	out := make([]TradingRule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r)
	}
	rs.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TradingPair < out[j].TradingPair })
	return out
}

// Quantize rounds price and amount down to the pair's increments.
func (rs *RuleSet) Quantize(pair string, price, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	r, ok := rs.Rule(pair)
	if !ok {
		return price, amount
	}
	return floorTo(price, r.MinPriceIncrement), floorTo(amount, r.MinBaseIncrement)
}

// Validate rejects orders below the pair's minimum size or notional. A zero price skips the
// notional check, as for market orders.
func (rs *RuleSet) Validate(pair string, price, amount decimal.Decimal) error {
	r, ok := rs.Rule(pair)
	if !ok {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("no trading rule for "+pair))
	}
	if amount.LessThan(r.MinOrderSize) {
		return errs.New("", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("amount %s below minimum %s", amount, r.MinOrderSize)),
			errs.WithVenueField("trading_pair", pair))
	}
	if !price.IsZero() && price.Mul(amount).LessThan(r.MinNotional) {
		return errs.New("", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("notional %s below minimum %s", price.Mul(amount), r.MinNotional)),
			errs.WithVenueField("trading_pair", pair))
	}
	return nil
}

func floorTo(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
