package xt

import "strings"

// ToVenueSymbol converts BASE-QUOTE into the venue's lower-case base_quote form.
func ToVenueSymbol(pair string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(pair), "-", "_"))
}

// FromVenueSymbol converts base_quote into BASE-QUOTE.
func FromVenueSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "_", "-"))
}

func canonicalFromAssets(base, quote string) string {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == "" || quote == "" {
		return ""
	}
	return base + "-" + quote
}
