package domain

import "github.com/shopspring/decimal"

// RoundCents rounds a monetary amount to 2 decimal places using round-half-up.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative amounts handled here.
func RoundCents(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// MustMoney parses a decimal literal, panicking on malformed input. Intended
// for configuration defaults and tests only.
func MustMoney(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}
