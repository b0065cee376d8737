// Package money provides helpers for amounts held as integer minor units.
//
// All currency amounts in the system (prices, balances, escrow, payouts) are
// int64 minor units (paise for INR). Token counts are plain int64. Nothing in
// this package allocates or rounds; arithmetic on int64 is exact.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Format renders minor units as a decimal string, e.g. 4999 -> "49.99".
func Format(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// FormatWithCurrency renders minor units with a currency code, e.g. "49.99 INR".
func FormatWithCurrency(minor int64, currency string) string {
	return Format(minor) + " " + strings.ToUpper(currency)
}

// Parse converts a decimal string ("49.99", "50") to minor units.
// At most two fractional digits are accepted.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	minor := w*100 + f
	if neg {
		minor = -minor
	}
	return minor, nil
}

// IsPositive reports whether the amount is a spendable positive value.
func IsPositive(minor int64) bool {
	return minor > 0
}
