package providers

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Several gateways speak in major units ("500.00"). Amounts are converted
// with decimal arithmetic so paise never drift through float rounding.

var hundred = decimal.NewFromInt(100)

// majorString renders minor units as a two-decimal major-unit string.
func majorString(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// majorFloat renders minor units for JSON APIs that want a number.
func majorFloat(cents int64) float64 {
	f, _ := decimal.New(cents, -2).Float64()
	return f
}

// parseMajor converts a major-unit string to minor units.
func parseMajor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.Mul(hundred).Round(0).IntPart(), nil
}

// fromMajorFloat converts a float major-unit amount to minor units.
func fromMajorFloat(f float64) int64 {
	return decimal.NewFromFloat(f).Mul(hundred).Round(0).IntPart()
}
