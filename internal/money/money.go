package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places kept for every monetary amount.
const Precision int32 = 2

// Zero is the zero amount.
var Zero = decimal.Zero

// Round rounds an amount to Precision, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

// Parse reads a decimal string and rounds it to Precision.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Round(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromCents builds an amount from an integer number of cents.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -Precision)
}

// Cents returns the amount as an integer number of cents.
func Cents(d decimal.Decimal) int64 {
	return Round(d).Shift(Precision).IntPart()
}

// Positive reports whether d > 0.
func Positive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// MeetsFloor reports whether amount >= floor after rounding both to Precision.
func MeetsFloor(amount, floor decimal.Decimal) bool {
	return Round(amount).GreaterThanOrEqual(Round(floor))
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThanOrEqual(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

// Nullable wraps an optional amount. A nil pointer yields an invalid NullDecimal.
func Nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(Round(*d))
}
