package money_test

import (
	"testing"

	"BidLedger/internal/money"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func TestParseRoundsToCents(t *testing.T) {
	d, err := money.Parse("10.005")
	assert.NoError(t, err)
	check.Equal(t, "10.01", d.StringFixed(money.Precision))

	d, err = money.Parse("99")
	assert.NoError(t, err)
	check.Equal(t, "99.00", d.StringFixed(money.Precision))

	_, err = money.Parse("ten")
	check.Error(t, err)
}

func TestCentsRoundTrip(t *testing.T) {
	check.Equal(t, int64(12345), money.Cents(money.FromCents(12345)))
	check.Equal(t, int64(150), money.Cents(money.MustParse("1.5")))
}

func TestMeetsFloor(t *testing.T) {
	cases := []struct {
		amount string
		floor  string
		want   bool
	}{
		{"110.00", "110", true},
		{"109.99", "110", false},
		{"110.001", "110", true},
		{"0", "0.01", false},
	}
	for _, tc := range cases {
		got := money.MeetsFloor(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.floor))
		check.Equal(t, tc.want, got)
	}
}

func TestMinMax(t *testing.T) {
	a := money.MustParse("150")
	b := money.MustParse("200")
	check.True(t, money.Max(a, b).Equal(b))
	check.True(t, money.Min(a, b).Equal(a))
	check.True(t, money.Positive(a))
	check.False(t, money.Positive(money.Zero))
}

func TestNullable(t *testing.T) {
	check.False(t, money.Nullable(nil).Valid)

	v := decimal.RequireFromString("120.456")
	n := money.Nullable(&v)
	check.True(t, n.Valid)
	check.Equal(t, "120.46", n.Decimal.StringFixed(money.Precision))
}
