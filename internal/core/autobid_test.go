package core_test

import (
	"testing"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/money"
	"BidLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(seq int64, max string) *auction.AutoBidRule {
	return &auction.AutoBidRule{
		ID:              uuid.New(),
		BidderID:        uuid.New(),
		MaxAmount:       money.MustParse(max),
		IsActive:        true,
		RegistrationSeq: seq,
	}
}

func amounts(res core.Resolution) []string {
	out := make([]string, len(res.Bids))
	for i, b := range res.Bids {
		out[i] = b.Amount.StringFixed(2)
	}
	return out
}

func TestResolveAutoBids(t *testing.T) {
	manual := uuid.New()

	t.Run("single rule answers one increment above", func(t *testing.T) {
		l := testutil.NewListing()
		r := rule(1, "500")
		res := core.ResolveAutoBids(l, manual, money.MustParse("150"), []*auction.AutoBidRule{r})
		assert.Equal(t, []string{"160.00"}, amounts(res))
		assert.Empty(t, res.Exhausted)
	})

	t.Run("rule below next price is exhausted", func(t *testing.T) {
		l := testutil.NewListing()
		r := rule(1, "155")
		res := core.ResolveAutoBids(l, manual, money.MustParse("150"), []*auction.AutoBidRule{r})
		assert.Empty(t, res.Bids)
		require.Len(t, res.Exhausted, 1)
		assert.Same(t, r, res.Exhausted[0])
	})

	t.Run("two rules settle one increment over the weaker ceiling", func(t *testing.T) {
		l := testutil.NewListing()
		a, b := rule(1, "150"), rule(2, "200")
		res := core.ResolveAutoBids(l, manual, money.MustParse("110"), []*auction.AutoBidRule{a, b})
		assert.Equal(t, []string{"140.00", "150.00"}, amounts(res))
		assert.Same(t, a, res.Bids[0].Rule)
		assert.Same(t, b, res.Bids[1].Rule)
	})

	t.Run("equal ceilings keep the earlier rule on top", func(t *testing.T) {
		l := testutil.NewListing()
		a, b := rule(1, "200"), rule(2, "200")
		res := core.ResolveAutoBids(l, manual, money.MustParse("110"), []*auction.AutoBidRule{a, b})
		require.NotEmpty(t, res.Bids)
		last := res.Bids[len(res.Bids)-1]
		assert.Same(t, a, last.Rule)
		assert.Equal(t, "200.00", last.Amount.StringFixed(2))
	})

	t.Run("leader's own rule does not bid against itself", func(t *testing.T) {
		l := testutil.NewListing()
		r := rule(1, "500")
		res := core.ResolveAutoBids(l, r.BidderID, money.MustParse("150"), []*auction.AutoBidRule{r})
		assert.Empty(t, res.Bids)
	})

	t.Run("capped at buy-now", func(t *testing.T) {
		l := testutil.NewListing(testutil.WithBuyNow("300"))
		r := rule(1, "1000")
		res := core.ResolveAutoBids(l, manual, money.MustParse("295"), []*auction.AutoBidRule{r})
		assert.True(t, res.BuyNow)
		assert.Equal(t, []string{"300.00"}, amounts(res))
	})

	t.Run("rule increment overrides a smaller listing increment", func(t *testing.T) {
		l := testutil.NewListing()
		r := rule(1, "500")
		r.IncrementAmount = decimal.NewNullDecimal(money.MustParse("25"))
		res := core.ResolveAutoBids(l, manual, money.MustParse("150"), []*auction.AutoBidRule{r})
		assert.Equal(t, []string{"175.00"}, amounts(res))
	})

	t.Run("inactive rules are ignored", func(t *testing.T) {
		l := testutil.NewListing()
		r := rule(1, "500")
		r.IsActive = false
		res := core.ResolveAutoBids(l, manual, money.MustParse("150"), []*auction.AutoBidRule{r})
		assert.Empty(t, res.Bids)
		assert.Empty(t, res.Exhausted)
	})
}

func TestResolveAutoBids_PricesStrictlyRise(t *testing.T) {
	l := testutil.NewListing()
	rules := []*auction.AutoBidRule{rule(1, "310"), rule(2, "480"), rule(3, "470"), rule(4, "480"), rule(5, "120")}
	res := core.ResolveAutoBids(l, uuid.New(), money.MustParse("110"), rules)

	prev := money.MustParse("110")
	for _, b := range res.Bids {
		assert.True(t, b.Amount.GreaterThanOrEqual(prev.Add(l.BidIncrement)), "%s after %s", b.Amount, prev)
		assert.True(t, b.Amount.LessThanOrEqual(b.Rule.MaxAmount))
		prev = b.Amount
	}
	require.NotEmpty(t, res.Bids)
	assert.Equal(t, rules[1].BidderID, res.Bids[len(res.Bids)-1].Rule.BidderID)
}

func TestValidateBid_DutchAskFalls(t *testing.T) {
	l := testutil.NewListing(testutil.WithDutchDrop("50", 10*time.Minute))
	l.Status = auction.StatusActive

	v, err := core.ValidateBid(l, nil, uuid.New(), money.MustParse("500"), testutil.Epoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, v.Immediate)
	assert.Equal(t, "500.00", v.Price.StringFixed(2))

	_, err = core.ValidateBid(l, nil, uuid.New(), money.MustParse("420"), testutil.Epoch.Add(15*time.Minute))
	assert.ErrorIs(t, err, auction.ErrBidTooLow)

	v, err = core.ValidateBid(l, nil, uuid.New(), money.MustParse("999"), testutil.Epoch.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "450.00", v.Price.StringFixed(2))
}
