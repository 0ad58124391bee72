package core

import (
	"BidLedger/internal/auction"
	"BidLedger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProxyBid is a bid placed by an auto-bid rule.
type ProxyBid struct {
	Rule   *auction.AutoBidRule
	Amount decimal.Decimal
}

// Resolution is the outcome of one resolver run. Rules are not mutated;
// the caller applies Bids and Exhausted when the event commits.
type Resolution struct {
	Bids      []ProxyBid
	Exhausted []*auction.AutoBidRule
	BuyNow    bool
}

// ResolveAutoBids runs the proxy cascade against the current leader.
//
// Each round the strongest non-leading rule (highest ceiling, earliest
// registration on ties) challenges at the lowest price that beats every
// other rule, capped at its own ceiling. When the strongest other rule is
// not the leader it first places the bid one increment below, so the price
// history shows the rival being outbid. Every round strictly raises the
// price and the loop is bounded by 2*rules+1 rounds.
func ResolveAutoBids(l *auction.Listing, leaderID uuid.UUID, leading decimal.Decimal, rules []*auction.AutoBidRule) Resolution {
	var res Resolution
	inc := l.BidIncrement

	active := make(map[*auction.AutoBidRule]bool, len(rules))
	for _, r := range rules {
		if r.IsActive {
			active[r] = true
		}
	}
	exhaust := func(r *auction.AutoBidRule) {
		delete(active, r)
		res.Exhausted = append(res.Exhausted, r)
	}

	limit := 2*len(active) + 1
	for round := 0; round < limit; round++ {
		var candidates []*auction.AutoBidRule
		for _, r := range rules {
			if !active[r] || r.BidderID == leaderID {
				continue
			}
			if r.MaxAmount.GreaterThanOrEqual(leading.Add(ruleStep(l, r))) {
				candidates = append(candidates, r)
			} else {
				exhaust(r)
			}
		}
		if len(candidates) == 0 {
			break
		}

		challenger := strongest(candidates, nil)
		rival := strongest(activeRules(rules, active), challenger)

		step := ruleStep(l, challenger)
		target := leading.Add(step)
		if rival != nil {
			target = money.Max(target, rival.MaxAmount)
		}
		price := money.Min(challenger.MaxAmount, target)

		if rival != nil && rival.MaxAmount.Equal(challenger.MaxAmount) && rival.RegistrationSeq < challenger.RegistrationSeq {
			// The earlier rule keeps the tie; stop one increment short.
			price = rival.MaxAmount.Sub(inc)
			if price.LessThan(leading.Add(step)) {
				exhaust(challenger)
				continue
			}
		}

		if l.BuyNowPrice.Valid && price.GreaterThanOrEqual(l.BuyNowPrice.Decimal) {
			price = l.BuyNowPrice.Decimal
			res.BuyNow = true
		}

		if rival != nil && rival.BidderID != leaderID && !res.BuyNow {
			shadow := price.Sub(inc)
			if shadow.GreaterThanOrEqual(leading.Add(ruleStep(l, rival))) && shadow.LessThanOrEqual(rival.MaxAmount) {
				res.Bids = append(res.Bids, ProxyBid{Rule: rival, Amount: shadow})
				leaderID, leading = rival.BidderID, shadow
			}
		}

		res.Bids = append(res.Bids, ProxyBid{Rule: challenger, Amount: price})
		leaderID, leading = challenger.BidderID, price
		if res.BuyNow {
			break
		}
	}
	return res
}

// ruleStep is the larger of the listing increment and the rule's own.
func ruleStep(l *auction.Listing, r *auction.AutoBidRule) decimal.Decimal {
	if r.IncrementAmount.Valid {
		return money.Max(l.BidIncrement, r.IncrementAmount.Decimal)
	}
	return l.BidIncrement
}

// strongest returns the rule with the highest ceiling, earliest registration
// on ties, skipping rules owned by except's bidder.
func strongest(rules []*auction.AutoBidRule, except *auction.AutoBidRule) *auction.AutoBidRule {
	var best *auction.AutoBidRule
	for _, r := range rules {
		if except != nil && r.BidderID == except.BidderID {
			continue
		}
		if best == nil ||
			r.MaxAmount.GreaterThan(best.MaxAmount) ||
			(r.MaxAmount.Equal(best.MaxAmount) && r.RegistrationSeq < best.RegistrationSeq) {
			best = r
		}
	}
	return best
}

func activeRules(rules []*auction.AutoBidRule, active map[*auction.AutoBidRule]bool) []*auction.AutoBidRule {
	out := make([]*auction.AutoBidRule, 0, len(active))
	for _, r := range rules {
		if active[r] {
			out = append(out, r)
		}
	}
	return out
}
