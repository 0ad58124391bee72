package core

import (
	"time"

	"BidLedger/internal/auction"
)

// ApplyAntiSnipe extends ends_at once per admitted bid event: when the bid
// lands within extend_minutes of the close, the close moves to now +
// extend_minutes. ends_at never moves backwards.
func ApplyAntiSnipe(l *auction.Listing, now time.Time) bool {
	if !l.AutoExtend || l.ExtendMinutes <= 0 {
		return false
	}
	window := l.ExtendWindow()
	if l.EndsAt.Sub(now) > window {
		return false
	}
	return l.ExtendTo(now.Add(window))
}
