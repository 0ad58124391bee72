package auction

import "errors"

// Rejection and failure sentinels. Callers match with errors.Is; wrapped
// context is added with fmt.Errorf("...: %w").
var (
	ErrInvalidState         = errors.New("invalid state")
	ErrBidTooLow            = errors.New("bid too low")
	ErrSelfOutbid           = errors.New("bidder already leads")
	ErrAuctionClosed        = errors.New("auction closed")
	ErrRuleCeilingExceeded  = errors.New("auto-bid ceiling exceeded")
	ErrSettlementAlreadyRun = errors.New("settlement already run")
	ErrAlreadyHasBids       = errors.New("auction already has bids")
	ErrSealedBidExists      = errors.New("sealed bid already placed")
	ErrAutoBidUnsupported   = errors.New("auto-bid not supported for auction type")
	ErrEscrowUnavailable    = errors.New("escrow hold unavailable")
	ErrSettlementTimeout    = errors.New("settlement timed out acquiring auction")
	ErrNotFound             = errors.New("auction not found")
	ErrInvalidListing       = errors.New("invalid listing")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidState, "InvalidState"},
	{ErrBidTooLow, "BidTooLow"},
	{ErrSelfOutbid, "SelfOutbid"},
	{ErrAuctionClosed, "AuctionClosed"},
	{ErrRuleCeilingExceeded, "RuleCeilingExceeded"},
	{ErrSettlementAlreadyRun, "SettlementAlreadyRun"},
	{ErrAlreadyHasBids, "AlreadyHasBids"},
	{ErrSealedBidExists, "SealedBidExists"},
	{ErrAutoBidUnsupported, "AutoBidUnsupported"},
	{ErrEscrowUnavailable, "EscrowUnavailable"},
	{ErrSettlementTimeout, "SettlementTimeout"},
	{ErrNotFound, "NotFound"},
	{ErrInvalidListing, "InvalidListing"},
}

// Code maps an error to its stable wire code. Unknown errors map to "Internal";
// nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

// IsRejection reports whether err is a validation outcome the caller should
// not retry.
func IsRejection(err error) bool {
	switch Code(err) {
	case "InvalidState", "BidTooLow", "SelfOutbid", "AuctionClosed",
		"RuleCeilingExceeded", "AlreadyHasBids", "SealedBidExists",
		"AutoBidUnsupported", "InvalidListing":
		return true
	}
	return false
}
