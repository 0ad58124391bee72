package ledger_test

import (
	"testing"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/ledger"
	"BidLedger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func mustBid(auctionID, bidderID uuid.UUID, amount string, status auction.BidStatus) *auction.Bid {
	return &auction.Bid{
		ID:        uuid.New(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    money.MustParse(amount),
		Status:    status,
		PlacedAt:  time.Unix(1_700_000_000, 0),
	}
}

// ============================================================================
// Test: ChainHasher
// ============================================================================

func TestChainHasher_GenesisIsPerAuction(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	if ledger.Genesis(a) == ledger.Genesis(b) {
		t.Fatal("different auctions must have different genesis hashes")
	}
	if ledger.NewChainHasher(a).Tip() != ledger.Genesis(a) {
		t.Fatal("new chain should start at genesis")
	}
}

func TestChainHasher_Deterministic(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	h1 := ledger.NewChainHasher(id)
	h2 := ledger.NewChainHasher(id)

	for seq := int64(1); seq <= 5; seq++ {
		d := ledger.Digest(map[string]int64{"seq": seq})
		if h1.ComputeHash(seq, d) != h2.ComputeHash(seq, d) {
			t.Fatalf("hash diverged at seq %d", seq)
		}
	}
}

func TestChainHasher_RestoreContinuesChain(t *testing.T) {
	id := uuid.New()
	h := ledger.NewChainHasher(id)
	h.ComputeHash(1, []byte("a"))
	tip := h.Tip()
	want := h.ComputeHash(2, []byte("b"))

	restored := ledger.RestoreChainHasher(tip)
	if got := restored.ComputeHash(2, []byte("b")); got != want {
		t.Errorf("restored chain hash %x, want %x", got, want)
	}
	if ledger.ChainLink(tip, 2, []byte("b")) != want {
		t.Error("ChainLink should match ComputeHash")
	}
}

// ============================================================================
// Test: BidLedger
// ============================================================================

func TestBidLedger_AppendAssignsSequence(t *testing.T) {
	auctionID := uuid.New()
	l := ledger.NewBidLedger(auctionID)

	b1 := mustBid(auctionID, uuid.New(), "110", auction.BidOutbid)
	b2 := mustBid(auctionID, uuid.New(), "120", auction.BidWinning)
	if err := l.Append(b1); err != nil {
		t.Fatalf("append b1: %v", err)
	}
	if err := l.Append(b2); err != nil {
		t.Fatalf("append b2: %v", err)
	}

	if b1.Sequence != 1 || b2.Sequence != 2 {
		t.Errorf("sequences = %d,%d, want 1,2", b1.Sequence, b2.Sequence)
	}
	if l.Leader() != b2 {
		t.Error("leader should be the winning bid")
	}
	if !l.LeadingAmount().Equal(decimal.NewFromInt(120)) {
		t.Errorf("leading amount = %s, want 120", l.LeadingAmount())
	}
	if !l.HasBidFrom(b1.BidderID) {
		t.Error("HasBidFrom should find b1's bidder")
	}
}

func TestBidLedger_RejectsForeignAndDuplicate(t *testing.T) {
	auctionID := uuid.New()
	l := ledger.NewBidLedger(auctionID)

	if err := l.Append(mustBid(uuid.New(), uuid.New(), "110", auction.BidActive)); err == nil {
		t.Error("expected error for bid of another auction")
	}

	b := mustBid(auctionID, uuid.New(), "110", auction.BidActive)
	if err := l.Append(b); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(b); err == nil {
		t.Error("expected error for duplicate bid")
	}
}

func TestBidLedger_HighestPrefersEarliestOnTie(t *testing.T) {
	auctionID := uuid.New()
	l := ledger.NewBidLedger(auctionID)
	first := mustBid(auctionID, uuid.New(), "300", auction.BidActive)
	second := mustBid(auctionID, uuid.New(), "300", auction.BidActive)
	low := mustBid(auctionID, uuid.New(), "250", auction.BidActive)
	for _, b := range []*auction.Bid{low, first, second} {
		if err := l.Append(b); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if l.Highest() != first {
		t.Error("tie should go to the earliest bid")
	}
}

func TestRestoreBidLedger_ChecksSequence(t *testing.T) {
	auctionID := uuid.New()
	b := mustBid(auctionID, uuid.New(), "110", auction.BidWinning)
	b.Sequence = 2
	if _, err := ledger.RestoreBidLedger(auctionID, []*auction.Bid{b}); err == nil {
		t.Error("expected error for sequence gap")
	}
	b.Sequence = 1
	l, err := ledger.RestoreBidLedger(auctionID, []*auction.Bid{b})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if l.Len() != 1 || l.Leader() != b {
		t.Error("restored ledger should contain the leader")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestValidator_DetectsTwoWinningBids(t *testing.T) {
	auctionID := uuid.New()
	bids := []*auction.Bid{
		mustBid(auctionID, uuid.New(), "110", auction.BidWinning),
		mustBid(auctionID, uuid.New(), "120", auction.BidWinning),
	}
	if err := ledger.NewInvariantValidator().ValidateSingleWinning(bids); err == nil {
		t.Error("expected single-winning violation")
	}
}

func TestValidator_DetectsTwoHeldEscrows(t *testing.T) {
	escrows := []*auction.Escrow{
		{ID: uuid.New(), Status: auction.EscrowHeld},
		{ID: uuid.New(), Status: auction.EscrowHeld},
		{ID: uuid.New(), Status: auction.EscrowRefunded},
	}
	if err := ledger.NewInvariantValidator().ValidateSingleHeld(escrows); err == nil {
		t.Error("expected single-held violation")
	}
}

func TestValidator_Increments(t *testing.T) {
	auctionID := uuid.New()
	l := &auction.Listing{
		ID:           auctionID,
		Type:         auction.TypeEnglish,
		BidIncrement: money.MustParse("10"),
		CurrentPrice: money.MustParse("150"),
	}
	ok := []*auction.Bid{
		mustBid(auctionID, uuid.New(), "110", auction.BidOutbid),
		mustBid(auctionID, uuid.New(), "140", auction.BidOutbid),
		mustBid(auctionID, uuid.New(), "150", auction.BidWinning),
	}
	v := ledger.NewInvariantValidator()
	if err := v.ValidateIncrements(l, ok); err != nil {
		t.Errorf("unexpected increment violation: %v", err)
	}

	bad := append(ok, mustBid(auctionID, uuid.New(), "155", auction.BidWinning))
	if err := v.ValidateIncrements(l, bad); err == nil {
		t.Error("expected increment violation for 155 after 150")
	}
}

func TestValidator_HeldMustBackLeader(t *testing.T) {
	auctionID := uuid.New()
	leader := mustBid(auctionID, uuid.New(), "150", auction.BidWinning)
	other := mustBid(auctionID, uuid.New(), "140", auction.BidOutbid)
	bids := []*auction.Bid{other, leader}

	v := ledger.NewInvariantValidator()
	good := []*auction.Escrow{{ID: uuid.New(), BidID: leader.ID, Amount: leader.Amount, Status: auction.EscrowHeld}}
	if err := v.ValidateHeldBacksLeader(bids, good); err != nil {
		t.Errorf("unexpected violation: %v", err)
	}

	stale := []*auction.Escrow{{ID: uuid.New(), BidID: other.ID, Amount: other.Amount, Status: auction.EscrowHeld}}
	if err := v.ValidateHeldBacksLeader(bids, stale); err == nil {
		t.Error("expected violation for escrow backing an outbid bid")
	}
}

func TestValidator_RuleCeilings(t *testing.T) {
	auctionID := uuid.New()
	b := mustBid(auctionID, uuid.New(), "160", auction.BidWinning)
	b.IsAutoBid = true
	b.MaxAutoBid = decimal.NewNullDecimal(money.MustParse("150"))
	if err := ledger.NewInvariantValidator().ValidateRuleCeilings([]*auction.Bid{b}, nil); err == nil {
		t.Error("expected ceiling violation")
	}
}
