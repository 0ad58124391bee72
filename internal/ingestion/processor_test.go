package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/event"
	"BidLedger/internal/ingestion"
	"BidLedger/internal/money"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
)

type fakeEngine struct {
	mu      sync.Mutex
	bids    []core.PlaceBidRequest
	bidRes  core.BidResult
	bidErr  error
	ruleErr error
}

func (f *fakeEngine) PlaceBid(_ context.Context, req core.PlaceBidRequest) (core.BidResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bids = append(f.bids, req)
	return f.bidRes, f.bidErr
}

func (f *fakeEngine) RegisterAutoBid(_ context.Context, _ core.AutoBidRequest) (uuid.UUID, error) {
	if f.ruleErr != nil {
		return uuid.Nil, f.ruleErr
	}
	return uuid.New(), nil
}

// acks records which broker callback a command ended with.
type acks struct {
	mu  sync.Mutex
	got []string
}

func (a *acks) wire(raw ingestion.RawCommand) ingestion.RawCommand {
	rec := func(s string) func() {
		return func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.got = append(a.got, s)
		}
	}
	raw.AckFunc, raw.NakFunc, raw.TermFunc = rec("ack"), rec("nak"), rec("term")
	return raw
}

func bidCommand(t *testing.T) ingestion.RawCommand {
	return rawFromJSON(t, "auction.cmd.bid."+auctionID, ingestion.KindBid, map[string]interface{}{
		"bidder_id":  bidderID,
		"amount":     "120",
		"request_id": "r-1",
	})
}

func TestProcessor_AckNakTerm(t *testing.T) {
	tests := []struct {
		name    string
		engine  *fakeEngine
		raw     func(t *testing.T) ingestion.RawCommand
		outcome ingestion.Outcome
		ack     string
	}{
		{
			name:    "accepted bid is acked",
			engine:  &fakeEngine{bidRes: core.BidResult{Accepted: true, BidID: uuid.New()}},
			raw:     bidCommand,
			outcome: ingestion.OutcomeAccepted,
			ack:     "ack",
		},
		{
			name:    "rejected bid is acked",
			engine:  &fakeEngine{bidRes: core.BidResult{Reason: "BidTooLow"}},
			raw:     bidCommand,
			outcome: ingestion.OutcomeRejected,
			ack:     "ack",
		},
		{
			name:    "escrow failure is a rejection",
			engine:  &fakeEngine{bidRes: core.BidResult{Reason: "EscrowUnavailable"}, bidErr: auction.ErrEscrowUnavailable},
			raw:     bidCommand,
			outcome: ingestion.OutcomeRejected,
			ack:     "ack",
		},
		{
			name:    "infrastructure failure is redelivered",
			engine:  &fakeEngine{bidErr: errors.New("store unavailable")},
			raw:     bidCommand,
			outcome: ingestion.OutcomeRetry,
			ack:     "nak",
		},
		{
			name:   "malformed command is terminated",
			engine: &fakeEngine{},
			raw: func(t *testing.T) ingestion.RawCommand {
				return ingestion.RawCommand{Subject: "auction.cmd.bid." + auctionID, Kind: ingestion.KindBid, Data: []byte("{")}
			},
			outcome: ingestion.OutcomeMalformed,
			ack:     "term",
		},
		{
			name:   "auto-bid over ceiling is acked",
			engine: &fakeEngine{ruleErr: fmt.Errorf("register: %w", auction.ErrRuleCeilingExceeded)},
			raw: func(t *testing.T) ingestion.RawCommand {
				return rawFromJSON(t, "auction.cmd.autobid."+auctionID, ingestion.KindAutoBid,
					map[string]interface{}{"bidder_id": bidderID, "max_amount": "50"})
			},
			outcome: ingestion.OutcomeRejected,
			ack:     "ack",
		},
		{
			name:   "auto-bid timeout is redelivered",
			engine: &fakeEngine{ruleErr: context.DeadlineExceeded},
			raw: func(t *testing.T) ingestion.RawCommand {
				return rawFromJSON(t, "auction.cmd.autobid."+auctionID, ingestion.KindAutoBid,
					map[string]interface{}{"bidder_id": bidderID, "max_amount": "500"})
			},
			outcome: ingestion.OutcomeRetry,
			ack:     "nak",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &acks{}
			p := ingestion.NewCommandProcessor(tt.engine, nil, 1, nil)
			got := p.Handle(context.Background(), a.wire(tt.raw(t)))
			if got != tt.outcome {
				t.Errorf("outcome: got %s, want %s", got, tt.outcome)
			}
			if len(a.got) != 1 || a.got[0] != tt.ack {
				t.Errorf("broker callbacks: got %v, want [%s]", a.got, tt.ack)
			}
		})
	}
}

func TestProcessor_RunDrainsInput(t *testing.T) {
	engine := &fakeEngine{bidRes: core.BidResult{Accepted: true}}
	input := make(chan ingestion.RawCommand, 8)
	a := &acks{}
	for i := 0; i < 8; i++ {
		input <- a.wire(bidCommand(t))
	}
	close(input)

	p := ingestion.NewCommandProcessor(engine, input, 3, nil)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop after input closed")
	}

	if len(engine.bids) != 8 {
		t.Errorf("engine calls: got %d, want 8", len(engine.bids))
	}
	if len(a.got) != 8 {
		t.Errorf("acks: got %d, want 8", len(a.got))
	}
}

type capture struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []capture
	err  error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, capture{subject: subject, data: data})
	return &jetstream.PubAck{Stream: ingestion.EventStream}, nil
}

func sealedBidOutput() core.Output {
	id := uuid.MustParse(auctionID)
	bidder := uuid.MustParse(bidderID)
	evt := &event.BidPlaced{
		AuctionID:     id,
		RequestID:     "r-9",
		Bids:          []auction.Bid{{ID: uuid.New(), AuctionID: id, BidderID: bidder, Amount: money.MustParse("250"), Status: auction.BidWinning}},
		LeaderID:      bidder,
		LeadingAmount: money.MustParse("250"),
		CurrentPrice:  money.MustParse("250"),
		TotalBids:     1,
		Sealed:        true,
	}
	return core.Output{
		Envelope: &event.Envelope{
			Sequence:       4,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			AuctionID:      id,
			Timestamp:      time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		},
		Event: evt,
	}
}

func TestEncode_SubjectAndRedaction(t *testing.T) {
	out := sealedBidOutput()
	subject, data, err := ingestion.Encode(out)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := "auction.events.bid." + auctionID; subject != want {
		t.Errorf("subject: got %s, want %s", subject, want)
	}

	var msg struct {
		EventType string `json:"event_type"`
		Sequence  int64  `json:"sequence"`
		Payload   struct {
			LeaderID      string          `json:"leader_id"`
			LeadingAmount decimal.Decimal `json:"leading_amount"`
			Bids          []auction.Bid   `json:"bids"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.EventType != "BidPlaced" || msg.Sequence != 4 {
		t.Errorf("envelope: got %s/%d", msg.EventType, msg.Sequence)
	}
	if msg.Payload.LeaderID != uuid.Nil.String() {
		t.Errorf("sealed leader leaked: %s", msg.Payload.LeaderID)
	}
	if !msg.Payload.LeadingAmount.IsZero() {
		t.Errorf("sealed leading amount leaked: %s", msg.Payload.LeadingAmount)
	}
	if len(msg.Payload.Bids) != 1 || !msg.Payload.Bids[0].Amount.IsZero() {
		t.Errorf("sealed bid amount leaked: %+v", msg.Payload.Bids)
	}

	// The engine's copy is untouched.
	if out.Event.(*event.BidPlaced).Bids[0].Amount.String() != "250" {
		t.Error("redaction mutated the committed event")
	}
}

func TestOutboundPublisher_Run(t *testing.T) {
	js := &fakeJetStream{}
	input := make(chan core.Output, 2)
	input <- sealedBidOutput()
	close(input)

	if err := ingestion.NewOutboundPublisher(js, input, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(js.msgs) != 1 {
		t.Fatalf("published: got %d, want 1", len(js.msgs))
	}
	if js.msgs[0].subject != "auction.events.bid."+auctionID {
		t.Errorf("subject: got %s", js.msgs[0].subject)
	}
}

func TestOutboundPublisher_ErrorsAreNotFatal(t *testing.T) {
	js := &fakeJetStream{err: errors.New("nats down")}
	input := make(chan core.Output, 1)
	input <- sealedBidOutput()
	close(input)

	if err := ingestion.NewOutboundPublisher(js, input, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}
