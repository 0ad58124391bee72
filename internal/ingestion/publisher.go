package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"BidLedger/internal/core"
	"BidLedger/internal/event"
	"BidLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher is the subset of jetstream.JetStream the OutboundPublisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Subjects follow auction.events.{type}.{auction_id}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.Output
	metrics   *observability.Metrics
}

// PublishableEvent is the wire form of one committed event.
type PublishableEvent struct {
	AuctionID      string      `json:"auction_id"`
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Payload        event.Event `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.Output, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run publishes until ctx is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read the event log directly.
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				logger.Warn().Err(err).
					Str("auction_id", out.Envelope.AuctionID.String()).
					Int64("seq", out.Envelope.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	subject, data, err := Encode(out)
	if err != nil {
		return err
	}
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(out.Envelope.IdempotencyKey))
	return err
}

// Encode returns the subject and body for a committed event. The payload is
// the public copy of the event.
func Encode(out core.Output) (string, []byte, error) {
	env := out.Envelope
	data, err := json.Marshal(PublishableEvent{
		AuctionID:      env.AuctionID.String(),
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        event.Public(out.Event),
		StateHash:      env.StateHash[:],
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return fmt.Sprintf("auction.events.%s.%s", env.EventType.Subject(), env.AuctionID), data, nil
}
