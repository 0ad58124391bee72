package ingestion

import (
	"context"
	"fmt"
	"time"

	"BidLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var logger = observability.NewLogger("ingestion")

const (
	CommandStream = "AUCTION_COMMANDS"
	EventStream   = "AUCTION_EVENTS"

	streamMaxAge    = 72 * time.Hour
	consumerAckWait = 30 * time.Second
	maxDeliveries   = 5
)

// RawCommand is an undecoded command from NATS. The processor acks it only
// after the engine has answered.
type RawCommand struct {
	Subject   string
	Kind      CommandKind
	Data      []byte
	Timestamp time.Time
	Attempt   uint64 // broker delivery count, from 1
	AckFunc   func() // answered, accepted or rejected
	NakFunc   func() // redeliver
	TermFunc  func() // malformed, never redeliver
}

// SubjectConfig binds a durable consumer on a subject filter to a command kind.
type SubjectConfig struct {
	Subject      string
	Kind         CommandKind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the command subjects. The last subject token is
// the auction id.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "auction.cmd.bid.>", Kind: KindBid, ConsumerName: "bidledger-bids", StreamName: CommandStream},
		{Subject: "auction.cmd.autobid.>", Kind: KindAutoBid, ConsumerName: "bidledger-autobids", StreamName: CommandStream},
	}
}

// Streams is the JetStream layout BidLedger reads from and writes to.
func Streams() []jetstream.StreamConfig {
	layout := map[string]string{
		CommandStream: "auction.cmd.>",
		EventStream:   "auction.events.>",
	}
	out := make([]jetstream.StreamConfig, 0, len(layout))
	for _, name := range []string{CommandStream, EventStream} {
		out = append(out, jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{layout[name]},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		})
	}
	return out
}

// EnsureStreams creates or updates every stream in Streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	for _, sc := range Streams() {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
		logger.Info().Str("stream", sc.Name).Strs("subjects", sc.Subjects).Msg("stream ready")
	}
	return nil
}

// NATSSubscriber pushes JetStream command deliveries into out.
type NATSSubscriber struct {
	js       jetstream.JetStream
	out      chan<- RawCommand
	sessions []jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{js: js, out: out}
}

// Subscribe binds one durable, explicitly acked consumer per subject.
// Deliveries still queued when ctx ends are nak'ed for redelivery.
func (s *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, sc := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, sc.StreamName, jetstream.ConsumerConfig{
			Durable:       sc.ConsumerName,
			FilterSubject: sc.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       consumerAckWait,
			MaxDeliver:    maxDeliveries,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("consumer %s: %w", sc.ConsumerName, err)
		}

		kind := sc.Kind
		session, err := consumer.Consume(func(msg jetstream.Msg) {
			select {
			case s.out <- toRaw(msg, kind):
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", sc.ConsumerName, err)
		}
		s.sessions = append(s.sessions, session)
		logger.Info().Str("subject", sc.Subject).Str("consumer", sc.ConsumerName).Msg("subscribed")
	}
	return nil
}

func toRaw(msg jetstream.Msg, kind CommandKind) RawCommand {
	raw := RawCommand{
		Subject:   msg.Subject(),
		Kind:      kind,
		Data:      msg.Data(),
		Timestamp: time.Now(),
		Attempt:   1,
		AckFunc:   func() { _ = msg.Ack() },
		NakFunc:   func() { _ = msg.Nak() },
		TermFunc:  func() { _ = msg.Term() },
	}
	if md, err := msg.Metadata(); err == nil {
		raw.Attempt = md.NumDelivered
		raw.Timestamp = md.Timestamp
	}
	return raw
}

// Stop ends every consume session. Unacked deliveries are redelivered
// after the ack wait.
func (s *NATSSubscriber) Stop() {
	for _, session := range s.sessions {
		session.Stop()
	}
	s.sessions = nil
	logger.Info().Msg("command consumers stopped")
}

// ConnectNATS dials url with unlimited reconnects and opens JetStream.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("bidledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
