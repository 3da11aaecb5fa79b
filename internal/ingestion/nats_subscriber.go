package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes protection commands from JetStream and hands them to
// the router as RawEvents. One durable consumer covers every command subject
// so upstream ordering survives across command types.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumer  jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a NATS message not yet parsed into a typed command
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()                    // processed, rejected or duplicate
	NakFunc   func(delay time.Duration) // redeliver later (sequence gap)
	TermFunc  func()                    // never redeliver (malformed, out of order)
}

// SubscriberConfig tunes the durable consumer
type SubscriberConfig struct {
	Durable       string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Durable:       CommandConsumer,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates (or updates) the durable consumer and starts consuming.
// MaxAckPending of 1 keeps delivery in stream order.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	consumeContext, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc: func() {
				if err := msg.Ack(); err != nil {
					ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
				}
			},
			NakFunc: func(delay time.Duration) {
				if err := msg.NakWithDelay(delay); err != nil {
					ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("nak failed")
				}
			},
			TermFunc: func() {
				if err := msg.Term(); err != nil {
					ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("term failed")
				}
			},
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}

	ns.consumer = consumeContext
	ns.logger.Info().
		Str("stream", CommandStream).
		Str("consumer", cfg.Durable).
		Msg("subscribed to protection commands")
	return nil
}

// EnsureStreams creates the command and outbound event streams if missing
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       CommandStream,
			Subjects:   []string{CommandSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops the consumer. Messages in flight are redelivered after AckWait.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("protection-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
