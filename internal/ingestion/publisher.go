package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamPublisher is the slice of jetstream.JetStream the publisher needs
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed core outputs for downstream consumers
// on protection.ledger.events.<type>. It only sees outputs the persistence
// worker has already committed.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan *core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// OutboundEvent is the published form of one sequenced command
type OutboundEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PoolID         *common.Address `json:"pool_id,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Rejected       bool            `json:"rejected"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	Command        json.RawMessage `json:"command"`
	Result         *core.Result    `json:"result,omitempty"`
	StateHash      string          `json:"state_hash"`
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan *core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run publishes until ctx is cancelled or the input closes. A failed publish
// is logged and counted; consumers can always read the event log directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.Publish(ctx, output); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// Publish sends one output. The sequence is the JetStream message id, so a
// republished output is dropped by the stream's duplicate window.
func (op *OutboundPublisher) Publish(ctx context.Context, output *core.CoreOutput) error {
	env := output.Envelope
	msg := OutboundEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		Timestamp:      env.Timestamp,
		Rejected:       env.Rejected,
		RejectReason:   env.RejectReason,
		Command:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
	}
	if !env.Rejected {
		msg.Result = output.Result
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, OutboundSubject(env.EventType), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}
