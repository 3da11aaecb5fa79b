package ingestion

import (
	"context"
	"errors"
	"time"

	"ProtectionLedger/internal/core"

	"github.com/rs/zerolog"
)

// gapRetryDelay is how long a command that arrived ahead of its predecessor
// waits before redelivery
const gapRetryDelay = 2 * time.Second

// Router parses raw messages, submits them to the core and settles each
// message according to the outcome.
type Router struct {
	in     <-chan RawEvent
	submit chan<- core.Submission
	logger zerolog.Logger
}

func NewRouter(in <-chan RawEvent, submit chan<- core.Submission, logger zerolog.Logger) *Router {
	return &Router{
		in:     in,
		submit: submit,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Run routes messages one at a time until ctx is cancelled or in is closed
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.in:
			if !ok {
				return nil
			}
			r.route(ctx, raw)
		}
	}
}

func (r *Router) route(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		settle(raw.TermFunc)
		return
	}

	reply, err := Submit(ctx, r.submit, core.Submission{Event: evt, Received: raw.Timestamp})
	if err != nil {
		// shutting down; JetStream redelivers after AckWait
		return
	}

	switch {
	case reply.Err == nil,
		errors.Is(reply.Err, core.ErrCommandRejected),
		errors.Is(reply.Err, core.ErrDuplicateCommand):
		settle(raw.AckFunc)
	case errors.Is(reply.Err, core.ErrSequenceGap):
		r.logger.Debug().Err(reply.Err).Str("key", evt.IdempotencyKey()).Msg("sequence gap, redelivering later")
		if raw.NakFunc != nil {
			raw.NakFunc(gapRetryDelay)
		}
	default:
		r.logger.Warn().Err(reply.Err).Str("key", evt.IdempotencyKey()).Msg("command cannot be applied")
		settle(raw.TermFunc)
	}
}

// Submit hands a command to the core goroutine and waits for its reply
func Submit(ctx context.Context, submit chan<- core.Submission, sub core.Submission) (core.Reply, error) {
	replyCh := make(chan core.Reply, 1)
	sub.Reply = replyCh
	if sub.Received.IsZero() {
		sub.Received = time.Now()
	}

	select {
	case submit <- sub:
	case <-ctx.Done():
		return core.Reply{}, ctx.Err()
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return core.Reply{}, ctx.Err()
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}
