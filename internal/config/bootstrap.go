package config

import (
	"errors"
	"fmt"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/event"

	"github.com/rs/zerolog"
)

var ErrBootstrapRejected = errors.New("config: bootstrap command rejected")

// sequencer is the slice of the core bootstrap drives. The core goroutine must
// not be running: Bootstrap calls ProcessEvent directly.
type sequencer interface {
	Applied(evt event.Event) bool
	ProcessEvent(evt event.Event) (*core.CoreOutput, error)
	SequenceValidator() *core.SequenceValidator
}

// BootstrapResult counts what one bootstrap pass did
type BootstrapResult struct {
	Applied int
	Skipped int
}

// Bootstrap applies cmds that the ledger has not seen yet. Commands already in
// the event log are skipped, so running it on every start is safe. Each new
// command takes the next sequence of its bootstrap partition.
func Bootstrap(c sequencer, cmds []event.Event, logger zerolog.Logger) (BootstrapResult, error) {
	var res BootstrapResult
	logger = logger.With().Str("component", "bootstrap").Logger()

	for _, cmd := range cmds {
		if c.Applied(cmd) {
			res.Skipped++
			continue
		}
		partition := core.PartitionOf(cmd)
		setSequence(cmd, c.SequenceValidator().GetExpectedSequence(partition))

		output, err := c.ProcessEvent(cmd)
		switch {
		case err == nil:
			res.Applied++
			logger.Info().
				Str("type", cmd.EventType().String()).
				Str("partition", partition).
				Int64("sequence", output.Envelope.Sequence).
				Msg("bootstrap command applied")
		case errors.Is(err, core.ErrDuplicateCommand):
			res.Skipped++
		case errors.Is(err, core.ErrCommandRejected):
			return res, fmt.Errorf("%w: %s %s: %w", ErrBootstrapRejected, cmd.EventType(), cmd.IdempotencyKey(), err)
		default:
			return res, fmt.Errorf("bootstrap %s: %w", cmd.EventType(), err)
		}
	}
	return res, nil
}

func setSequence(cmd event.Event, seq int64) {
	switch c := cmd.(type) {
	case *event.LoanUpdate:
		c.Sequence = seq
	case *event.RegisterPool:
		c.Sequence = seq
	}
}
