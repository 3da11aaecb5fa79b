package persistence

import (
	"context"
	"errors"
	"fmt"

	"ProtectionLedger/internal/event"

	"github.com/rs/zerolog"
)

var ErrCheckpointAhead = errors.New("persistence: checkpoint is ahead of the event log")

// EventSource is the read side of the event log used by recovery
type EventSource interface {
	LatestCheckpoint(ctx context.Context) (*Checkpoint, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error)
}

// Replayer re-executes logged commands (core.ProtocolCore)
type Replayer interface {
	Replay(envelopes []*event.EventEnvelope) error
	VerifyCheckpoint(sequence int64, stateHash [32]byte) error
	GetSequence() int64
}

type RecoveryStats struct {
	Events             int
	LastSequence       int64
	CheckpointVerified bool
}

// Recover replays the event log into r page by page. When a checkpoint exists
// the replay stops at its sequence to compare hashes before carrying on.
func Recover(ctx context.Context, src EventSource, r Replayer, pageSize int, logger zerolog.Logger) (RecoveryStats, error) {
	var stats RecoveryStats
	if pageSize <= 0 {
		pageSize = 10_000
	}

	cp, err := src.LatestCheckpoint(ctx)
	if err != nil {
		return stats, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := src.LoadEventsFrom(ctx, r.GetSequence(), pageSize)
		if err != nil {
			return stats, fmt.Errorf("load events from %d: %w", r.GetSequence(), err)
		}
		if len(page) == 0 {
			break
		}

		if cp != nil && !stats.CheckpointVerified {
			split := len(page)
			for i, env := range page {
				if env.Sequence > cp.Sequence {
					split = i
					break
				}
			}
			if err := r.Replay(page[:split]); err != nil {
				return stats, err
			}
			stats.Events += split
			if r.GetSequence()-1 == cp.Sequence {
				if err := r.VerifyCheckpoint(cp.Sequence, cp.StateHash); err != nil {
					return stats, err
				}
				stats.CheckpointVerified = true
				logger.Info().Int64("sequence", cp.Sequence).Msg("checkpoint verified")
			}
			page = page[split:]
		}

		if err := r.Replay(page); err != nil {
			return stats, err
		}
		stats.Events += len(page)
	}

	if cp != nil && !stats.CheckpointVerified {
		return stats, fmt.Errorf("%w: checkpoint %d, log ends at %d", ErrCheckpointAhead, cp.Sequence, r.GetSequence()-1)
	}
	stats.LastSequence = r.GetSequence() - 1
	return stats, nil
}
