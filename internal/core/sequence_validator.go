package core

import (
	"errors"
	"fmt"
	"maps"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order command")
)

// SequenceValidator enforces contiguous source sequences per partition. A
// partition is "global" for loan and assessment commands or "pool:<address>"
// for pool commands, prefixed with the header source when one is set. A new
// partition starts at sequence 0. Owned by the core goroutine.
type SequenceValidator struct {
	next map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{next: make(map[string]int64)}
}

// ValidateSequence accepts seq when it is the partition's next sequence and
// advances the partition. A resend of an earlier sequence passes only when the
// command is a known duplicate; anything ahead of the next sequence is a gap.
func (sv *SequenceValidator) ValidateSequence(partition string, seq int64, idempotencyKey string, isDuplicate bool) error {
	want := sv.next[partition]
	switch {
	case seq == want:
		sv.next[partition] = want + 1
		return nil
	case seq > want:
		return fmt.Errorf("%w: partition=%s expected=%d got=%d", ErrSequenceGap, partition, want, seq)
	case isDuplicate:
		return nil
	default:
		return fmt.Errorf("%w: partition=%s key=%s expected=%d got=%d",
			ErrOutOfOrder, partition, idempotencyKey, want, seq)
	}
}

func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.next[partition]
}

// Partitions copies every partition's next expected sequence
func (sv *SequenceValidator) Partitions() map[string]int64 {
	return maps.Clone(sv.next)
}
