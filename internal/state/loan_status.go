package state

import (
	"fmt"
	"math/big"
)

// LoanStatus is the health of one reference loan as seen by one pool
type LoanStatus int32

const (
	LoanStatusNotSupported LoanStatus = iota
	LoanStatusActive
	LoanStatusLateWithinGracePeriod
	LoanStatusLate
	LoanStatusDefaulted
	LoanStatusExpired
)

func (s LoanStatus) String() string {
	switch s {
	case LoanStatusNotSupported:
		return "NotSupported"
	case LoanStatusActive:
		return "Active"
	case LoanStatusLateWithinGracePeriod:
		return "LateWithinGracePeriod"
	case LoanStatusLate:
		return "Late"
	case LoanStatusDefaulted:
		return "Defaulted"
	case LoanStatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

func (s LoanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LoanStatus) UnmarshalText(text []byte) error {
	for status := LoanStatusNotSupported; status <= LoanStatusExpired; status++ {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown loan status %q", text)
}

// IsTerminal reports statuses with no further transitions
func (s LoanStatus) IsTerminal() bool {
	return s == LoanStatusDefaulted || s == LoanStatusExpired
}

// LockedCapital is capital set aside for one late loan, apportioned to sellers by
// their share balances at SnapshotID once unlocked.
type LockedCapital struct {
	SnapshotID uint64   `json:"snapshot_id"`
	Amount     *big.Int `json:"amount"`
	Locked     bool     `json:"locked"`
}

// LoanState is the default-state manager's record of one loan in one pool.
type LoanState struct {
	Status         LoanStatus
	LateTimestamp  int64
	LockedCapitals []*LockedCapital
}

// ActiveLock returns the record still holding capital, if any. At most one exists.
func (l *LoanState) ActiveLock() *LockedCapital {
	for i := len(l.LockedCapitals) - 1; i >= 0; i-- {
		if l.LockedCapitals[i].Locked {
			return l.LockedCapitals[i]
		}
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (l *LoanState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32+len(l.LockedCapitals)*48)
	buf = append(buf, byte(l.Status))
	buf = appendInt64LE(buf, l.LateTimestamp)
	for _, lc := range l.LockedCapitals {
		buf = appendUint64LE(buf, lc.SnapshotID)
		buf = appendBigInt(buf, lc.Amount)
		buf = append(buf, boolByte(lc.Locked))
	}
	return buf
}
