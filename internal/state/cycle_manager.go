package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrPoolAlreadyRegistered = errors.New("cycle manager: pool already registered")
	ErrPoolNotRegistered     = errors.New("cycle manager: pool not registered")
	ErrInvalidCycleParams    = errors.New("cycle manager: open cycle duration exceeds cycle duration")
)

// CycleState is the phase of a pool's current cycle
type CycleState int32

const (
	CycleStateNone CycleState = iota
	CycleStateOpen
	CycleStateLocked
)

func (s CycleState) String() string {
	switch s {
	case CycleStateNone:
		return "None"
	case CycleStateOpen:
		return "Open"
	case CycleStateLocked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// CycleParams are fixed at registration (seconds)
type CycleParams struct {
	OpenCycleDuration int64 `toml:"open_cycle_duration" json:"open_cycle_duration"`
	CycleDuration     int64 `toml:"cycle_duration" json:"cycle_duration"`
}

func (p CycleParams) Validate() error {
	if p.OpenCycleDuration <= 0 || p.CycleDuration <= 0 {
		return fmt.Errorf("%w: durations must be positive (open=%d, cycle=%d)",
			ErrInvalidCycleParams, p.OpenCycleDuration, p.CycleDuration)
	}
	if p.OpenCycleDuration > p.CycleDuration {
		return fmt.Errorf("%w: open=%d, cycle=%d", ErrInvalidCycleParams, p.OpenCycleDuration, p.CycleDuration)
	}
	return nil
}

// PoolCycle tracks one pool's cycle
type PoolCycle struct {
	Params                CycleParams
	CurrentCycleIndex     int64
	CurrentCycleStartTime int64
	CurrentCycleState     CycleState
}

// CanonicalBytes returns deterministic serialization for hashing
func (c *PoolCycle) CanonicalBytes() []byte {
	buf := make([]byte, 0, 40)
	buf = appendInt64LE(buf, c.Params.OpenCycleDuration)
	buf = appendInt64LE(buf, c.Params.CycleDuration)
	buf = appendInt64LE(buf, c.CurrentCycleIndex)
	buf = appendInt64LE(buf, c.CurrentCycleStartTime)
	buf = append(buf, byte(c.CurrentCycleState))
	return buf
}

// PoolCycleManager drives every registered pool's Open/Locked cycle. Transitions are
// evaluated lazily by CalculateAndSetPoolCycleState; there is no timer.
type PoolCycleManager struct {
	cycles map[common.Address]*PoolCycle
}

func NewPoolCycleManager() *PoolCycleManager {
	return &PoolCycleManager{
		cycles: make(map[common.Address]*PoolCycle),
	}
}

// RegisterPool starts cycle 0 in the Open state at now. Allowed exactly once per pool.
func (m *PoolCycleManager) RegisterPool(pool common.Address, params CycleParams, now int64) error {
	if _, ok := m.cycles[pool]; ok {
		return fmt.Errorf("%w: %s", ErrPoolAlreadyRegistered, pool.Hex())
	}
	if err := params.Validate(); err != nil {
		return err
	}

	m.cycles[pool] = &PoolCycle{
		Params:                params,
		CurrentCycleIndex:     0,
		CurrentCycleStartTime: now,
		CurrentCycleState:     CycleStateOpen,
	}
	return nil
}

// CalculateAndSetPoolCycleState applies every transition due at now and returns the
// resulting state. Unregistered pools report None.
func (m *PoolCycleManager) CalculateAndSetPoolCycleState(pool common.Address, now int64) CycleState {
	cycle, ok := m.cycles[pool]
	if !ok {
		return CycleStateNone
	}

	if cycle.CurrentCycleState == CycleStateOpen &&
		now-cycle.CurrentCycleStartTime > cycle.Params.OpenCycleDuration {
		cycle.CurrentCycleState = CycleStateLocked
	}

	// a large clock jump can close the open window and the whole cycle at once
	if cycle.CurrentCycleState == CycleStateLocked &&
		now-cycle.CurrentCycleStartTime > cycle.Params.CycleDuration {
		cycle.CurrentCycleIndex++
		cycle.CurrentCycleStartTime = now
		cycle.CurrentCycleState = CycleStateOpen
	}

	return cycle.CurrentCycleState
}

func (m *PoolCycleManager) GetCurrentCycleState(pool common.Address) CycleState {
	if cycle, ok := m.cycles[pool]; ok {
		return cycle.CurrentCycleState
	}
	return CycleStateNone
}

func (m *PoolCycleManager) GetCurrentCycleIndex(pool common.Address) int64 {
	if cycle, ok := m.cycles[pool]; ok {
		return cycle.CurrentCycleIndex
	}
	return 0
}

// GetCurrentPoolCycle returns a copy of the pool's cycle.
func (m *PoolCycleManager) GetCurrentPoolCycle(pool common.Address) (PoolCycle, bool) {
	cycle, ok := m.cycles[pool]
	if !ok {
		return PoolCycle{}, false
	}
	return *cycle, true
}

// GetNextCycleEndTimestamp bounds protection expiry: no protection outlives the
// cycle after the current one.
func (m *PoolCycleManager) GetNextCycleEndTimestamp(pool common.Address) (int64, error) {
	cycle, ok := m.cycles[pool]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPoolNotRegistered, pool.Hex())
	}
	return cycle.CurrentCycleStartTime + 2*cycle.Params.CycleDuration, nil
}

// Pools returns registered pools in address order
func (m *PoolCycleManager) Pools() []common.Address {
	pools := make([]common.Address, 0, len(m.cycles))
	for addr := range m.cycles {
		pools = append(pools, addr)
	}
	sort.Slice(pools, func(i, j int) bool {
		return bytes.Compare(pools[i][:], pools[j][:]) < 0
	})
	return pools
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
