// Package defaultstate tracks the health of every loan in every registered
// protection pool, locking pool capital when a loan goes late and releasing it
// to sellers when the loan recovers.
package defaultstate

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrUnauthorized          = errors.New("default state: caller not authorized")
	ErrPoolAlreadyRegistered = errors.New("default state: pool already registered")
	ErrPoolNotRegistered     = errors.New("default state: pool not registered")
	ErrLockStillActive       = errors.New("default state: loan already has locked capital")
)

// latePeriods is how many payment periods a late loan has to catch up before it
// is declared defaulted
const latePeriods = 2

// ProtectionPool is the pool surface the manager drives
type ProtectionPool interface {
	Address() common.Address
	Basket() lending.Basket
	LockCapital(caller, loan common.Address) (uint64, *big.Int, error)
	UnlockCapital(caller, loan common.Address, amount *big.Int) error
	BalanceOfAt(seller common.Address, snapshotID uint64) (*big.Int, error)
	TotalSupplyAt(snapshotID uint64) (*big.Int, error)
}

type claimKey struct {
	Loan   common.Address
	Seller common.Address
}

// poolState is the manager's record of one pool
type poolState struct {
	pool                  ProtectionPool
	loans                 map[common.Address]*state.LoanState
	lastClaimedSnapshot   map[claimKey]uint64
	lastAssessedTimestamp int64
}

func (ps *poolState) loan(addr common.Address) *state.LoanState {
	ls, ok := ps.loans[addr]
	if !ok {
		ls = &state.LoanState{Status: state.LoanStatusNotSupported}
		ps.loans[addr] = ls
	}
	return ls
}

// Transition is one loan status change applied by an assessment
type Transition struct {
	Pool           common.Address   `json:"pool"`
	Loan           common.Address   `json:"loan"`
	From           state.LoanStatus `json:"from"`
	To             state.LoanStatus `json:"to"`
	SnapshotID     uint64           `json:"snapshot_id,omitempty"`
	LockedAmount   *big.Int         `json:"locked_amount,omitempty"`
	UnlockedAmount *big.Int         `json:"unlocked_amount,omitempty"`
}

// Manager is the cross-pool default state coordinator. It alone owns loan status
// and locked capital records, and it alone may lock or unlock pool capital.
type Manager struct {
	address common.Address
	owner   common.Address
	clock   state.Clock
	logger  zerolog.Logger

	pools map[common.Address]*poolState
	order []common.Address // registration order
}

func New(address, owner common.Address, clock state.Clock, logger zerolog.Logger) *Manager {
	return &Manager{
		address: address,
		owner:   owner,
		clock:   clock,
		logger:  logger,
		pools:   make(map[common.Address]*poolState),
	}
}

// Address identifies the manager as a caller of pool capital operations
func (m *Manager) Address() common.Address { return m.address }

// RegisterProtectionPool starts tracking a pool and assesses its loans right away.
func (m *Manager) RegisterProtectionPool(caller common.Address, pool ProtectionPool) ([]Transition, error) {
	if caller != m.owner {
		return nil, ErrUnauthorized
	}
	addr := pool.Address()
	if _, ok := m.pools[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolAlreadyRegistered, addr.Hex())
	}

	ps := &poolState{
		pool:                pool,
		loans:               make(map[common.Address]*state.LoanState),
		lastClaimedSnapshot: make(map[claimKey]uint64),
	}
	m.pools[addr] = ps
	m.order = append(m.order, addr)

	m.logger.Info().Str("pool", addr.Hex()).Msg("protection pool registered")
	return m.assessPool(ps)
}

func (m *Manager) poolState(pool common.Address) (*poolState, error) {
	ps, ok := m.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotRegistered, pool.Hex())
	}
	return ps, nil
}

// Pools returns registered pools in registration order
func (m *Manager) Pools() []common.Address {
	out := make([]common.Address, len(m.order))
	copy(out, m.order)
	return out
}

// AssessStates assesses every registered pool
func (m *Manager) AssessStates() ([]Transition, error) {
	return m.AssessStateBatch(m.order)
}

// AssessStateBatch assesses the given pools in order. Transitions are applied
// loan by loan: on error the ones applied before the failure stand and are
// returned with it.
func (m *Manager) AssessStateBatch(pools []common.Address) ([]Transition, error) {
	states := make([]*poolState, 0, len(pools))
	for _, addr := range pools {
		ps, err := m.poolState(addr)
		if err != nil {
			return nil, err
		}
		states = append(states, ps)
	}

	var transitions []Transition
	for _, ps := range states {
		t, err := m.assessPool(ps)
		transitions = append(transitions, t...)
		if err != nil {
			return transitions, err
		}
	}
	return transitions, nil
}

type plannedTransition struct {
	loan   common.Address
	status state.LoanStatus
	lock   bool
	unlock bool
}

func (m *Manager) assessPool(ps *poolState) ([]Transition, error) {
	now := m.clock.Now()
	basket := ps.pool.Basket()
	loans, statuses, err := basket.AssessState()
	if err != nil {
		return nil, fmt.Errorf("assess pool %s: %w", ps.pool.Address().Hex(), err)
	}

	// decide every transition before touching pool capital
	plans := make([]plannedTransition, 0, len(loans))
	for i, loan := range loans {
		current := state.LoanStatusNotSupported
		var ls *state.LoanState
		if existing, ok := ps.loans[loan]; ok {
			ls = existing
			current = existing.Status
		}
		next := statuses[i]

		if current.IsTerminal() {
			continue
		}

		if current == state.LoanStatusLate {
			period, err := basket.Adapter().GetPaymentPeriodInDays(loan)
			if err != nil {
				return nil, err
			}
			if now <= ls.LateTimestamp+latePeriods*period*math.SecondsPerDay {
				continue
			}
			switch next {
			case state.LoanStatusLate, state.LoanStatusDefaulted:
				// TODO: defaulted locks stay locked until a payout settlement exists
				plans = append(plans, plannedTransition{loan: loan, status: state.LoanStatusDefaulted})
			default:
				// caught up within the late window: back to Active whatever the
				// basket reports, later assessments move it on from there
				plans = append(plans, plannedTransition{loan: loan, status: state.LoanStatusActive, unlock: true})
			}
			continue
		}

		if next == current {
			continue
		}
		p := plannedTransition{loan: loan, status: next}
		if next == state.LoanStatusLate || next == state.LoanStatusDefaulted {
			if ls != nil && ls.ActiveLock() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockStillActive, loan.Hex())
			}
			p.lock = true
		}
		plans = append(plans, p)
	}

	transitions := make([]Transition, 0, len(plans))
	for _, p := range plans {
		ls := ps.loan(p.loan)
		t := Transition{Pool: ps.pool.Address(), Loan: p.loan, From: ls.Status, To: p.status}

		switch {
		case p.lock:
			snapshotID, amount, err := ps.pool.LockCapital(m.address, p.loan)
			if err != nil {
				return transitions, fmt.Errorf("lock %s: %w", p.loan.Hex(), err)
			}
			ls.LockedCapitals = append(ls.LockedCapitals, &state.LockedCapital{
				SnapshotID: snapshotID,
				Amount:     amount,
				Locked:     true,
			})
			ls.LateTimestamp = now
			t.SnapshotID, t.LockedAmount = snapshotID, new(big.Int).Set(amount)
		case p.unlock:
			lock := ls.ActiveLock()
			if lock != nil {
				if err := ps.pool.UnlockCapital(m.address, p.loan, lock.Amount); err != nil {
					return transitions, fmt.Errorf("unlock %s: %w", p.loan.Hex(), err)
				}
				lock.Locked = false
				t.SnapshotID, t.UnlockedAmount = lock.SnapshotID, new(big.Int).Set(lock.Amount)
			}
		}
		ls.Status = p.status
		transitions = append(transitions, t)

		m.logger.Info().
			Str("pool", t.Pool.Hex()).
			Str("loan", t.Loan.Hex()).
			Str("from", t.From.String()).
			Str("to", t.To.String()).
			Msg("loan status changed")
	}
	ps.lastAssessedTimestamp = now
	return transitions, nil
}

// GetLoanStatus returns the recorded status; NotSupported if never assessed
func (m *Manager) GetLoanStatus(pool, loan common.Address) (state.LoanStatus, error) {
	ps, err := m.poolState(pool)
	if err != nil {
		return state.LoanStatusNotSupported, err
	}
	if ls, ok := ps.loans[loan]; ok {
		return ls.Status, nil
	}
	return state.LoanStatusNotSupported, nil
}

// AssessLoanStatus is the live status used to gate purchases. A recorded Late or
// terminal status wins over the basket's view, since only an assessment may move
// a loan out of those.
func (m *Manager) AssessLoanStatus(pool, loan common.Address) (state.LoanStatus, error) {
	ps, err := m.poolState(pool)
	if err != nil {
		return state.LoanStatusNotSupported, err
	}
	if ls, ok := ps.loans[loan]; ok && (ls.Status == state.LoanStatusLate || ls.Status.IsTerminal()) {
		return ls.Status, nil
	}
	return ps.pool.Basket().GetLendingPoolStatus(loan)
}

// LockedCapitals returns copies of a loan's lock records, oldest first
func (m *Manager) LockedCapitals(pool, loan common.Address) ([]state.LockedCapital, error) {
	ps, err := m.poolState(pool)
	if err != nil {
		return nil, err
	}
	ls, ok := ps.loans[loan]
	if !ok {
		return nil, nil
	}
	out := make([]state.LockedCapital, len(ls.LockedCapitals))
	for i, lc := range ls.LockedCapitals {
		out[i] = state.LockedCapital{SnapshotID: lc.SnapshotID, Amount: new(big.Int).Set(lc.Amount), Locked: lc.Locked}
	}
	return out, nil
}

// LoanStates returns every tracked loan of a pool with its status
func (m *Manager) LoanStates(pool common.Address) (map[common.Address]state.LoanStatus, error) {
	ps, err := m.poolState(pool)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]state.LoanStatus, len(ps.loans))
	for loan, ls := range ps.loans {
		out[loan] = ls.Status
	}
	return out, nil
}

// CalculateClaimableUnlockedAmount sums the seller's pro-rata share, by snapshot
// balance, of every unlocked record not yet claimed.
func (m *Manager) CalculateClaimableUnlockedAmount(pool, seller common.Address) (*big.Int, error) {
	ps, err := m.poolState(pool)
	if err != nil {
		return nil, err
	}
	total, _, err := m.claimable(ps, seller)
	return total, err
}

// CalculateAndClaimUnlockedCapital is CalculateClaimableUnlockedAmount that also
// advances the seller's claim pointers, so the same unlock never pays twice.
func (m *Manager) CalculateAndClaimUnlockedCapital(pool, seller common.Address) (*big.Int, error) {
	ps, err := m.poolState(pool)
	if err != nil {
		return nil, err
	}
	total, pointers, err := m.claimable(ps, seller)
	if err != nil {
		return nil, err
	}
	for loan, snapshotID := range pointers {
		ps.lastClaimedSnapshot[claimKey{Loan: loan, Seller: seller}] = snapshotID
	}
	return total, nil
}

func (m *Manager) claimable(ps *poolState, seller common.Address) (*big.Int, map[common.Address]uint64, error) {
	total := new(big.Int)
	pointers := make(map[common.Address]uint64)

	for _, loan := range sortedLoans(ps.loans) {
		ls := ps.loans[loan]
		last := ps.lastClaimedSnapshot[claimKey{Loan: loan, Seller: seller}]
		for _, lc := range ls.LockedCapitals {
			if lc.Locked || lc.SnapshotID <= last {
				continue
			}
			balance, err := ps.pool.BalanceOfAt(seller, lc.SnapshotID)
			if err != nil {
				return nil, nil, err
			}
			supply, err := ps.pool.TotalSupplyAt(lc.SnapshotID)
			if err != nil {
				return nil, nil, err
			}
			if supply.Sign() > 0 && balance.Sign() > 0 {
				total.Add(total, math.MulDiv(lc.Amount, balance, supply, math.RoundDown))
			}
			if lc.SnapshotID > pointers[loan] {
				pointers[loan] = lc.SnapshotID
			}
		}
	}
	return total, pointers, nil
}

func sortedLoans(loans map[common.Address]*state.LoanState) []common.Address {
	out := make([]common.Address, 0, len(loans))
	for loan := range loans {
		out = append(out, loan)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// CanonicalBytes returns deterministic serialization for state hashing
func (m *Manager) CanonicalBytes() []byte {
	var buf bytes.Buffer
	for _, addr := range m.order {
		ps := m.pools[addr]
		buf.Write(addr[:])
		for _, loan := range sortedLoans(ps.loans) {
			buf.Write(loan[:])
			buf.Write(ps.loans[loan].CanonicalBytes())
		}
		keys := make([]claimKey, 0, len(ps.lastClaimedSnapshot))
		for k := range ps.lastClaimedSnapshot {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if c := bytes.Compare(keys[i].Loan[:], keys[j].Loan[:]); c != 0 {
				return c < 0
			}
			return bytes.Compare(keys[i].Seller[:], keys[j].Seller[:]) < 0
		})
		for _, k := range keys {
			buf.Write(k.Loan[:])
			buf.Write(k.Seller[:])
			id := ps.lastClaimedSnapshot[k]
			for i := 0; i < 8; i++ {
				buf.WriteByte(byte(id >> (8 * i)))
			}
		}
	}
	return buf.Bytes()
}
