package defaultstate_test

import (
	"errors"
	"math/big"
	"testing"

	"ProtectionLedger/internal/defaultstate"
	"ProtectionLedger/internal/ledger"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/pool"
	"ProtectionLedger/internal/state"
	. "ProtectionLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// lateProtocol funds the pool 80/20, sells 50k of protection and lets the loan
// slip past its grace period before assessing.
func lateProtocol(t *testing.T) *Protocol {
	t.Helper()
	p := NewProtocol(t)
	p.OpenToBuyers(t, map[common.Address]*big.Int{
		Seller1: USDC(80_000),
		Seller2: USDC(20_000),
	})
	_, err := p.Pool.BuyProtection(Buyer, Purchase(BuyerPosition, USDC(50_000), 90), nil)
	require.NoError(t, err)

	p.At(36 * Day)
	transitions, err := p.DSM.AssessStates()
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, state.LoanStatusActive, transitions[0].From)
	require.Equal(t, state.LoanStatusLate, transitions[0].To)
	return p
}

func lockedBalance(p *Protocol, sub ledger.AccountSubType) *big.Int {
	return p.Book.Balance(ledger.NewPoolAccountKey(PoolAddress, sub, p.Pool.AssetID()))
}

// ============================================================================
// Test: Registration
// ============================================================================

func TestRegister_AssessesImmediately(t *testing.T) {
	p := NewProtocol(t)
	dsm := defaultstate.New(DSMAddress, Owner, p.Clock, zerolog.Nop())

	_, err := dsm.RegisterProtectionPool(Buyer, p.Pool)
	require.ErrorIs(t, err, defaultstate.ErrUnauthorized)

	transitions, err := dsm.RegisterProtectionPool(Owner, p.Pool)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, state.LoanStatusNotSupported, transitions[0].From)
	require.Equal(t, state.LoanStatusActive, transitions[0].To)

	_, err = dsm.RegisterProtectionPool(Owner, p.Pool)
	require.ErrorIs(t, err, defaultstate.ErrPoolAlreadyRegistered)
	require.Equal(t, []common.Address{PoolAddress}, dsm.Pools())
}

func TestUnknownPool(t *testing.T) {
	p := NewProtocol(t)
	_, err := p.DSM.GetLoanStatus(Buyer, Loan)
	require.ErrorIs(t, err, defaultstate.ErrPoolNotRegistered)

	_, err = p.DSM.CalculateClaimableUnlockedAmount(Buyer, Seller1)
	require.ErrorIs(t, err, defaultstate.ErrPoolNotRegistered)
}

// ============================================================================
// Test: Locking
// ============================================================================

func TestLate_LocksProtectedCapital(t *testing.T) {
	p := lateProtocol(t)

	locks, err := p.DSM.LockedCapitals(PoolAddress, Loan)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.True(t, locks[0].Locked)
	require.Equal(t, uint64(1), locks[0].SnapshotID)
	require.Equal(t, 0, locks[0].Amount.Cmp(USDC(50_000)))

	require.Equal(t, 0, lockedBalance(p, ledger.SubTypePoolLockedCapital).Cmp(USDC(50_000)))
	require.Equal(t, 0, p.Pool.TotalCapital().Cmp(USDC(50_000)))

	status, err := p.DSM.GetLoanStatus(PoolAddress, Loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusLate, status)
}

func TestLate_BlocksPurchases(t *testing.T) {
	p := lateProtocol(t)
	// paying does not lift the recorded status until an assessment does
	p.PayLoan(t, StartTime+36*Day)

	_, err := p.Pool.BuyProtection(Buyer2, Purchase(Buyer2Position, USDC(10_000), 30), nil)
	require.ErrorIs(t, err, pool.ErrLoanNotActive)
}

func TestLate_StaysLateUntilTwoPeriodsPass(t *testing.T) {
	p := lateProtocol(t)
	p.PayLoan(t, StartTime+40*Day)

	p.At(96 * Day)
	transitions, err := p.DSM.AssessStates()
	require.NoError(t, err)
	require.Empty(t, transitions)

	status, err := p.DSM.GetLoanStatus(PoolAddress, Loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusLate, status)
}

// ============================================================================
// Test: Unlocking and claims
// ============================================================================

func TestRecovery_UnlocksAndPaysProRata(t *testing.T) {
	p := lateProtocol(t)

	// nothing to claim while locked
	claimed, err := p.Pool.ClaimUnlockedCapital(Seller2)
	require.NoError(t, err)
	require.Equal(t, 0, claimed.Sign())

	p.PayLoan(t, StartTime+95*Day)
	p.At(96*Day + 1)
	transitions, err := p.DSM.AssessStates()
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, state.LoanStatusLate, transitions[0].From)
	require.Equal(t, state.LoanStatusActive, transitions[0].To)
	require.Equal(t, 0, transitions[0].UnlockedAmount.Cmp(USDC(50_000)))

	require.Equal(t, 0, lockedBalance(p, ledger.SubTypePoolLockedCapital).Sign())
	require.Equal(t, 0, lockedBalance(p, ledger.SubTypePoolUnlockedCapital).Cmp(USDC(50_000)))

	owed, err := p.DSM.CalculateClaimableUnlockedAmount(PoolAddress, Seller1)
	require.NoError(t, err)
	require.Equal(t, 0, owed.Cmp(USDC(40_000)))

	claimed, err = p.Pool.ClaimUnlockedCapital(Seller2)
	require.NoError(t, err)
	require.Equal(t, 0, claimed.Cmp(USDC(10_000)))

	again, err := p.Pool.ClaimUnlockedCapital(Seller2)
	require.NoError(t, err)
	require.Equal(t, 0, again.Sign())

	require.Equal(t, 0, lockedBalance(p, ledger.SubTypePoolUnlockedCapital).Cmp(USDC(40_000)))
	require.NoError(t, p.Book.Validator().ValidatePoolConservation(PoolAddress))
}

func TestRecovery_LateAgainAddsLockRecord(t *testing.T) {
	p := lateProtocol(t)
	p.PayLoan(t, StartTime+95*Day)
	p.At(96*Day + 1)
	_, err := p.DSM.AssessStates()
	require.NoError(t, err)

	// next payment due at +125d, grace ends at +130d
	p.At(131 * Day)
	transitions, err := p.DSM.AssessStates()
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, state.LoanStatusLate, transitions[0].To)

	locks, err := p.DSM.LockedCapitals(PoolAddress, Loan)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	require.False(t, locks[0].Locked)
	require.True(t, locks[1].Locked)
	require.Equal(t, uint64(2), locks[1].SnapshotID)
	// the only protection ended at +90d
	require.Equal(t, 0, locks[1].Amount.Sign())
}

func TestRecovery_CaughtUpWithinGraceReturnsToActive(t *testing.T) {
	p := lateProtocol(t)

	// paid through +95d: at +97d the next payment is missed but still in grace
	p.PayLoan(t, StartTime+65*Day)
	p.At(97 * Day)
	status, err := p.Basket.GetLendingPoolStatus(Loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusLateWithinGracePeriod, status)

	transitions, err := p.DSM.AssessStates()
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, state.LoanStatusLate, transitions[0].From)
	require.Equal(t, state.LoanStatusActive, transitions[0].To)
	require.Equal(t, 0, transitions[0].UnlockedAmount.Cmp(USDC(50_000)))

	recorded, err := p.DSM.GetLoanStatus(PoolAddress, Loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusActive, recorded)
}

// ============================================================================
// Test: Default
// ============================================================================

func TestDefault_KeepsCapitalLocked(t *testing.T) {
	p := lateProtocol(t)

	p.At(96*Day + 1)
	transitions, err := p.DSM.AssessStates()
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, state.LoanStatusDefaulted, transitions[0].To)
	require.Nil(t, transitions[0].UnlockedAmount)

	require.Equal(t, 0, lockedBalance(p, ledger.SubTypePoolLockedCapital).Cmp(USDC(50_000)))

	// terminal: a late payment changes nothing
	p.PayLoan(t, StartTime+97*Day)
	p.At(98 * Day)
	transitions, err = p.DSM.AssessStates()
	require.NoError(t, err)
	require.Empty(t, transitions)

	status, err := p.DSM.AssessLoanStatus(PoolAddress, Loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusDefaulted, status)
}

func TestCanonicalBytes_TrackLocks(t *testing.T) {
	p := NewProtocol(t)
	p.OpenToBuyers(t, map[common.Address]*big.Int{Seller1: USDC(100_000)})
	_, err := p.Pool.BuyProtection(Buyer, Purchase(BuyerPosition, USDC(50_000), 90), nil)
	require.NoError(t, err)

	before := p.DSM.CanonicalBytes()
	p.At(36 * Day)
	_, err = p.DSM.AssessStates()
	require.NoError(t, err)
	require.NotEqual(t, before, p.DSM.CanonicalBytes())
}

// ============================================================================
// Test: Partial assessment
// ============================================================================

var errLockRefused = errors.New("lock refused")

type stubBasket struct {
	loans    []common.Address
	statuses []state.LoanStatus
}

func (b *stubBasket) GetLoans() []common.Address { return b.loans }
func (b *stubBasket) AssessState() ([]common.Address, []state.LoanStatus, error) {
	return b.loans, b.statuses, nil
}
func (b *stubBasket) CanBuyProtection(common.Address, state.PurchaseParams, bool) (bool, error) {
	return false, nil
}
func (b *stubBasket) GetLendingPoolStatus(common.Address) (state.LoanStatus, error) {
	return state.LoanStatusActive, nil
}
func (b *stubBasket) Adapter() lending.Adapter { return nil }

// stubPool locks every loan except refuse
type stubPool struct {
	basket *stubBasket
	refuse common.Address
}

func (p *stubPool) Address() common.Address { return common.HexToAddress("0x000000000000000000000000000000000000f00d") }
func (p *stubPool) Basket() lending.Basket  { return p.basket }
func (p *stubPool) LockCapital(_, loan common.Address) (uint64, *big.Int, error) {
	if loan == p.refuse {
		return 0, nil, errLockRefused
	}
	return 1, big.NewInt(10), nil
}
func (p *stubPool) UnlockCapital(common.Address, common.Address, *big.Int) error { return nil }
func (p *stubPool) BalanceOfAt(common.Address, uint64) (*big.Int, error)         { return new(big.Int), nil }
func (p *stubPool) TotalSupplyAt(uint64) (*big.Int, error)                        { return new(big.Int), nil }

func TestAssess_FailureKeepsEarlierTransitions(t *testing.T) {
	loanA := common.HexToAddress("0x000000000000000000000000000000000000a001")
	loanB := common.HexToAddress("0x000000000000000000000000000000000000b002")
	basket := &stubBasket{
		loans:    []common.Address{loanA, loanB},
		statuses: []state.LoanStatus{state.LoanStatusActive, state.LoanStatusActive},
	}
	sp := &stubPool{basket: basket, refuse: loanB}

	dsm := defaultstate.New(DSMAddress, Owner, state.NewManualClock(StartTime), zerolog.Nop())
	transitions, err := dsm.RegisterProtectionPool(Owner, sp)
	require.NoError(t, err)
	require.Len(t, transitions, 2)

	basket.statuses = []state.LoanStatus{state.LoanStatusLate, state.LoanStatusLate}
	transitions, err = dsm.AssessStates()
	require.ErrorIs(t, err, errLockRefused)

	// loanA's lock went through and is reported; loanB is untouched
	require.Len(t, transitions, 1)
	require.Equal(t, loanA, transitions[0].Loan)
	require.Equal(t, state.LoanStatusLate, transitions[0].To)

	statusA, err := dsm.GetLoanStatus(sp.Address(), loanA)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusLate, statusA)
	statusB, err := dsm.GetLoanStatus(sp.Address(), loanB)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusActive, statusB)

	locks, err := dsm.LockedCapitals(sp.Address(), loanA)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.True(t, locks[0].Locked)
}
