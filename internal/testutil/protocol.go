package testutil

import (
	"math/big"
	"testing"

	"ProtectionLedger/internal/defaultstate"
	"ProtectionLedger/internal/ledger"
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/pool"
	"ProtectionLedger/internal/state"
	"ProtectionLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	Day       = int64(86_400)
	StartTime = int64(1_700_000_000)
)

var (
	Owner         = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	PoolAddress   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	DSMAddress    = common.HexToAddress("0x0000000000000000000000000000000000000d53")
	BasketAddress = common.HexToAddress("0x000000000000000000000000000000000000ba5e")
	Loan          = common.HexToAddress("0x00000000000000000000000000000000000010a0")
	Buyer         = common.HexToAddress("0x000000000000000000000000000000000000b001")
	Buyer2        = common.HexToAddress("0x000000000000000000000000000000000000b002")
	Seller1       = common.HexToAddress("0x0000000000000000000000000000000000005e11")
	Seller2       = common.HexToAddress("0x0000000000000000000000000000000000005e12")
)

const (
	BuyerPosition  = uint64(1)
	Buyer2Position = uint64(2)
)

// USDC returns n whole units of a 6-decimal asset
func USDC(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func DefaultPoolParams() state.PoolParams {
	return state.PoolParams{
		LeverageRatioFloor:                    math.MustParseFixed("0.5"),
		LeverageRatioCeiling:                  math.MustParseFixed("1"),
		LeverageRatioBuffer:                   math.MustParseFixed("0.05"),
		MinRequiredCapital:                    USDC(50_000),
		MinRequiredProtection:                 new(big.Int),
		Curvature:                             math.MustParseFixed("0.05"),
		MinCarapaceRiskPremiumPercent:         math.MustParseFixed("0.02"),
		UnderlyingRiskPremiumPercent:          math.MustParseFixed("0.1"),
		MinProtectionDurationInSeconds:        10 * Day,
		ProtectionRenewalGracePeriodInSeconds: 14 * Day,
	}
}

func DefaultCycleParams() state.CycleParams {
	return state.CycleParams{OpenCycleDuration: 10 * Day, CycleDuration: 60 * Day}
}

// DefaultLoan is a one-year loan paying monthly with two lender positions
func DefaultLoan() lending.LoanFacts {
	return lending.LoanFacts{
		Loan:                   Loan,
		TermEndTimestamp:       StartTime + 365*Day,
		PaymentPeriodInDays:    30,
		LatestPaymentTimestamp: StartTime,
		BuyerAPR:               math.MustParseFixed("0.1"),
		Positions: map[uint64]lending.LenderPosition{
			BuyerPosition:  {Lender: Buyer, RemainingPrincipal: USDC(200_000)},
			Buyer2Position: {Lender: Buyer2, RemainingPrincipal: USDC(100_000)},
		},
	}
}

// Protocol wires one pool with every collaborator, the way the core does
type Protocol struct {
	Clock   *state.ManualClock
	Cycles  *state.PoolCycleManager
	Adapter *lending.OracleAdapter
	Basket  *lending.ReferenceBasket
	Token   *token.SnapshotToken
	Book    *ledger.Book
	DSM     *defaultstate.Manager
	Pool    *pool.ProtectionPool
}

func NewProtocol(t *testing.T) *Protocol {
	t.Helper()

	clock := state.NewManualClock(StartTime)
	adapter := lending.NewOracleAdapter(clock)
	require.NoError(t, adapter.UpsertLoan(DefaultLoan()))

	basket := lending.NewReferenceBasket(BasketAddress, adapter, clock)
	require.NoError(t, basket.AddLoan(lending.BasketEntry{
		Loan:                          Loan,
		ProtectionPurchaseLimitInDays: 90,
		LatePaymentGracePeriodInDays:  5,
	}))

	cycles := state.NewPoolCycleManager()
	require.NoError(t, cycles.RegisterPool(PoolAddress, DefaultCycleParams(), StartTime))

	book := ledger.NewBook()
	shares := token.NewSnapshotToken("sToken")
	dsm := defaultstate.New(DSMAddress, Owner, clock, zerolog.Nop())

	p, err := pool.New(pool.Deps{
		Info: state.PoolInfo{
			Address:         PoolAddress,
			Params:          DefaultPoolParams(),
			UnderlyingAsset: "USDC",
			Decimals:        math.USDCConfig,
			Basket:          BasketAddress,
			Phase:           state.PoolPhaseOpenToSellers,
		},
		Owner:               Owner,
		Clock:               clock,
		Cycles:              cycles,
		Basket:              basket,
		Token:               shares,
		Ledger:              book,
		DefaultStateManager: dsm,
		Logger:              zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = dsm.RegisterProtectionPool(Owner, p)
	require.NoError(t, err)

	return &Protocol{
		Clock:   clock,
		Cycles:  cycles,
		Adapter: adapter,
		Basket:  basket,
		Token:   shares,
		Book:    book,
		DSM:     dsm,
		Pool:    p,
	}
}

// At moves the clock to StartTime + offset
func (p *Protocol) At(offset int64) {
	p.Clock.Advance(StartTime + offset)
}

// PayLoan records a borrower payment at ts
func (p *Protocol) PayLoan(t *testing.T, ts int64) {
	t.Helper()
	facts, ok := p.Adapter.Loan(Loan)
	require.True(t, ok)
	facts.LatestPaymentTimestamp = ts
	require.NoError(t, p.Adapter.UpsertLoan(*facts))
}

// Purchase builds purchase params on the buyer's default position
func Purchase(position uint64, amount *big.Int, days int64) state.PurchaseParams {
	return state.PurchaseParams{
		LendingPool:       Loan,
		PositionID:        position,
		ProtectionAmount:  amount,
		DurationInSeconds: days * Day,
	}
}

// OpenToBuyers deposits capital from the given sellers and moves the pool to OpenToBuyers
func (p *Protocol) OpenToBuyers(t *testing.T, deposits map[common.Address]*big.Int) {
	t.Helper()
	for _, seller := range []common.Address{Seller1, Seller2} {
		if amount, ok := deposits[seller]; ok {
			_, err := p.Pool.Deposit(amount, seller)
			require.NoError(t, err)
		}
	}
	phase, err := p.Pool.MovePoolPhase(Owner)
	require.NoError(t, err)
	require.Equal(t, state.PoolPhaseOpenToBuyers, phase)
}
