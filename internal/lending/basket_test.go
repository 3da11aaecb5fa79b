package lending_test

import (
	"math/big"
	"testing"

	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	day   = int64(86_400)
	start = int64(1_700_000_000)
)

var (
	loan   = common.HexToAddress("0x10a0")
	lender = common.HexToAddress("0x1e0de5")
	other  = common.HexToAddress("0x07e5")
)

func setup(t *testing.T) (*state.ManualClock, *lending.OracleAdapter, *lending.ReferenceBasket) {
	t.Helper()
	clock := state.NewManualClock(start)
	adapter := lending.NewOracleAdapter(clock)
	require.NoError(t, adapter.UpsertLoan(lending.LoanFacts{
		Loan:                   loan,
		TermEndTimestamp:       start + 365*day,
		PaymentPeriodInDays:    30,
		LatestPaymentTimestamp: start,
		BuyerAPR:               math.MustParseFixed("0.17"),
		Positions: map[uint64]lending.LenderPosition{
			7: {Lender: lender, RemainingPrincipal: big.NewInt(50_000)},
		},
	}))

	basket := lending.NewReferenceBasket(common.HexToAddress("0xba5e"), adapter, clock)
	require.NoError(t, basket.AddLoan(lending.BasketEntry{
		Loan:                          loan,
		ProtectionPurchaseLimitInDays: 90,
		LatePaymentGracePeriodInDays:  1,
	}))
	return clock, adapter, basket
}

func TestReferenceBasket_StatusProgression(t *testing.T) {
	clock, adapter, basket := setup(t)

	status, err := basket.GetLendingPoolStatus(loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusActive, status)

	clock.Advance(start + 30*day + 1)
	status, err = basket.GetLendingPoolStatus(loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusLateWithinGracePeriod, status)

	clock.Advance(start + 31*day + 1)
	status, err = basket.GetLendingPoolStatus(loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusLate, status)

	facts, ok := adapter.Loan(loan)
	require.True(t, ok)
	facts.Defaulted = true
	require.NoError(t, adapter.UpsertLoan(*facts))
	status, err = basket.GetLendingPoolStatus(loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusDefaulted, status)

	clock.Advance(start + 365*day)
	status, err = basket.GetLendingPoolStatus(loan)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusExpired, status)

	status, err = basket.GetLendingPoolStatus(other)
	require.NoError(t, err)
	require.Equal(t, state.LoanStatusNotSupported, status)
}

func TestReferenceBasket_AssessState(t *testing.T) {
	_, _, basket := setup(t)

	loans, statuses, err := basket.AssessState()
	require.NoError(t, err)
	require.Equal(t, []common.Address{loan}, loans)
	require.Equal(t, []state.LoanStatus{state.LoanStatusActive}, statuses)

	require.ErrorIs(t, basket.AddLoan(lending.BasketEntry{Loan: loan, ProtectionPurchaseLimitInDays: 1}), lending.ErrLoanAlreadyInBasket)
}

func TestReferenceBasket_CanBuyProtection(t *testing.T) {
	clock, _, basket := setup(t)
	params := state.PurchaseParams{LendingPool: loan, PositionID: 7, ProtectionAmount: big.NewInt(50_000), DurationInSeconds: 30 * day}

	ok, err := basket.CanBuyProtection(lender, params, false)
	require.NoError(t, err)
	require.True(t, ok)

	over := params
	over.ProtectionAmount = big.NewInt(50_001)
	ok, err = basket.CanBuyProtection(lender, over, false)
	require.NoError(t, err)
	require.False(t, ok, "amount above remaining principal")

	ok, err = basket.CanBuyProtection(other, params, false)
	require.NoError(t, err)
	require.False(t, ok, "buyer does not own the position")

	clock.Advance(start + 91*day)
	ok, err = basket.CanBuyProtection(lender, params, false)
	require.NoError(t, err)
	require.False(t, ok, "purchase window closed")

	ok, err = basket.CanBuyProtection(lender, params, true)
	require.NoError(t, err)
	require.True(t, ok, "renewals ignore the purchase window")
}

func TestOracleAdapter_UnknownLoan(t *testing.T) {
	_, adapter, _ := setup(t)
	_, err := adapter.IsLoanLate(other)
	require.ErrorIs(t, err, lending.ErrUnknownLoan)
}
