package math_test

import (
	"math/big"
	"testing"

	"ProtectionLedger/internal/math"

	"github.com/stretchr/testify/require"
)

// requireClose asserts |got - want| <= tolerance.
func requireClose(t *testing.T, want, got math.Fixed, tolerance string) {
	t.Helper()
	diff := got.Sub(want)
	if diff.Sign() < 0 {
		diff = diff.Neg()
	}
	require.LessOrEqualf(t, diff.Cmp(math.MustParseFixed(tolerance)), 0,
		"want %s got %s (tolerance %s)", want, got, tolerance)
}

// ============================================================================
// Test: Fixed arithmetic
// ============================================================================

func TestFixed_MulDivTruncate(t *testing.T) {
	a := math.MustParseFixed("1.5")
	b := math.MustParseFixed("2")

	require.Equal(t, "3", a.Mul(b).String())

	q, err := math.One.Div(math.FixedFromInt(3))
	require.NoError(t, err)
	require.Equal(t, "0.333333333333333333", q.String())

	neg, err := math.One.Neg().Div(math.FixedFromInt(3))
	require.NoError(t, err)
	require.Equal(t, "-0.333333333333333333", neg.String(), "truncates toward zero")
}

func TestFixed_DivByZero(t *testing.T) {
	_, err := math.One.Div(math.Zero)
	require.ErrorIs(t, err, math.ErrDivideByZero)

	_, err = math.Ratio(big.NewInt(1), big.NewInt(0))
	require.ErrorIs(t, err, math.ErrDivideByZero)
}

func TestFixed_ExpLn(t *testing.T) {
	e, err := math.One.Exp()
	require.NoError(t, err)
	requireClose(t, math.MustParseFixed("2.718281828459045235"), e, "0.000000000000000001")

	one, err := math.Zero.Exp()
	require.NoError(t, err)
	require.Equal(t, 0, one.Cmp(math.One))

	tiny, err := math.FixedFromInt(-50).Exp()
	require.NoError(t, err)
	require.True(t, tiny.IsZero())

	_, err = math.FixedFromInt(200).Exp()
	require.ErrorIs(t, err, math.ErrExpOverflow)

	x := math.MustParseFixed("0.75")
	ex, err := x.Exp()
	require.NoError(t, err)
	back, err := ex.Ln()
	require.NoError(t, err)
	requireClose(t, x, back, "0.000000000000000010")

	_, err = math.Zero.Ln()
	require.ErrorIs(t, err, math.ErrLnDomain)
}

func TestFixed_AmountConversions(t *testing.T) {
	amount := big.NewInt(1_500_000) // 1.5 USDC
	f := math.FromAmount(amount, math.USDCConfig)
	require.Equal(t, "1.5", f.String())
	require.Equal(t, 0, f.ToAmount(math.USDCConfig, math.RoundDown).Cmp(amount))

	third, err := math.Ratio(big.NewInt(1), big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, int64(333_333), third.ToAmount(math.USDCConfig, math.RoundDown).Int64())
	require.Equal(t, int64(333_334), third.ToAmount(math.USDCConfig, math.RoundUp).Int64())

	scaled := math.MulAmount(big.NewInt(100_000_000), math.MustParseFixed("0.02"), math.RoundDown)
	require.Equal(t, int64(2_000_000), scaled.Int64())
}

func TestFixed_TextRoundTrip(t *testing.T) {
	var f math.Fixed
	require.NoError(t, f.UnmarshalText([]byte("0.0123")))
	text, err := f.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "0.0123", string(text))
}

// ============================================================================
// Test: Rounding
// ============================================================================

func TestDivRound_Modes(t *testing.T) {
	cases := []struct {
		num, den int64
		mode     math.RoundingMode
		want     int64
	}{
		{7, 2, math.RoundDown, 3},
		{7, 2, math.RoundUp, 4},
		{7, 2, math.RoundHalfEven, 4},
		{5, 2, math.RoundHalfEven, 2},
		{-7, 2, math.RoundDown, -3},
		{-7, 2, math.RoundUp, -4},
		{8, 2, math.RoundUp, 4},
	}
	for _, tc := range cases {
		got := math.DivRound(big.NewInt(tc.num), big.NewInt(tc.den), tc.mode)
		if got.Int64() != tc.want {
			t.Errorf("DivRound(%d, %d, %d) = %d, want %d", tc.num, tc.den, tc.mode, got.Int64(), tc.want)
		}
	}
}

func TestNewDecimalConfig(t *testing.T) {
	cfg, err := math.NewDecimalConfig(6)
	require.NoError(t, err)
	require.Equal(t, math.USDCConfig, cfg)

	_, err = math.NewDecimalConfig(19)
	require.Error(t, err)
}
