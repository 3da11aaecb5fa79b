package math_test

import (
	"math/big"
	"testing"

	"ProtectionLedger/internal/math"

	"github.com/stretchr/testify/require"
)

var (
	floor     = math.MustParseFixed("0.5")
	ceiling   = math.MustParseFixed("1")
	buffer    = math.MustParseFixed("0.05")
	curvature = math.MustParseFixed("0.05")
)

func TestCalculateRiskFactor_MidBand(t *testing.T) {
	// (1.05 - 0.75) / (0.75 - 0.5 + 0.05) = 1
	rf, err := math.CalculateRiskFactor(math.MustParseFixed("0.75"), floor, ceiling, buffer, curvature)
	require.NoError(t, err)
	require.Equal(t, "0.05", rf.String())
}

func TestCalculateRiskFactor_PositiveAcrossBand(t *testing.T) {
	prev := math.Zero
	for i, l := range []string{"0.5", "0.6", "0.7", "0.8", "0.9", "1"} {
		rf, err := math.CalculateRiskFactor(math.MustParseFixed(l), floor, ceiling, buffer, curvature)
		require.NoError(t, err)
		require.Equal(t, 1, rf.Sign(), "leverage %s", l)
		if i > 0 {
			require.Equal(t, -1, rf.Cmp(prev), "risk factor is strictly monotone in leverage")
		}
		prev = rf
	}
}

func TestCalculateRiskFactor_GuardsDenominator(t *testing.T) {
	// L - floor + buffer == 0
	_, err := math.CalculateRiskFactor(math.MustParseFixed("0.45"), floor, ceiling, buffer, curvature)
	require.ErrorIs(t, err, math.ErrRiskFactorDomain)

	_, err = math.CalculateRiskFactor(math.MustParseFixed("0.1"), floor, ceiling, buffer, curvature)
	require.ErrorIs(t, err, math.ErrRiskFactorDomain)

	_, err = math.CalculateRiskFactor(math.MustParseFixed("1.2"), floor, ceiling, buffer, curvature)
	require.ErrorIs(t, err, math.ErrRiskFactorDomain)
}

func TestCanCalculateRiskFactor(t *testing.T) {
	capital := big.NewInt(100_000)
	protection := big.NewInt(75_000)
	minCapital := big.NewInt(50_000)
	minProtection := big.NewInt(0)

	require.True(t, math.CanCalculateRiskFactor(capital, protection, math.MustParseFixed("0.75"), floor, ceiling, minCapital, minProtection))
	require.True(t, math.CanCalculateRiskFactor(capital, protection, floor, floor, ceiling, minCapital, minProtection))
	require.True(t, math.CanCalculateRiskFactor(capital, protection, ceiling, floor, ceiling, minCapital, minProtection))

	require.False(t, math.CanCalculateRiskFactor(capital, protection, math.MustParseFixed("1.5"), floor, ceiling, minCapital, minProtection))
	require.False(t, math.CanCalculateRiskFactor(capital, protection, math.MustParseFixed("0.2"), floor, ceiling, minCapital, minProtection))
	require.False(t, math.CanCalculateRiskFactor(big.NewInt(10), protection, math.MustParseFixed("0.75"), floor, ceiling, minCapital, minProtection))
	require.False(t, math.CanCalculateRiskFactor(capital, protection, math.MustParseFixed("0.75"), floor, ceiling, minCapital, big.NewInt(80_000)))
}

func TestCalculateRiskFactorUsingMinPremium(t *testing.T) {
	// -ln(0.98) = 0.020202707317519448...
	rf, err := math.CalculateRiskFactorUsingMinPremium(math.MustParseFixed("0.02"), math.FixedFromInt(365))
	require.NoError(t, err)
	requireClose(t, math.MustParseFixed("0.020202707317519448"), rf, "0.000000000000000010")

	// shorter horizon needs a proportionally larger risk factor
	rf90, err := math.CalculateRiskFactorUsingMinPremium(math.MustParseFixed("0.02"), math.FixedFromInt(90))
	require.NoError(t, err)
	require.Equal(t, 1, rf90.Cmp(rf))

	// the inverted risk factor reproduces the min rate over the same horizon
	years := math.CalculateDurationInYears(365 * math.SecondsPerDay)
	decay, err := years.Mul(rf).Neg().Exp()
	require.NoError(t, err)
	requireClose(t, math.MustParseFixed("0.02"), math.One.Sub(decay), "0.0001")
}

func TestCalculateRiskFactorUsingMinPremium_InvalidInputs(t *testing.T) {
	_, err := math.CalculateRiskFactorUsingMinPremium(math.One, math.FixedFromInt(30))
	require.ErrorIs(t, err, math.ErrInvalidMinPremium)

	_, err = math.CalculateRiskFactorUsingMinPremium(math.MustParseFixed("-0.1"), math.FixedFromInt(30))
	require.ErrorIs(t, err, math.ErrInvalidMinPremium)

	_, err = math.CalculateRiskFactorUsingMinPremium(math.MustParseFixed("0.02"), math.Zero)
	require.ErrorIs(t, err, math.ErrInvalidDuration)
}
