package math_test

import (
	"math/big"
	"testing"

	"ProtectionLedger/internal/math"

	"github.com/stretchr/testify/require"
)

func usdc(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(math.USDCConfig.Scale))
}

func pricingParams() math.PricingParams {
	return math.PricingParams{
		LeverageRatioFloor:            floor,
		LeverageRatioCeiling:          ceiling,
		LeverageRatioBuffer:           buffer,
		Curvature:                     curvature,
		MinCarapaceRiskPremiumPercent: math.MustParseFixed("0.02"),
		UnderlyingRiskPremiumPercent:  math.MustParseFixed("0.1"),
		MinRequiredCapital:            usdc(50_000),
		MinRequiredProtection:         big.NewInt(0),
	}
}

func TestCalculateDurationInYears(t *testing.T) {
	years := math.CalculateDurationInYears(31_556_736)
	require.Equal(t, 0, years.Cmp(math.One))
}

func TestCalculatePremium_LeverageAboveCeilingUsesMinPremium(t *testing.T) {
	params := pricingParams()
	capital := usdc(100_000)
	protection := usdc(150_000)
	leverage, err := math.Ratio(protection, capital)
	require.NoError(t, err)
	require.Equal(t, "1.5", leverage.String())

	duration := 90 * day
	apr := math.MustParseFixed("0.1")
	quote, err := math.CalculatePremium(duration, protection, apr, leverage, capital, protection, params)
	require.NoError(t, err)
	require.True(t, quote.IsMinPremium)

	years := math.CalculateDurationInYears(duration)
	underlying := params.UnderlyingRiskPremiumPercent.Mul(apr).Mul(years)
	want := math.MulAmount(protection, params.MinCarapaceRiskPremiumPercent.Add(underlying), math.RoundDown)
	require.Equal(t, 0, quote.Premium.Cmp(want), "premium %s want %s", quote.Premium, want)

	// 150k * (0.02 + 0.1*0.1*0.2464) ~= 3369.62
	require.True(t, quote.Premium.Cmp(usdc(3369)) > 0)
	require.True(t, quote.Premium.Cmp(usdc(3370)) < 0)

	// decay curve is calibrated from the min rate
	days, _ := math.FixedFromInt(duration).DivInt(math.SecondsPerDay)
	rf, err := math.CalculateRiskFactorUsingMinPremium(params.MinCarapaceRiskPremiumPercent, days)
	require.NoError(t, err)
	require.Equal(t, 0, quote.RiskFactor.Cmp(rf))
}

func TestCalculatePremium_InsideBandUsesRiskFactor(t *testing.T) {
	params := pricingParams()
	params.Curvature = math.MustParseFixed("0.5")
	capital := usdc(100_000)
	protection := usdc(75_000)
	leverage, err := math.Ratio(protection, capital)
	require.NoError(t, err)

	quote, err := math.CalculatePremium(90*day, usdc(10_000), math.MustParseFixed("0.1"), leverage, capital, protection, params)
	require.NoError(t, err)
	require.False(t, quote.IsMinPremium)
	require.Equal(t, "0.5", quote.RiskFactor.String())

	// carapace rate = 1 - e^(-0.2464*0.5) ~= 0.1159
	require.True(t, quote.PremiumRate.Cmp(math.MustParseFixed("0.11")) > 0)
	require.True(t, quote.PremiumRate.Cmp(math.MustParseFixed("0.12")) < 0)
}

func TestCalculatePremium_MinRateFloorsLowRiskFactor(t *testing.T) {
	params := pricingParams()
	capital := usdc(100_000)
	protection := usdc(75_000)
	leverage, _ := math.Ratio(protection, capital)

	// curvature 0.05 gives a carapace rate of ~1.2%, below the 2% floor
	quote, err := math.CalculatePremium(90*day, usdc(10_000), math.Zero, leverage, capital, protection, params)
	require.NoError(t, err)
	require.Equal(t, "0.02", quote.PremiumRate.String())
	require.Equal(t, 0, quote.Premium.Cmp(usdc(200)))

	// the floor prices the purchase but the pool was in band: the curve keeps
	// the computed risk factor
	require.False(t, quote.IsMinPremium)
	require.Equal(t, "0.05", quote.RiskFactor.String())
}

func TestCalculatePremium_NonPositiveRate(t *testing.T) {
	params := pricingParams()
	params.MinCarapaceRiskPremiumPercent = math.Zero
	params.UnderlyingRiskPremiumPercent = math.Zero

	_, err := math.CalculatePremium(90*day, usdc(10_000), math.MustParseFixed("0.1"),
		math.MustParseFixed("1.5"), usdc(100_000), usdc(150_000), params)
	require.ErrorIs(t, err, math.ErrNonPositivePremiumRate)
}

func TestCalculatePremium_RejectsZeroDuration(t *testing.T) {
	_, err := math.CalculatePremium(0, usdc(1), math.Zero, math.Zero, usdc(1), usdc(1), pricingParams())
	require.ErrorIs(t, err, math.ErrInvalidDuration)
}
