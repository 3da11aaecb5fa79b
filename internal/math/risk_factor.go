package math

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrRiskFactorDomain   = errors.New("risk factor: leverage ratio outside (floor-buffer, ceiling+buffer)")
	ErrInvalidMinPremium  = errors.New("risk factor: min premium rate must be in [0, 1)")
	ErrInvalidDuration    = errors.New("risk factor: duration must be positive")
)

// CalculateRiskFactor returns curvature * (ceiling + buffer - L) / (L - floor + buffer).
func CalculateRiskFactor(leverageRatio, floor, ceiling, buffer, curvature Fixed) (Fixed, error) {
	numerator := ceiling.Add(buffer).Sub(leverageRatio)
	denominator := leverageRatio.Sub(floor).Add(buffer)
	if denominator.Sign() <= 0 || numerator.Sign() <= 0 {
		return Zero, fmt.Errorf("%w: leverage=%s floor=%s ceiling=%s buffer=%s",
			ErrRiskFactorDomain, leverageRatio, floor, ceiling, buffer)
	}

	riskFactor, err := curvature.Mul(numerator).Div(denominator)
	if err != nil {
		return Zero, err
	}
	if !riskFactor.InRange() {
		return Zero, ErrFixedOverflow
	}
	return riskFactor, nil
}

// CanCalculateRiskFactor reports whether the pool is inside the band where the
// leverage-driven risk factor applies. Callers fall back to the min premium otherwise.
func CanCalculateRiskFactor(
	totalCapital, totalProtection *big.Int,
	leverageRatio, floor, ceiling Fixed,
	minCapital, minProtection *big.Int,
) bool {
	if totalCapital.Cmp(minCapital) < 0 || totalProtection.Cmp(minProtection) < 0 {
		return false
	}
	if leverageRatio.Cmp(floor) < 0 || leverageRatio.Cmp(ceiling) > 0 {
		return false
	}
	return true
}

// CalculateRiskFactorUsingMinPremium inverts the survival rate:
// riskFactor = -ln(1 - minPremiumRate) * 365 / durationInDays.
func CalculateRiskFactorUsingMinPremium(minPremiumRate, durationInDays Fixed) (Fixed, error) {
	if minPremiumRate.Sign() < 0 || minPremiumRate.Cmp(One) >= 0 {
		return Zero, fmt.Errorf("%w: %s", ErrInvalidMinPremium, minPremiumRate)
	}
	if durationInDays.Sign() <= 0 {
		return Zero, fmt.Errorf("%w: %s days", ErrInvalidDuration, durationInDays)
	}

	lnSurvival, err := One.Sub(minPremiumRate).Ln()
	if err != nil {
		return Zero, err
	}
	return lnSurvival.Neg().MulInt(DaysPerYear).Div(durationInDays)
}
