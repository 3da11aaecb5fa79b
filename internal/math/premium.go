package math

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrNonPositivePremiumRate = errors.New("premium: combined premium rate must be positive")

// secondsPerYear = 365.24 days
var secondsPerYear = MustParseFixed("31556736")

// PricingParams is the subset of pool configuration the premium formula reads.
type PricingParams struct {
	LeverageRatioFloor            Fixed
	LeverageRatioCeiling          Fixed
	LeverageRatioBuffer           Fixed
	Curvature                     Fixed
	MinCarapaceRiskPremiumPercent Fixed
	UnderlyingRiskPremiumPercent  Fixed
	MinRequiredCapital            *big.Int
	MinRequiredProtection         *big.Int
}

// PremiumQuote is the result of pricing one protection purchase.
type PremiumQuote struct {
	Premium         *big.Int // asset units
	IsMinPremium    bool
	RiskFactor      Fixed // risk factor behind the decay constants
	DurationInYears Fixed
	PremiumRate     Fixed
}

// CalculateDurationInYears converts seconds to years of 365.24 days.
func CalculateDurationInYears(durationSeconds int64) Fixed {
	years, _ := FixedFromInt(durationSeconds).Div(secondsPerYear)
	return years
}

// CalculatePremium prices a protection of protectionAmount (asset units) for durationSeconds.
func CalculatePremium(
	durationSeconds int64,
	protectionAmount *big.Int,
	buyerAPR Fixed,
	leverageRatio Fixed,
	totalCapital, totalProtection *big.Int,
	params PricingParams,
) (PremiumQuote, error) {
	if durationSeconds <= 0 {
		return PremiumQuote{}, fmt.Errorf("%w: %ds", ErrInvalidDuration, durationSeconds)
	}
	durationInYears := CalculateDurationInYears(durationSeconds)

	quote := PremiumQuote{DurationInYears: durationInYears}
	carapaceRate := Zero

	if CanCalculateRiskFactor(totalCapital, totalProtection, leverageRatio,
		params.LeverageRatioFloor, params.LeverageRatioCeiling,
		params.MinRequiredCapital, params.MinRequiredProtection) {
		riskFactor, err := CalculateRiskFactor(leverageRatio,
			params.LeverageRatioFloor, params.LeverageRatioCeiling,
			params.LeverageRatioBuffer, params.Curvature)
		if err != nil {
			return PremiumQuote{}, err
		}
		decay, err := durationInYears.Mul(riskFactor).Neg().Exp()
		if err != nil {
			return PremiumQuote{}, err
		}
		carapaceRate = One.Sub(decay)
		quote.RiskFactor = riskFactor
	} else {
		quote.IsMinPremium = true
	}

	// the floor raises the price only; K rescales the computed curve to it
	carapaceRate = MaxFixed(carapaceRate, params.MinCarapaceRiskPremiumPercent)

	if quote.IsMinPremium {
		days, err := FixedFromInt(durationSeconds).DivInt(SecondsPerDay)
		if err != nil {
			return PremiumQuote{}, err
		}
		riskFactor, err := CalculateRiskFactorUsingMinPremium(params.MinCarapaceRiskPremiumPercent, days)
		if err != nil {
			return PremiumQuote{}, err
		}
		quote.RiskFactor = riskFactor
	}

	underlyingRate := params.UnderlyingRiskPremiumPercent.Mul(buyerAPR).Mul(durationInYears)
	rate := carapaceRate.Add(underlyingRate)
	if rate.Sign() <= 0 {
		return PremiumQuote{}, fmt.Errorf("%w: carapace=%s underlying=%s", ErrNonPositivePremiumRate, carapaceRate, underlyingRate)
	}

	quote.PremiumRate = rate
	quote.Premium = MulAmount(protectionAmount, rate, RoundDown)
	return quote, nil
}
