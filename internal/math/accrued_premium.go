package math

import (
	"errors"
	"fmt"
)

const (
	SecondsPerDay = 86_400
	DaysPerYear   = 365
)

var ErrZeroDecayDenominator = errors.New("accrued premium: 1 - e^(-days*lambda) is zero")

// DecayParams are the constants fixed at purchase time for one protection.
type DecayParams struct {
	K      Fixed `json:"k"`      // premium normaliser, asset units
	Lambda Fixed `json:"lambda"` // daily decay rate
}

// CalculateKAndLambda derives the decay constants from the pool's leverage position.
func CalculateKAndLambda(
	totalPremium Fixed,
	durationSeconds int64,
	leverageRatio, floor, ceiling, buffer, curvature Fixed,
) (DecayParams, error) {
	riskFactor, err := CalculateRiskFactor(leverageRatio, floor, ceiling, buffer, curvature)
	if err != nil {
		return DecayParams{}, err
	}
	return CalculateKAndLambdaFromRiskFactor(totalPremium, durationSeconds, riskFactor)
}

// CalculateKAndLambdaFromRiskFactor sets lambda = riskFactor / 365 and
// K = totalPremium / (1 - e^(-durationDays * lambda)), so that accruing over the
// whole duration reproduces totalPremium.
func CalculateKAndLambdaFromRiskFactor(totalPremium Fixed, durationSeconds int64, riskFactor Fixed) (DecayParams, error) {
	if durationSeconds <= 0 {
		return DecayParams{}, fmt.Errorf("%w: %ds", ErrInvalidDuration, durationSeconds)
	}

	lambda, err := riskFactor.DivInt(DaysPerYear)
	if err != nil {
		return DecayParams{}, err
	}

	durationDays, err := FixedFromInt(durationSeconds).DivInt(SecondsPerDay)
	if err != nil {
		return DecayParams{}, err
	}

	decay, err := durationDays.Mul(lambda).Neg().Exp()
	if err != nil {
		return DecayParams{}, err
	}
	denominator := One.Sub(decay)
	if denominator.Sign() <= 0 {
		return DecayParams{}, fmt.Errorf("%w: duration=%ds lambda=%s", ErrZeroDecayDenominator, durationSeconds, lambda)
	}

	k, err := totalPremium.Div(denominator)
	if err != nil {
		return DecayParams{}, err
	}
	if !k.InRange() {
		return DecayParams{}, ErrFixedOverflow
	}
	return DecayParams{K: k, Lambda: lambda}, nil
}

// CalculateAccruedPremium returns K * (e^(-from*lambda/86400) - e^(-to*lambda/86400)),
// the premium earned between two offsets (seconds since protection start).
func CalculateAccruedPremium(fromSecond, toSecond int64, k, lambda Fixed) (Fixed, error) {
	if toSecond <= fromSecond {
		return Zero, nil
	}

	exp1, err := survival(fromSecond, lambda)
	if err != nil {
		return Zero, err
	}
	exp2, err := survival(toSecond, lambda)
	if err != nil {
		return Zero, err
	}

	accrued := k.Mul(exp1.Sub(exp2))
	if accrued.Sign() < 0 {
		return Zero, nil
	}
	return accrued, nil
}

func survival(second int64, lambda Fixed) (Fixed, error) {
	power, err := lambda.MulInt(second).DivInt(SecondsPerDay)
	if err != nil {
		return Zero, err
	}
	return power.Neg().Exp()
}
