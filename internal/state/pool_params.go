package state

import (
	"errors"
	"fmt"
	"math/big"

	"ProtectionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidPoolParams = errors.New("invalid pool params")

// PoolPhase gates who may interact with a pool. Phases only move forward.
type PoolPhase int32

const (
	PoolPhaseOpenToSellers PoolPhase = iota
	PoolPhaseOpenToBuyers
	PoolPhaseOpen
)

func (p PoolPhase) String() string {
	switch p {
	case PoolPhaseOpenToSellers:
		return "OpenToSellers"
	case PoolPhaseOpenToBuyers:
		return "OpenToBuyers"
	case PoolPhaseOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// PoolParams defines a pool's risk and pricing configuration.
// Ratios and percents are 18-decimal fixed point; capital amounts are in the
// underlying asset's native decimals; durations are seconds.
type PoolParams struct {
	LeverageRatioFloor                    math.Fixed `toml:"leverage_ratio_floor" json:"leverage_ratio_floor"`
	LeverageRatioCeiling                  math.Fixed `toml:"leverage_ratio_ceiling" json:"leverage_ratio_ceiling"`
	LeverageRatioBuffer                   math.Fixed `toml:"leverage_ratio_buffer" json:"leverage_ratio_buffer"`
	MinRequiredCapital                    *big.Int   `toml:"min_required_capital" json:"min_required_capital"`
	MinRequiredProtection                 *big.Int   `toml:"min_required_protection" json:"min_required_protection"`
	Curvature                             math.Fixed `toml:"curvature" json:"curvature"`
	MinCarapaceRiskPremiumPercent         math.Fixed `toml:"min_carapace_risk_premium_percent" json:"min_carapace_risk_premium_percent"`
	UnderlyingRiskPremiumPercent          math.Fixed `toml:"underlying_risk_premium_percent" json:"underlying_risk_premium_percent"`
	MinProtectionDurationInSeconds        int64      `toml:"min_protection_duration_in_seconds" json:"min_protection_duration_in_seconds"`
	ProtectionRenewalGracePeriodInSeconds int64      `toml:"protection_renewal_grace_period_in_seconds" json:"protection_renewal_grace_period_in_seconds"`
}

// ValidatePoolParams rejects configurations the premium math cannot price.
func ValidatePoolParams(p *PoolParams) error {
	if p.LeverageRatioFloor.Sign() <= 0 {
		return fmt.Errorf("%w: leverage_ratio_floor must be > 0, got %s", ErrInvalidPoolParams, p.LeverageRatioFloor)
	}
	if p.LeverageRatioCeiling.Cmp(p.LeverageRatioFloor) <= 0 {
		return fmt.Errorf("%w: leverage_ratio_ceiling (%s) must be > floor (%s)",
			ErrInvalidPoolParams, p.LeverageRatioCeiling, p.LeverageRatioFloor)
	}
	if p.LeverageRatioBuffer.Sign() <= 0 {
		return fmt.Errorf("%w: leverage_ratio_buffer must be > 0, got %s", ErrInvalidPoolParams, p.LeverageRatioBuffer)
	}
	if p.Curvature.Sign() <= 0 {
		return fmt.Errorf("%w: curvature must be > 0, got %s", ErrInvalidPoolParams, p.Curvature)
	}
	if p.MinCarapaceRiskPremiumPercent.Sign() < 0 || p.MinCarapaceRiskPremiumPercent.Cmp(math.One) >= 0 {
		return fmt.Errorf("%w: min_carapace_risk_premium_percent must be in [0, 1), got %s",
			ErrInvalidPoolParams, p.MinCarapaceRiskPremiumPercent)
	}
	if p.UnderlyingRiskPremiumPercent.Sign() < 0 || p.UnderlyingRiskPremiumPercent.Cmp(math.One) > 0 {
		return fmt.Errorf("%w: underlying_risk_premium_percent must be in [0, 1], got %s",
			ErrInvalidPoolParams, p.UnderlyingRiskPremiumPercent)
	}
	if p.MinRequiredCapital == nil || p.MinRequiredCapital.Sign() < 0 {
		return fmt.Errorf("%w: min_required_capital must be >= 0", ErrInvalidPoolParams)
	}
	if p.MinRequiredProtection != nil && p.MinRequiredProtection.Sign() < 0 {
		return fmt.Errorf("%w: min_required_protection must be >= 0", ErrInvalidPoolParams)
	}
	if p.MinProtectionDurationInSeconds <= 0 {
		return fmt.Errorf("%w: min_protection_duration_in_seconds must be > 0", ErrInvalidPoolParams)
	}
	if p.ProtectionRenewalGracePeriodInSeconds < 0 {
		return fmt.Errorf("%w: protection_renewal_grace_period_in_seconds must be >= 0", ErrInvalidPoolParams)
	}
	return nil
}

// Pricing projects the params onto the premium calculator's inputs.
func (p *PoolParams) Pricing() math.PricingParams {
	minProtection := p.MinRequiredProtection
	if minProtection == nil {
		minProtection = new(big.Int)
	}
	return math.PricingParams{
		LeverageRatioFloor:            p.LeverageRatioFloor,
		LeverageRatioCeiling:          p.LeverageRatioCeiling,
		LeverageRatioBuffer:           p.LeverageRatioBuffer,
		Curvature:                     p.Curvature,
		MinCarapaceRiskPremiumPercent: p.MinCarapaceRiskPremiumPercent,
		UnderlyingRiskPremiumPercent:  p.UnderlyingRiskPremiumPercent,
		MinRequiredCapital:            p.MinRequiredCapital,
		MinRequiredProtection:         minProtection,
	}
}

// PoolInfo is a pool's configuration plus its phase
type PoolInfo struct {
	Address         common.Address
	Params          PoolParams
	UnderlyingAsset string
	Decimals        math.DecimalConfig
	Basket          common.Address
	Phase           PoolPhase
}
