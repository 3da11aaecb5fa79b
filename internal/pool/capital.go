package pool

import (
	"fmt"
	"math/big"

	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// convertToShares prices underlying in shares at the current exchange rate. The
// first deposit mints one 18-decimal share per unit of underlying.
func (p *ProtectionPool) convertToShares(underlying *big.Int) (*big.Int, error) {
	supply := p.token.TotalSupply()
	if supply.Sign() == 0 {
		return math.FromAmount(underlying, p.info.Decimals).Raw(), nil
	}
	capital := p.TotalCapital()
	if capital.Sign() == 0 {
		return nil, ErrNoCapital
	}
	return math.MulDiv(underlying, supply, capital, math.RoundDown), nil
}

// convertToUnderlying prices shares in underlying, rounded down
func (p *ProtectionPool) convertToUnderlying(shares *big.Int) *big.Int {
	supply := p.token.TotalSupply()
	if supply.Sign() == 0 {
		return new(big.Int)
	}
	return math.MulDiv(shares, p.TotalCapital(), supply, math.RoundDown)
}

// Deposit adds seller capital and mints shares to receiver. Returns the shares minted.
func (p *ProtectionPool) Deposit(underlyingAmount *big.Int, receiver common.Address) (*big.Int, error) {
	if underlyingAmount == nil || underlyingAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.info.Phase == state.PoolPhaseOpenToBuyers {
		return nil, ErrPoolInOpenToBuyersPhase
	}
	if p.cycleState() != state.CycleStateOpen {
		return nil, ErrCycleNotOpen
	}

	capitalAfter := new(big.Int).Add(p.TotalCapital(), underlyingAmount)
	// with no protection outstanding the ratio is undefined and deposits are unrestricted
	if p.info.Phase == state.PoolPhaseOpen && p.totalProtection.Sign() > 0 {
		ratio, _ := leverageRatioAfter(p.totalProtection, capitalAfter)
		if ratio.Cmp(p.info.Params.LeverageRatioFloor) < 0 {
			return nil, fmt.Errorf("%w: %s after deposit", ErrLeverageRatioTooLow, ratio)
		}
	}

	shares, err := p.convertToShares(underlyingAmount)
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("%w: deposit too small to mint shares", ErrInvalidAmount)
	}

	if err := p.post(p.book.Journals().GenerateDeposit(p.info.Address, p.assetID, underlyingAmount)); err != nil {
		return nil, err
	}
	if err := p.token.Mint(receiver, shares); err != nil {
		return nil, err
	}

	p.logger.Debug().
		Str("receiver", receiver.Hex()).
		Str("amount", underlyingAmount.String()).
		Str("shares", shares.String()).
		Msg("capital deposited")
	return shares, nil
}

// RequestWithdrawal queues sTokenAmount for withdrawal in the cycle after next.
// A new request for the same cycle replaces the previous one.
func (p *ProtectionPool) RequestWithdrawal(seller common.Address, sTokenAmount *big.Int) (int64, error) {
	if sTokenAmount == nil || sTokenAmount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	balance := p.token.BalanceOf(seller)
	if sTokenAmount.Cmp(balance) > 0 {
		return 0, fmt.Errorf("%w: requested %s, balance %s", ErrInsufficientShareBalance, sTokenAmount, balance)
	}

	p.cycleState()
	cycleIndex := p.cycles.GetCurrentCycleIndex(p.info.Address) + 2

	detail, ok := p.withdrawalCycles[cycleIndex]
	if !ok {
		detail = state.NewWithdrawalCycleDetail()
		p.withdrawalCycles[cycleIndex] = detail
	}
	detail.SetRequest(seller, sTokenAmount)

	p.logger.Debug().
		Str("seller", seller.Hex()).
		Str("shares", sTokenAmount.String()).
		Int64("cycle_index", cycleIndex).
		Msg("withdrawal requested")
	return cycleIndex, nil
}

// Withdraw burns requested shares and pays out their underlying value. Returns the
// underlying amount paid.
func (p *ProtectionPool) Withdraw(seller common.Address, sTokenAmount *big.Int) (*big.Int, error) {
	if sTokenAmount == nil || sTokenAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.cycleState() != state.CycleStateOpen {
		return nil, ErrCycleNotOpen
	}

	cycleIndex := p.cycles.GetCurrentCycleIndex(p.info.Address)
	detail, ok := p.withdrawalCycles[cycleIndex]
	if !ok || detail.Requested(seller).Cmp(sTokenAmount) < 0 {
		return nil, fmt.Errorf("%w: cycle %d", ErrInsufficientRequestedWithdrawal, cycleIndex)
	}
	if p.token.BalanceOf(seller).Cmp(sTokenAmount) < 0 {
		return nil, ErrInsufficientShareBalance
	}

	underlying := p.convertToUnderlying(sTokenAmount)
	capitalAfter := new(big.Int).Sub(p.TotalCapital(), underlying)
	if p.info.Phase == state.PoolPhaseOpen {
		ratio, ok := leverageRatioAfter(p.totalProtection, capitalAfter)
		if !ok || ratio.Cmp(p.info.Params.LeverageRatioCeiling) > 0 {
			return nil, fmt.Errorf("%w: %s after withdrawal", ErrLeverageRatioTooHigh, ratio)
		}
	}

	if underlying.Sign() > 0 {
		if err := p.post(p.book.Journals().GenerateWithdrawal(p.info.Address, p.assetID, underlying)); err != nil {
			return nil, err
		}
	}
	if err := p.token.Burn(seller, sTokenAmount); err != nil {
		return nil, err
	}
	detail.Consume(seller, sTokenAmount)

	p.logger.Debug().
		Str("seller", seller.Hex()).
		Str("shares", sTokenAmount.String()).
		Str("amount", underlying.String()).
		Msg("capital withdrawn")
	return underlying, nil
}

// RequestedWithdrawalAmount returns the seller's request for the current cycle
func (p *ProtectionPool) RequestedWithdrawalAmount(seller common.Address) *big.Int {
	return p.RequestedWithdrawalAmountAt(seller, p.cycles.GetCurrentCycleIndex(p.info.Address))
}

func (p *ProtectionPool) RequestedWithdrawalAmountAt(seller common.Address, cycleIndex int64) *big.Int {
	detail, ok := p.withdrawalCycles[cycleIndex]
	if !ok {
		return new(big.Int)
	}
	return detail.Requested(seller)
}

// TotalRequestedWithdrawalAmount returns all requests queued for the current cycle
func (p *ProtectionPool) TotalRequestedWithdrawalAmount() *big.Int {
	detail, ok := p.withdrawalCycles[p.cycles.GetCurrentCycleIndex(p.info.Address)]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(detail.TotalSTokenRequested)
}

// MovePoolPhase advances the pool one phase when its gate is met:
// OpenToSellers -> OpenToBuyers once minimum capital is raised,
// OpenToBuyers -> Open once the leverage ratio reaches the floor.
func (p *ProtectionPool) MovePoolPhase(caller common.Address) (state.PoolPhase, error) {
	if caller != p.owner {
		return p.info.Phase, ErrUnauthorized
	}

	switch p.info.Phase {
	case state.PoolPhaseOpenToSellers:
		capital := p.TotalCapital()
		if capital.Cmp(p.info.Params.MinRequiredCapital) < 0 {
			return p.info.Phase, fmt.Errorf("%w: capital %s below minimum %s",
				ErrPhaseTransitionNotAllowed, capital, p.info.Params.MinRequiredCapital)
		}
		p.info.Phase = state.PoolPhaseOpenToBuyers
	case state.PoolPhaseOpenToBuyers:
		ratio := p.LeverageRatio()
		if ratio.Cmp(p.info.Params.LeverageRatioFloor) < 0 {
			return p.info.Phase, fmt.Errorf("%w: leverage ratio %s below floor %s",
				ErrPhaseTransitionNotAllowed, ratio, p.info.Params.LeverageRatioFloor)
		}
		p.info.Phase = state.PoolPhaseOpen
	default:
		return p.info.Phase, fmt.Errorf("%w: already %s", ErrPhaseTransitionNotAllowed, p.info.Phase)
	}

	p.logger.Info().Str("phase", p.info.Phase.String()).Msg("pool phase moved")
	return p.info.Phase, nil
}
