package pool

import (
	"fmt"
	"math/big"

	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// BuyProtection sells protection on a lender position. maxPremium bounds the
// premium the buyer accepts.
func (p *ProtectionPool) BuyProtection(buyer common.Address, params state.PurchaseParams, maxPremium *big.Int) (state.ProtectionInfo, error) {
	if err := p.checkPurchase(buyer, params); err != nil {
		return state.ProtectionInfo{}, err
	}
	return p.sellProtection(buyer, params, maxPremium, p.now(), false)
}

// RenewProtection extends an expired protection on the same position. The renewal
// starts one second after the expired protection ended so accrual is continuous.
func (p *ProtectionPool) RenewProtection(buyer common.Address, params state.PurchaseParams, maxPremium *big.Int) (state.ProtectionInfo, error) {
	if err := p.checkPurchase(buyer, params); err != nil {
		return state.ProtectionInfo{}, err
	}

	account, ok := p.buyerAccounts[buyer]
	if !ok {
		return state.ProtectionInfo{}, ErrNoExpiredProtection
	}
	expiredIndex, ok := account.ExpiredProtectionIndexByPosition[params.Key()]
	if !ok {
		return state.ProtectionInfo{}, ErrNoExpiredProtection
	}
	expired := p.protectionInfos[expiredIndex]

	end := expired.ExpirationTimestamp()
	if p.now() > end+p.info.Params.ProtectionRenewalGracePeriodInSeconds {
		return state.ProtectionInfo{}, fmt.Errorf("%w: expired at %d, grace %ds",
			ErrRenewalGracePeriodElapsed, end, p.info.Params.ProtectionRenewalGracePeriodInSeconds)
	}
	if params.ProtectionAmount.Cmp(expired.PurchaseParams.ProtectionAmount) > 0 {
		return state.ProtectionInfo{}, fmt.Errorf("%w: %s > %s",
			ErrRenewalAmountExceedsOriginal, params.ProtectionAmount, expired.PurchaseParams.ProtectionAmount)
	}

	return p.sellProtection(buyer, params, maxPremium, end+1, true)
}

// checkPurchase holds the checks shared by purchase and renewal that need no pricing
func (p *ProtectionPool) checkPurchase(buyer common.Address, params state.PurchaseParams) error {
	if p.info.Phase == state.PoolPhaseOpenToSellers {
		return ErrPoolInOpenToSellersPhase
	}
	if params.ProtectionAmount == nil || params.ProtectionAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if params.DurationInSeconds < p.info.Params.MinProtectionDurationInSeconds {
		return fmt.Errorf("%w: %ds < %ds", ErrProtectionDurationTooShort,
			params.DurationInSeconds, p.info.Params.MinProtectionDurationInSeconds)
	}
	// a protection past its end still counts until the accrual sweep expires it
	if account, ok := p.buyerAccounts[buyer]; ok {
		if idx, ok := account.ActiveProtectionByPosition[params.Key()]; ok {
			return fmt.Errorf("%w: loan %s position %d (protection %d)", ErrDuplicateProtection,
				params.LendingPool.Hex(), params.PositionID, idx)
		}
	}
	return nil
}

func (p *ProtectionPool) sellProtection(
	buyer common.Address,
	params state.PurchaseParams,
	maxPremium *big.Int,
	start int64,
	isRenewal bool,
) (state.ProtectionInfo, error) {
	p.cycleState()
	nextCycleEnd, err := p.cycles.GetNextCycleEndTimestamp(p.info.Address)
	if err != nil {
		return state.ProtectionInfo{}, err
	}
	// compared as a window so an extreme duration cannot wrap past the bound
	if window := nextCycleEnd - start; params.DurationInSeconds > window {
		return state.ProtectionInfo{}, fmt.Errorf("%w: %ds exceeds the %ds left before next cycle end %d",
			ErrProtectionDurationTooLong, params.DurationInSeconds, window, nextCycleEnd)
	}

	loan := params.LendingPool
	status, err := p.dsm.AssessLoanStatus(p.info.Address, loan)
	if err != nil {
		return state.ProtectionInfo{}, err
	}
	if status != state.LoanStatusActive {
		return state.ProtectionInfo{}, fmt.Errorf("%w: %s is %s", ErrLoanNotActive, loan.Hex(), status)
	}

	allowed, err := p.basket.CanBuyProtection(buyer, params, isRenewal)
	if err != nil {
		return state.ProtectionInfo{}, err
	}
	if !allowed {
		return state.ProtectionInfo{}, ErrProtectionPurchaseNotAllowed
	}

	capital := p.TotalCapital()
	if capital.Sign() == 0 {
		return state.ProtectionInfo{}, ErrNoCapital
	}
	protectionAfter := new(big.Int).Add(p.totalProtection, params.ProtectionAmount)
	leverageRatio, _ := leverageRatioAfter(protectionAfter, capital)
	if p.info.Phase == state.PoolPhaseOpen && leverageRatio.Cmp(p.info.Params.LeverageRatioCeiling) > 0 {
		return state.ProtectionInfo{}, fmt.Errorf("%w: %s after purchase", ErrLeverageRatioTooHigh, leverageRatio)
	}

	apr, err := p.basket.Adapter().CalculateProtectionBuyerAPR(loan)
	if err != nil {
		return state.ProtectionInfo{}, err
	}
	quote, err := math.CalculatePremium(params.DurationInSeconds, params.ProtectionAmount, apr,
		leverageRatio, capital, protectionAfter, p.info.Params.Pricing())
	if err != nil {
		return state.ProtectionInfo{}, err
	}
	if maxPremium != nil && quote.Premium.Cmp(maxPremium) > 0 {
		return state.ProtectionInfo{}, fmt.Errorf("%w: %s > %s", ErrPremiumExceedsMax, quote.Premium, maxPremium)
	}

	decay, err := math.CalculateKAndLambdaFromRiskFactor(
		math.FromAmount(quote.Premium, p.info.Decimals), params.DurationInSeconds, quote.RiskFactor)
	if err != nil {
		return state.ProtectionInfo{}, err
	}

	if quote.Premium.Sign() > 0 {
		if err := p.post(p.book.Journals().GeneratePremiumPayment(p.info.Address, p.assetID, quote.Premium)); err != nil {
			return state.ProtectionInfo{}, err
		}
	}

	purchased := params
	purchased.ProtectionAmount = new(big.Int).Set(params.ProtectionAmount)
	info := &state.ProtectionInfo{
		Index:             uint64(len(p.protectionInfos)),
		Buyer:             buyer,
		PurchaseParams:    purchased,
		ProtectionPremium: quote.Premium,
		StartTimestamp:    start,
		Decay:             decay,
		IsMinPremium:      quote.IsMinPremium,
		IsRenewal:         isRenewal,
		AccruedPremium:    new(big.Int),
	}
	p.protectionInfos = append(p.protectionInfos, info)

	detail, ok := p.lendingPoolDetails[loan]
	if !ok {
		detail = state.NewLendingPoolDetail(p.now())
		p.lendingPoolDetails[loan] = detail
	}
	detail.ActiveProtectionIndexes.Add(info.Index)
	detail.TotalProtection.Add(detail.TotalProtection, params.ProtectionAmount)
	detail.TotalPremium.Add(detail.TotalPremium, quote.Premium)

	account, ok := p.buyerAccounts[buyer]
	if !ok {
		account = state.NewProtectionBuyerAccount()
		p.buyerAccounts[buyer] = account
	}
	account.ActiveProtectionIndexes.Add(info.Index)
	account.ActiveProtectionByPosition[params.Key()] = info.Index
	account.AddPremium(loan, quote.Premium)

	p.totalProtection.Add(p.totalProtection, params.ProtectionAmount)
	p.totalPremium.Add(p.totalPremium, quote.Premium)

	p.logger.Info().
		Str("buyer", buyer.Hex()).
		Str("loan", loan.Hex()).
		Uint64("index", info.Index).
		Str("amount", params.ProtectionAmount.String()).
		Str("premium", quote.Premium.String()).
		Bool("min_premium", quote.IsMinPremium).
		Bool("renewal", isRenewal).
		Msg("protection sold")
	return copyProtection(info), nil
}
