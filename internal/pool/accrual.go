package pool

import (
	"math/big"
	"sort"

	"ProtectionLedger/internal/math"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// AccrualResult reports what one sweep recognised
type AccrualResult struct {
	Loans          []common.Address `json:"loans"`
	AccruedPremium *big.Int         `json:"accrued_premium"`
	Expired        []uint64         `json:"expired"`
}

type accrual struct {
	info    *state.ProtectionInfo
	amount  *big.Int
	expires bool
}

// AccruePremiumAndExpireProtections recognises premium earned on the given loans
// (all basket loans when empty) up to now and expires protections whose term has
// ended. A protection's accrued total follows its decay curve and reaches exactly
// its premium when it expires.
func (p *ProtectionPool) AccruePremiumAndExpireProtections(loans []common.Address) (AccrualResult, error) {
	if len(loans) == 0 {
		loans = p.basket.GetLoans()
	}
	loans = uniqueAddresses(loans)
	now := p.now()
	result := AccrualResult{AccruedPremium: new(big.Int)}

	// price every protection first so a failure leaves state untouched
	perLoan := make(map[common.Address][]accrual, len(loans))
	for _, loan := range loans {
		detail, ok := p.lendingPoolDetails[loan]
		if !ok {
			continue
		}
		for _, idx := range sortedIndexes(detail.ActiveProtectionIndexes) {
			info := p.protectionInfos[idx]
			a, err := p.accrueProtection(info, now)
			if err != nil {
				return AccrualResult{}, err
			}
			if a.amount.Sign() > 0 || a.expires {
				perLoan[loan] = append(perLoan[loan], a)
			}
		}
	}

	for _, loan := range loans {
		detail, ok := p.lendingPoolDetails[loan]
		if !ok || now <= detail.LastPremiumAccrualTimestamp && len(perLoan[loan]) == 0 {
			continue
		}
		loanAccrued := new(big.Int)
		for _, a := range perLoan[loan] {
			a.info.AccruedPremium.Add(a.info.AccruedPremium, a.amount)
			loanAccrued.Add(loanAccrued, a.amount)
			if a.expires {
				p.expireProtection(detail, a.info)
				result.Expired = append(result.Expired, a.info.Index)
			}
		}
		if now > detail.LastPremiumAccrualTimestamp {
			detail.LastPremiumAccrualTimestamp = now
		}
		if loanAccrued.Sign() > 0 {
			if err := p.post(p.book.Journals().GeneratePremiumAccrual(p.info.Address, p.assetID, loanAccrued)); err != nil {
				return AccrualResult{}, err
			}
			p.totalPremiumAccrued.Add(p.totalPremiumAccrued, loanAccrued)
			result.AccruedPremium.Add(result.AccruedPremium, loanAccrued)
		}
		result.Loans = append(result.Loans, loan)
	}

	if result.AccruedPremium.Sign() > 0 || len(result.Expired) > 0 {
		p.logger.Info().
			Str("accrued", result.AccruedPremium.String()).
			Int("expired", len(result.Expired)).
			Msg("premium accrued")
	}
	return result, nil
}

// accrueProtection returns the premium earned since the last sweep. The amount
// is the curve's cumulative value minus what was already recognised, so windows
// never overlap and rounding does not compound.
func (p *ProtectionPool) accrueProtection(info *state.ProtectionInfo, now int64) (accrual, error) {
	expiration := info.ExpirationTimestamp()
	if now > expiration {
		remaining := new(big.Int).Sub(info.ProtectionPremium, info.AccruedPremium)
		return accrual{info: info, amount: remaining, expires: true}, nil
	}

	elapsed := now - info.StartTimestamp
	if elapsed <= 0 {
		return accrual{info: info, amount: new(big.Int)}, nil
	}
	earned, err := math.CalculateAccruedPremium(0, elapsed, info.Decay.K, info.Decay.Lambda)
	if err != nil {
		return accrual{}, err
	}
	cumulative := earned.ToAmount(p.info.Decimals, math.RoundDown)
	if cumulative.Cmp(info.ProtectionPremium) > 0 {
		cumulative.Set(info.ProtectionPremium)
	}
	delta := cumulative.Sub(cumulative, info.AccruedPremium)
	if delta.Sign() < 0 {
		delta.SetInt64(0)
	}
	return accrual{info: info, amount: delta}, nil
}

func (p *ProtectionPool) expireProtection(detail *state.LendingPoolDetail, info *state.ProtectionInfo) {
	info.Expired = true
	amount := info.PurchaseParams.ProtectionAmount
	key := info.PurchaseParams.Key()

	detail.ActiveProtectionIndexes.Remove(info.Index)
	detail.TotalProtection.Sub(detail.TotalProtection, amount)
	detail.ExpiredProtectionIndexByPosition[key.PositionID] = info.Index

	account := p.buyerAccounts[info.Buyer]
	account.ActiveProtectionIndexes.Remove(info.Index)
	delete(account.ActiveProtectionByPosition, key)
	account.ExpiredProtectionIndexByPosition[key] = info.Index

	p.totalProtection.Sub(p.totalProtection, amount)
}

func sortedIndexes(set *state.IndexSet) []uint64 {
	values := set.Values()
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values
}

func uniqueAddresses(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
