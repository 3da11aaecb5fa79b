package pool

import (
	"fmt"
	"math/big"

	"ProtectionLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// LockCapital sets aside the pool's exposure to a loan that went late: for each
// protection in force, min(protection amount, lender's remaining principal),
// capped at the pool's capital. It snapshots share balances so the capital can
// later be apportioned to sellers. Only the default state manager may call it.
func (p *ProtectionPool) LockCapital(caller, loan common.Address) (uint64, *big.Int, error) {
	if caller != p.dsm.Address() {
		return 0, nil, ErrUnauthorized
	}

	amount := new(big.Int)
	now := p.now()
	if detail, ok := p.lendingPoolDetails[loan]; ok {
		adapter := p.basket.Adapter()
		for _, idx := range sortedIndexes(detail.ActiveProtectionIndexes) {
			info := p.protectionInfos[idx]
			if now > info.ExpirationTimestamp() {
				continue
			}
			remaining, err := adapter.CalculateRemainingPrincipal(loan, info.Buyer, info.PurchaseParams.PositionID)
			if err != nil {
				return 0, nil, err
			}
			exposure := info.PurchaseParams.ProtectionAmount
			if remaining.Cmp(exposure) < 0 {
				exposure = remaining
			}
			amount.Add(amount, exposure)
		}
	}

	if capital := p.TotalCapital(); amount.Cmp(capital) > 0 {
		amount.Set(capital)
	}

	if amount.Sign() > 0 {
		if err := p.post(p.book.Journals().GenerateCapitalLock(p.info.Address, p.assetID, amount)); err != nil {
			return 0, nil, err
		}
	}
	snapshotID := p.token.Snapshot()

	p.logger.Info().
		Str("loan", loan.Hex()).
		Str("amount", amount.String()).
		Uint64("snapshot_id", snapshotID).
		Msg("capital locked")
	return snapshotID, amount, nil
}

// UnlockCapital releases a lock into the claimable pool. Only the default state
// manager may call it.
func (p *ProtectionPool) UnlockCapital(caller, loan common.Address, amount *big.Int) error {
	if caller != p.dsm.Address() {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := p.post(p.book.Journals().GenerateCapitalUnlock(p.info.Address, p.assetID, amount)); err != nil {
		return err
	}

	p.logger.Info().
		Str("loan", loan.Hex()).
		Str("amount", amount.String()).
		Msg("capital unlocked")
	return nil
}

// ClaimUnlockedCapital pays the seller their share of every unlocked lock not yet
// claimed. Returns the amount paid.
func (p *ProtectionPool) ClaimUnlockedCapital(seller common.Address) (*big.Int, error) {
	claimable, err := p.dsm.CalculateClaimableUnlockedAmount(p.info.Address, seller)
	if err != nil {
		return nil, err
	}
	if claimable.Sign() == 0 {
		return claimable, nil
	}
	unlocked := p.book.Balance(ledger.NewPoolAccountKey(p.info.Address, ledger.SubTypePoolUnlockedCapital, p.assetID))
	if claimable.Cmp(unlocked) > 0 {
		return nil, fmt.Errorf("claimable %s exceeds unlocked capital %s", claimable, unlocked)
	}

	claimed, err := p.dsm.CalculateAndClaimUnlockedCapital(p.info.Address, seller)
	if err != nil {
		return nil, err
	}
	if claimed.Sign() > 0 {
		if err := p.post(p.book.Journals().GenerateUnlockedCapitalClaim(p.info.Address, p.assetID, claimed)); err != nil {
			return nil, err
		}
	}

	p.logger.Info().
		Str("seller", seller.Hex()).
		Str("amount", claimed.String()).
		Msg("unlocked capital claimed")
	return claimed, nil
}
