package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// WithdrawalCycleDetail is the withdrawal queue for one cycle index. Amounts are
// share-token units.
type WithdrawalCycleDetail struct {
	TotalSTokenRequested *big.Int
	Requests             map[common.Address]*big.Int
}

func NewWithdrawalCycleDetail() *WithdrawalCycleDetail {
	return &WithdrawalCycleDetail{
		TotalSTokenRequested: new(big.Int),
		Requests:             make(map[common.Address]*big.Int),
	}
}

// Requested returns the seller's outstanding request (zero if none)
func (w *WithdrawalCycleDetail) Requested(seller common.Address) *big.Int {
	if amt, ok := w.Requests[seller]; ok {
		return new(big.Int).Set(amt)
	}
	return new(big.Int)
}

// SetRequest replaces the seller's request and keeps the cycle total consistent.
func (w *WithdrawalCycleDetail) SetRequest(seller common.Address, amount *big.Int) {
	w.TotalSTokenRequested.Sub(w.TotalSTokenRequested, w.Requested(seller))
	w.TotalSTokenRequested.Add(w.TotalSTokenRequested, amount)
	if amount.Sign() == 0 {
		delete(w.Requests, seller)
		return
	}
	w.Requests[seller] = new(big.Int).Set(amount)
}

// Consume reduces the seller's request after a withdrawal
func (w *WithdrawalCycleDetail) Consume(seller common.Address, amount *big.Int) {
	remaining := w.Requested(seller)
	remaining.Sub(remaining, amount)
	w.SetRequest(seller, remaining)
}
