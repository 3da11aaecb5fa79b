package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DepositCapital is a seller adding underlying to a pool
type DepositCapital struct {
	Header
	Pool   common.Address `json:"pool"`
	Seller common.Address `json:"seller"`
	Amount *big.Int       `json:"amount"` // underlying, native decimals
}

func (d *DepositCapital) EventType() EventType { return EventTypeDepositCapital }

func (d *DepositCapital) PoolID() *common.Address { return poolRef(d.Pool) }

// RequestWithdrawal queues shares for withdrawal two cycles ahead
type RequestWithdrawal struct {
	Header
	Pool   common.Address `json:"pool"`
	Seller common.Address `json:"seller"`
	Shares *big.Int       `json:"shares"`
}

func (r *RequestWithdrawal) EventType() EventType { return EventTypeRequestWithdrawal }

func (r *RequestWithdrawal) PoolID() *common.Address { return poolRef(r.Pool) }

// WithdrawCapital burns previously requested shares for underlying
type WithdrawCapital struct {
	Header
	Pool   common.Address `json:"pool"`
	Seller common.Address `json:"seller"`
	Shares *big.Int       `json:"shares"`
}

func (w *WithdrawCapital) EventType() EventType { return EventTypeWithdrawCapital }

func (w *WithdrawCapital) PoolID() *common.Address { return poolRef(w.Pool) }
