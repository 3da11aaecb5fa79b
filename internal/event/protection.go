package event

import (
	"math/big"

	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// BuyProtection purchases protection on a lender position
type BuyProtection struct {
	Header
	Pool       common.Address       `json:"pool"`
	Buyer      common.Address       `json:"buyer"`
	Params     state.PurchaseParams `json:"params"`
	MaxPremium *big.Int             `json:"max_premium,omitempty"` // nil accepts any premium
}

func (b *BuyProtection) EventType() EventType { return EventTypeBuyProtection }

func (b *BuyProtection) PoolID() *common.Address { return poolRef(b.Pool) }

// RenewProtection extends a recently expired protection on the same position
type RenewProtection struct {
	Header
	Pool       common.Address       `json:"pool"`
	Buyer      common.Address       `json:"buyer"`
	Params     state.PurchaseParams `json:"params"`
	MaxPremium *big.Int             `json:"max_premium,omitempty"`
}

func (r *RenewProtection) EventType() EventType { return EventTypeRenewProtection }

func (r *RenewProtection) PoolID() *common.Address { return poolRef(r.Pool) }
