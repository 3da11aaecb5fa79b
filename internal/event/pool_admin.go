package event

import (
	"ProtectionLedger/internal/lending"
	"ProtectionLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// RegisterPool creates a protection pool with its basket and cycle schedule and
// registers it with the default state manager. Owner only.
type RegisterPool struct {
	Header
	Caller          common.Address        `json:"caller"`
	Pool            common.Address        `json:"pool"`
	Basket          common.Address        `json:"basket"`
	UnderlyingAsset string                `json:"underlying_asset"`
	Decimals        int                   `json:"decimals"`
	Params          state.PoolParams      `json:"params"`
	Cycle           state.CycleParams     `json:"cycle"`
	Loans           []lending.BasketEntry `json:"loans"`
}

func (r *RegisterPool) EventType() EventType { return EventTypeRegisterPool }

func (r *RegisterPool) PoolID() *common.Address { return poolRef(r.Pool) }

// AddBasketLoan admits another loan into a pool's basket. Owner only.
type AddBasketLoan struct {
	Header
	Caller common.Address      `json:"caller"`
	Pool   common.Address      `json:"pool"`
	Entry  lending.BasketEntry `json:"entry"`
}

func (a *AddBasketLoan) EventType() EventType { return EventTypeAddBasketLoan }

func (a *AddBasketLoan) PoolID() *common.Address { return poolRef(a.Pool) }

// MovePoolPhase advances a pool to its next phase. Owner only.
type MovePoolPhase struct {
	Header
	Caller common.Address `json:"caller"`
	Pool   common.Address `json:"pool"`
}

func (m *MovePoolPhase) EventType() EventType { return EventTypeMovePoolPhase }

func (m *MovePoolPhase) PoolID() *common.Address { return poolRef(m.Pool) }
