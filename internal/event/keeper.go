package event

import (
	"github.com/ethereum/go-ethereum/common"
)

// AccruePremium recognises earned premium and expires ended protections in one
// pool. Loans empty means every loan in the pool's basket.
type AccruePremium struct {
	Header
	Pool  common.Address   `json:"pool"`
	Loans []common.Address `json:"loans,omitempty"`
}

func (a *AccruePremium) EventType() EventType { return EventTypeAccruePremium }

func (a *AccruePremium) PoolID() *common.Address { return poolRef(a.Pool) }

// AssessStates re-evaluates loan statuses, locking or unlocking capital. Pools
// empty means every registered pool.
type AssessStates struct {
	Header
	Pools []common.Address `json:"pools,omitempty"`
}

func (a *AssessStates) EventType() EventType { return EventTypeAssessStates }

func (a *AssessStates) PoolID() *common.Address { return nil } // Global event

// ClaimUnlockedCapital pays a seller their share of released locks
type ClaimUnlockedCapital struct {
	Header
	Pool   common.Address `json:"pool"`
	Seller common.Address `json:"seller"`
}

func (c *ClaimUnlockedCapital) EventType() EventType { return EventTypeClaimUnlockedCapital }

func (c *ClaimUnlockedCapital) PoolID() *common.Address { return poolRef(c.Pool) }
