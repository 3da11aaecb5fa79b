package event

import (
	"ProtectionLedger/internal/lending"

	"github.com/ethereum/go-ethereum/common"
)

// LoanUpdate is an oracle report of a loan's latest facts: payments, principal
// per lender position, default or repayment. It replaces what was known before.
type LoanUpdate struct {
	Header
	Facts lending.LoanFacts `json:"facts"`
}

func (l *LoanUpdate) EventType() EventType { return EventTypeLoanUpdate }

func (l *LoanUpdate) PoolID() *common.Address { return nil } // Global event
