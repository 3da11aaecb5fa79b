package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRegisterPool
	EventTypeAddBasketLoan
	EventTypeLoanUpdate
	EventTypeMovePoolPhase
	EventTypeDepositCapital
	EventTypeRequestWithdrawal
	EventTypeWithdrawCapital
	EventTypeBuyProtection
	EventTypeRenewProtection
	EventTypeAccruePremium
	EventTypeAssessStates
	EventTypeClaimUnlockedCapital
)

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Pool context (nil for global commands)
	PoolID *common.Address

	// Versioned input timestamp in unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// Set when the command was rejected; state is unchanged
	Rejected     bool
	RejectReason string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PoolID returns the pool context (nil for global commands)
	PoolID() *common.Address

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
	// SequenceSource names the producer whose sequence stream SourceSequence
	// belongs to. Each producer numbers its partitions independently.
	SequenceSource() string

	// EventTimestamp is the command's time in unix seconds. The core clock
	// follows it; nothing inside the core reads the wall clock.
	EventTimestamp() int64
}

// Header carries the fields every command shares
type Header struct {
	CommandID uuid.UUID `json:"command_id"`
	Source    string    `json:"source,omitempty"` // producer owning the sequence stream; empty for the primary upstream
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (h Header) IdempotencyKey() string { return h.CommandID.String() }

func (h Header) SourceSequence() int64 { return h.Sequence }

func (h Header) SequenceSource() string { return h.Source }

func (h Header) EventTimestamp() int64 { return h.Timestamp }

func poolRef(addr common.Address) *common.Address {
	a := addr
	return &a
}

func (et EventType) String() string {
	switch et {
	case EventTypeRegisterPool:
		return "RegisterPool"
	case EventTypeAddBasketLoan:
		return "AddBasketLoan"
	case EventTypeLoanUpdate:
		return "LoanUpdate"
	case EventTypeMovePoolPhase:
		return "MovePoolPhase"
	case EventTypeDepositCapital:
		return "DepositCapital"
	case EventTypeRequestWithdrawal:
		return "RequestWithdrawal"
	case EventTypeWithdrawCapital:
		return "WithdrawCapital"
	case EventTypeBuyProtection:
		return "BuyProtection"
	case EventTypeRenewProtection:
		return "RenewProtection"
	case EventTypeAccruePremium:
		return "AccruePremium"
	case EventTypeAssessStates:
		return "AssessStates"
	case EventTypeClaimUnlockedCapital:
		return "ClaimUnlockedCapital"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String
func ParseEventType(s string) EventType {
	for et := EventTypeRegisterPool; et <= EventTypeClaimUnlockedCapital; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
