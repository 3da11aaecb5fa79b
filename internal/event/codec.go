package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEventType = errors.New("unknown event type")

// New returns an empty command of the given type, ready to unmarshal into
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeRegisterPool:
		return &RegisterPool{}, nil
	case EventTypeAddBasketLoan:
		return &AddBasketLoan{}, nil
	case EventTypeLoanUpdate:
		return &LoanUpdate{}, nil
	case EventTypeMovePoolPhase:
		return &MovePoolPhase{}, nil
	case EventTypeDepositCapital:
		return &DepositCapital{}, nil
	case EventTypeRequestWithdrawal:
		return &RequestWithdrawal{}, nil
	case EventTypeWithdrawCapital:
		return &WithdrawCapital{}, nil
	case EventTypeBuyProtection:
		return &BuyProtection{}, nil
	case EventTypeRenewProtection:
		return &RenewProtection{}, nil
	case EventTypeAccruePremium:
		return &AccruePremium{}, nil
	case EventTypeAssessStates:
		return &AssessStates{}, nil
	case EventTypeClaimUnlockedCapital:
		return &ClaimUnlockedCapital{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, et)
	}
}

// Encode serialises a command for the event log
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode rebuilds a command from its event-log payload
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
