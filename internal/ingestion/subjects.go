package ingestion

import (
	"strings"
	"unicode"

	"ProtectionLedger/internal/event"
)

// NATS layout. Commands: protection.commands.<type>, outbound:
// protection.ledger.events.<type>, where <type> is the snake_case command name.
const (
	CommandStream        = "PROTECTION_COMMANDS"
	CommandSubjectPrefix = "protection.commands."
	CommandConsumer      = "protection-ledger"

	EventStream        = "PROTECTION_LEDGER_EVENTS"
	EventSubjectPrefix = "protection.ledger.events."
)

// SubjectToken renders an event type as a subject token, e.g. BuyProtection
// becomes buy_protection.
func SubjectToken(et event.EventType) string {
	name := et.String()
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func CommandSubject(et event.EventType) string {
	return CommandSubjectPrefix + SubjectToken(et)
}

func OutboundSubject(et event.EventType) string {
	return EventSubjectPrefix + SubjectToken(et)
}

// EventTypeFromSubject resolves the command type of an inbound subject.
// Tokens after the type (partitioning by pool, say) are ignored.
func EventTypeFromSubject(subject string) event.EventType {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return event.EventTypeUnknown
	}
	token, _, _ := strings.Cut(rest, ".")
	for et := event.EventTypeRegisterPool; et <= event.EventTypeClaimUnlockedCapital; et++ {
		if SubjectToken(et) == token {
			return et
		}
	}
	return event.EventTypeUnknown
}
