package lifecycle

import (
	"errors"
)

const (
	Classified       = "CLASSIFIED"
	Registered       = "REGISTERED"
	AwaitingDecision = "AWAITING_DECISION"
	Resolved         = "RESOLVED"
)

var ErrInvalidTransition = errors.New("invalid arbitration transition")

type Event string

const (
	EventRegister Event = "REGISTER"
	EventSend     Event = "SEND"
	// EventResolve covers every resolution trigger: response, sweep, disconnect,
	// send failure and rejected registration.
	EventResolve Event = "RESOLVE"
)

func CanTransition(from, to string) bool {
	switch from {
	case Classified:
		return to == Registered || to == Resolved
	case Registered:
		return to == AwaitingDecision || to == Resolved
	case AwaitingDecision:
		return to == Resolved
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventRegister:
		return Transition(from, Registered)
	case EventSend:
		return Transition(from, AwaitingDecision)
	case EventResolve:
		return Transition(from, Resolved)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(stage string) bool {
	return stage == Resolved
}
