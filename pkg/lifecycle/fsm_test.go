package lifecycle

import (
	"errors"
	"testing"
)

func TestNextHappyPath(t *testing.T) {
	stage := Classified
	var err error
	for _, ev := range []Event{EventRegister, EventSend, EventResolve} {
		stage, err = Next(stage, ev)
		if err != nil {
			t.Fatalf("event %s: %v", ev, err)
		}
	}
	if stage != Resolved || !IsTerminal(stage) {
		t.Fatalf("expected RESOLVED, got %s", stage)
	}
}

func TestEarlyResolution(t *testing.T) {
	if s, err := Next(Classified, EventResolve); err != nil || s != Resolved {
		t.Fatalf("ignored or rejected requests resolve from CLASSIFIED: %s %v", s, err)
	}
	if s, err := Next(Registered, EventResolve); err != nil || s != Resolved {
		t.Fatalf("send failures resolve from REGISTERED: %s %v", s, err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		from string
		ev   Event
	}{
		{Resolved, EventResolve},
		{Resolved, EventRegister},
		{Classified, EventSend},
		{AwaitingDecision, EventRegister},
		{Classified, Event("BOGUS")},
	}
	for _, tc := range cases {
		s, err := Next(tc.from, tc.ev)
		if !errors.Is(err, ErrInvalidTransition) || s != tc.from {
			t.Fatalf("%s on %s: got %s %v", tc.ev, tc.from, s, err)
		}
	}
	if IsTerminal(AwaitingDecision) {
		t.Fatal("AWAITING_DECISION is not terminal")
	}
}
