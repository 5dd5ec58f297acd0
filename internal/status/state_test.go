package status

import (
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("h1", nil)
	if m.Current() != Opening {
		t.Errorf("initial state = %s, want OPENING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Opening, Live},
		{Opening, Degraded},
		{Opening, Closed},
		{Live, Degraded},
		{Live, Closed},
		{Degraded, Live},
		{Degraded, Closed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("h1", nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Opening, Opening},
		{Live, Opening},
		{Closed, Live},
		{Closed, Degraded},
		{Closed, Closed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("h1", nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want unchanged %s", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("handle.", 10)
	defer unsub()

	m := NewMachine("h7", b)
	if err := m.Transition(Degraded); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != EventKind {
			t.Errorf("event kind = %q, want %s", evt.Kind, EventKind)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.Handle != "h7" || change.From != Opening || change.To != Degraded {
			t.Errorf("change = %+v, want h7 OPENING -> DEGRADED", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
}

// TestDegradedRecovery covers a handle that opens without a live channel and
// later resubscribes: OPENING → DEGRADED → LIVE → CLOSED.
func TestDegradedRecovery(t *testing.T) {
	m := NewMachine("h1", nil)

	for _, s := range []State{Degraded, Live, Closed} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Closed {
		t.Errorf("final state = %s, want CLOSED", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Opening:  {},
		Live:     {Live},
		Degraded: {Degraded},
		Closed:   {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

func TestTransitionFromRequiresCurrentState(t *testing.T) {
	m := NewMachine("h1", nil)
	if m.TransitionFrom(Live, Degraded) {
		t.Fatal("TransitionFrom(LIVE) succeeded while OPENING")
	}
	if !m.TransitionFrom(Opening, Degraded) {
		t.Fatal("TransitionFrom(OPENING, DEGRADED) failed")
	}
	if m.TransitionFrom(Opening, Live) {
		t.Error("stale OPENING -> LIVE overwrote DEGRADED")
	}
	if m.Current() != Degraded {
		t.Errorf("state = %s, want DEGRADED", m.Current())
	}
	if !m.TransitionFrom(Degraded, Live) {
		t.Error("TransitionFrom(DEGRADED, LIVE) failed")
	}
}
