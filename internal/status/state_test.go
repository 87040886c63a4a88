package status

import (
	"sync"
	"testing"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Connecting}},
		{[]State{Connecting, Connected}},
		{[]State{Connecting, Disconnected}},
		{[]State{Connecting, Connected, Disconnected}},
		{[]State{Connecting, Connected, Disconnected, Connecting}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, to := range tt.path {
			if err := m.Transition(to); err != nil {
				t.Fatalf("path %v: Transition(%s) error = %v", tt.path, to, err)
			}
		}
		if got, want := m.Current(), tt.path[len(tt.path)-1]; got != want {
			t.Errorf("path %v: state = %s, want %s", tt.path, got, want)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
	if err := m.Transition(Disconnected); err == nil {
		t.Error("Transition(DISCONNECTED -> DISCONNECTED) should fail")
	}
	_ = m.Transition(Connecting)
	if err := m.Transition(Connecting); err == nil {
		t.Error("Transition(CONNECTING -> CONNECTING) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStateChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestCompareAndTransitionSingleWinner verifies that concurrent connect
// attempts race on the same edge and exactly one wins.
func TestCompareAndTransitionSingleWinner(t *testing.T) {
	m := NewMachine(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.CompareAndTransition(Disconnected, Connecting) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if m.Current() != Connecting {
		t.Errorf("state = %s, want CONNECTING", m.Current())
	}
}

func TestCompareAndTransitionWrongFrom(t *testing.T) {
	m := NewMachine(nil)
	if m.CompareAndTransition(Connected, Disconnected) {
		t.Error("CompareAndTransition from a state the machine is not in should fail")
	}
}
