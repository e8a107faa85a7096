package statemachine

import "testing"

const (
	stIdle = iota
	stRunning
	stDone
)

func graph() Graph {
	return CompileGraph(map[int][]int{
		stIdle:    {stRunning, stDone},
		stRunning: {stDone},
		stDone:    {stDone},
	})
}

func TestAllowedTransitions(t *testing.T) {
	m := New(graph(), "idle", "running", "done")
	if !m.Allowed(stRunning) {
		t.Fatalf("expected idle -> running to be allowed")
	}
	m.To(stRunning)
	if m.Allowed(stIdle) {
		t.Fatalf("running -> idle must not be allowed")
	}
}

func TestSelfTransitionIsNoop(t *testing.T) {
	m := New(graph())
	m.To(stDone)
	if changed := m.To(stDone); changed {
		t.Fatalf("repeated transition into the same state must report no change")
	}
}

func TestInvalidTransitionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on invalid transition")
		}
	}()
	m := New(graph())
	m.To(stDone)
	m.To(stRunning)
}
