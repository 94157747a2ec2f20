package session

import (
	"log/slog"
	"testing"
)

func newTestMachine() *machine {
	return newMachine(slog.Default())
}

func TestMachine_StartsConnecting(t *testing.T) {
	m := newTestMachine()
	if m.Current() != StateConnecting {
		t.Errorf("initial state = %q, want connecting", m.Current())
	}
}

func TestMachine_AllowedTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateConnecting, StateReady, true},
		{StateConnecting, StateError, true},
		{StateConnecting, StateListening, false},
		{StateReady, StateListening, true},
		{StateReady, StateThinking, false},
		{StateListening, StateThinking, true},
		{StateListening, StateSpeaking, true},
		{StateListening, StateReady, false},
		{StateThinking, StateSpeaking, true},
		{StateThinking, StateListening, true},
		{StateSpeaking, StateListening, true},
		{StateSpeaking, StateThinking, false},
		{StateError, StateConnecting, true},
		{StateError, StateListening, false},
	}

	for _, tc := range cases {
		if got := allowed(tc.from, tc.to); got != tc.ok {
			t.Errorf("allowed(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestMachine_RejectedTransitionKeepsState(t *testing.T) {
	m := newTestMachine()
	if m.To(StateSpeaking) {
		t.Error("connecting -> speaking should be rejected")
	}
	if m.Current() != StateConnecting {
		t.Errorf("state = %q, want connecting after rejection", m.Current())
	}
}

func TestMachine_SameStateIsNoOp(t *testing.T) {
	m := newTestMachine()
	m.To(StateReady)
	if !m.To(StateReady) {
		t.Error("same-state transition should succeed")
	}
}

func TestMachine_MustTo(t *testing.T) {
	m := newTestMachine()
	if err := m.MustTo(StateReady); err != nil {
		t.Errorf("MustTo(ready) = %v", err)
	}
	if err := m.MustTo(StateSpeaking); err == nil {
		t.Error("MustTo(ready -> speaking) should fail")
	}
}
