package session

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle state of one session.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// transitions is the closed set of allowed state changes.
var transitions = map[State][]State{
	StateConnecting: {StateReady, StateError},
	StateReady:      {StateListening, StateError},
	StateListening:  {StateThinking, StateSpeaking, StateError},
	StateThinking:   {StateSpeaking, StateListening, StateError},
	StateSpeaking:   {StateListening, StateError},
	StateError:      {StateConnecting},
}

// allowed reports whether from → to is in the transition table.
func allowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine guards the session state. Transitions outside the table are
// rejected and logged rather than applied — a misbehaving collaborator must
// not be able to corrupt the lifecycle.
type machine struct {
	mu    sync.Mutex
	state State
	log   *slog.Logger
}

func newMachine(log *slog.Logger) *machine {
	return &machine{state: StateConnecting, log: log}
}

// Current returns the current state.
func (m *machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To attempts the transition and reports whether it was applied.
func (m *machine) To(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == next {
		return true
	}
	if !allowed(m.state, next) {
		m.log.Warn("rejected state transition",
			slog.String("from", string(m.state)),
			slog.String("to", string(next)))
		return false
	}
	m.state = next
	return true
}

// MustTo is To for transitions the driver knows are valid; it returns an
// error instead of a bool so call sites read naturally in error chains.
func (m *machine) MustTo(next State) error {
	if !m.To(next) {
		return fmt.Errorf("session: invalid transition %s -> %s", m.Current(), next)
	}
	return nil
}
