package client

import "sync"

// Event identifies one kind of session event. The set is closed; subscribing
// to anything else is a programming error and panics.
type Event string

const (
	// EventStateChange fires with the new [State] on every transition.
	EventStateChange Event = "stateChange"

	// EventMessage fires with a [Message] when the conversation grows.
	EventMessage Event = "message"

	// EventTranscript fires with a [TranscriptUpdate] for partial transcripts.
	EventTranscript Event = "transcript"

	// EventError fires with an error for connection, audio, and server faults.
	EventError Event = "error"

	// EventConnected fires with no payload when the socket opens.
	EventConnected Event = "connected"

	// EventDisconnected fires with no payload when the socket closes.
	EventDisconnected Event = "disconnected"

	// EventAudioReady fires with no payload once capture and playback run.
	EventAudioReady Event = "audioReady"

	// EventReset fires with no payload when the server acknowledges a reset.
	EventReset Event = "reset"
)

var knownEvents = map[Event]bool{
	EventStateChange:  true,
	EventMessage:      true,
	EventTranscript:   true,
	EventError:        true,
	EventConnected:    true,
	EventDisconnected: true,
	EventAudioReady:   true,
	EventReset:        true,
}

// bus is a typed subscriber registry: a map from event kind to a set of
// subscriber closures. Each subscription returns an unsubscribe capability.
type bus struct {
	mu   sync.Mutex
	subs map[Event]map[int]func(any)
	next int
}

func newBus() *bus {
	return &bus{subs: make(map[Event]map[int]func(any))}
}

// on registers fn for ev and returns a function that removes it. Calling the
// returned function more than once is safe.
func (b *bus) on(ev Event, fn func(any)) func() {
	if !knownEvents[ev] {
		panic("client: unknown event " + string(ev))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[ev] == nil {
		b.subs[ev] = make(map[int]func(any))
	}
	id := b.next
	b.next++
	b.subs[ev][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[ev], id)
	}
}

// emit invokes every subscriber of ev with payload. Subscribers run on the
// caller's goroutine; they must not block.
func (b *bus) emit(ev Event, payload any) {
	b.mu.Lock()
	fns := make([]func(any), 0, len(b.subs[ev]))
	for _, fn := range b.subs[ev] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}
