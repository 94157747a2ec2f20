// Package mock provides in-memory mock implementations of [audio.Capture]
// and [audio.Player] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	cap := &mock.Capture{}
//	player := &mock.Player{}
//	sess := client.New(url, client.WithAudio(cap, player))
//	...
//	cap.EmitFrame(pcm) // simulate microphone input
package mock

import (
	"context"
	"sync"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture].
// Set the exported error fields before use; inspect the Call* fields after.
type Capture struct {
	mu sync.Mutex

	// StartError is returned by [Capture.Start].
	StartError error

	// StopError is returned by [Capture.Stop].
	StopError error

	// StartedRate records the sampleRate passed to the most recent Start.
	StartedRate int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onFrame func([]byte)
}

// Start implements [audio.Capture]. Records the call and retains onFrame so
// tests can push frames via [Capture.EmitFrame].
func (c *Capture) Start(_ context.Context, sampleRate int, onFrame func(pcm []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	c.StartedRate = sampleRate
	if c.StartError != nil {
		return c.StartError
	}
	c.onFrame = onFrame
	return nil
}

// Stop implements [audio.Capture]. Returns StopError.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.onFrame = nil
	return c.StopError
}

// EmitFrame invokes the frame callback registered by Start. Use this in
// tests to simulate microphone input. No-op when capture is not running.
func (c *Capture) EmitFrame(pcm []byte) {
	c.mu.Lock()
	cb := c.onFrame
	c.mu.Unlock()
	if cb != nil {
		cb(pcm)
	}
}

// Running reports whether Start has been called without a matching Stop.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onFrame != nil
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// StartError is returned by [Player.Start].
	StartError error

	// StartedRate records the sampleRate passed to the most recent Start.
	StartedRate int

	// Enqueued holds every chunk passed to Enqueue since the last Clear, in
	// order.
	Enqueued [][]byte

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClear records how many times Clear was called.
	CallCountClear int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start implements [audio.Player]. Returns StartError.
func (p *Player) Start(sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStart++
	p.StartedRate = sampleRate
	return p.StartError
}

// Enqueue implements [audio.Player]. Records a copy of the chunk.
func (p *Player) Enqueue(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.Enqueued = append(p.Enqueued, cp)
}

// Clear implements [audio.Player]. Drops recorded chunks.
func (p *Player) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClear++
	p.Enqueued = nil
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	p.Enqueued = nil
	return nil
}

// QueuedBytes returns the total byte count of recorded chunks.
func (p *Player) QueuedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, c := range p.Enqueued {
		n += len(c)
	}
	return n
}
