//go:build cgo

// Package portaudio implements [audio.Capture] and [audio.Player] on real
// hardware via the PortAudio bindings. Each device holds the PortAudio
// runtime initialised between Start and Stop/Close; concurrent use of
// capture and playback is fine, PortAudio reference-counts Initialize.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/parleyvoice/parley/pkg/audio"
)

// Capture records mono PCM16 from the default input device.
type Capture struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Interface assertion.
var _ audio.Capture = (*Capture)(nil)

// Start implements [audio.Capture]. It opens the default input device at
// sampleRate and posts one frame per [audio.FrameDuration] until ctx is
// cancelled or Stop is called.
func (c *Capture) Start(ctx context.Context, sampleRate int, onFrame func(pcm []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("portaudio: capture already running")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]int16, audio.FrameSamples(sampleRate))
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buf), buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.stream = stream
	c.cancel = cancel
	c.done = done
	c.running = true

	go func() {
		defer close(done)
		frame := make([]byte, len(buf)*2)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := stream.Read(); err != nil {
				// Aborted by Stop, or the device went away.
				return
			}
			for i, s := range buf {
				frame[i*2] = byte(s)
				frame[i*2+1] = byte(s >> 8)
			}
			onFrame(frame)
		}
	}()
	return nil
}

// Stop implements [audio.Capture]. Safe to call more than once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.cancel()
	// Abort unblocks a pending Read.
	err := c.stream.Abort()
	<-c.done
	if cerr := c.stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate()
	c.stream = nil
	return err
}

// Player plays mono PCM16 through the default output device. Enqueued
// chunks accumulate in an in-memory queue that a single writer goroutine
// drains into the device; Clear empties the queue without touching the
// device, so at most one device buffer of stale audio plays out.
type Player struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []byte
	stream  *portaudio.Stream
	out     []int16
	done    chan struct{}
	started bool
	closed  bool
}

// Interface assertion.
var _ audio.Player = (*Player)(nil)

// Start implements [audio.Player].
func (p *Player) Start(sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("portaudio: player already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	p.out = make([]int16, audio.FrameSamples(sampleRate))
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(p.out), p.out)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}

	p.cond = sync.NewCond(&p.mu)
	p.stream = stream
	p.done = make(chan struct{})
	p.started = true
	p.closed = false

	go p.playLoop(stream)
	return nil
}

// playLoop pulls queued bytes into the device buffer one frame at a time.
func (p *Player) playLoop(stream *portaudio.Stream) {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}

		// Fill the device buffer from the queue, zero-padding the tail so a
		// short final chunk still plays.
		n := min(len(p.queue), len(p.out)*2)
		for i := range p.out {
			if i*2+1 < n {
				p.out[i] = int16(p.queue[i*2]) | int16(p.queue[i*2+1])<<8
			} else {
				p.out[i] = 0
			}
		}
		p.queue = p.queue[:copy(p.queue, p.queue[n:])]
		p.mu.Unlock()

		if err := stream.Write(); err != nil {
			return
		}
	}
}

// Enqueue implements [audio.Player].
func (p *Player) Enqueue(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed {
		return
	}
	p.queue = append(p.queue, pcm...)
	p.cond.Signal()
}

// Clear implements [audio.Player]. Drops all queued audio immediately.
func (p *Player) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = p.queue[:0]
}

// Close implements [audio.Player]. Safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.closed = true
	p.queue = nil
	p.cond.Broadcast()
	done := p.done
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	err := stream.Abort()
	<-done
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate()
	return err
}
