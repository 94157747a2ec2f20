// Package audio defines the microphone and speaker primitives used by the
// Parley client session.
//
// The two abstractions are:
//
//   - [Capture] — records mono PCM16 from a microphone and posts it in
//     fixed-duration frames.
//   - [Player] — plays a stream of mono PCM16 chunks and can flush its queue
//     instantly on barge-in.
//
// Implementations are provided by device-specific packages (audio/portaudio
// for real hardware, audio/mock for tests). This package lives under pkg/
// because external code is expected to implement these interfaces.
package audio

import (
	"context"
	"time"
)

// FrameDuration is the length of one microphone frame. Capture
// implementations post exactly one callback per FrameDuration of audio.
const FrameDuration = 100 * time.Millisecond

// FrameSamples returns the number of int16 samples in one microphone frame
// at the given sample rate (1600 at 16 kHz).
func FrameSamples(sampleRate int) int {
	return sampleRate / int(time.Second/FrameDuration)
}

// FrameBytes returns the size in bytes of one microphone frame at the given
// sample rate.
func FrameBytes(sampleRate int) int {
	return FrameSamples(sampleRate) * 2
}

// Capture records mono PCM16 LE audio from a microphone.
//
// Implementations must be safe for concurrent use of Stop against a running
// capture.
type Capture interface {
	// Start begins recording at sampleRate and invokes onFrame with each
	// fixed-size frame (see [FrameDuration]) until ctx is cancelled or Stop
	// is called. onFrame is invoked from a single internal goroutine and
	// must not block. The frame slice is only valid for the duration of the
	// callback.
	Start(ctx context.Context, sampleRate int, onFrame func(pcm []byte)) error

	// Stop ends the capture. Safe to call more than once.
	Stop() error
}

// Player plays a stream of mono PCM16 LE audio.
//
// Implementations must be safe for concurrent use: Enqueue, Clear and Close
// may be called from different goroutines.
type Player interface {
	// Start opens the output device at sampleRate. Must be called before
	// Enqueue.
	Start(sampleRate int) error

	// Enqueue appends a chunk of PCM16 LE audio to the playback queue.
	// Chunks may be any even length; the player handles framing. Enqueue
	// never blocks on the device.
	Enqueue(pcm []byte)

	// Clear drops all queued audio immediately. Audio already handed to the
	// device (at most one device buffer) may still play out.
	Clear()

	// Close stops playback, drops the queue, and releases the device. Safe
	// to call more than once.
	Close() error
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming channel's remaining
// data is not needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
