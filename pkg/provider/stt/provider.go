// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., AssemblyAI)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM16 audio frames and
// emits two streams — low-latency partial transcripts for responsiveness and
// completed user turns for the conversation loop.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/parleyvoice/parley/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the PCM16 sample rate in Hz. Typical value: 16000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product names or tool names.
	Keywords []string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live vendor
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM16 audio bytes for transcription.
	// SendAudio never blocks on vendor backpressure: implementations drop the
	// chunk rather than stall the caller's audio path. Calling SendAudio
	// after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits interim and final
	// Transcript values as the vendor refines its guess. These drive UI
	// indicators; they are not the authoritative conversation input.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Turns returns a read-only channel that emits one string per completed
	// user turn, as detected by the vendor's endpointing. Turn text is the
	// value handed to the LLM. The channel is closed when the session ends.
	Turns() <-chan string

	// Clear drops audio buffered for the current utterance, both locally
	// queued chunks and — where the vendor supports it — vendor-side
	// buffers. Used at barge-in so stale speech does not surface as a turn.
	Clear()

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns the Partials and Turns
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously — one per connected client.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure or ctx already cancelled). The caller owns the
	// SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
