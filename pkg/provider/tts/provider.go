// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., AssemblyAI) and
// presents a uniform streaming interface. The primary entry point is
// Synthesize, which converts one assistant reply into raw PCM16 audio,
// delivered chunk by chunk through a callback as the vendor produces it.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel — one per connected client session.
package tts

import (
	"context"

	"github.com/parleyvoice/parley/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into raw PCM16 audio and invokes onAudio for
	// each chunk as it arrives from the vendor, in order. onAudio is called
	// from a single goroutine; a call does not return until the callback
	// does, so a slow callback applies backpressure to the vendor read.
	//
	// Synthesize returns once the final chunk has been delivered or ctx is
	// cancelled. A cancelled ctx stops delivery promptly; chunks already
	// handed to onAudio are not recalled. Returns an error when the stream
	// cannot be started or fails mid-synthesis.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile, onAudio func(chunk []byte)) error

	// SampleRate returns the PCM16 sample rate in Hz of the audio produced
	// by Synthesize. Constant for the lifetime of the provider; advertised
	// to clients in the session handshake.
	SampleRate() int
}
