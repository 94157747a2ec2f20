// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify that the caller synthesises the expected text and
// to feed controlled PCM chunks to its audio callback. Set Block to make
// Synthesize hang until ctx is cancelled — useful for interrupt tests.
package mock

import (
	"context"
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/tts"
	"github.com/parleyvoice/parley/pkg/types"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the voice profile passed to Synthesize.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are delivered to onAudio in order on every Synthesize call.
	Chunks [][]byte

	// Rate is the value returned by SampleRate. Defaults to 24000 when zero.
	Rate int

	// SynthesizeErr, if non-nil, is returned by every Synthesize call after
	// the chunks (if any) have been delivered.
	SynthesizeErr error

	// Block, if true, makes Synthesize deliver its chunks and then block
	// until ctx is cancelled, returning ctx.Err(). Simulates a synthesis
	// stream held open by the vendor.
	Block bool

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call, delivers Chunks to onAudio, and honours
// Block and SynthesizeErr.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, onAudio func(chunk []byte)) error {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	chunks := p.Chunks
	block := p.Block
	synthErr := p.SynthesizeErr
	p.mu.Unlock()

	for _, chunk := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		onAudio(cp)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return synthErr
}

// SampleRate returns Rate, defaulting to 24000.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 24000
	}
	return p.Rate
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
