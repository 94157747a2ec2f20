package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parleyvoice/parley/pkg/provider/tts"
	"github.com/parleyvoice/parley/pkg/types"
)

// TTSFailover implements [tts.Provider] with failover across synthesis
// backends. Failover only applies while no audio has been delivered yet:
// once a backend has emitted chunks, retrying elsewhere would replay the
// start of the utterance, so mid-stream failures surface to the caller.
type TTSFailover struct {
	group *Group[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFailover)(nil)

// NewTTSFailover creates a [TTSFailover] with primary as the preferred
// backend.
func NewTTSFailover(primary tts.Provider, primaryName string, cfg GroupConfig) *TTSFailover {
	return &TTSFailover{group: NewGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesis backend.
func (f *TTSFailover) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize streams audio from the first healthy backend.
func (f *TTSFailover) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, onAudio func(chunk []byte)) error {
	var lastErr error
	for i := range f.group.entries {
		entry := &f.group.entries[i]

		delivered := false
		err := entry.breaker.Do(func() error {
			return entry.value.Synthesize(ctx, text, voice, func(chunk []byte) {
				delivered = true
				onAudio(chunk)
			})
		})
		if err == nil {
			return nil
		}
		if delivered {
			return err
		}

		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping tts backend with open breaker", "provider", entry.name)
		} else {
			slog.Warn("tts backend failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// SampleRate returns the primary backend's output rate. All backends in one
// group must be configured for the same rate.
func (f *TTSFailover) SampleRate() int {
	return f.group.Primary().SampleRate()
}
