package resilience

import (
	"context"

	"github.com/parleyvoice/parley/pkg/provider/stt"
)

// STTFailover implements [stt.Provider] with failover across recognition
// backends. Only the stream connect participates in failover; once a stream
// is established, mid-stream errors belong to the session.
type STTFailover struct {
	group *Group[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover creates an [STTFailover] with primary as the preferred
// backend.
func NewSTTFailover(primary stt.Provider, primaryName string, cfg GroupConfig) *STTFailover {
	return &STTFailover{group: NewGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognition backend.
func (f *STTFailover) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a stream on the first healthy backend.
func (f *STTFailover) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return TryResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
