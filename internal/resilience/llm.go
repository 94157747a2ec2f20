package resilience

import (
	"context"

	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/types"
)

// LLMFailover implements [llm.Provider] with automatic failover across
// multiple model backends, each behind its own breaker.
type LLMFailover struct {
	group *Group[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred
// backend.
func NewLLMFailover(primary llm.Provider, primaryName string, cfg GroupConfig) *LLMFailover {
	return &LLMFailover{group: NewGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional model backend.
func (f *LLMFailover) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy backend.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return TryResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens delegates to the primary backend's counter; token estimates
// do not participate in failover.
func (f *LLMFailover) CountTokens(messages []types.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the primary backend's capabilities. Static metadata
// does not participate in failover.
func (f *LLMFailover) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
