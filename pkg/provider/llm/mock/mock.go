// Package mock provides a test double for the llm package interfaces.
//
// Queue responses in order with Enqueue, then inspect CompleteCalls to
// verify the conversation the caller built. A tool-call loop test enqueues
// one tool-call response per round followed by a final text response.
package mock

import (
	"context"
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/types"
)

// CompleteCall records a single invocation of Provider.Complete.
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// queue holds the responses to return, in order. When the queue is
	// empty, Complete returns DefaultResponse.
	queue []queued

	// DefaultResponse is returned when no queued response remains. If nil,
	// an empty text response is returned instead.
	DefaultResponse *llm.CompletionResponse

	// CountTokensFn, if set, overrides the default length-based estimate.
	CountTokensFn func(messages []types.Message) (int, error)

	// Caps is returned by Capabilities. Zero value means a tool-calling,
	// streaming model with a 128k context window.
	Caps types.ModelCapabilities

	// Block, if true, makes Complete block until ctx is cancelled and
	// return ctx.Err(). Simulates a slow model for interrupt tests.
	Block bool

	// CompleteCalls records every call to Complete.
	CompleteCalls []CompleteCall
}

type queued struct {
	resp *llm.CompletionResponse
	err  error
}

// Enqueue appends a response to be returned by the next Complete call.
func (p *Provider) Enqueue(resp *llm.CompletionResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, queued{resp: resp})
}

// EnqueueError appends an error to be returned by the next Complete call.
func (p *Provider) EnqueueError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, queued{err: err})
}

// Complete records the call and returns the next queued response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	var next queued
	hasNext := len(p.queue) > 0
	if hasNext {
		next = p.queue[0]
		p.queue = p.queue[1:]
	}
	block := p.Block
	def := p.DefaultResponse
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if hasNext {
		return next.resp, next.err
	}
	if def != nil {
		return def, nil
	}
	return &llm.CompletionResponse{}, nil
}

// CountTokens returns CountTokensFn's result, or a length-based estimate.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	fn := p.CountTokensFn
	p.mu.Unlock()
	if fn != nil {
		return fn(messages)
	}
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities returns Caps, defaulting to a capable model.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Caps == (types.ModelCapabilities{}) {
		return types.ModelCapabilities{
			ContextWindow:       128_000,
			MaxOutputTokens:     4_096,
			SupportsToolCalling: true,
			SupportsStreaming:   true,
		}
	}
	return p.Caps
}

// CompleteCallCount returns the number of Complete calls. Thread-safe.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls and queued responses. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.queue = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
