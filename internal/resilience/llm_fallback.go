package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

var (
	errEmptyStream  = errors.New("resilience: stream closed without output")
	errStreamFailed = errors.New("resilience: stream finished with error")
)

// LLMFallback implements [llm.Provider] with failover across several
// inference backends, each behind its own circuit breaker.
//
// Failover covers opening the stream and its first chunk: a backend whose
// stream errors or ends before producing text is treated as failed and the
// next one is tried. Once text has been forwarded, later errors are passed
// through to the caller.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	cfg.Kind = observe.KindLLM
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in failover order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// StreamCompletion opens a stream on the first healthy backend whose first
// chunk is not an error.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		var first llm.Chunk
		var ok bool
		select {
		case first, ok = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		switch {
		case !ok:
			return nil, errEmptyStream
		case first.Err != nil && first.Text == "":
			return nil, first.Err
		case first.FinishReason == llm.FinishReasonError && first.Text == "":
			return nil, errStreamFailed
		}
		return prepend(ctx, first, ch), nil
	})
}

// Capabilities returns the capabilities of the primary backend.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// prepend returns a channel yielding first followed by everything from rest.
func prepend(ctx context.Context, first llm.Chunk, rest <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk, 1)
	out <- first
	go func() {
		defer close(out)
		for c := range rest {
			select {
			case out <- c:
			case <-ctx.Done():
				// Drain so the backend goroutine can exit.
				for range rest {
				}
				return
			}
		}
	}()
	return out
}

// Available reports whether any backend's circuit breaker admits calls.
func (f *LLMFallback) Available() bool { return f.group.Available() }
