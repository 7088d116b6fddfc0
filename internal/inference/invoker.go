// Package inference runs one streamed LLM completion per user utterance.
//
// An Invoker prepends the configured system prompt to the conversation history
// and relays the provider's text chunks as Fragments. Failures are never
// retried: an error opening the stream is returned directly, and an error
// reported mid-stream arrives as a final Fragment whose Err wraps ErrStream.
// Fragments delivered before the failure remain valid.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

// ErrStream marks a model stream that failed after it was opened.
var ErrStream = errors.New("inference: stream failed")

// Fragment is one piece of streamed model output. Exactly one of Text or Err
// is meaningful.
type Fragment struct {
	Text string
	Err  error
}

// Option is a functional option for Invoker.
type Option func(*Invoker)

// WithSystemPrompt sets the instruction sent ahead of the history.
func WithSystemPrompt(s string) Option {
	return func(inv *Invoker) { inv.systemPrompt = s }
}

// WithTemperature sets the sampling temperature. Zero uses the provider default.
func WithTemperature(t float64) Option {
	return func(inv *Invoker) { inv.temperature = t }
}

// WithMaxTokens caps the response length. Zero uses the provider default.
func WithMaxTokens(n int) Option {
	return func(inv *Invoker) { inv.maxTokens = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(inv *Invoker) { inv.log = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(inv *Invoker) { inv.metrics = m }
}

// Invoker issues streamed completions against a single llm.Provider.
// It is safe for concurrent use.
type Invoker struct {
	provider     llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
	log          *slog.Logger
	metrics      *observe.Metrics
}

// New creates an Invoker for provider.
func New(provider llm.Provider, opts ...Option) *Invoker {
	inv := &Invoker{
		provider: provider,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// SystemPrompt returns the configured system prompt.
func (inv *Invoker) SystemPrompt() string {
	return inv.systemPrompt
}

// Stream starts a completion over history. The returned channel yields text
// fragments in order and is closed when the stream ends, fails, or ctx is
// cancelled. history is copied and never retained.
func (inv *Invoker) Stream(ctx context.Context, history []llm.Message) (<-chan Fragment, error) {
	req := llm.CompletionRequest{
		SystemPrompt: inv.systemPrompt,
		Messages:     slices.Clone(history),
		Temperature:  inv.temperature,
		MaxTokens:    inv.maxTokens,
	}

	ctx, span := observe.StartSpan(ctx, observe.SpanInference, trace.WithAttributes(
		attribute.Int("inference.history_len", len(history)),
	))

	start := time.Now()
	chunks, err := inv.provider.StreamCompletion(ctx, req)
	if err != nil {
		inv.recordResult(ctx, "error", start)
		err = fmt.Errorf("inference: start stream: %w", err)
		observe.EndSpan(span, err)
		return nil, err
	}

	out := make(chan Fragment)
	go inv.relay(ctx, span, chunks, out, start)
	return out, nil
}

func (inv *Invoker) relay(ctx context.Context, span trace.Span, chunks <-chan llm.Chunk, out chan<- Fragment, start time.Time) {
	defer close(out)
	var (
		spanErr error
		chars   int
	)
	defer func() {
		span.SetAttributes(attribute.Int("inference.output_chars", chars))
		observe.EndSpan(span, spanErr)
	}()

	first := true
	for c := range chunks {
		if c.Err != nil || c.FinishReason == llm.FinishReasonError {
			cause := c.Err
			if cause == nil {
				cause = errors.New(c.Text)
			}
			inv.recordResult(ctx, "error", start)
			spanErr = cause
			inv.log.Warn("inference: stream failed", "err", cause)
			select {
			case out <- Fragment{Err: fmt.Errorf("%w: %w", ErrStream, cause)}:
			case <-ctx.Done():
			}
			go drain(chunks)
			return
		}
		if c.Text == "" {
			continue
		}
		chars += len(c.Text)
		if first {
			first = false
			span.AddEvent("first_fragment")
			if inv.metrics != nil {
				inv.metrics.FirstFragment.Record(ctx, time.Since(start).Seconds())
			}
		}
		select {
		case out <- Fragment{Text: c.Text}:
		case <-ctx.Done():
			go drain(chunks)
			return
		}
	}

	if ctx.Err() != nil {
		span.SetAttributes(attribute.Bool("inference.cancelled", true))
		return
	}
	inv.recordResult(ctx, "ok", start)
	inv.log.Debug("inference: stream complete", "duration", time.Since(start))
}

func (inv *Invoker) recordResult(ctx context.Context, status string, start time.Time) {
	if inv.metrics == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	inv.metrics.RecordProviderRequest(ctx, "llm", observe.KindLLM, status)
	if status != "ok" {
		inv.metrics.RecordProviderError(ctx, "llm", observe.KindLLM)
	}
	inv.metrics.RecordDuration(ctx, observe.KindLLM, time.Since(start))
}

// drain discards remaining chunks so the provider's goroutine can exit.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
