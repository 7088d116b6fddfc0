// Package synthesis turns sentence units into outbound audio messages while
// preserving submission order.
//
// A Queue accepts units without blocking and synthesises them one at a time on
// a single drain goroutine. Every submitted unit that is started produces
// exactly one outbound message: an audio message on success, or a text
// fallback ("[TTS Error] <sentence>") when synthesis fails or exceeds its time
// bound. Because only one call is outstanding at a time, output order always
// equals submission order regardless of per-sentence latency.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/internal/sentence"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// DefaultTimeout bounds a single synthesis call.
const DefaultTimeout = 10 * time.Second

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("synthesis: queue closed")

	// ErrTimeout marks a synthesis call that exceeded its time bound.
	ErrTimeout = errors.New("synthesis: timed out")

	// errEmptyAudio marks a call that succeeded without producing audio.
	errEmptyAudio = errors.New("synthesis: empty audio")
)

// Synthesizer renders one sentence to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, text string) ([]byte, error)

// Synthesize calls f.
func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// WithVoice binds a tts.Provider to a fixed voice.
func WithVoice(p tts.Provider, voice tts.VoiceProfile) Synthesizer {
	return SynthesizerFunc(func(ctx context.Context, text string) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// Sink receives outbound messages in order.
type Sink interface {
	Send(ctx context.Context, msg protocol.Outbound) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg protocol.Outbound) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, msg protocol.Outbound) error {
	return f(ctx, msg)
}

// Result describes the outcome for one unit. Err is non-nil when the unit was
// delivered as a text fallback.
type Result struct {
	Unit  sentence.Unit
	Audio []byte
	Err   error
}

// Option is a functional option for Queue.
type Option func(*Queue)

// WithTimeout sets the per-call synthesis bound. Non-positive values are
// ignored.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithTraceParent parents each sentence's span on the span in ctx. Only the
// span is taken; cancellation of ctx does not affect the queue.
func WithTraceParent(ctx context.Context) Option {
	return func(q *Queue) { q.parent = context.WithoutCancel(ctx) }
}

// WithOnResult registers a hook invoked on the drain goroutine after each
// unit's message has been handed to the sink.
func WithOnResult(fn func(Result)) Option {
	return func(q *Queue) { q.onResult = fn }
}

// Queue is an ordered, single-flight synthesis queue.
type Queue struct {
	synth    Synthesizer
	sink     Sink
	timeout  time.Duration
	log      *slog.Logger
	metrics  *observe.Metrics
	onResult func(Result)
	parent   context.Context

	mu     sync.Mutex
	items  []sentence.Unit
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// outcome is the completion handle value for one synthesis call.
type outcome struct {
	audio []byte
	err   error
}

// NewQueue creates a Queue and starts its drain goroutine.
func NewQueue(synth Synthesizer, sink Sink, opts ...Option) *Queue {
	q := &Queue{
		synth:   synth,
		sink:    sink,
		timeout: DefaultTimeout,
		log:     slog.Default(),
		parent:  context.Background(),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.drain()
	return q
}

// Submit enqueues u. It never blocks and returns ErrClosed after Close.
func (q *Queue) Submit(u sentence.Unit) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, u)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of units queued but not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting units. The unit in flight, if any, completes; units
// not yet started are dropped. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.items)
	q.items = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.log.Debug("synthesis: dropped queued units on close", "count", dropped)
	}
	close(q.quit)
}

// Wait blocks until the drain goroutine has exited.
func (q *Queue) Wait() {
	<-q.done
}

func (q *Queue) drain() {
	defer close(q.done)
	for {
		u, ok := q.next()
		if !ok {
			return
		}
		q.process(u)
	}
}

// next blocks until a unit is available or the queue is closed.
func (q *Queue) next() (sentence.Unit, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return sentence.Unit{}, false
		}
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = sentence.Unit{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return u, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.quit:
			return sentence.Unit{}, false
		}
	}
}

func (q *Queue) process(u sentence.Unit) {
	text := u.Text()
	res := Result{Unit: u}

	ctx, span := observe.StartSpan(q.parent, observe.SpanSynthesis, trace.WithAttributes(
		attribute.Int("synthesis.position", u.Position),
		attribute.Int("synthesis.chars", len(text)),
	))
	start := time.Now()
	res.Audio, res.Err = q.synthesize(ctx, text)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("synthesis.audio_bytes", len(res.Audio)))
	observe.EndSpan(span, res.Err)

	var msg protocol.Outbound
	switch {
	case res.Err == nil:
		msg = protocol.Audio(text, res.Audio)
		if q.metrics != nil {
			q.metrics.RecordDuration(ctx, observe.KindTTS, elapsed)
		}
		q.log.Debug("synthesis: sentence ready", "position", u.Position, "bytes", len(res.Audio), "duration", elapsed)
	default:
		msg = protocol.TTSError(text)
		reason := "error"
		if errors.Is(res.Err, ErrTimeout) {
			reason = "timeout"
		}
		if q.metrics != nil {
			q.metrics.RecordSynthesisFallback(ctx, reason)
		}
		q.log.Warn("synthesis: falling back to text", "position", u.Position, "reason", reason, "err", res.Err)
	}

	if err := q.sink.Send(ctx, msg); err != nil {
		if q.isClosed() {
			q.log.Debug("synthesis: send after close", "err", err)
		} else {
			q.log.Warn("synthesis: send failed", "position", u.Position, "err", err)
		}
	}
	if q.onResult != nil {
		q.onResult(res)
	}
}

// synthesize runs one call with its own completion handle and time bound. A
// call that outlives the bound is cancelled and its late result discarded.
func (q *Queue) synthesize(parent context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, q.timeout)
	defer cancel()

	handle := make(chan outcome, 1)
	go func() {
		audio, err := q.synth.Synthesize(ctx, text)
		handle <- outcome{audio: audio, err: err}
	}()

	select {
	case out := <-handle:
		switch {
		case errors.Is(out.err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrTimeout, q.timeout)
		case out.err != nil:
			return nil, fmt.Errorf("synthesis: synthesize: %w", out.err)
		case len(out.audio) == 0:
			return nil, errEmptyAudio
		}
		return out.audio, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrTimeout, q.timeout)
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
