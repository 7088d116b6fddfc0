// Package transcription manages the streaming speech-to-text session that
// backs a client conversation.
//
// A Link owns at most one stt.SessionHandle at a time and exposes a stable
// transcript channel that survives reconnects. The initial Connect is bounded
// by a timeout and never retried. When the provider closes the session
// without being asked to, the Link waits a fixed delay and reconnects,
// giving up after a bounded number of consecutive failures and reporting the
// last error on Errors.
//
// All methods are safe for concurrent use.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
)

// Default link parameters.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReconnectDelay = 1 * time.Second
	DefaultMaxReconnects  = 5
)

var (
	// ErrConnect wraps every failure to open a transcription session.
	ErrConnect = errors.New("transcription: connect failed")

	// ErrNotConnected is returned by SendAudio while no session is open. The
	// caller should keep the audio and resend it once the link is ready.
	ErrNotConnected = errors.New("transcription: not connected")

	// ErrReconnectExhausted is delivered on Errors when automatic reconnection
	// gives up.
	ErrReconnectExhausted = errors.New("transcription: reconnect attempts exhausted")

	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("transcription: link closed")
)

// State is the connection state of a Link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option is a functional option for Link.
type Option func(*Link)

// WithConnectTimeout bounds each session handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.connectTimeout = d
		}
	}
}

// WithReconnectDelay sets the fixed pause before each reconnect attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(l *Link) {
		if d >= 0 {
			l.reconnectDelay = d
		}
	}
}

// WithMaxReconnects caps consecutive failed reconnect attempts.
func WithMaxReconnects(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.maxReconnects = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Link) { l.log = log }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Link) { l.metrics = m }
}

// Link is a reconnecting transcription session.
type Link struct {
	provider       stt.Provider
	cfg            stt.StreamConfig
	connectTimeout time.Duration
	reconnectDelay time.Duration
	maxReconnects  int
	log            *slog.Logger
	metrics        *observe.Metrics

	mu           sync.Mutex
	state        State
	handle       stt.SessionHandle
	gen          int
	reconnecting bool

	transcripts chan stt.Transcript
	errs        chan error
	ready       chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a disconnected Link. Call Connect to open the first session.
func New(provider stt.Provider, cfg stt.StreamConfig, opts ...Option) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		provider:       provider,
		cfg:            cfg,
		connectTimeout: DefaultConnectTimeout,
		reconnectDelay: DefaultReconnectDelay,
		maxReconnects:  DefaultMaxReconnects,
		log:            slog.Default(),
		transcripts:    make(chan stt.Transcript, 64),
		errs:           make(chan error, 1),
		ready:          make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Transcripts returns the channel of transcripts from every session the link
// opens, in arrival order. It is closed by Disconnect.
func (l *Link) Transcripts() <-chan stt.Transcript {
	return l.transcripts
}

// Errors delivers escalations such as ErrReconnectExhausted. It is closed by
// Disconnect.
func (l *Link) Errors() <-chan error {
	return l.errs
}

// Ready receives a value each time the link becomes connected. Signals are
// coalesced.
func (l *Link) Ready() <-chan struct{} {
	return l.ready
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect opens a session, bounded by the connect timeout. On failure the
// link returns to StateDisconnected and the error wraps ErrConnect; there is
// no retry.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	switch {
	case l.state == StateClosed:
		l.mu.Unlock()
		return ErrClosed
	case l.state == StateConnected:
		l.mu.Unlock()
		return nil
	case l.state == StateConnecting || l.reconnecting:
		l.mu.Unlock()
		return fmt.Errorf("%w: connection attempt already in progress", ErrConnect)
	}
	l.state = StateConnecting
	l.mu.Unlock()

	h, err := l.dial(ctx)
	if err != nil {
		l.mu.Lock()
		if l.state == StateConnecting {
			l.state = StateDisconnected
		}
		l.mu.Unlock()
		return err
	}
	return l.install(h, false)
}

// SendAudio forwards pcm to the open session. While the link is not
// connected it returns ErrNotConnected and, if the link is idle, starts a
// background reconnect.
func (l *Link) SendAudio(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	switch l.state {
	case StateClosed:
		l.mu.Unlock()
		return ErrClosed
	case StateDisconnected:
		l.startReconnectLocked(false)
		l.mu.Unlock()
		return ErrNotConnected
	case StateConnecting:
		l.mu.Unlock()
		return ErrNotConnected
	}
	h := l.handle
	l.mu.Unlock()

	if err := h.SendAudio(pcm); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Disconnect closes the link permanently. It stops any reconnect loop, closes
// the open session and closes Transcripts and Errors once every background
// goroutine has exited. It is idempotent.
func (l *Link) Disconnect() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = StateClosed
		h := l.handle
		l.handle = nil
		l.mu.Unlock()

		l.cancel()
		close(l.done)
		if h != nil {
			if err := h.Close(); err != nil {
				l.log.Warn("transcription: close session", "err", err)
			}
		}
		l.wg.Wait()
		close(l.transcripts)
		close(l.errs)
		l.log.Debug("transcription: link closed")
	})
}

// dial opens one provider session within the connect timeout.
func (l *Link) dial(ctx context.Context) (stt.SessionHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, observe.SpanTranscriptionConnect)

	start := time.Now()
	h, err := l.provider.StartStream(ctx, l.cfg)
	observe.EndSpan(span, err)
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			l.metrics.RecordProviderError(ctx, "stt", observe.KindSTT)
		}
		l.metrics.RecordProviderRequest(ctx, "stt", observe.KindSTT, status)
		l.metrics.RecordDuration(ctx, observe.KindSTT, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return h, nil
}

// install makes h the active session and starts its pump.
func (l *Link) install(h stt.SessionHandle, fromReconnect bool) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		_ = h.Close()
		return ErrClosed
	}
	l.state = StateConnected
	l.handle = h
	l.gen++
	gen := l.gen
	if fromReconnect {
		l.reconnecting = false
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go l.pump(h, gen)

	select {
	case l.ready <- struct{}{}:
	default:
	}
	l.log.Info("transcription: connected", "reconnect", fromReconnect)
	return nil
}

// pump forwards transcripts from h until the session ends. An end that was
// not requested locally triggers a delayed reconnect.
func (l *Link) pump(h stt.SessionHandle, gen int) {
	defer l.wg.Done()

	for t := range h.Transcripts() {
		select {
		case l.transcripts <- t:
		case <-l.done:
			return
		}
	}

	l.mu.Lock()
	if l.state == StateClosed || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.state = StateConnecting
	l.handle = nil
	l.startReconnectLocked(true)
	l.mu.Unlock()

	l.log.Warn("transcription: session closed unexpectedly, reconnecting", "delay", l.reconnectDelay)
	if err := h.Close(); err != nil {
		l.log.Debug("transcription: close dead session", "err", err)
	}
}

// startReconnectLocked launches the reconnect loop unless one is running.
// l.mu must be held.
func (l *Link) startReconnectLocked(delayFirst bool) {
	if l.reconnecting || l.state == StateClosed {
		return
	}
	l.reconnecting = true
	l.state = StateConnecting
	l.wg.Add(1)
	go l.reconnect(delayFirst)
}

// reconnect retries dial until it succeeds, the link closes, or
// maxReconnects consecutive attempts fail.
func (l *Link) reconnect(delayFirst bool) {
	defer l.wg.Done()

	var lastErr error
	for attempt := 1; attempt <= l.maxReconnects; attempt++ {
		if attempt > 1 || delayFirst {
			select {
			case <-l.done:
				return
			case <-time.After(l.reconnectDelay):
			}
		}

		l.log.Info("transcription: reconnect attempt", "attempt", attempt, "max", l.maxReconnects)
		h, err := l.dial(l.ctx)
		if err == nil {
			if l.install(h, true) != nil {
				return
			}
			l.recordReconnect("ok")
			return
		}
		if l.ctx.Err() != nil {
			return
		}
		lastErr = err
		l.recordReconnect("failed")
		l.log.Warn("transcription: reconnect attempt failed", "attempt", attempt, "err", err)
	}

	l.mu.Lock()
	l.reconnecting = false
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateDisconnected
	l.mu.Unlock()

	l.recordReconnect("exhausted")
	err := fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, l.maxReconnects, lastErr)
	l.log.Error("transcription: giving up", "err", err)
	select {
	case l.errs <- err:
	case <-l.done:
	}
}

func (l *Link) recordReconnect(outcome string) {
	if l.metrics != nil {
		l.metrics.RecordReconnect(context.Background(), outcome)
	}
}
