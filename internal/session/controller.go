// Package session implements the per-connection conversation pipeline.
//
// A [Controller] owns one client's conversation. Inbound audio flows to a
// [transcription.Link]; final transcripts become user turns and start a
// streamed completion; the streamed reply is cut into sentences, recorded as
// assistant turns, and voiced through an ordered [synthesis.Queue].
//
// All mutable pipeline state is owned by the goroutine running
// [Controller.Run]. [Controller.History] is the only method safe to call from
// other goroutines.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicerelay/internal/inference"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/internal/sentence"
	"github.com/MrWong99/voicerelay/internal/synthesis"
	"github.com/MrWong99/voicerelay/internal/transcription"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// DefaultAudioBacklog is the default byte bound of the resend backlog.
const DefaultAudioBacklog = 256 << 10

// ErrRunning is returned by Run when the controller is already running or has
// run before.
var ErrRunning = errors.New("session: controller already started")

// Deps are the collaborators a Controller needs. All fields are required.
type Deps struct {
	STT  stt.Provider
	TTS  tts.Provider
	LLM  llm.Provider
	Sink synthesis.Sink
}

// Option configures a Controller.
type Option func(*Controller)

// WithSystemPrompt sets the system prompt sent with every completion.
func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) { c.systemPrompt = prompt }
}

// WithVoice sets the voice used for synthesis.
func WithVoice(v tts.VoiceProfile) Option {
	return func(c *Controller) { c.voice = v }
}

// WithStreamConfig sets the audio format and hints for transcription sessions.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(c *Controller) { c.streamCfg = cfg }
}

// WithInputFormat declares the format of inbound PCM frames when it differs
// from the transcription stream format. Frames are converted before sending.
func WithInputFormat(f audio.Format) Option {
	return func(c *Controller) { c.inputFormat = f }
}

// FrameDecoder turns an inbound compressed audio frame into 16-bit PCM.
type FrameDecoder interface {
	Decode(frame []byte) ([]byte, error)
}

// WithFrameDecoder decodes every inbound audio frame with d before format
// conversion. The input format then describes the decoded PCM.
func WithFrameDecoder(d FrameDecoder) Option {
	return func(c *Controller) { c.decoder = d }
}

// WithSynthesisTimeout bounds each synthesis call.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.synthTimeout = d
		}
	}
}

// WithInferenceTimeout bounds each completion stream. Zero means no bound.
func WithInferenceTimeout(d time.Duration) Option {
	return func(c *Controller) { c.inferenceTimeout = d }
}

// WithLinkOptions passes extra options to the transcription link.
func WithLinkOptions(opts ...transcription.Option) Option {
	return func(c *Controller) { c.linkOpts = append(c.linkOpts, opts...) }
}

// WithInferenceOptions passes extra options to the completion invoker.
func WithInferenceOptions(opts ...inference.Option) Option {
	return func(c *Controller) { c.inferOpts = append(c.inferOpts, opts...) }
}

// WithMaxHistoryTokens sets the history token budget. By default, and for
// zero or less, the full history is kept.
func WithMaxHistoryTokens(n int) Option {
	return func(c *Controller) { c.maxHistoryTokens = n }
}

// WithMaxSentenceRunes sets the hard cap on sentence length.
func WithMaxSentenceRunes(n int) Option {
	return func(c *Controller) { c.maxSentenceRunes = n }
}

// WithAudioBacklog sets the byte bound of the buffer that holds audio while
// the transcription link is down. Zero disables buffering.
func WithAudioBacklog(n int) Option {
	return func(c *Controller) { c.backlogLimit = n }
}

// Corrector rewrites the text of final transcripts before they are emitted
// and recorded.
type Corrector interface {
	Correct(text string) string
}

// WithCorrector applies cr to every final transcript.
func WithCorrector(cr Corrector) Option {
	return func(c *Controller) { c.corrector = cr }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithOnError registers a callback for errors that are reported to the
// client but do not end the session.
func WithOnError(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// Controller runs one conversation session.
type Controller struct {
	deps             Deps
	systemPrompt     string
	voice            tts.VoiceProfile
	streamCfg        stt.StreamConfig
	inputFormat      audio.Format
	synthTimeout     time.Duration
	inferenceTimeout time.Duration
	linkOpts         []transcription.Option
	inferOpts        []inference.Option
	maxHistoryTokens int
	maxSentenceRunes int
	backlogLimit     int
	corrector        Corrector
	decoder          FrameDecoder
	log              *slog.Logger
	metrics          *observe.Metrics
	onError          func(error)

	history *History
	started atomic.Bool

	// Owned by the Run goroutine.
	link          *transcription.Link
	queue         *synthesis.Queue
	invoker       *inference.Invoker
	buf           *sentence.Buffer
	conv          *audio.Converter
	backlog       [][]byte
	backlogBytes  int
	backlogWarned bool
	stream        <-chan inference.Fragment
	streamCtx     context.Context
	cancelStream  context.CancelFunc
}

// New creates a Controller. Call Run to start it.
func New(deps Deps, opts ...Option) *Controller {
	c := &Controller{
		deps:             deps,
		streamCfg:        stt.StreamConfig{SampleRate: 16000, Channels: 1, Encoding: "linear16"},
		synthTimeout:     synthesis.DefaultTimeout,
		maxSentenceRunes: sentence.DefaultMaxRunes,
		backlogLimit:     DefaultAudioBacklog,
		log:              slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.history = NewHistory(c.maxHistoryTokens)
	return c
}

// History returns a copy of the conversation turns.
func (c *Controller) History() []llm.Message {
	return c.history.Messages()
}

// Run drives the session until ctx is done or inbound is closed, then tears
// down the transcription link, the running completion and the synthesis
// queue. Capability failures are reported to the client and never end Run.
// A Controller can be run once.
func (c *Controller) Run(ctx context.Context, inbound <-chan protocol.Inbound) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	c.setup(ctx)
	defer c.teardown()

	c.log.Info("session: started", "stream", c.streamFormat().String(), "voice", c.voice.ID)
	if err := c.link.Connect(ctx); err != nil {
		c.log.Warn("session: initial transcription connect failed", "err", err)
		c.report(ctx, err, protocol.STTError(err))
	}

	transcripts := c.link.Transcripts()
	linkErrs := c.link.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleInbound(ctx, msg)

		case t, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			c.handleTranscript(ctx, t)

		case err, ok := <-linkErrs:
			if !ok {
				linkErrs = nil
				continue
			}
			c.log.Error("session: transcription unavailable", "err", err)
			c.report(ctx, err, protocol.STTError(err))

		case <-c.link.Ready():
			c.flushBacklog(ctx)

		case f, ok := <-c.stream:
			switch {
			case !ok:
				c.endResponse(ctx)
			case f.Err != nil:
				c.failResponse(ctx, f.Err)
			default:
				c.emit(c.buf.Accumulate(f.Text)...)
			}
		}
	}
}

func (c *Controller) setup(ctx context.Context) {
	c.link = transcription.New(c.deps.STT, c.streamCfg,
		append([]transcription.Option{
			transcription.WithLogger(c.log),
			transcription.WithMetrics(c.metrics),
		}, c.linkOpts...)...)

	c.queue = synthesis.NewQueue(synthesis.WithVoice(c.deps.TTS, c.voice), c.deps.Sink,
		synthesis.WithTimeout(c.synthTimeout),
		synthesis.WithLogger(c.log),
		synthesis.WithMetrics(c.metrics),
		synthesis.WithTraceParent(ctx),
	)

	c.invoker = inference.New(c.deps.LLM,
		append([]inference.Option{
			inference.WithSystemPrompt(c.systemPrompt),
			inference.WithLogger(c.log),
			inference.WithMetrics(c.metrics),
		}, c.inferOpts...)...)

	c.buf = sentence.NewBuffer(sentence.WithMaxRunes(c.maxSentenceRunes))

	to := c.streamFormat()
	from := c.inputFormat
	if from.SampleRate == 0 || from.Channels == 0 {
		from = to
	}
	c.conv = &audio.Converter{From: from, To: to, Logger: c.log}
}

func (c *Controller) teardown() {
	c.link.Disconnect()
	c.stopStream()
	c.queue.Close()
	c.queue.Wait()
	c.log.Info("session: closed", "turns", c.history.Len())
}

func (c *Controller) streamFormat() audio.Format {
	return audio.Format{SampleRate: c.streamCfg.SampleRate, Channels: c.streamCfg.Channels}
}

// ── Inbound ────────────────────────────────────────────────────────────────

func (c *Controller) handleInbound(ctx context.Context, msg protocol.Inbound) {
	switch msg.Kind {
	case protocol.KindAudio:
		c.handleAudio(ctx, msg.Audio)
	case protocol.KindCommand:
		c.handleCommand(msg.Command)
	default:
		c.log.Warn("session: ignoring inbound message of unknown kind", "kind", int(msg.Kind))
	}
}

func (c *Controller) handleCommand(name string) {
	switch name {
	case protocol.CmdClear:
		c.stopStream()
		c.buf.Reset()
		c.history.Reset()
		c.log.Info("session: history cleared")
	default:
		c.log.Warn("session: ignoring unknown command", "command", name)
	}
}

func (c *Controller) handleAudio(ctx context.Context, pcm []byte) {
	if c.decoder != nil {
		decoded, err := c.decoder.Decode(pcm)
		if err != nil {
			c.log.Debug("session: dropping undecodable frame", "err", err)
			c.recordDropped(ctx, "invalid_frame")
			return
		}
		pcm = decoded
	}
	if isPCM16(c.streamCfg.Encoding) {
		converted, err := c.conv.Convert(pcm)
		if err != nil {
			c.recordDropped(ctx, "invalid_frame")
			return
		}
		pcm = converted
	}
	if len(pcm) == 0 {
		return
	}

	// Older frames go first so the recognizer hears audio in order.
	c.flushBacklog(ctx)
	if len(c.backlog) > 0 {
		c.pushBacklog(ctx, pcm)
		return
	}
	c.sendAudio(ctx, pcm)
}

func (c *Controller) sendAudio(ctx context.Context, pcm []byte) {
	err := c.link.SendAudio(ctx, pcm)
	switch {
	case err == nil:
	case errors.Is(err, transcription.ErrNotConnected):
		c.pushBacklog(ctx, pcm)
	default:
		c.log.Debug("session: audio not sent", "err", err)
	}
}

func (c *Controller) pushBacklog(ctx context.Context, pcm []byte) {
	if c.backlogLimit <= 0 || len(pcm) > c.backlogLimit {
		c.recordDropped(ctx, "backlog_full")
		return
	}
	c.backlog = append(c.backlog, pcm)
	c.backlogBytes += len(pcm)

	dropped := 0
	for c.backlogBytes > c.backlogLimit {
		c.backlogBytes -= len(c.backlog[0])
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		dropped++
	}
	if dropped > 0 {
		if !c.backlogWarned {
			c.backlogWarned = true
			c.log.Warn("session: audio backlog full, dropping oldest frames", "limit_bytes", c.backlogLimit)
		}
		for range dropped {
			c.recordDropped(ctx, "backlog_full")
		}
	}
}

// flushBacklog resends buffered frames in order until the backlog is empty or
// the link refuses a frame.
func (c *Controller) flushBacklog(ctx context.Context) {
	if len(c.backlog) == 0 {
		return
	}
	sent := 0
	for len(c.backlog) > 0 {
		frame := c.backlog[0]
		if err := c.link.SendAudio(ctx, frame); err != nil {
			if !errors.Is(err, transcription.ErrNotConnected) {
				c.log.Debug("session: backlog discarded", "frames", len(c.backlog), "err", err)
				c.backlog, c.backlogBytes = nil, 0
			}
			break
		}
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		c.backlogBytes -= len(frame)
		sent++
	}
	if len(c.backlog) == 0 {
		c.backlog = nil
		c.backlogWarned = false
	}
	if sent > 0 {
		c.log.Debug("session: resent buffered audio", "frames", sent, "remaining", len(c.backlog))
	}
}

func (c *Controller) recordDropped(ctx context.Context, reason string) {
	if c.metrics != nil {
		c.metrics.RecordInboundDropped(ctx, reason)
	}
}

func isPCM16(encoding string) bool {
	switch strings.ToLower(encoding) {
	case "", "linear16", "pcm", "pcm16", "pcm_s16le":
		return true
	}
	return false
}

// ── Transcripts ────────────────────────────────────────────────────────────

func (c *Controller) handleTranscript(ctx context.Context, t stt.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	if !t.IsFinal {
		c.send(ctx, protocol.Transcript(text, true))
		return
	}

	if c.corrector != nil {
		text = c.corrector.Correct(text)
	}
	c.send(ctx, protocol.Transcript(text, false))
	if dropped := c.history.Append(llm.Message{Role: llm.RoleUser, Content: text}); dropped > 0 {
		c.log.Debug("session: trimmed history", "dropped", dropped)
	}
	c.startResponse(ctx)
}

// ── Responses ──────────────────────────────────────────────────────────────

// startResponse cancels any running completion, discards its unspoken
// residual and streams a new one over the current history.
func (c *Controller) startResponse(ctx context.Context) {
	if c.stream != nil {
		c.log.Debug("session: superseding running response")
	}
	c.stopStream()
	c.buf.Reset()

	var (
		sctx   context.Context
		cancel context.CancelFunc
	)
	if c.inferenceTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, c.inferenceTimeout)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}

	stream, err := c.invoker.Stream(sctx, c.history.Messages())
	if err != nil {
		cancel()
		c.log.Error("session: inference failed to start", "err", err)
		c.report(ctx, err, protocol.LLMError(err))
		return
	}
	c.stream, c.streamCtx, c.cancelStream = stream, sctx, cancel
}

func (c *Controller) stopStream() {
	if c.cancelStream != nil {
		c.cancelStream()
	}
	c.stream, c.streamCtx, c.cancelStream = nil, nil, nil
}

func (c *Controller) endResponse(ctx context.Context) {
	timedOut := c.streamCtx != nil && errors.Is(c.streamCtx.Err(), context.DeadlineExceeded)
	c.stopStream()
	if timedOut {
		c.failResponse(ctx, fmt.Errorf("session: inference timed out after %s", c.inferenceTimeout))
		return
	}
	c.flush()
}

func (c *Controller) failResponse(ctx context.Context, err error) {
	c.stopStream()
	c.flush()
	c.log.Error("session: inference failed", "err", err)
	c.report(ctx, err, protocol.LLMError(err))
}

func (c *Controller) flush() {
	if u, ok := c.buf.Flush(); ok {
		c.emit(u)
	}
}

// emit records each spoken unit as an assistant turn and queues it for
// synthesis.
func (c *Controller) emit(units ...sentence.Unit) {
	for _, u := range units {
		if u.Blank() {
			continue
		}
		c.history.Append(llm.Message{Role: llm.RoleAssistant, Content: u.Text()})
		if err := c.queue.Submit(u); err != nil {
			c.log.Debug("session: unit not queued", "position", u.Position, "err", err)
		}
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────

func (c *Controller) send(ctx context.Context, msg protocol.Outbound) {
	if err := c.deps.Sink.Send(ctx, msg); err != nil {
		c.log.Debug("session: send failed", "type", msg.Type, "err", err)
	}
}

func (c *Controller) report(ctx context.Context, err error, msg protocol.Outbound) {
	if c.onError != nil {
		c.onError(err)
	}
	c.send(ctx, msg)
}
