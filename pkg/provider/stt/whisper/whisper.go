// Package whisper provides an STT provider backed by a whisper.cpp server
// (the whisper-server binary and its POST /inference endpoint).
//
// whisper.cpp transcribes whole recordings, so a session segments the
// incoming PCM with a voice activity detector (energy based unless WithVAD
// says otherwise) and submits each utterance as one request. Every utterance yields a single final transcript;
// no interim results are produced.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
	"github.com/MrWong99/voicerelay/pkg/provider/vad/energy"
)

const (
	// defaultRMSThreshold is the amplitude below which a frame counts as
	// silence. 16-bit PCM peaks at 32767.
	defaultRMSThreshold = 300.0

	defaultSampleRate  = 16000
	defaultSilence     = 500 * time.Millisecond
	defaultMaxUtter    = 10 * time.Second
	defaultTimeout     = 30 * time.Second
	defaultMaxFailures = 3
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. Empty uses the
// model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language, e.g. "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilence sets how much trailing silence ends an utterance.
// Default: 500ms.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.silence = d
		}
	}
}

// WithMaxUtterance forces a request once an utterance reaches d of audio.
// Default: 10s.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.maxUtterance = d
		}
	}
}

// WithRMSThreshold sets the amplitude below which the default detector
// hears silence. Default: 300.
func WithRMSThreshold(v float64) Option {
	return func(p *Provider) {
		if v > 0 {
			p.rmsThreshold = v
		}
	}
}

// WithVAD replaces the energy detector used to find utterance boundaries.
func WithVAD(e vad.Engine) Option {
	return func(p *Provider) { p.vad = e }
}

// WithTimeout bounds each inference request. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithMaxFailures ends a session after n consecutive failed requests so the
// caller can reconnect. Default: 3.
func WithMaxFailures(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxFailures = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements stt.Provider against a whisper.cpp server. Sessions are
// independent and may run concurrently.
type Provider struct {
	serverURL    string
	model        string
	language     string
	silence      time.Duration
	maxUtterance time.Duration
	rmsThreshold float64
	maxFailures  int
	vad          vad.Engine
	httpClient   *http.Client
	log          *slog.Logger
}

// New creates a Provider for the server at serverURL, e.g.
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server URL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtter,
		rmsThreshold: defaultRMSThreshold,
		maxFailures:  defaultMaxFailures,
		vad:          energy.New(),
		httpClient:   &http.Client{Timeout: defaultTimeout},
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No request is made until the first utterance
// completes. Keywords are sent as the decoder's initial prompt.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	if cfg.Encoding != "" && cfg.Encoding != "linear16" {
		return nil, fmt.Errorf("whisper: unsupported encoding %q", cfg.Encoding)
	}

	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if format.SampleRate <= 0 {
		format.SampleRate = defaultSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	var prompt []string
	for _, k := range cfg.Keywords {
		prompt = append(prompt, k.Keyword)
	}
	level := energy.ThresholdFromRMS(p.rmsThreshold)
	detector, err := p.vad.NewSession(vad.Config{
		SampleRate:       format.SampleRate,
		Channels:         format.Channels,
		SpeechThreshold:  level,
		SilenceThreshold: level,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper: start vad: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		p:        p,
		format:   format,
		language: lang,
		model:    model,
		prompt:   strings.Join(prompt, ", "),
		detector: detector,
		audioCh:  make(chan []byte, 256),
		out:      make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go s.run(loopCtx)
	return s, nil
}

// ── session ─────────────────────────────────────────────────────────────────

// session buffers one utterance at a time. Buffer state is owned by run.
type session struct {
	p        *Provider
	format   audio.Format
	language string
	model    string
	prompt   string
	detector vad.SessionHandle

	audioCh chan []byte
	out     chan stt.Transcript

	done      chan struct{} // closed when run returns
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SendAudio queues a frame of 16-bit little-endian PCM.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Transcripts returns the stream of final transcripts.
func (s *session) Transcripts() <-chan stt.Transcript { return s.out }

// Close discards any unfinished utterance and ends the session.
func (s *session) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)
	defer s.detector.Close()

	var (
		buf       []byte
		hadSpeech bool
		silence   time.Duration
		failures  int
	)
	reset := func() {
		buf, hadSpeech, silence = nil, false, 0
		s.detector.Reset()
	}
	flush := func() bool {
		pcm := buf
		reset()
		text, err := s.infer(ctx, pcm)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			failures++
			s.p.log.Warn("whisper: inference failed", "err", err, "consecutive", failures)
			return failures < s.p.maxFailures
		}
		failures = 0
		if text = strings.TrimSpace(text); text == "" {
			return true
		}
		select {
		case s.out <- stt.Transcript{Text: text, IsFinal: true}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.audioCh:
			ev, err := s.detector.ProcessFrame(chunk)
			if err != nil {
				s.p.log.Debug("whisper: dropping frame", "err", err)
				continue
			}
			d := s.format.Duration(len(chunk))
			if !ev.Type.IsSpeech() {
				// Leading silence is dropped.
				if !hadSpeech {
					continue
				}
				buf = append(buf, chunk...)
				silence += d
				if silence < s.p.silence {
					continue
				}
			} else {
				hadSpeech = true
				silence = 0
				buf = append(buf, chunk...)
				if s.format.Duration(len(buf)) < s.p.maxUtterance {
					continue
				}
			}
			if !flush() {
				return
			}
		}
	}
}

// infer posts pcm as a WAV upload and returns the recognized text.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, s.format)); err != nil {
		return "", fmt.Errorf("whisper: write wav: %w", err)
	}
	fields := []struct{ name, value string }{
		{"response_format", "json"},
		{"language", s.language},
		{"model", s.model},
		{"prompt", s.prompt},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return "", fmt.Errorf("whisper: write field %s: %w", f.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return result.Text, nil
}
