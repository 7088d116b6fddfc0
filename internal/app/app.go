// Package app wires configuration, providers, per-connection sessions and the
// websocket server into a running voicerelay process.
//
// New builds the server, Run serves until its context ends, Shutdown releases
// provider resources, and Reload applies a changed configuration to sessions
// opened afterwards.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/inference"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/server"
	"github.com/MrWong99/voicerelay/internal/session"
	"github.com/MrWong99/voicerelay/internal/synthesis"
	"github.com/MrWong99/voicerelay/internal/transcription"
	"github.com/MrWong99/voicerelay/internal/vocab"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/audio/opus"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// Providers holds the three capabilities every session needs. Populated by
// main via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// App owns the server and provider lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	// providerCfg is the provider section the instances were built from.
	providerCfg config.ProvidersConfig

	log        *slog.Logger
	level      *slog.LevelVar
	metrics    *observe.Metrics
	serverOpts []server.Option
	listener   net.Listener

	server *server.Server

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets Reload change the log level of the handler behind v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics records server and session metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithServerOptions appends options for the websocket server.
func WithServerOptions(opts ...server.Option) Option {
	return func(a *App) { a.serverOpts = append(a.serverOpts, opts...) }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithCloser registers fn to run during Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App from cfg and providers. All three providers are
// required.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}
	a := &App{
		providers:   providers,
		providerCfg: cfg.Providers,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.cfg.Store(cfg)

	s := cfg.Server
	srvOpts := []server.Option{
		server.WithWSPath(s.WSPath),
		server.WithMetricsPath(cfg.Observe.MetricsPath),
		server.WithInboundLimit(s.InboundRate, s.InboundBurst),
		server.WithWriteTimeout(s.WriteTimeout),
		server.WithReadLimit(s.MaxMessageBytes),
		server.WithShutdownTimeout(s.ShutdownTimeout),
		server.WithHealthCheckers(a.checkers()...),
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
	}
	if s.TLS != nil {
		srvOpts = append(srvOpts, server.WithTLS(s.TLS.CertFile, s.TLS.KeyFile))
	}
	a.server = server.New(a.newSession, append(srvOpts, a.serverOpts...)...)
	return a, nil
}

// Config returns the configuration new sessions are built from.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Server returns the websocket server.
func (a *App) Server() *server.Server { return a.server }

// Run serves until ctx is done and live sessions have drained.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Load().Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	if err := a.server.Serve(ctx, ln); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return nil
}

// Shutdown runs the registered closers once. Later calls return nil.
func (a *App) Shutdown(_ context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for _, fn := range a.closers {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Reload applies newCfg. Log level changes take effect immediately; session,
// audio and voice changes apply to new sessions. Provider and server changes
// need a restart and are logged.
func (a *App) Reload(oldCfg, newCfg *config.Config) {
	d := config.Diff(oldCfg, newCfg)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged || d.AudioChanged || d.VoiceChanged {
		a.log.Info("app: session settings reloaded; applies to new sessions",
			"session", d.SessionChanged,
			"audio", d.AudioChanged,
			"voice", d.VoiceChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	a.cfg.Store(newCfg)
}

// newSession builds the controller for one accepted connection from the
// current configuration. Provider settings stay those of the running
// instances until restart.
func (a *App) newSession(info server.SessionInfo, sink synthesis.Sink, log *slog.Logger) (server.Runner, error) {
	live := *a.cfg.Load()
	live.Providers = a.providerCfg
	cfg := &live

	opts := SessionOptions(cfg)
	if cfg.Session.CorrectKeywords && len(cfg.Audio.Keywords) > 0 {
		opts = append(opts, session.WithCorrector(vocab.New(cfg.Audio.Keywords, vocab.WithLogger(log))))
	}
	// Opus decoders keep per-stream state, so each session gets its own.
	if cfg.Audio.Codec == config.CodecOpus {
		dec, err := opus.NewDecoder(cfg.Audio.SampleRate, cfg.Audio.Channels)
		if err != nil {
			return nil, fmt.Errorf("app: opus decoder: %w", err)
		}
		opts = append(opts, session.WithFrameDecoder(dec))
	}
	opts = append(opts,
		session.WithLogger(log),
		session.WithMetrics(a.metrics),
		session.WithOnError(func(err error) {
			log.Debug("app: session reported error", "session_id", info.ID, "err", err)
		}),
	)
	return session.New(session.Deps{
		STT:  a.providers.STT,
		TTS:  a.providers.TTS,
		LLM:  a.providers.LLM,
		Sink: sink,
	}, opts...), nil
}

// SessionOptions maps configuration to controller options. Zero values keep
// the controller defaults.
func SessionOptions(cfg *config.Config) []session.Option {
	sc := cfg.Session
	ac := cfg.Audio

	streamChannels := ac.Channels
	if ac.Downmix && ac.Channels > 1 {
		streamChannels = 1
	}
	keywords := make([]stt.KeywordBoost, 0, len(ac.Keywords))
	for _, k := range ac.Keywords {
		keywords = append(keywords, stt.KeywordBoost{Keyword: k, Boost: 1})
	}

	opts := []session.Option{
		session.WithSystemPrompt(sc.SystemPrompt),
		session.WithVoice(tts.VoiceProfile{
			ID:         cfg.Voice.ID,
			Provider:   cfg.Providers.TTS.Name,
			Model:      cfg.Voice.Model,
			Encoding:   cfg.Voice.Encoding,
			SampleRate: cfg.Voice.SampleRate,
		}),
		session.WithStreamConfig(stt.StreamConfig{
			SampleRate: ac.SampleRate,
			Channels:   streamChannels,
			Encoding:   ac.Encoding,
			Language:   ac.Language,
			Model:      cfg.Providers.STT.Model,
			Keywords:   keywords,
		}),
		session.WithInputFormat(audio.Format{SampleRate: ac.SampleRate, Channels: ac.Channels}),
		session.WithSynthesisTimeout(sc.SynthesisTimeout),
		session.WithInferenceTimeout(sc.InferenceTimeout),
	}
	if sc.MaxHistoryTokens > 0 {
		opts = append(opts, session.WithMaxHistoryTokens(sc.MaxHistoryTokens))
	}
	if sc.MaxSentenceRunes > 0 {
		opts = append(opts, session.WithMaxSentenceRunes(sc.MaxSentenceRunes))
	}
	if sc.AudioBacklogBytes > 0 {
		opts = append(opts, session.WithAudioBacklog(sc.AudioBacklogBytes))
	}

	var linkOpts []transcription.Option
	if sc.ConnectTimeout > 0 {
		linkOpts = append(linkOpts, transcription.WithConnectTimeout(sc.ConnectTimeout))
	}
	if sc.ReconnectDelay > 0 {
		linkOpts = append(linkOpts, transcription.WithReconnectDelay(sc.ReconnectDelay))
	}
	if sc.MaxReconnects > 0 {
		linkOpts = append(linkOpts, transcription.WithMaxReconnects(sc.MaxReconnects))
	}
	if len(linkOpts) > 0 {
		opts = append(opts, session.WithLinkOptions(linkOpts...))
	}

	var inferOpts []inference.Option
	if sc.Temperature > 0 {
		inferOpts = append(inferOpts, inference.WithTemperature(sc.Temperature))
	}
	if sc.MaxTokens > 0 {
		inferOpts = append(inferOpts, inference.WithMaxTokens(sc.MaxTokens))
	}
	if len(inferOpts) > 0 {
		opts = append(opts, session.WithInferenceOptions(inferOpts...))
	}
	return opts
}

// availability is implemented by the resilience wrappers.
type availability interface {
	Available() bool
}

// checkers reports a provider as not ready while every circuit breaker in
// front of it is open.
func (a *App) checkers() []health.Checker {
	var out []health.Checker
	add := func(name string, p any) {
		av, ok := p.(availability)
		if !ok {
			return
		}
		out = append(out, health.Checker{
			Name: name,
			Check: func(context.Context) error {
				if !av.Available() {
					return fmt.Errorf("all %s backends have open circuit breakers", name)
				}
				return nil
			},
		})
	}
	add("stt", a.providers.STT)
	add("tts", a.providers.TTS)
	add("llm", a.providers.LLM)
	return out
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
