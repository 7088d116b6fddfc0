// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the voicerelay server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Inbound audio codecs.
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultWSPath          = "/ws"
	DefaultMetricsPath     = "/metrics"
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = 1 << 20
	DefaultInboundRate     = 100.0
	DefaultInboundBurst    = 200
	DefaultSampleRate      = 16000
	DefaultChannels        = 1
	DefaultEncoding        = "linear16"
	DefaultCodec           = CodecPCM
	DefaultShutdownTimeout = 15 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Voice     VoiceConfig     `yaml:"voice"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// WSPath is the HTTP path that accepts conversation websockets.
	WSPath string `yaml:"ws_path"`

	// InboundRate is the sustained number of binary audio frames per second
	// accepted from one client. Excess frames are dropped; commands are not
	// limited.
	InboundRate float64 `yaml:"inbound_rate"`

	// InboundBurst is the token bucket size for InboundRate.
	InboundBurst int `yaml:"inbound_burst"`

	// WriteTimeout bounds each outbound websocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxMessageBytes caps the size of one inbound websocket message.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// ShutdownTimeout bounds how long shutdown waits for live sessions.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ReloadInterval enables polling the config file for changes. Zero
	// disables hot reload.
	ReloadInterval time.Duration `yaml:"reload_interval"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ChainEntry `yaml:"stt"`
	TTS ChainEntry `yaml:"tts"`
	LLM ChainEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// ${VAR} references are expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ChainEntry is a primary provider plus an ordered list of fallbacks tried
// when it fails: an LLM that cannot start a completion, an STT provider that
// cannot open a stream, or a TTS provider that fails a sentence.
type ChainEntry struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order after the primary.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// SessionConfig tunes the per-connection pipeline. Zero values select the
// pipeline defaults.
type SessionConfig struct {
	// SystemPrompt is sent with every completion.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxHistoryTokens is the estimated token budget for conversation history.
	// Zero keeps the full history.
	MaxHistoryTokens int `yaml:"max_history_tokens"`

	// Temperature is the sampling temperature. Zero uses the provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// SynthesisTimeout bounds each sentence synthesis call.
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`

	// InferenceTimeout bounds each completion stream. Zero means no bound.
	InferenceTimeout time.Duration `yaml:"inference_timeout"`

	// ConnectTimeout bounds each transcription connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReconnectDelay is the fixed wait between transcription reconnect attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnects is the number of consecutive failed reconnects before the
	// client is told transcription is unavailable.
	MaxReconnects int `yaml:"max_reconnects"`

	// AudioBacklogBytes bounds the audio held while transcription is down.
	AudioBacklogBytes int `yaml:"audio_backlog_bytes"`

	// MaxSentenceRunes is the hard cap on one synthesized sentence.
	MaxSentenceRunes int `yaml:"max_sentence_runes"`

	// CorrectKeywords rewrites final transcripts so that words sounding like
	// one of audio.keywords use the keyword's spelling.
	CorrectKeywords bool `yaml:"correct_keywords"`
}

// AudioConfig describes the inbound PCM stream.
type AudioConfig struct {
	// SampleRate of inbound frames in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels of inbound frames. 1 = mono.
	Channels int `yaml:"channels"`

	// Encoding names the sample format, e.g. "linear16".
	Encoding string `yaml:"encoding"`

	// Codec is the framing of inbound binary messages: "pcm" (default) for
	// raw samples in Encoding, or "opus" for one raw Opus packet per message,
	// decoded to linear16 before transcription.
	Codec string `yaml:"codec"`

	// Language is the BCP-47 recognition language. Empty uses the provider default.
	Language string `yaml:"language"`

	// Downmix converts stereo input to mono before transcription.
	Downmix bool `yaml:"downmix"`

	// Keywords are vocabulary hints passed to the recognizer.
	Keywords []string `yaml:"keywords"`
}

// VoiceConfig selects the TTS voice and output format.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Model overrides the TTS provider's synthesis model.
	Model string `yaml:"model"`

	// Encoding names the output format, e.g. "linear16" or "mp3".
	Encoding string `yaml:"encoding"`

	// SampleRate of synthesized audio in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// ObserveConfig configures metrics and tracing.
type ObserveConfig struct {
	// MetricsPath is the HTTP path serving Prometheus metrics.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of new traces sampled, in [0, 1].
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
