package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "openai-compatible", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"openai", "elevenlabs", "coqui"},
}

// opusRates are the sample rates libopus can decode to.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references
// in API keys, applies defaults and validates the result. Unknown keys are
// rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ExpandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} and $VAR references in every provider API key
// with the value of the environment variable.
func ExpandEnv(cfg *Config) {
	expand := func(e *ProviderEntry) {
		e.APIKey = os.ExpandEnv(e.APIKey)
	}
	for _, chain := range []*ChainEntry{&cfg.Providers.STT, &cfg.Providers.TTS, &cfg.Providers.LLM} {
		expand(&chain.ProviderEntry)
		for i := range chain.Fallbacks {
			expand(&chain.Fallbacks[i])
		}
	}
}

// ApplyDefaults fills unset server, audio and observe fields. Session fields
// keep their zero values; the pipeline applies its own defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.WSPath == "" {
		s.WSPath = DefaultWSPath
	}
	if s.InboundRate == 0 {
		s.InboundRate = DefaultInboundRate
	}
	if s.InboundBurst == 0 {
		s.InboundBurst = DefaultInboundBurst
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.Encoding == "" {
		a.Encoding = DefaultEncoding
	}
	if a.Codec == "" {
		a.Codec = DefaultCodec
	}

	if cfg.Observe.MetricsPath == "" {
		cfg.Observe.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.WSPath != "" && !strings.HasPrefix(s.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path %q must start with /", s.WSPath))
	}
	if s.InboundRate < 0 {
		errs = append(errs, fmt.Errorf("server.inbound_rate %.2f must not be negative", s.InboundRate))
	}
	if s.InboundBurst < 0 {
		errs = append(errs, fmt.Errorf("server.inbound_burst %d must not be negative", s.InboundBurst))
	}
	if s.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes %d must not be negative", s.MaxMessageBytes))
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if p := cfg.Observe.MetricsPath; p != "" && p == s.WSPath {
		errs = append(errs, fmt.Errorf("observe.metrics_path %q collides with server.ws_path", p))
	}
	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %v is out of range [0, 1]", r))
	}

	// Providers
	errs = append(errs, validateChain("stt", cfg.Providers.STT)...)
	errs = append(errs, validateChain("tts", cfg.Providers.TTS)...)
	errs = append(errs, validateChain("llm", cfg.Providers.LLM)...)

	// Session
	ss := cfg.Session
	for _, f := range []struct {
		name  string
		value int
	}{
		{"max_history_tokens", ss.MaxHistoryTokens},
		{"max_tokens", ss.MaxTokens},
		{"max_reconnects", ss.MaxReconnects},
		{"audio_backlog_bytes", ss.AudioBacklogBytes},
		{"max_sentence_runes", ss.MaxSentenceRunes},
	} {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("session.%s %d must not be negative", f.name, f.value))
		}
	}
	if ss.Temperature < 0 || ss.Temperature > 2 {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0, 2]", ss.Temperature))
	}
	if ss.SynthesisTimeout < 0 || ss.InferenceTimeout < 0 || ss.ConnectTimeout < 0 || ss.ReconnectDelay < 0 {
		errs = append(errs, errors.New("session timeouts must not be negative"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	switch a.Codec {
	case "", CodecPCM:
	case CodecOpus:
		if a.SampleRate > 0 && !slices.Contains(opusRates, a.SampleRate) {
			errs = append(errs, fmt.Errorf("audio.sample_rate %d is not an Opus rate %v", a.SampleRate, opusRates))
		}
		if a.Encoding != "" && a.Encoding != DefaultEncoding {
			errs = append(errs, fmt.Errorf("audio.encoding must be %s when audio.codec is opus", DefaultEncoding))
		}
	default:
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: pcm, opus", a.Codec))
	}
	if a.Downmix && a.Channels == 1 {
		slog.Warn("audio.downmix is set but audio.channels is 1; nothing to down-mix")
	}

	// Voice
	if cfg.Voice.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("voice.sample_rate %d must not be negative", cfg.Voice.SampleRate))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
// validateChain checks the primary and fallback names of one provider kind.
func validateChain(kind string, chain ChainEntry) []error {
	var errs []error
	if chain.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
	} else {
		validateProviderName(kind, chain.Name)
	}
	for i, fb := range chain.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
