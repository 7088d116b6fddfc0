package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo, WSPath: "/ws"},
		Providers: config.ProvidersConfig{
			STT: config.ChainEntry{ProviderEntry: config.ProviderEntry{Name: "deepgram"}},
			TTS: config.ChainEntry{ProviderEntry: config.ProviderEntry{Name: "openai"}},
			LLM: config.ChainEntry{ProviderEntry: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"}},
		},
		Session: config.SessionConfig{SystemPrompt: "hi"},
		Audio:   config.AudioConfig{SampleRate: 16000, Channels: 1, Keywords: []string{"relay"}},
		Voice:   config.VoiceConfig{ID: "alloy"},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.HotReloadable() || len(d.RestartRequired) != 0 {
		t.Errorf("identical configs produced diff %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if !d.HotReloadable() {
		t.Error("log level change should be hot-reloadable")
	}
}

func TestDiff_SessionAndVoice(t *testing.T) {
	t.Parallel()
	newCfg := baseConfig()
	newCfg.Session.SynthesisTimeout = 3 * time.Second
	newCfg.Voice.ID = "nova"

	d := config.Diff(baseConfig(), newCfg)
	if !d.SessionChanged || !d.VoiceChanged {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_AudioIsHot(t *testing.T) {
	t.Parallel()
	newCfg := baseConfig()
	newCfg.Audio.Codec = config.CodecOpus
	newCfg.Audio.Keywords = []string{"relay", "voice"}

	d := config.Diff(baseConfig(), newCfg)
	if !d.AudioChanged || !d.HotReloadable() {
		t.Errorf("diff = %+v, want hot audio change", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	newCfg := baseConfig()
	newCfg.Server.ListenAddr = ":9090"
	newCfg.Server.InboundRate = 50
	newCfg.Server.WriteTimeout = time.Second
	newCfg.Server.MaxMessageBytes = 1 << 10
	newCfg.Providers.LLM.Fallbacks = []config.ProviderEntry{{Name: "anthropic"}}
	newCfg.Providers.TTS.Fallbacks = []config.ProviderEntry{{Name: "coqui"}}

	d := config.Diff(baseConfig(), newCfg)
	want := []string{
		"server.listen_addr",
		"server.inbound_rate",
		"server.write_timeout",
		"server.max_message_bytes",
		"providers.tts",
		"providers.llm",
	}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.HotReloadable() {
		t.Error("restart-only changes reported as hot-reloadable")
	}
}
