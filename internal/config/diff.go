package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Log level, session tuning, audio and voice apply to sessions opened after
// the reload. Provider instances, listener and server tuning are fixed at
// startup, so those changes are only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any session.* value changed.
	SessionChanged bool

	// AudioChanged is true if any audio.* value changed.
	AudioChanged bool

	// VoiceChanged is true if any voice.* value changed.
	VoiceChanged bool

	// RestartRequired lists changed keys that only take effect after a
	// restart, e.g. "providers.llm" or "server.write_timeout".
	RestartRequired []string
}

// HotReloadable reports whether d contains any change that can be applied
// without restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.SessionChanged || d.AudioChanged || d.VoiceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SessionChanged = old.Session != new.Session
	d.AudioChanged = !audioEqual(old.Audio, new.Audio)
	d.VoiceChanged = old.Voice != new.Voice

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	was, now := old.Server, new.Server
	restart("server.listen_addr", was.ListenAddr != now.ListenAddr)
	restart("server.ws_path", was.WSPath != now.WSPath)
	restart("server.inbound_rate", was.InboundRate != now.InboundRate || was.InboundBurst != now.InboundBurst)
	restart("server.write_timeout", was.WriteTimeout != now.WriteTimeout)
	restart("server.max_message_bytes", was.MaxMessageBytes != now.MaxMessageBytes)
	restart("server.shutdown_timeout", was.ShutdownTimeout != now.ShutdownTimeout)
	restart("server.reload_interval", was.ReloadInterval != now.ReloadInterval)
	restart("server.tls", !reflect.DeepEqual(was.TLS, now.TLS))
	restart("providers.stt", !reflect.DeepEqual(old.Providers.STT, new.Providers.STT))
	restart("providers.tts", !reflect.DeepEqual(old.Providers.TTS, new.Providers.TTS))
	restart("providers.llm", !reflect.DeepEqual(old.Providers.LLM, new.Providers.LLM))
	restart("observe", old.Observe != new.Observe)

	return d
}

func audioEqual(a, b AudioConfig) bool {
	return a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.Encoding == b.Encoding &&
		a.Codec == b.Codec &&
		a.Language == b.Language &&
		a.Downmix == b.Downmix &&
		slices.Equal(a.Keywords, b.Keywords)
}
