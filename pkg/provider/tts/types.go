package tts

// VoiceProfile selects the voice and output format for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Model selects a provider-specific synthesis model. Empty uses the
	// provider default.
	Model string

	// Encoding names the output sample format, e.g. "linear16" or "mp3".
	// Empty uses the provider default.
	Encoding string

	// SampleRate is the output sample rate in Hz. Zero uses the provider default.
	SampleRate int

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}
