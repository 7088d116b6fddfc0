// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, OpenAI, or a
// local Coqui server) and presents a uniform request/response interface: one
// sentence of text in, one complete audio payload out. Ordering across sentences
// is the caller's concern.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the complete audio
	// payload in the encoding and sample rate requested by voice (or the
	// provider's defaults when those fields are zero).
	//
	// Implementations must honour ctx cancellation promptly; callers use it to
	// bound synthesis latency.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
