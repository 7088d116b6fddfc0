// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. Once opened, a SessionHandle accepts raw
// PCM audio frames and emits a single ordered stream of Transcript values in which
// interim guesses and committed finals are interleaved exactly as the provider
// produced them.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session has ended, either
// because Close was called or because the provider dropped the connection.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. Zero values fall back to the provider's defaults.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (e.g., 16000).
	SampleRate int

	// Channels is the number of interleaved audio channels. 1 = mono.
	Channels int

	// Encoding names the PCM sample format, e.g. "linear16".
	Encoding string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string uses the provider default.
	Language string

	// Model selects a provider-specific recognition model (e.g., "nova-3").
	Model string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods must
// be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider.
	// Returns ErrSessionClosed (possibly wrapped) once the session has ended.
	SendAudio(chunk []byte) error

	// Transcripts returns the ordered stream of interim and final transcripts.
	// The channel is closed when the session ends for any reason. A close that
	// was not preceded by a call to Close signals that the remote side went away.
	Transcripts() <-chan Transcript

	// Close terminates the session and releases its resources. Calling Close
	// more than once is safe.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. ctx bounds the
	// connection handshake only; the session lives until Close or remote close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
