// Package vad defines the Engine interface for voice activity detection.
//
// An engine hands out one stateful session per audio stream. A session
// classifies each PCM frame it is given as speech or silence and reports the
// transitions, so batch recognizers can cut a stream into utterances.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the 16-bit little-endian PCM passed to ProcessFrame.
	SampleRate int

	// Channels interleaved in each frame. Zero means mono.
	Channels int

	// SpeechThreshold is the level in [0, 1] at which silence turns into
	// speech.
	SpeechThreshold float64

	// SilenceThreshold is the level in [0, 1] below which ongoing speech
	// turns into silence. Must not exceed SpeechThreshold.
	SilenceThreshold float64
}

// EventType enumerates detection states.
type EventType int

const (
	// Silence means no speech in this frame and none before it.
	Silence EventType = iota

	// SpeechStart marks the first speech frame after silence.
	SpeechStart

	// SpeechContinue marks ongoing speech.
	SpeechContinue

	// SpeechEnd marks the first silent frame after speech.
	SpeechEnd
)

// IsSpeech reports whether t belongs to a speech segment.
func (t EventType) IsSpeech() bool {
	return t == SpeechStart || t == SpeechContinue
}

// Event is the result for a single frame.
type Event struct {
	Type EventType

	// Probability is the speech level of the frame in [0, 1].
	Probability float64
}

// SessionHandle is an active detector for one stream. Not safe for
// concurrent use.
type SessionHandle interface {
	// ProcessFrame classifies frame and returns the resulting event. It
	// must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset forgets any speech in progress.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine creates VAD sessions. Implementations must be safe for concurrent
// use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
