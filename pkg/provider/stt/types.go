package stt

import "time"

// Transcript is a speech-to-text result. Interim and final results share this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	// Interim results are superseded by later results for the same utterance.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero if unreported.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint passed to the recognizer.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
