// Package energy implements a vad.Engine that classifies frames by their RMS
// amplitude with separate start and stop thresholds.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
)

// fullScale is the largest 16-bit sample magnitude.
const fullScale = math.MaxInt16

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// ErrOddFrame is returned for frames that do not hold whole 16-bit samples.
var ErrOddFrame = errors.New("energy: frame length is not a multiple of 2")

// Engine is a stateless factory for energy sessions.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a session in the silent state.
func (*Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	var errs []error
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("energy: speech threshold %v out of range (0, 1]", cfg.SpeechThreshold))
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		errs = append(errs, fmt.Errorf("energy: silence threshold %v must be in [0, %v]", cfg.SilenceThreshold, cfg.SpeechThreshold))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &session{cfg: cfg}, nil
}

// ThresholdFromRMS converts an absolute 16-bit RMS amplitude to a level in
// [0, 1] usable as a Config threshold.
func ThresholdFromRMS(rms float64) float64 {
	return min(max(rms/fullScale, 0), 1)
}

type session struct {
	cfg      vad.Config
	inSpeech bool
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errors.New("energy: session closed")
	}
	if len(frame)%2 != 0 {
		return vad.Event{}, ErrOddFrame
	}
	level := ThresholdFromRMS(audio.RMS(frame))

	ev := vad.Event{Probability: level}
	switch {
	case !s.inSpeech && level >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = vad.SpeechStart
	case !s.inSpeech:
		ev.Type = vad.Silence
	case level >= s.cfg.SilenceThreshold:
		ev.Type = vad.SpeechContinue
	default:
		s.inSpeech = false
		ev.Type = vad.SpeechEnd
	}
	return ev, nil
}

func (s *session) Reset() { s.inSpeech = false }

func (s *session) Close() error {
	s.closed = true
	return nil
}
