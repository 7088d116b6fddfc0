// Package audio holds small helpers for 16-bit little-endian PCM: format
// description, inbound frame conversion, resampling and WAV parsing.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrOddLength is returned for frames whose length is not a whole number of
// 16-bit samples.
var ErrOddLength = errors.New("audio: odd byte count in 16-bit PCM frame")

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter turns PCM frames in format From into format To. It logs once on
// the first conversion and once on the first corrupt frame.
// Create one per stream; not safe for concurrent use.
type Converter struct {
	From, To Format
	Logger   *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Passthrough reports whether frames are forwarded unchanged.
func (c *Converter) Passthrough() bool {
	return c.From == c.To
}

// Convert validates pcm and converts it to c.To. Frames in the target format
// are returned as-is without allocation. Stereo input bound for mono is
// downmixed before resampling and mono input bound for stereo is upmixed
// after, so the resampler always runs on the fewer channels.
func (c *Converter) Convert(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("audio: dropping PCM frame with odd byte count",
				"bytes", len(pcm), "format", c.From.String())
		})
		return nil, ErrOddLength
	}
	if c.Passthrough() {
		return pcm, nil
	}

	c.warnedMismatch.Do(func() {
		c.logger().Info("audio: converting inbound audio", "from", c.From.String(), "to", c.To.String())
	})

	channels := c.From.Channels
	if channels == 2 && c.To.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if c.From.SampleRate != c.To.SampleRate {
		if channels == 2 {
			pcm = ResampleStereo16(pcm, c.From.SampleRate, c.To.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, c.From.SampleRate, c.To.SampleRate)
		}
	}
	if channels == 1 && c.To.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm, nil
}

func (c *Converter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sample(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages L and R of each stereo frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		avg := (int32(sample(pcm, 2*i)) + int32(sample(pcm, 2*i+1))) / 2
		putSample(out, i, int16(max(-32768, min(32767, avg))))
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate using linear
// interpolation. Non-positive or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved stereo PCM from srcRate to dstRate.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}
