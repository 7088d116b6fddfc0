package audio

import (
	"math"
	"time"
)

// RMS returns the root-mean-square amplitude of 16-bit PCM in sample units
// (0 to 32767). A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sample(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Duration returns the play time of n bytes of 16-bit PCM in format f.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	bytesPerSec := f.SampleRate * f.Channels * 2
	return time.Duration(n) * time.Second / time.Duration(bytesPerSec)
}
