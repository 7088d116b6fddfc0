// Package opus decodes raw Opus packets into 16-bit little-endian PCM using
// libopus through layeh.com/gopus.
//
// Each inbound websocket frame is expected to carry exactly one Opus packet,
// as produced by WebCodecs AudioEncoder or MediaRecorder without a container.
package opus

import (
	"errors"
	"fmt"
	"slices"

	"layeh.com/gopus"
)

// maxFrameMs is the longest frame duration an Opus packet can carry.
const maxFrameMs = 120

// SampleRates lists the decoder output rates libopus supports.
var SampleRates = []int{8000, 12000, 16000, 24000, 48000}

// ErrEmptyPacket is returned for zero-length packets.
var ErrEmptyPacket = errors.New("opus: empty packet")

// Decoder holds the state of one Opus stream. Packets must be decoded in
// order. Not safe for concurrent use.
type Decoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	maxFrame   int
}

// NewDecoder creates a decoder producing PCM at sampleRate with channels
// interleaved channels.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	if !slices.Contains(SampleRates, sampleRate) {
		return nil, fmt.Errorf("opus: unsupported sample rate %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", channels)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		maxFrame:   sampleRate * maxFrameMs / 1000,
	}, nil
}

// Decode decodes one packet into interleaved little-endian PCM.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, ErrEmptyPacket
	}
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}
