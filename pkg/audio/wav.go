package audio

import (
	"encoding/binary"
	"errors"
)

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	DataOffset int // byte offset of the first PCM sample
	Format
}

// ParseWAV walks the RIFF chunks of wav and returns the offset of the data
// chunk together with the format from the "fmt " chunk. The fmt chunk size is
// read from the file rather than assuming a 44-byte header.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: WAV too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: WAV missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: WAV missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))

		switch id {
		case "fmt ":
			if size >= 16 && off+8+16 <= len(wav) {
				f := wav[off+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = off + 8
			if !foundFmt {
				info.Format = Format{SampleRate: 22050, Channels: 1}
			}
			return info, nil
		}

		// Chunks are word-aligned.
		off += 8 + size + size%2
	}
	return WAVInfo{}, errors.New("audio: WAV missing data chunk")
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte RIFF/WAVE
// header.
func EncodeWAV(pcm []byte, f Format) []byte {
	le := binary.LittleEndian
	blockAlign := f.Channels * 2
	buf := make([]byte, 0, 44+len(pcm))

	buf = append(buf, "RIFF"...)
	buf = le.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = le.AppendUint32(buf, 16)
	buf = le.AppendUint16(buf, 1) // PCM
	buf = le.AppendUint16(buf, uint16(f.Channels))
	buf = le.AppendUint32(buf, uint32(f.SampleRate))
	buf = le.AppendUint32(buf, uint32(f.SampleRate*blockAlign))
	buf = le.AppendUint16(buf, uint16(blockAlign))
	buf = le.AppendUint16(buf, 16)

	buf = append(buf, "data"...)
	buf = le.AppendUint32(buf, uint32(len(pcm)))
	return append(buf, pcm...)
}
