// Package protocol defines the JSON messages exchanged with a client over the
// session connection.
//
// Inbound binary frames carry raw PCM audio; inbound text frames carry JSON
// commands. Every outbound message is a JSON object whose "type" is either
// "text" or "audio".
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Outbound message types.
const (
	TypeText  = "text"
	TypeAudio = "audio"
)

// Inbound command type and names.
const (
	TypeCommand = "cmd"
	CmdClear    = "clear"
)

// Fallback prefixes prepended to text sent in place of failed output.
const (
	PrefixTTSError = "[TTS Error] "
	PrefixLLMError = "[LLM Error] "
	PrefixSTTError = "[STT Error] "
)

// ErrUnknownMessage is returned by ParseText for a well-formed message whose
// type is not understood.
var ErrUnknownMessage = errors.New("protocol: unknown message type")

// Outbound is a message sent to the client.
type Outbound struct {
	Type string `json:"type"`
	Text string `json:"text"`

	// Interim is set only on transcript messages.
	Interim *bool `json:"interim,omitempty"`

	// Audio is the base64-encoded synthesized audio of Text.
	Audio string `json:"audio,omitempty"`
}

// Transcript builds a transcript message.
func Transcript(text string, interim bool) Outbound {
	return Outbound{Type: TypeText, Text: text, Interim: &interim}
}

// Text builds a plain text message.
func Text(text string) Outbound {
	return Outbound{Type: TypeText, Text: text}
}

// Audio builds an audio message carrying the sentence and its audio.
func Audio(text string, audio []byte) Outbound {
	return Outbound{Type: TypeAudio, Text: text, Audio: base64.StdEncoding.EncodeToString(audio)}
}

// TTSError builds the text fallback sent when a sentence could not be
// synthesized.
func TTSError(sentence string) Outbound {
	return Text(PrefixTTSError + sentence)
}

// LLMError builds the text message sent when inference fails.
func LLMError(err error) Outbound {
	return Text(PrefixLLMError + err.Error())
}

// STTError builds the text message sent when transcription is unavailable.
func STTError(err error) Outbound {
	return Text(PrefixSTTError + err.Error())
}

// IsInterim reports whether m is an interim transcript.
func (m Outbound) IsInterim() bool {
	return m.Interim != nil && *m.Interim
}

// DecodeAudio returns the raw audio carried by an audio message.
func (m Outbound) DecodeAudio() ([]byte, error) {
	if m.Type != TypeAudio {
		return nil, fmt.Errorf("protocol: decode audio: message type %q", m.Type)
	}
	return base64.StdEncoding.DecodeString(m.Audio)
}

// Kind discriminates inbound messages.
type Kind int

const (
	// KindAudio is a binary PCM frame.
	KindAudio Kind = iota
	// KindCommand is a control command.
	KindCommand
)

// Inbound is a message received from the client.
type Inbound struct {
	Kind Kind

	// Audio holds the PCM bytes for KindAudio.
	Audio []byte

	// Command holds the command name for KindCommand, e.g. CmdClear.
	Command string
}

// AudioFrame wraps a binary frame as an Inbound message.
func AudioFrame(pcm []byte) Inbound {
	return Inbound{Kind: KindAudio, Audio: pcm}
}

// Command builds a command Inbound message.
func Command(name string) Inbound {
	return Inbound{Kind: KindCommand, Command: name}
}

// command is the wire shape of an inbound text frame.
type command struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ParseText decodes an inbound text frame.
func ParseText(data []byte) (Inbound, error) {
	var c command
	if err := json.Unmarshal(data, &c); err != nil {
		return Inbound{}, fmt.Errorf("protocol: parse text: %w", err)
	}
	if c.Type != TypeCommand {
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownMessage, c.Type)
	}
	return Command(c.Data), nil
}
