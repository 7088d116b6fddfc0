// Package openai provides a TTS provider backed by the OpenAI speech endpoint.
//
// Output defaults to raw 16-bit little-endian mono PCM at 24 kHz, which is what
// the API returns for response_format "pcm". When a VoiceProfile asks for a
// different sample rate the payload is resampled locally.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

const (
	defaultModel = oai.SpeechModelGPT4oMiniTTS

	// pcmSampleRate is the fixed sample rate of the API's PCM output.
	pcmSampleRate = 24000
)

// builtinVoices lists the voices the speech endpoint accepts.
var builtinVoices = []oai.AudioSpeechNewParamsVoice{
	oai.AudioSpeechNewParamsVoiceAlloy,
	oai.AudioSpeechNewParamsVoiceAsh,
	oai.AudioSpeechNewParamsVoiceBallad,
	oai.AudioSpeechNewParamsVoiceCoral,
	oai.AudioSpeechNewParamsVoiceEcho,
	oai.AudioSpeechNewParamsVoiceSage,
	oai.AudioSpeechNewParamsVoiceShimmer,
	oai.AudioSpeechNewParamsVoiceVerse,
}

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        string
	speed        float64
	instructions string
}

var _ tts.Provider = (*Provider)(nil)

type config struct {
	baseURL      string
	model        string
	speed        float64
	instructions string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the default speech model (e.g. "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithSpeed sets the playback speed in the range 0.25–4.0.
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
}

// WithInstructions sets a delivery instruction for models that support it.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed != 0 && (cfg.speed < 0.25 || cfg.speed > 4.0) {
		return nil, fmt.Errorf("openai tts: speed %.2f out of range [0.25, 4.0]", cfg.speed)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        cfg.model,
		speed:        cfg.speed,
		instructions: cfg.instructions,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai tts: voice ID must not be empty")
	}
	format, err := responseFormat(voice.Encoding)
	if err != nil {
		return nil, err
	}

	model := p.model
	if voice.Model != "" {
		model = voice.Model
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          model,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: format,
	}
	if p.speed != 0 {
		params.Speed = oai.Float(p.speed)
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read body: %w", err)
	}

	if format == oai.AudioSpeechNewParamsResponseFormatPCM && voice.SampleRate > 0 && voice.SampleRate != pcmSampleRate {
		data = audio.ResampleMono16(data, pcmSampleRate, voice.SampleRate)
	}
	return data, nil
}

// ListVoices implements tts.Provider. The speech endpoint has no listing API,
// so the built-in voice set is returned.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		out = append(out, tts.VoiceProfile{
			ID:         string(v),
			Name:       string(v),
			Provider:   "openai",
			Model:      p.model,
			Encoding:   "linear16",
			SampleRate: pcmSampleRate,
		})
	}
	return out, nil
}

// responseFormat maps a VoiceProfile encoding to the API response format.
func responseFormat(encoding string) (oai.AudioSpeechNewParamsResponseFormat, error) {
	switch encoding {
	case "", "linear16", "pcm":
		return oai.AudioSpeechNewParamsResponseFormatPCM, nil
	case "mp3":
		return oai.AudioSpeechNewParamsResponseFormatMP3, nil
	case "opus":
		return oai.AudioSpeechNewParamsResponseFormatOpus, nil
	case "wav":
		return oai.AudioSpeechNewParamsResponseFormatWAV, nil
	case "flac":
		return oai.AudioSpeechNewParamsResponseFormatFLAC, nil
	default:
		return "", fmt.Errorf("openai tts: unsupported encoding %q", encoding)
	}
}
