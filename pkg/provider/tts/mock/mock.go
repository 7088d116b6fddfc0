// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to script synthesis latency and failures per sentence and to
// verify the text and VoiceProfile passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Delays: map[string]time.Duration{"Slow one.": 300 * time.Millisecond},
//	    Errs:   map[string]error{"Broken.": errors.New("boom")},
//	}
//	audio, err := p.Synthesize(ctx, "Slow one.", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the sentence passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio, if non-nil, is returned for every successful call. Otherwise the
	// payload is []byte("pcm:" + text).
	Audio []byte

	// Delays maps sentence text to an artificial latency. The call returns
	// ctx.Err() if ctx ends first.
	Delays map[string]time.Duration

	// Block, if true, makes every call wait until ctx is done.
	Block bool

	// Errs maps sentence text to the error returned for it.
	Errs map[string]error

	// SynthesizeErr, if non-nil, is returned for every call not matched by Errs.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in start order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int

	inFlight    int
	maxInFlight int
}

// Synthesize records the call, applies the scripted delay and returns the
// scripted payload or error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	p.inFlight++
	p.maxInFlight = max(p.maxInFlight, p.inFlight)
	delay := p.Delays[text]
	block := p.Block
	err, ok := p.Errs[text]
	if !ok {
		err = p.SynthesizeErr
	}
	audio := p.Audio
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if audio != nil {
		return audio, nil
	}
	return []byte("pcm:" + text), nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Texts returns the sentences passed to Synthesize in call order. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// MaxInFlight returns the highest number of concurrent Synthesize calls
// observed. Thread-safe.
func (p *Provider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
	p.maxInFlight = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
