package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"layeh.com/gopus"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicerelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicerelay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
)

// testConfig returns a validated config with defaults applied.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_addr: "127.0.0.1:0"
  log_level: info
providers:
  stt: {name: mock, model: nova-3}
  tts: {name: mock}
  llm: {name: mock}
session:
  system_prompt: "Answer in one sentence."
audio:
  sample_rate: 48000
  channels: 2
  downmix: true
  keywords: [relay]
voice:
  id: alloy
  model: tts-1
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testProviders() (*app.Providers, *sttmock.Provider, *llmmock.Provider, *ttsmock.Provider) {
	s := &sttmock.Provider{}
	l := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Sure thing."}}}
	tp := &ttsmock.Provider{}
	return &app.Providers{STT: s, LLM: l, TTS: tp}, s, l, tp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startApp runs a on a loopback listener and returns its base URL.
func startApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) (*app.App, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, err := app.New(cfg, providers, append(opts, app.WithListener(ln))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return a, "http://" + ln.Addr().String()
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	for name, p := range map[string]*app.Providers{
		"nil":    nil,
		"no llm": {STT: &sttmock.Provider{}, TTS: &ttsmock.Provider{}},
		"no stt": {LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}},
		"no tts": {LLM: &llmmock.Provider{}, STT: &sttmock.Provider{}},
	} {
		if _, err := app.New(cfg, p); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestApp_SessionUsesConfig(t *testing.T) {
	t.Parallel()
	providers, sttP, llmP, ttsP := testProviders()
	_, base := startApp(t, testConfig(t), providers)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+config.DefaultWSPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	waitFor(t, "stt stream", func() bool { return sttP.CallCount() == 1 })
	got := sttP.StartStreamCalls[0].Cfg
	if got.SampleRate != 48000 || got.Channels != 1 || got.Model != "nova-3" {
		t.Errorf("stream config = %+v, want 48kHz mono nova-3", got)
	}
	if len(got.Keywords) != 1 || got.Keywords[0].Keyword != "relay" {
		t.Errorf("keywords = %+v", got.Keywords)
	}

	sttP.Last().Emit(stt.Transcript{Text: "Can you help?", IsFinal: true})

	var msgs []protocol.Outbound
	for len(msgs) < 2 {
		var m protocol.Outbound
		if err := wsjson.Read(ctx, c, &m); err != nil {
			t.Fatalf("read: %v", err)
		}
		msgs = append(msgs, m)
	}
	if msgs[0].Type != protocol.TypeText || msgs[0].Text != "Can you help?" {
		t.Errorf("msg[0] = %+v", msgs[0])
	}
	if msgs[1].Type != protocol.TypeAudio || msgs[1].Text != "Sure thing." {
		t.Errorf("msg[1] = %+v", msgs[1])
	}

	calls := llmP.Calls()
	if len(calls) != 1 || calls[0].Req.SystemPrompt != "Answer in one sentence." {
		t.Errorf("llm calls = %+v", calls)
	}
	waitFor(t, "tts call", func() bool { return len(ttsP.Texts()) == 1 })
	if v := ttsP.SynthesizeCalls[0].Voice; v.ID != "alloy" || v.Model != "tts-1" {
		t.Errorf("voice = %+v", v)
	}
}

func TestApp_ReloadAppliesToNewSessions(t *testing.T) {
	t.Parallel()
	providers, _, _, _ := testProviders()
	level := new(slog.LevelVar)
	oldCfg := testConfig(t)
	a, err := app.New(oldCfg, providers, app.WithLevelVar(level))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	newCfg := testConfig(t)
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Session.SystemPrompt = "Be playful."
	newCfg.Server.ListenAddr = "127.0.0.1:9999"
	a.Reload(oldCfg, newCfg)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if a.Config() != newCfg {
		t.Error("Config() not swapped")
	}
}

func TestApp_ReloadAudioButNotProviders(t *testing.T) {
	t.Parallel()
	providers, sttP, _, _ := testProviders()
	oldCfg := testConfig(t)
	a, base := startApp(t, oldCfg, providers)

	newCfg := testConfig(t)
	newCfg.Audio.Keywords = []string{"relay", "voice"}
	newCfg.Providers.STT.Model = "nova-2"
	a.Reload(oldCfg, newCfg)

	d := config.Diff(oldCfg, newCfg)
	if !d.AudioChanged || len(d.RestartRequired) != 1 || d.RestartRequired[0] != "providers.stt" {
		t.Errorf("diff = %+v, want hot audio and restart for providers.stt", d)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+config.DefaultWSPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	waitFor(t, "stt stream", func() bool { return sttP.CallCount() == 1 })
	got := sttP.StartStreamCalls[0].Cfg
	if len(got.Keywords) != 2 {
		t.Errorf("keywords = %+v, want reloaded audio.keywords", got.Keywords)
	}
	if got.Model != "nova-3" {
		t.Errorf("model = %q, want nova-3 until restart", got.Model)
	}
}

func TestApp_RunListenError(t *testing.T) {
	t.Parallel()
	providers, _, _, _ := testProviders()
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "no-port"
	a, err := app.New(cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Run(t.Context()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestApp_ShutdownRunsClosersOnce(t *testing.T) {
	t.Parallel()
	providers, _, _, _ := testProviders()
	var calls int
	boom := errors.New("boom")
	a, err := app.New(testConfig(t), providers,
		app.WithCloser(func() error { calls++; return nil }),
		app.WithCloser(func() error { calls++; return boom }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(t.Context()); !errors.Is(err, boom) {
		t.Errorf("Shutdown err = %v, want boom", err)
	}
	if err := a.Shutdown(t.Context()); err != nil {
		t.Errorf("second Shutdown err = %v", err)
	}
	if calls != 2 {
		t.Errorf("closers ran %d times, want 2", calls)
	}
}

// downLLM reports every backend as unavailable.
type downLLM struct{ llmmock.Provider }

func (*downLLM) Available() bool { return false }

func TestApp_ReadinessFollowsAvailability(t *testing.T) {
	t.Parallel()
	providers, _, _, _ := testProviders()
	providers.LLM = &downLLM{}
	a, err := app.New(testConfig(t), providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "llm") {
		t.Errorf("readyz body = %s, want llm check", rec.Body.String())
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApp_KeywordCorrection(t *testing.T) {
	t.Parallel()
	providers, sttP, llmP, _ := testProviders()
	cfg := testConfig(t)
	cfg.Session.CorrectKeywords = true
	cfg.Audio.Keywords = []string{"Eldrinax"}
	_, base := startApp(t, cfg, providers)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+config.DefaultWSPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	waitFor(t, "stt stream", func() bool { return sttP.CallCount() == 1 })
	sttP.Last().Emit(stt.Transcript{Text: "I met elder nacks yesterday", IsFinal: true})

	var m protocol.Outbound
	if err := wsjson.Read(ctx, c, &m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Text != "I met Eldrinax yesterday" {
		t.Errorf("transcript = %q, want corrected", m.Text)
	}
	waitFor(t, "llm call", func() bool { return llmP.CallCount() == 1 })
	msgs := llmP.Calls()[0].Req.Messages
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "I met Eldrinax yesterday" {
		t.Errorf("llm messages = %+v", msgs)
	}
}

func TestApp_OpusFramesDecoded(t *testing.T) {
	t.Parallel()
	providers, sttP, _, _ := testProviders()
	cfg := testConfig(t)
	cfg.Audio.Codec = config.CodecOpus
	_, base := startApp(t, cfg, providers)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+config.DefaultWSPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()
	waitFor(t, "stt stream", func() bool { return sttP.CallCount() == 1 })

	// 20 ms of stereo silence at 48 kHz.
	const frame = 960
	enc, err := gopus.NewEncoder(48000, 2, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	packet, err := enc.Encode(make([]int16, frame*2), frame, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageBinary, packet); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, "decoded audio", func() bool { return len(sttP.Last().Sent()) == 1 })
	// Downmixed to mono 16-bit.
	if got := len(sttP.Last().Sent()[0]); got != frame*2 {
		t.Errorf("forwarded %d bytes, want %d", got, frame*2)
	}
}
