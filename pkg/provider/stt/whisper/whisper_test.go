package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/stt/whisper"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
	vadmock "github.com/MrWong99/voicerelay/pkg/provider/vad/mock"
)

// ── Helpers ─────────────────────────────────────────────────────────────────

// fakeServer answers POST /inference with text and records the form fields.
type fakeServer struct {
	text   string
	status int
	calls  atomic.Int32

	mu     sync.Mutex
	fields []map[string]string
}

func (f *fakeServer) start(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		f.calls.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got := map[string]string{}
		for k, v := range r.MultipartForm.Value {
			got[k] = v[0]
		}
		if _, ok := r.MultipartForm.File["file"]; ok {
			got["file"] = "yes"
		}
		f.mu.Lock()
		f.fields = append(f.fields, got)
		f.mu.Unlock()

		if f.status != 0 {
			http.Error(w, "boom", f.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": f.text})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func (f *fakeServer) lastFields() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fields) == 0 {
		return nil
	}
	return f.fields[len(f.fields)-1]
}

// speech returns ms milliseconds of a loud 440 Hz tone at 16 kHz mono.
func speech(ms int) []byte {
	n := 16 * ms
	buf := make([]byte, n*2)
	for i := range n {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// silence returns ms milliseconds of zero samples at 16 kHz mono.
func silence(ms int) []byte { return make([]byte, 32*ms) }

func start(t *testing.T, url string, cfg stt.StreamConfig, opts ...whisper.Option) stt.SessionHandle {
	t.Helper()
	p, err := whisper.New(url, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := p.StartStream(t.Context(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func send(t *testing.T, h stt.SessionHandle, chunks ...[]byte) {
	t.Helper()
	for _, c := range chunks {
		if err := h.SendAudio(c); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
}

func next(t *testing.T, h stt.SessionHandle) (stt.Transcript, bool) {
	t.Helper()
	select {
	case tr, ok := <-h.Transcripts():
		return tr, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
		return stt.Transcript{}, false
	}
}

// ── Tests ───────────────────────────────────────────────────────────────────

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}
}

func TestStartStream_Errors(t *testing.T) {
	t.Parallel()
	p, err := whisper.New("http://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := p.StartStream(ctx, stt.StreamConfig{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx err = %v", err)
	}
	if _, err := p.StartStream(t.Context(), stt.StreamConfig{Encoding: "opus"}); err == nil {
		t.Error("expected error for unsupported encoding")
	}
}

func TestSession_SilenceAloneSendsNothing(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{text: "hello"}
	h := start(t, fs.start(t), stt.StreamConfig{SampleRate: 16000, Channels: 1})

	send(t, h, silence(200), silence(200), silence(200), silence(200))
	time.Sleep(100 * time.Millisecond)
	if n := fs.calls.Load(); n != 0 {
		t.Errorf("inference calls = %d, want 0", n)
	}
}

func TestSession_UtteranceThenSilence(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{text: " turn on the lights "}
	h := start(t, fs.start(t), stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
		Keywords:   []stt.KeywordBoost{{Keyword: "Eldrinax"}, {Keyword: "relay"}},
	}, whisper.WithModel("base.en"))

	send(t, h, speech(300), silence(300), silence(300))

	tr, ok := next(t, h)
	if !ok {
		t.Fatal("transcript channel closed")
	}
	if tr.Text != "turn on the lights" || !tr.IsFinal {
		t.Errorf("transcript = %+v", tr)
	}
	f := fs.lastFields()
	want := map[string]string{
		"file":            "yes",
		"language":        "en",
		"model":           "base.en",
		"prompt":          "Eldrinax, relay",
		"response_format": "json",
	}
	for k, v := range want {
		if f[k] != v {
			t.Errorf("field %s = %q, want %q", k, f[k], v)
		}
	}
}

func TestSession_MaxUtteranceForcesFlush(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{text: "long"}
	h := start(t, fs.start(t), stt.StreamConfig{SampleRate: 16000, Channels: 1},
		whisper.WithMaxUtterance(500*time.Millisecond))

	send(t, h, speech(300), speech(300))

	if tr, _ := next(t, h); tr.Text != "long" {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestSession_EmptyTextSkipped(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{text: "  "}
	h := start(t, fs.start(t), stt.StreamConfig{SampleRate: 16000, Channels: 1})

	send(t, h, speech(100), silence(600))
	deadline := time.Now().Add(3 * time.Second)
	for fs.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case tr := <-h.Transcripts():
		t.Errorf("unexpected transcript %+v", tr)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_RepeatedFailuresEndSession(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{status: http.StatusInternalServerError}
	h := start(t, fs.start(t), stt.StreamConfig{SampleRate: 16000, Channels: 1},
		whisper.WithMaxFailures(2))

	send(t, h, speech(100), silence(600))
	send(t, h, speech(100), silence(600))

	if _, ok := next(t, h); ok {
		t.Fatal("expected transcript channel to close")
	}
	if err := h.SendAudio(speech(10)); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after remote end = %v, want ErrSessionClosed", err)
	}
	if n := fs.calls.Load(); n != 2 {
		t.Errorf("inference calls = %d, want 2", n)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{text: "x"}
	h := start(t, fs.start(t), stt.StreamConfig{})

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-h.Transcripts(); ok {
		t.Error("transcripts channel still open after Close")
	}
	if err := h.SendAudio(speech(10)); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v", err)
	}
}

func TestSession_CustomVAD(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{text: "quiet words"}
	det := &vadmock.Session{
		Events: []vad.Event{
			{Type: vad.SpeechStart},
			{Type: vad.SpeechContinue},
		},
		Default: vad.Event{Type: vad.Silence},
	}
	eng := &vadmock.Engine{Session: det}
	h := start(t, fs.start(t), stt.StreamConfig{SampleRate: 16000, Channels: 1}, whisper.WithVAD(eng))

	// Zero samples the energy detector would drop are speech here.
	send(t, h, silence(100), silence(100), silence(300), silence(300))

	if tr, _ := next(t, h); tr.Text != "quiet words" {
		t.Errorf("transcript = %+v", tr)
	}
	if len(eng.Configs) != 1 || eng.Configs[0].SampleRate != 16000 {
		t.Errorf("vad configs = %+v", eng.Configs)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if det.Closes() != 1 {
		t.Errorf("detector closes = %d, want 1", det.Closes())
	}
}

func TestStartStream_VADError(t *testing.T) {
	t.Parallel()
	p, err := whisper.New("http://127.0.0.1:1", whisper.WithVAD(&vadmock.Engine{NewSessionErr: errors.New("no model")}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.StartStream(t.Context(), stt.StreamConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
