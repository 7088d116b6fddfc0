package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/internal/session"
	"github.com/MrWong99/voicerelay/internal/synthesis"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicerelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicerelay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
)

// ── Test doubles ────────────────────────────────────────────────────────────

// echoRunner answers every inbound message with one outbound message and
// records what it saw.
type echoRunner struct {
	sink synthesis.Sink

	mu   sync.Mutex
	seen []protocol.Inbound
	done chan struct{}
}

func (e *echoRunner) Run(ctx context.Context, inbound <-chan protocol.Inbound) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-inbound:
			if !ok {
				return nil
			}
			e.mu.Lock()
			e.seen = append(e.seen, m)
			e.mu.Unlock()
			switch m.Kind {
			case protocol.KindAudio:
				_ = e.sink.Send(ctx, protocol.Audio("frame", m.Audio))
			case protocol.KindCommand:
				_ = e.sink.Send(ctx, protocol.Text("cmd:"+m.Command))
			}
		}
	}
}

func (e *echoRunner) Seen() []protocol.Inbound {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Inbound(nil), e.seen...)
}

// echoFactory hands out echoRunners and keeps them for inspection.
type echoFactory struct {
	mu      sync.Mutex
	runners []*echoRunner
}

func (f *echoFactory) New(_ SessionInfo, sink synthesis.Sink, _ *slog.Logger) (Runner, error) {
	r := &echoRunner{sink: sink, done: make(chan struct{})}
	f.mu.Lock()
	f.runners = append(f.runners, r)
	f.mu.Unlock()
	return r, nil
}

func (f *echoFactory) Last() *echoRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runners) == 0 {
		return nil
	}
	return f.runners[len(f.runners)-1]
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func startServer(t *testing.T, factory SessionFactory, opts ...Option) (*Server, string) {
	t.Helper()
	s := New(factory, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func dial(t *testing.T, baseURL string) (*websocket.Conn, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	c, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+DefaultWSPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c, resp
}

func read(t *testing.T, c *websocket.Conn) protocol.Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	var m protocol.Outbound
	if err := wsjson.Read(ctx, c, &m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func write(t *testing.T, c *websocket.Conn, typ websocket.MessageType, data string) {
	t.Helper()
	if err := c.Write(t.Context(), typ, []byte(data)); err != nil {
		t.Fatalf("write: %v", err)
	}
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

// ── Tests ───────────────────────────────────────────────────────────────────

func TestServer_RoundTrip(t *testing.T) {
	t.Parallel()
	f := &echoFactory{}
	_, url := startServer(t, f.New)
	c, resp := dial(t, url)

	if resp.Header.Get("X-Session-ID") == "" {
		t.Error("missing X-Session-ID header")
	}

	write(t, c, websocket.MessageBinary, "\x01\x02")
	write(t, c, websocket.MessageText, `{"type":"cmd","data":"clear"}`)

	m := read(t, c)
	pcm, err := m.DecodeAudio()
	if err != nil || string(pcm) != "\x01\x02" {
		t.Errorf("first reply = %+v (%v)", m, err)
	}
	if m := read(t, c); m.Type != protocol.TypeText || m.Text != "cmd:clear" {
		t.Errorf("second reply = %+v", m)
	}
}

func TestServer_InvalidTextIgnored(t *testing.T) {
	t.Parallel()
	f := &echoFactory{}
	_, url := startServer(t, f.New)
	c, _ := dial(t, url)

	write(t, c, websocket.MessageText, `{"type":"subscribe"}`)
	write(t, c, websocket.MessageText, `not json`)
	write(t, c, websocket.MessageText, `{"type":"cmd","data":"clear"}`)

	if m := read(t, c); m.Text != "cmd:clear" {
		t.Errorf("reply = %+v, want only the valid command echoed", m)
	}
	if got := f.Last().Seen(); len(got) != 1 {
		t.Errorf("runner saw %d messages, want 1", len(got))
	}
}

func TestServer_InboundRateLimited(t *testing.T) {
	t.Parallel()
	f := &echoFactory{}
	_, url := startServer(t, f.New, WithInboundLimit(0.001, 2))
	c, _ := dial(t, url)

	for range 5 {
		write(t, c, websocket.MessageBinary, "\x01\x00")
	}
	write(t, c, websocket.MessageText, `{"type":"cmd","data":"clear"}`)

	var got []protocol.Outbound
	for range 3 {
		got = append(got, read(t, c))
	}
	c.Close(websocket.StatusNormalClosure, "bye")

	r := f.Last()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after client close")
	}

	var audio, clears int
	for _, m := range r.Seen() {
		switch m.Kind {
		case protocol.KindAudio:
			audio++
		case protocol.KindCommand:
			clears++
		}
	}
	if audio != 2 {
		t.Errorf("runner saw %d audio frames, want 2 (burst)", audio)
	}
	if clears != 1 {
		t.Errorf("runner saw %d clear commands, want 1", clears)
	}
	if last := got[len(got)-1]; last.Text != "cmd:clear" {
		t.Errorf("last outbound = %+v, want cmd:clear echo", last)
	}
}

func TestServer_ClientCloseEndsSession(t *testing.T) {
	t.Parallel()
	f := &echoFactory{}
	s, url := startServer(t, f.New)
	c, _ := dial(t, url)

	waitFor(t, "session tracked", func() bool { return s.Tracker().Len() == 1 })
	c.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "session removed", func() bool { return s.Tracker().Len() == 0 })
}

func TestServer_FactoryErrorClosesConnection(t *testing.T) {
	t.Parallel()
	s, url := startServer(t, func(SessionInfo, synthesis.Sink, *slog.Logger) (Runner, error) {
		return nil, errors.New("no providers")
	})
	c, _ := dial(t, url)

	_, _, err := c.Read(t.Context())
	if websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Errorf("close status = %v (err %v), want internal error", websocket.CloseStatus(err), err)
	}
	waitFor(t, "session removed", func() bool { return s.Tracker().Len() == 0 })
}

func TestServer_SessionsAndHealthEndpoints(t *testing.T) {
	t.Parallel()
	f := &echoFactory{}
	s, url := startServer(t, f.New)
	dial(t, url)
	waitFor(t, "session tracked", func() bool { return s.Tracker().Len() == 1 })

	resp, err := http.Get(url + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Active   int           `json:"active"`
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Active != 1 || len(body.Sessions) != 1 || body.Sessions[0].ID == "" {
		t.Errorf("sessions = %+v", body)
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(url + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestServer_ServeShutdownCancelsSessions(t *testing.T) {
	t.Parallel()
	f := &echoFactory{}
	s := New(f.New, WithShutdownTimeout(50*time.Millisecond))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	dial(t, "http://"+ln.Addr().String())
	waitFor(t, "session tracked", func() bool { return s.Tracker().Len() == 1 })

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	if n := s.Tracker().Len(); n != 0 {
		t.Errorf("live sessions after shutdown = %d", n)
	}
}

func TestServer_EndToEndWithController(t *testing.T) {
	t.Parallel()
	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi there. "}, {Text: "Bye!"}}}
	ttsP := &ttsmock.Provider{}

	factory := func(_ SessionInfo, sink synthesis.Sink, log *slog.Logger) (Runner, error) {
		return session.New(session.Deps{STT: sttP, TTS: ttsP, LLM: llmP, Sink: sink},
			session.WithLogger(log),
		), nil
	}
	_, url := startServer(t, factory)
	c, _ := dial(t, url)

	waitFor(t, "stt session", func() bool { return sttP.Last() != nil })
	sess := sttP.Last()

	write(t, c, websocket.MessageBinary, "\x00\x01\x02\x03")
	waitFor(t, "audio forwarded", func() bool { return len(sess.Sent()) == 1 })

	sess.Emit(stt.Transcript{Text: "hello", IsFinal: true})

	if m := read(t, c); m.Type != protocol.TypeText || m.Text != "hello" || m.IsInterim() {
		t.Errorf("msg[0] = %+v, want final transcript", m)
	}
	for _, want := range []string{"Hi there.", "Bye!"} {
		m := read(t, c)
		if m.Type != protocol.TypeAudio || m.Text != want {
			t.Errorf("got %+v, want audio %q", m, want)
		}
	}
}
