package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "You are helpful."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_Assistant checks that assistant role and name are converted.
func TestConvertMessage_Assistant(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hi there!", Name: "relay"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if got := param.OfAssistant.Content.OfString.Value; got != "Hi there!" {
		t.Errorf("content = %q, want %q", got, "Hi there!")
	}
	if got := param.OfAssistant.Name.Value; got != "relay" {
		t.Errorf("name = %q, want %q", got, "relay")
	}
}

// TestConvertMessage_UnknownRole checks that an unknown role returns an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	_, err := convertMessage(llm.Message{Role: "tool", Content: "x"})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

// TestBuildParams_SystemPromptFirst checks the system prompt precedes history.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
		Temperature: 0.5,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	if params.Temperature.Value != 0.5 {
		t.Errorf("temperature = %v, want 0.5", params.Temperature.Value)
	}
	if params.MaxCompletionTokens.Value != 64 {
		t.Errorf("max tokens = %d, want 64", params.MaxCompletionTokens.Value)
	}
}

// TestBuildParams_NoSystemPrompt checks no system message is emitted when empty.
func TestBuildParams_NoSystemPrompt(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Messages) != 1 || params.Messages[0].OfUser == nil {
		t.Fatalf("expected a single user message, got %+v", params.Messages)
	}
}

// TestCapabilities_KnownModel checks that known models return expected values.
func TestCapabilities_KnownModel(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	caps := p.Capabilities()
	if caps.ContextWindow != 128_000 {
		t.Errorf("gpt-4o ContextWindow: got %d, want 128000", caps.ContextWindow)
	}
	if !caps.SupportsStreaming {
		t.Error("gpt-4o: expected SupportsStreaming")
	}
}

// TestNew_MissingAPIKey ensures constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_MissingModel ensures constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_Options checks that optional settings are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

// sseServer serves a canned chat completion stream and records the request body.
type sseServer struct {
	mu     sync.Mutex
	bodies []map[string]any
	deltas []string
	status int
	cutOff bool
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	s.mu.Unlock()

	if s.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		fmt.Fprint(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, d := range s.deltas {
		chunk := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion.chunk",
			"created": 0,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"delta":         map[string]any{"content": d},
				"finish_reason": nil,
			}},
		}
		b, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	if s.cutOff {
		fmt.Fprint(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
		flusher.Flush()
		return
	}
	fmt.Fprint(w, `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func newTestProvider(t *testing.T, srv *sseServer) *Provider {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(ts.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func collect(t *testing.T, ch <-chan llm.Chunk) (string, []llm.Chunk) {
	t.Helper()
	var sb strings.Builder
	var all []llm.Chunk
	for c := range ch {
		all = append(all, c)
		sb.WriteString(c.Text)
	}
	return sb.String(), all
}

func TestStreamCompletion_Streams(t *testing.T) {
	t.Parallel()
	srv := &sseServer{deltas: []string{"Hello", " there.", " Bye!"}}
	p := newTestProvider(t, srv)

	ch, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	text, chunks := collect(t, ch)
	if text != "Hello there. Bye!" {
		t.Errorf("text = %q", text)
	}
	last := chunks[len(chunks)-1]
	if last.FinishReason != "stop" {
		t.Errorf("last finish reason = %q, want stop", last.FinishReason)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.bodies) != 1 {
		t.Fatalf("expected 1 request, got %d", len(srv.bodies))
	}
	if srv.bodies[0]["stream"] != true {
		t.Errorf("expected stream=true in request, got %v", srv.bodies[0]["stream"])
	}
	msgs, _ := srv.bodies[0]["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages on the wire, got %d", len(msgs))
	}
}

func TestStreamCompletion_HTTPError(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, &sseServer{status: http.StatusBadRequest})

	_, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

func TestStreamCompletion_MidStreamError(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, &sseServer{deltas: []string{"Partial."}, cutOff: true})

	ch, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	text, chunks := collect(t, ch)
	if text != "Partial." {
		t.Errorf("text = %q, want %q", text, "Partial.")
	}
	last := chunks[len(chunks)-1]
	if last.FinishReason != llm.FinishReasonError || last.Err == nil {
		t.Errorf("expected trailing error chunk, got %+v", last)
	}
}

func TestStreamCompletion_InvalidRole(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	_, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "narrator", Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
}
