package anyllm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	tests := []struct {
		name string
		in   llm.Message
	}{
		{"system", llm.Message{Role: llm.RoleSystem, Content: "You are helpful."}},
		{"user", llm.Message{Role: llm.RoleUser, Content: "Hello!"}},
		{"assistant", llm.Message{Role: llm.RoleAssistant, Content: "Hi there!"}},
		{"named", llm.Message{Role: llm.RoleUser, Content: "Hey", Name: "caller"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertMessage(tt.in)
			if got.Role != tt.in.Role {
				t.Errorf("role = %q, want %q", got.Role, tt.in.Role)
			}
			if got.ContentString() != tt.in.Content {
				t.Errorf("content = %q, want %q", got.ContentString(), tt.in.Content)
			}
			if got.Name != tt.in.Name {
				t.Errorf("name = %q, want %q", got.Name, tt.in.Name)
			}
		})
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature:  0.7,
		MaxTokens:    128,
	})
	if params.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("max tokens = %v, want 128", params.MaxTokens)
	}
}

func TestBuildParams_Defaults(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(params.Messages))
	}
	if params.Temperature != nil {
		t.Error("temperature should be unset")
	}
	if params.MaxTokens != nil {
		t.Error("max tokens should be unset")
	}
}

func TestValidateRoles(t *testing.T) {
	if err := validateRoles([]llm.Message{{Role: llm.RoleUser}, {Role: llm.RoleAssistant}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validateRoles([]llm.Message{{Role: "tool"}}); err == nil {
		t.Error("expected error for tool role")
	}
}

// ── New ───────────────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_OpenAI_WithAPIKey checks that OpenAI provider constructs successfully with an API key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if p.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", p.model)
	}
}

// TestNew_OpenAI_MissingAPIKey checks that OpenAI returns an error when no API key is available.
// This relies on OPENAI_API_KEY not being set in the test environment.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "") // Ensure env var is clear.
	_, err := New("openai", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestNew_Anthropic_WithAPIKey checks that Anthropic provider constructs successfully.
func TestNew_Anthropic_WithAPIKey(t *testing.T) {
	p, err := NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestNew_Ollama_NoAPIKey checks that Ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestConvenienceConstructors checks all convenience constructors delegate correctly.
func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewOpenAI", func() (*Provider, error) { return NewOpenAI("gpt-4o", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"NewLlamaCpp", func() (*Provider, error) { return NewLlamaCpp("llama3") }},
		{"NewLlamaFile", func() (*Provider, error) { return NewLlamaFile("llama3") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", tt.name)
			}
		})
	}
}

// ── StreamCompletion ──────────────────────────────────────────────────────────

// chatStream serves an OpenAI-compatible streaming chat completion.
func chatStream(t *testing.T, deltas []string, failAfter bool) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			b, _ := json.Marshal(map[string]any{
				"id":      "c1",
				"object":  "chat.completion.chunk",
				"created": 0,
				"model":   "gpt-4o-mini",
				"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": d}, "finish_reason": nil}},
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		if failAfter {
			fmt.Fprint(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
			return
		}
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","created":0,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestStreamCompletion_OpenAICompatible(t *testing.T) {
	ts := chatStream(t, []string{"One.", " Two."}, false)
	p, err := NewOpenAI("gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"), anyllmlib.WithBaseURL(ts.URL+"/v1"))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}

	ch, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "count"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var sb strings.Builder
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("unexpected stream error: %v", c.Err)
		}
		sb.WriteString(c.Text)
	}
	if got := sb.String(); got != "One. Two." {
		t.Errorf("text = %q, want %q", got, "One. Two.")
	}
}

func TestStreamCompletion_ErrorAfterText(t *testing.T) {
	ts := chatStream(t, []string{"Kept."}, true)
	p, err := NewOpenAI("gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"), anyllmlib.WithBaseURL(ts.URL+"/v1"))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}

	ch, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "go"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	var last llm.Chunk
	for c := range ch {
		text += c.Text
		last = c
	}
	if text != "Kept." {
		t.Errorf("text = %q, want %q", text, "Kept.")
	}
	if last.FinishReason != llm.FinishReasonError || last.Err == nil {
		t.Errorf("expected trailing error chunk, got %+v", last)
	}
}

func TestStreamCompletion_RejectsUnknownRole(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	_, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "function"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

// ── Capabilities ──────────────────────────────────────────────────────────────

func TestCapabilities_ReturnsForModel(t *testing.T) {
	p := &Provider{model: "claude-3-5-sonnet-latest"}
	caps := p.Capabilities()
	expected := llm.LookupCapabilities("claude-3-5-sonnet-latest")
	if caps != expected {
		t.Errorf("Capabilities() = %+v, want %+v", caps, expected)
	}
}
