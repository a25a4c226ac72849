package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/stream"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(capability.Default().For("openai"), Config{
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/v1",
		HTTPClient: srv.Client(),
	})
}

func userRequest(content string) *domain.Request {
	return &domain.Request{
		Model:    "gpt-4o-mini",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: content}},
	}
}

func TestGenerate(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
		}`)
	})

	temp := 0.2
	req := userRequest("hi")
	req.Temperature = &temp
	req.ResponseFormat = &domain.ResponseFormat{Type: domain.ResponseFormatJSON}
	req.AdditionalParams = map[string]any{"top_p": 0.9, "stop": "END"}

	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text() != "Hello!" {
		t.Errorf("expected Hello!, got %q", resp.Text())
	}
	if resp.Provider != "openai" || resp.Model != "gpt-4o-mini" {
		t.Errorf("unexpected provider/model %s/%s", resp.Provider, resp.Model)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("expected 12 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if resp.Metadata.ProviderSpecific["upstream_id"] != "chatcmpl-1" {
		t.Errorf("expected upstream id in metadata, got %v", resp.Metadata.ProviderSpecific)
	}

	rf, _ := got["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("expected json_object response format, got %v", got["response_format"])
	}
	if got["top_p"] != 0.9 {
		t.Errorf("expected top_p passthrough, got %v", got["top_p"])
	}
}

func TestGenerate_ToolCalls(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{
			"id": "chatcmpl-2",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]}}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30}
		}`)
	})

	req := userRequest("weather in Paris?")
	req.Tools = []domain.Tool{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)}}
	req.ToolChoice = &domain.ToolChoice{Mode: domain.ToolChoiceTool, Name: "get_weather"}

	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Choices[0].FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("expected tool_calls finish, got %s", resp.Choices[0].FinishReason)
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].Name != "get_weather" || calls[0].Arguments != `{"city":"Paris"}` {
		t.Errorf("unexpected tool calls %+v", calls)
	}

	choice, _ := got["tool_choice"].(map[string]any)
	fn, _ := choice["function"].(map[string]any)
	if fn["name"] != "get_weather" {
		t.Errorf("expected named tool choice, got %v", got["tool_choice"])
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, domain.ErrProviderAuth},
		{"rate limited", 429, `{"error":{"message":"slow down","type":"rate_limit"}}`, domain.ErrProviderTransient},
		{"server error", 503, `{"error":{"message":"overloaded","type":"server_error"}}`, domain.ErrProviderTransient},
		{"context length", 400, `{"error":{"message":"too long","type":"invalid_request_error","code":"context_length_exceeded"}}`, domain.ErrContextLengthExceeded},
		{"bad request", 400, `{"error":{"message":"unknown field","type":"invalid_request_error"}}`, domain.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := p.Generate(context.Background(), userRequest("hi"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var ge *domain.Error
			if errors.As(err, &ge) && ge.Provider != "openai" {
				t.Errorf("expected provider openai, got %q", ge.Provider)
			}
		})
	}
}

func TestStreamGenerate(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"id":"c","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
			`{"id":"c","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	s, err := p.StreamGenerate(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks, err := stream.Collect(s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	var text strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		if c.IsTerminal() {
			t.Fatalf("terminal chunk before end: %+v", c)
		}
		text.WriteString(c.DeltaContent)
	}
	if text.String() != "Hello" {
		t.Errorf("expected Hello, got %q", text.String())
	}

	last := chunks[len(chunks)-1]
	if last.FinishReason == nil || *last.FinishReason != domain.FinishReasonLength {
		t.Errorf("expected length finish, got %+v", last)
	}
}

func TestStreamGenerate_UpstreamRejects(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	})

	_, err := p.StreamGenerate(context.Background(), userRequest("hi"))
	if !errors.Is(err, &domain.Error{Kind: domain.KindProviderTransient, Reason: domain.ReasonRateLimit}) {
		t.Fatalf("expected transient rate_limit, got %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	healthy := true
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"down"}}`)
			return
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"}]}`)
	})

	if err := p.CheckHealth(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	healthy = false
	if err := p.CheckHealth(context.Background()); !errors.Is(err, domain.ErrProviderTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestValidateRequest(t *testing.T) {
	p := New(capability.Default().For("openai"), Config{APIKey: "k"})

	if v := p.ValidateRequest(userRequest("hi")); !v.Valid {
		t.Errorf("expected valid, got %s", v.Reason)
	}

	req := userRequest("hi")
	req.Model = "not-a-model"
	if v := p.ValidateRequest(req); v.Valid {
		t.Error("expected unknown model to be rejected")
	}
}
