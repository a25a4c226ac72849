package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
	return New(capability.Default().For("anthropic"), Config{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
}

func userRequest(content string) *domain.Request {
	return &domain.Request{
		Model: "claude-3-5-haiku-20241022",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: content},
		},
	}
}

func TestGenerate(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "Hi there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 4}
		}`)
	})

	resp, err := p.Generate(context.Background(), userRequest("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text() != "Hi there" {
		t.Errorf("expected Hi there, got %q", resp.Text())
	}
	if resp.Usage.TotalTokens != 14 {
		t.Errorf("expected 14 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if resp.Choices[0].FinishReason != domain.FinishReasonStop {
		t.Errorf("expected stop, got %s", resp.Choices[0].FinishReason)
	}

	if got["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("expected default max_tokens, got %v", got["max_tokens"])
	}
	system, _ := got["system"].([]any)
	if len(system) != 1 {
		t.Errorf("expected system prompt to be split out, got %v", got["system"])
	}
	if msgs, _ := got["messages"].([]any); len(msgs) != 1 {
		t.Errorf("expected 1 conversation message, got %d", len(msgs))
	}
}

func TestGenerate_ToolUse(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_2", "type": "message", "role": "assistant",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 30, "output_tokens": 12}
		}`)
	})

	req := userRequest("weather?")
	req.Tools = []domain.Tool{{
		Name:       "get_weather",
		Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}}
	req.ToolChoice = &domain.ToolChoice{Mode: domain.ToolChoiceRequired}

	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Choices[0].FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("expected tool_calls, got %s", resp.Choices[0].FinishReason)
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].ID != "toolu_1" || !strings.Contains(calls[0].Arguments, "Paris") {
		t.Errorf("unexpected tool calls %+v", calls)
	}

	choice, _ := got["tool_choice"].(map[string]any)
	if choice["type"] != "any" {
		t.Errorf("expected required to map to any, got %v", got["tool_choice"])
	}
}

func TestGenerate_ToolHistory(t *testing.T) {
	history := func(args string) *domain.Request {
		req := userRequest("weather?")
		req.Messages = append(req.Messages,
			domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "toolu_1", Name: "get_weather", Arguments: args}}},
			domain.Message{Role: domain.RoleTool, ToolCallID: "toolu_1", Content: "sunny"},
		)
		return req
	}

	tests := []struct {
		name      string
		args      string
		wantParam string
		wantInput string
	}{
		{"object", `{"city":"Paris"}`, "", "Paris"},
		{"empty", "", "", "{}"},
		{"malformed", `{"city":`, "messages[2].tool_calls[0].arguments", ""},
		{"not an object", `["Paris"]`, "messages[2].tool_calls[0].arguments", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			var body string
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				b, _ := io.ReadAll(r.Body)
				body = string(b)
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"id":"msg_3","type":"message","role":"assistant",
					"content":[{"type":"text","text":"Sunny."}],
					"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`)
			})

			_, err := p.Generate(context.Background(), history(tt.args))
			if tt.wantParam != "" {
				if !errors.Is(err, domain.ErrInvalidRequest) {
					t.Fatalf("err = %v, want InvalidRequestError", err)
				}
				if got := domain.AsError(err).Param; got != tt.wantParam {
					t.Errorf("param = %q, want %q", got, tt.wantParam)
				}
				if calls != 0 {
					t.Error("malformed history was sent upstream")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(body, tt.wantInput) {
				t.Errorf("tool_use input missing from %s", body)
			}
		})
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, domain.ErrProviderAuth},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, domain.ErrProviderTransient},
		{"rate limited", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow"}}`, domain.ErrProviderTransient},
		{"prompt too long", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens > 200000 maximum"}}`, domain.ErrContextLengthExceeded},
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
		})
	}
}

func writeEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func TestStreamGenerate(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"usage":{"input_tokens":5,"output_tokens":0}}}`)
		writeEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`)
		writeEvent(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		writeEvent(w, "content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup","input":{}}}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":1}"}}`)
		writeEvent(w, "content_block_stop", `{"type":"content_block_stop","index":1}`)
		writeEvent(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`)
		writeEvent(w, "message_stop", `{"type":"message_stop"}`)
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
	var calls []domain.ToolCall
	for _, c := range chunks {
		text.WriteString(c.DeltaContent)
		calls = append(calls, c.DeltaToolCalls...)
	}
	if text.String() != "Hello" {
		t.Errorf("expected Hello, got %q", text.String())
	}
	if len(calls) != 2 || calls[0].Name != "lookup" || calls[1].Arguments != `{"q":1}` {
		t.Errorf("unexpected tool call deltas %+v", calls)
	}

	last := chunks[len(chunks)-1]
	if last.FinishReason == nil || *last.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("expected tool_calls finish, got %+v", last)
	}
}

func TestStreamGenerate_RejectedBeforeFirstEvent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	})

	_, err := p.StreamGenerate(context.Background(), userRequest("hi"))
	if !errors.Is(err, domain.ErrProviderTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"claude-3-5-haiku-20241022","type":"model","display_name":"Haiku","created_at":"2024-10-22T00:00:00Z"}],"has_more":false}`)
	})

	if err := p.CheckHealth(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
}
