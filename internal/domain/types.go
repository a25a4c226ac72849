package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"
	FinishReasonError         = "error"
)

const (
	ResponseFormatText = "text"
	ResponseFormatJSON = "json"
)

// Request is the provider-neutral generation request. A Request is owned by the
// call that created it and is never shared between concurrent requests.
type Request struct {
	Model            string          `json:"model,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       *ToolChoice     `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	TenantID         string          `json:"tenant_id,omitempty"`
	AdditionalParams map[string]any  `json:"additional_params,omitempty"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Images     []string   `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Tool is a tool definition. A definition without Parameters refers to a tool
// registered with the gateway by name.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Index is only
// meaningful on stream deltas.
type ToolCall struct {
	Index     int    `json:"index,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceTool     = "tool"
)

// ToolChoice accepts either a bare mode string ("auto", "none", "required") or
// an object naming a specific tool: {"name": "get_weather"}.
type ToolChoice struct {
	Mode string `json:"mode"`
	Name string `json:"name,omitempty"`
}

func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var mode string
		if err := json.Unmarshal(data, &mode); err != nil {
			return err
		}
		c.Mode = mode
		c.Name = ""
		return nil
	}

	var obj struct {
		Mode     string `json:"mode"`
		Name     string `json:"name"`
		Function *struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool_choice: %w", err)
	}
	c.Mode = obj.Mode
	c.Name = obj.Name
	if c.Name == "" && obj.Function != nil {
		c.Name = obj.Function.Name
	}
	if c.Mode == "" && c.Name != "" {
		c.Mode = ToolChoiceTool
	}
	return nil
}

type ResponseFormat struct {
	Type   string          `json:"type"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

type Response struct {
	ID       string   `json:"id"`
	Model    string   `json:"model"`
	Provider string   `json:"provider"`
	Choices  []Choice `json:"choices"`
	Usage    Usage    `json:"usage"`
	Metadata Metadata `json:"metadata"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Metadata struct {
	LatencyMs        int64          `json:"latency_ms"`
	ProviderSpecific map[string]any `json:"provider_specific,omitempty"`
}

// StreamChunk is one incremental unit of a streaming response. FinishReason is
// nil until the terminal chunk; Error is set only on a terminal error chunk.
type StreamChunk struct {
	ID             string      `json:"id"`
	DeltaContent   string      `json:"delta_content"`
	DeltaToolCalls []ToolCall  `json:"delta_tool_calls,omitempty"`
	FinishReason   *string     `json:"finish_reason"`
	Error          *ChunkError `json:"error,omitempty"`
}

type ChunkError struct {
	Code    ErrorKind `json:"code"`
	Message string    `json:"message"`
}

func (c StreamChunk) IsTerminal() bool {
	return c.FinishReason != nil || c.Error != nil
}

func ContentChunk(text string) StreamChunk {
	return StreamChunk{DeltaContent: text}
}

func FinishChunk(reason string) StreamChunk {
	return StreamChunk{FinishReason: &reason}
}

// ErrorChunk builds a terminal chunk carrying err.
func ErrorChunk(err error) StreamChunk {
	e := AsError(err)
	return StreamChunk{Error: &ChunkError{Code: e.Kind, Message: e.Message}}
}

type Tier string

const (
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

type RateLimit struct {
	RequestsPerWindow int `json:"requests_per_window" yaml:"requests_per_window"`
	WindowSeconds     int `json:"window_seconds" yaml:"window_seconds"`
	Burst             int `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// TenantPolicy is replaced wholesale on refresh and never mutated in place.
type TenantPolicy struct {
	TenantID         string    `json:"tenant_id" yaml:"tenant_id"`
	Tier             Tier      `json:"tier" yaml:"tier"`
	AllowedProviders []string  `json:"allowed_providers,omitempty" yaml:"allowed_providers,omitempty"`
	AllowedModels    []string  `json:"allowed_models,omitempty" yaml:"allowed_models,omitempty"`
	RateLimit        RateLimit `json:"rate_limit" yaml:"rate_limit"`
}

func (p *TenantPolicy) AllowsProvider(name string) bool {
	return allows(p.AllowedProviders, name)
}

func (p *TenantPolicy) AllowsModel(model string) bool {
	return allows(p.AllowedModels, model)
}

func allows(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Clone copies the request deeply enough that the copy's model, messages and
// tools can be changed without touching the original.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		m.Images = append([]string(nil), m.Images...)
		m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		c.Messages[i] = m
	}
	c.Tools = append([]Tool(nil), r.Tools...)
	if r.ToolChoice != nil {
		tc := *r.ToolChoice
		c.ToolChoice = &tc
	}
	if r.ResponseFormat != nil {
		rf := *r.ResponseFormat
		c.ResponseFormat = &rf
	}
	if r.AdditionalParams != nil {
		c.AdditionalParams = make(map[string]any, len(r.AdditionalParams))
		for k, v := range r.AdditionalParams {
			c.AdditionalParams[k] = v
		}
	}
	return &c
}

func (r *Request) WantsJSON() bool {
	return r.ResponseFormat != nil && r.ResponseFormat.Type == ResponseFormatJSON
}

func (r *Request) HasImages() bool {
	for _, m := range r.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

// Clone returns a copy of the response whose metadata map may be modified.
func (r *Response) Clone() *Response {
	c := *r
	c.Choices = append([]Choice(nil), r.Choices...)
	c.Metadata.ProviderSpecific = make(map[string]any, len(r.Metadata.ProviderSpecific))
	for k, v := range r.Metadata.ProviderSpecific {
		c.Metadata.ProviderSpecific[k] = v
	}
	return &c
}

// Text returns the content of the first choice.
func (r *Response) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}
