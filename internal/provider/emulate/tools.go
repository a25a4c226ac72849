package emulate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/habitusnet/llmgateway/internal/domain"
)

const toolCallKey = "tool_call"

type emulatedCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func toolInstruction(tools []domain.Tool, choice *domain.ToolChoice) string {
	if len(tools) == 0 || (choice != nil && choice.Mode == domain.ToolChoiceNone) {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n")
	sb.WriteString("You can call the following tools:\n\n")
	for _, t := range tools {
		sb.WriteString("### ")
		sb.WriteString(t.Name)
		sb.WriteString("\n")
		if t.Description != "" {
			sb.WriteString(t.Description)
			sb.WriteString("\n")
		}
		if len(t.Parameters) > 0 {
			sb.WriteString("Parameters (JSON Schema): ")
			sb.Write(compact(t.Parameters))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Tool Call Format\n")
	sb.WriteString("To call a tool, output one line per call in exactly this form and nothing else on that line:\n")
	sb.WriteString(`{"tool_call": {"name": "<tool name>", "arguments": {<arguments as JSON>}}}`)
	sb.WriteString("\n")

	switch {
	case choice != nil && choice.Mode == domain.ToolChoiceTool && choice.Name != "":
		fmt.Fprintf(&sb, "You must call the tool %q.\n", choice.Name)
	case choice != nil && choice.Mode == domain.ToolChoiceRequired:
		sb.WriteString("You must call at least one tool.\n")
	default:
		sb.WriteString("If no tool is needed, answer normally without that syntax.\n")
	}
	return sb.String()
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// ExtractToolCalls pulls every {"tool_call": {...}} object out of text. Calls
// naming a tool that was not offered are left in the text. The remaining
// prose is returned trimmed.
func ExtractToolCalls(text string, tools []domain.Tool) ([]domain.ToolCall, string) {
	offered := make(map[string]bool, len(tools))
	for _, t := range tools {
		offered[t.Name] = true
	}

	var calls []domain.ToolCall
	var rest strings.Builder
	last := 0

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		raw, ok := obj[toolCallKey]
		if !ok {
			continue
		}
		var call emulatedCall
		if err := json.Unmarshal(raw, &call); err != nil || !offered[call.Name] {
			continue
		}

		args := "{}"
		if len(call.Arguments) > 0 && string(call.Arguments) != "null" {
			args = string(compact(call.Arguments))
		}
		calls = append(calls, domain.ToolCall{
			Index:     len(calls),
			ID:        "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
			Name:      call.Name,
			Arguments: args,
		})

		end := i + int(dec.InputOffset())
		rest.WriteString(text[last:i])
		last = end
		i = end - 1
	}
	rest.WriteString(text[last:])

	remaining := strings.TrimSpace(rest.String())
	remaining = strings.TrimSpace(strings.NewReplacer("```json", "", "```", "").Replace(remaining))
	if len(calls) == 0 {
		return nil, text
	}
	return calls, remaining
}

// flattenToolHistory rewrites prior tool traffic into plain text turns so a
// model without native tools can follow the conversation.
func flattenToolHistory(messages []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == domain.RoleTool:
			label := m.Name
			if label == "" {
				label = m.ToolCallID
			}
			out = append(out, domain.Message{
				Role:    domain.RoleUser,
				Content: fmt.Sprintf("Tool result (%s):\n%s", label, m.Content),
			})
		case m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0:
			var sb strings.Builder
			sb.WriteString(m.Content)
			for _, tc := range m.ToolCalls {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				fmt.Fprintf(&sb, `{"tool_call": {"name": %q, "arguments": %s}}`, tc.Name, args)
			}
			out = append(out, domain.Message{Role: domain.RoleAssistant, Content: sb.String()})
		default:
			out = append(out, m)
		}
	}
	return out
}
