package emulate

import (
	"encoding/json"
	"strings"

	"github.com/habitusnet/llmgateway/internal/domain"
)

func jsonInstruction(rf *domain.ResponseFormat) string {
	var sb strings.Builder
	sb.WriteString("Respond with a single valid JSON value and nothing else. ")
	sb.WriteString("Do not wrap it in markdown code fences and do not add commentary before or after it.")
	if rf != nil && len(rf.Schema) > 0 {
		sb.WriteString("\nThe JSON must conform to this JSON Schema:\n")
		sb.Write(rf.Schema)
	}
	return sb.String()
}

// ExtractJSON finds the JSON payload in a model reply. It accepts a bare
// value, a fenced block, or an object or array embedded in prose.
func ExtractJSON(text string) (string, bool) {
	text = stripCodeFence(text)
	if json.Valid([]byte(text)) {
		return text, true
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start == -1 || end <= start {
			continue
		}
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl != -1 && !strings.ContainsAny(trimmed[:nl], "{[") {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
