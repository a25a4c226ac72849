package provider

import (
	"math"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const (
	charsPerToken       = 4.0
	tokensPerMessage    = 3
	tokensPerRole       = 1
	tokensPerReply      = 3
	tokensPerImage      = 85
	tokensPerToolSchema = 8
)

// EstimateTokens approximates a token count from character length.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len([]rune(text))) / charsPerToken))
}

// EstimateRequestTokens approximates the prompt size of a request: message
// content plus per-message framing, images, and tool schemas.
func EstimateRequestTokens(req *domain.Request) int {
	total := tokensPerReply
	for _, m := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		total += EstimateTokens(m.Content)
		total += len(m.Images) * tokensPerImage
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Name) + EstimateTokens(tc.Arguments)
		}
	}
	for _, t := range req.Tools {
		total += tokensPerToolSchema + EstimateTokens(t.Name) + EstimateTokens(t.Description) + EstimateTokens(string(t.Parameters))
	}
	return total
}

// EstimateUsage fills in usage for providers that do not report it.
func EstimateUsage(req *domain.Request, completion string) domain.Usage {
	prompt := EstimateRequestTokens(req)
	out := EstimateTokens(completion)
	return domain.Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}
