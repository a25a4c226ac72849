// Package capability describes what each provider and model combination can do.
// The catalog is loaded once at startup and never mutated; a redeploy with new
// configuration is the only way to change it.
package capability

import (
	"github.com/habitusnet/llmgateway/internal/domain"
)

type Feature string

const (
	FeatureStreaming Feature = "streaming"
	FeatureTools     Feature = "tools"
	FeatureJSONMode  Feature = "json_mode"
	FeatureVision    Feature = "vision"
)

// Emulatable reports whether the adapter layer knows how to approximate f.
func (f Feature) Emulatable() bool {
	switch f {
	case FeatureStreaming, FeatureTools, FeatureJSONMode:
		return true
	}
	return false
}

type Features []Feature

func (fs Features) Has(f Feature) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

type Pricing struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

type Capabilities struct {
	SupportsStreaming      bool    `yaml:"streaming" json:"supports_streaming"`
	SupportsToolCalls      bool    `yaml:"tool_calls" json:"supports_tool_calls"`
	SupportsJSONMode       bool    `yaml:"json_mode" json:"supports_json_mode"`
	SupportsVision         bool    `yaml:"vision" json:"supports_vision"`
	MaxContextTokens       int     `yaml:"max_context_tokens" json:"max_context_tokens"`
	TokenCountingAvailable bool    `yaml:"token_counting" json:"token_counting_available"`
	Pricing                Pricing `yaml:"pricing" json:"pricing"`
}

func (c Capabilities) Supports(f Feature) bool {
	switch f {
	case FeatureStreaming:
		return c.SupportsStreaming
	case FeatureTools:
		return c.SupportsToolCalls
	case FeatureJSONMode:
		return c.SupportsJSONMode
	case FeatureVision:
		return c.SupportsVision
	}
	return false
}

// Cost returns the USD cost of usage at this model's prices.
func (c Capabilities) Cost(usage domain.Usage) float64 {
	input := float64(usage.PromptTokens) / 1000 * c.Pricing.InputPer1K
	output := float64(usage.CompletionTokens) / 1000 * c.Pricing.OutputPer1K
	return input + output
}

// Required derives the features a request needs from its shape.
func Required(req *domain.Request) Features {
	var fs Features
	if req.Stream {
		fs = append(fs, FeatureStreaming)
	}
	if len(req.Tools) > 0 {
		fs = append(fs, FeatureTools)
	}
	if req.WantsJSON() {
		fs = append(fs, FeatureJSONMode)
	}
	if req.HasImages() {
		fs = append(fs, FeatureVision)
	}
	return fs
}
