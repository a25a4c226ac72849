package provider

import (
	"fmt"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
)

type Validation struct {
	Valid   bool
	Reason  string
	Kind    domain.ErrorKind
	Missing capability.Features
}

func valid() Validation {
	return Validation{Valid: true}
}

func invalid(kind domain.ErrorKind, format string, args ...any) Validation {
	return Validation{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Err converts a failed validation into a gateway error.
func (v Validation) Err(provider string) *domain.Error {
	if v.Valid {
		return nil
	}
	return domain.NewError(v.Kind, "%s", v.Reason).WithProvider(provider)
}

// Validate checks model membership, feature support and the context window.
// Features listed in emulated count as supported. It performs no I/O.
func Validate(d Describer, req *domain.Request, emulated capability.Features) Validation {
	model := ResolveModel(d, req)
	if model == "" {
		return invalid(domain.KindInvalidRequest, "no model requested and provider %s has no default", d.Name())
	}
	if !HasModel(d, model) {
		return invalid(domain.KindInvalidRequest, "model %s is not served by %s", model, d.Name())
	}

	caps := d.Capabilities(model)

	var missing capability.Features
	for _, f := range capability.Required(req) {
		if caps.Supports(f) || emulated.Has(f) {
			continue
		}
		missing = append(missing, f)
	}
	if len(missing) > 0 {
		v := invalid(domain.KindInvalidRequest, "%s/%s does not support %v", d.Name(), model, missing)
		v.Missing = missing
		return v
	}

	if caps.MaxContextTokens > 0 {
		need := EstimateRequestTokens(req)
		if req.MaxTokens != nil {
			need += *req.MaxTokens
		}
		if need > caps.MaxContextTokens {
			return invalid(domain.KindContextLengthExceeded,
				"request needs about %d tokens, %s/%s allows %d", need, d.Name(), model, caps.MaxContextTokens)
		}
	}

	return valid()
}
