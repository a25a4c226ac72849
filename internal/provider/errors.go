package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/habitusnet/llmgateway/internal/domain"
)

var contextLengthMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"prompt is too long",
	"input is too long",
	"too many tokens",
}

func looksLikeContextLength(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range contextLengthMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// FromStatus maps an upstream HTTP status and message to a gateway error.
func FromStatus(provider string, status int, message string, cause error) *domain.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ProviderAuth(provider, cause)
	case status == http.StatusRequestTimeout:
		return domain.Transient(provider, domain.ReasonTimeout, cause)
	case status == http.StatusTooManyRequests:
		return domain.Transient(provider, domain.ReasonRateLimit, cause)
	case status >= 500:
		return domain.Transient(provider, domain.ReasonServerError, cause)
	case looksLikeContextLength(message):
		return &domain.Error{Kind: domain.KindContextLengthExceeded, Message: message, Provider: provider, Err: cause}
	default:
		if message == "" {
			message = http.StatusText(status)
		}
		return &domain.Error{Kind: domain.KindInvalidRequest, Message: "upstream rejected request: " + message, Provider: provider, Err: cause}
	}
}

// Normalize turns a transport-level failure into a gateway error. Errors that
// are already normalized only get the provider filled in.
func Normalize(provider string, err error) *domain.Error {
	if err == nil {
		return nil
	}

	var ge *domain.Error
	if errors.As(err, &ge) {
		if ge.Provider == "" {
			ge.Provider = provider
		}
		return ge
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(provider, domain.ReasonTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.Transient(provider, domain.ReasonNetwork, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Transient(provider, domain.ReasonTimeout, err)
	}

	if looksLikeContextLength(err.Error()) {
		return &domain.Error{Kind: domain.KindContextLengthExceeded, Message: err.Error(), Provider: provider, Err: err}
	}

	return domain.Transient(provider, domain.ReasonNetwork, err)
}

// WithRetryAfter attaches an upstream Retry-After hint to a transient error.
func WithRetryAfter(e *domain.Error, header http.Header) *domain.Error {
	if header == nil {
		return e
	}
	if v := header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			e.RetryAfter = d
		}
	}
	return e
}
