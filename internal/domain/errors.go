package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ErrorKind string

const (
	KindInvalidRequest        ErrorKind = "InvalidRequestError"
	KindPolicyViolation       ErrorKind = "PolicyViolationError"
	KindPolicyUnavailable     ErrorKind = "PolicyUnavailableError"
	KindRateLimitExceeded     ErrorKind = "RateLimitExceededError"
	KindProviderAuth          ErrorKind = "ProviderAuthError"
	KindProviderTransient     ErrorKind = "ProviderTransientError"
	KindContextLengthExceeded ErrorKind = "ContextLengthExceededError"
	KindNoSuitableProvider    ErrorKind = "NoSuitableProviderError"
	KindProviderNotFound      ErrorKind = "ProviderNotFoundError"
	KindStreamStalled         ErrorKind = "StreamStalledError"
	KindInternal              ErrorKind = "InternalError"
)

// Reasons refine ProviderTransientError.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonTimeout     = "timeout"
	ReasonServerError = "server_error"
	ReasonNetwork     = "network"
)

// Sentinels for errors.Is. Matching is by kind, so a wrapped *Error built with
// NewError(KindRateLimitExceeded, ...) satisfies errors.Is(err, ErrRateLimitExceeded).
var (
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrPolicyViolation       = &Error{Kind: KindPolicyViolation}
	ErrPolicyUnavailable     = &Error{Kind: KindPolicyUnavailable}
	ErrRateLimitExceeded     = &Error{Kind: KindRateLimitExceeded}
	ErrProviderAuth          = &Error{Kind: KindProviderAuth}
	ErrProviderTransient     = &Error{Kind: KindProviderTransient}
	ErrContextLengthExceeded = &Error{Kind: KindContextLengthExceeded}
	ErrNoSuitableProvider    = &Error{Kind: KindNoSuitableProvider}
	ErrProviderNotFound      = &Error{Kind: KindProviderNotFound}
	ErrStreamStalled         = &Error{Kind: KindStreamStalled}
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrToolNotFound   = errors.New("tool not found")
)

// Error is the normalized gateway error. Adapters never return anything else
// for provider failures.
type Error struct {
	Kind       ErrorKind
	Reason     string
	Message    string
	Param      string
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && (e.Message == "" || !strings.Contains(e.Message, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// Transient reports whether a single fallback to another provider is allowed.
func (e *Error) Transient() bool {
	return e.Kind == KindProviderTransient
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest, KindContextLengthExceeded, KindNoSuitableProvider, KindProviderNotFound:
		return http.StatusBadRequest
	case KindPolicyViolation:
		return http.StatusForbidden
	case KindPolicyUnavailable:
		return http.StatusServiceUnavailable
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindProviderAuth:
		return http.StatusBadGateway
	case KindProviderTransient:
		if e.Reason == ReasonTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindStreamStalled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func InvalidRequest(param, format string, args ...any) *Error {
	return NewError(KindInvalidRequest, format, args...).WithParam(param)
}

func Transient(provider, reason string, err error) *Error {
	return &Error{
		Kind:     KindProviderTransient,
		Reason:   reason,
		Message:  reason,
		Provider: provider,
		Err:      err,
	}
}

func ProviderAuth(provider string, err error) *Error {
	return &Error{
		Kind:     KindProviderAuth,
		Message:  "credential rejected by upstream",
		Provider: provider,
		Err:      err,
	}
}

// AsError extracts a gateway error from err. Context deadline errors become
// transient timeouts; anything else unknown is reported as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindProviderTransient, Reason: ReasonTimeout, Message: "deadline exceeded", Err: err}
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}

func KindOf(err error) ErrorKind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return ""
}
