// Package httputil builds the outbound HTTP clients: one profile for provider
// calls, which may stream for minutes, and one for short control-plane
// lookups such as the tenant registry.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// UserAgent is sent on every outbound request unless the caller sets one.
var UserAgent = "llmgateway"

type ClientConfig struct {
	// Timeout bounds the whole exchange, body included. Zero means the
	// caller's context is the only deadline.
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

// ProviderConfig leaves Timeout at zero: request deadlines come from the
// processor and streams are bounded by their idle timeout.
func ProviderConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
	}
}

// ControlPlaneConfig is for small JSON lookups that sit on the request path
// and must fail fast.
func ControlPlaneConfig() ClientConfig {
	return ClientConfig{
		Timeout:               5 * time.Second,
		DialTimeout:           2 * time.Second,
		TLSHandshakeTimeout:   2 * time.Second,
		ResponseHeaderTimeout: 3 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
	}
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &userAgentTransport{next: transport},
	}
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", UserAgent)
	return t.next.RoundTrip(r)
}
