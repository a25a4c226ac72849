// Package api exposes the gateway over HTTP: chat completions as JSON or
// server-sent events, async submission, the model listing, health and
// metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/processor"
	"github.com/habitusnet/llmgateway/internal/provider/emulate"
	"github.com/habitusnet/llmgateway/internal/queue"
	"github.com/habitusnet/llmgateway/internal/registry"
	"github.com/habitusnet/llmgateway/internal/telemetry"
)

const (
	HeaderTenantID           = "X-Tenant-ID"
	HeaderRequestID          = "X-Request-ID"
	HeaderCache              = "X-Cache"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderProvider           = "X-Provider"
	HeaderTraceID            = "X-Trace-ID"
	HeaderEmulated           = "X-Emulated"
	HeaderEmulatedFeatures   = "X-Emulated-Features"

	defaultMaxBodyBytes = 4 << 20
)

// ChatProcessor runs chat requests. *processor.Processor implements it.
type ChatProcessor interface {
	Handle(ctx context.Context, req *domain.Request) (*processor.Result, error)
	HandleStream(ctx context.Context, req *domain.Request) (*processor.StreamResult, error)
}

type HandlerConfig struct {
	Processor ChatProcessor
	Registry  *registry.Registry
	// Queue enables POST /v1/async/chat/completions when set.
	Queue         queue.Queue
	Checkers      []HealthChecker
	HealthTimeout time.Duration
	Version       string
	MaxBodyBytes  int64
}

type Handler struct {
	processor     ChatProcessor
	registry      *registry.Registry
	queue         queue.Queue
	checkers      []HealthChecker
	healthTimeout time.Duration
	version       string
	maxBodyBytes  int64
	mux           *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		processor:     cfg.Processor,
		registry:      cfg.Registry,
		queue:         cfg.Queue,
		checkers:      cfg.Checkers,
		healthTimeout: cfg.HealthTimeout,
		version:       cfg.Version,
		maxBodyBytes:  cfg.MaxBodyBytes,
		mux:           http.NewServeMux(),
	}
	if h.healthTimeout <= 0 {
		h.healthTimeout = 5 * time.Second
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	if h.queue != nil {
		h.mux.HandleFunc("POST /v1/async/chat/completions", h.handleAsyncChatCompletions)
	}
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.HandleFunc("GET /health/providers", h.handleHealthProviders)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// decodeRequest reads the chat request and settles its tenant. The edge
// annotates X-Tenant-ID; a body naming a different tenant is refused.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (*domain.Request, error) {
	var req domain.Request
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.InvalidRequest("", "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, domain.InvalidRequest("", "invalid request body: %v", err)
	}

	if tenantID := r.Header.Get(HeaderTenantID); tenantID != "" {
		if req.TenantID != "" && req.TenantID != tenantID {
			return nil, domain.NewError(domain.KindPolicyViolation,
				"request body names tenant %s but the caller is %s", req.TenantID, tenantID).WithParam("tenant_id")
		}
		req.TenantID = tenantID
	}
	return &req, nil
}

func requestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set(HeaderRequestID, reqID)
	ctx := processor.WithRequestID(r.Context(), reqID)

	req, err := h.decodeRequest(w, r)
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	if req.Stream {
		h.handleStreamingResponse(w, r.WithContext(ctx), req, reqID)
		return
	}

	res, err := h.processor.Handle(ctx, req)
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	if res.CacheHit {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}
	setRateLimitHeader(w, res.RateLimit.Remaining)
	if features, ok := res.Response.Metadata.ProviderSpecific[emulate.MetaEmulatedFeatures].([]string); ok {
		setEmulatedHeaders(w, features)
	}
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		w.Header().Set(HeaderTraceID, traceID)
	}

	writeJSON(w, http.StatusOK, res.Response)
}

// handleStreamingResponse relays chunks as server-sent events. Errors before
// the stream opens are ordinary JSON errors; after that they arrive in-band
// as the terminal chunk.
func (h *Handler) handleStreamingResponse(w http.ResponseWriter, r *http.Request, req *domain.Request, reqID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, reqID, domain.NewError(domain.KindInternal, "streaming not supported"))
		return
	}

	res, err := h.processor.HandleStream(r.Context(), req)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	defer res.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderProvider, res.Provider)
	setRateLimitHeader(w, res.RateLimit.Remaining)
	setEmulatedHeaders(w, res.Emulated)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := res.Stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("stream receive failed", "request_id", reqID, "provider", res.Provider, "error", err)
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			slog.Error("marshal stream chunk failed", "request_id", reqID, "error", err)
			return
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			slog.Debug("client went away during stream", "request_id", reqID, "error", err)
			return
		}
		flusher.Flush()
	}

	w.Write([]byte("event: done\ndata: [DONE]\n\n"))
	flusher.Flush()
}

type asyncAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleAsyncChatCompletions validates and enqueues a request. The worker
// resolves policy and runs it; the outcome goes to the response queue.
func (h *Handler) handleAsyncChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set(HeaderRequestID, reqID)

	req, err := h.decodeRequest(w, r)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	if req.Stream {
		writeError(w, reqID, domain.InvalidRequest("stream", "async requests cannot stream"))
		return
	}
	if err := processor.Validate(req); err != nil {
		writeError(w, reqID, err)
		return
	}

	msg := queue.AsyncRequest{
		ID:        reqID,
		TenantID:  req.TenantID,
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.queue.SendRequest(r.Context(), msg); err != nil {
		slog.Error("enqueue async request failed", "request_id", reqID, "tenant_id", req.TenantID, "error", err)
		writeError(w, reqID, domain.NewError(domain.KindInternal, "failed to enqueue request").WithCause(err))
		return
	}

	slog.Info("async request queued", "request_id", reqID, "tenant_id", req.TenantID)
	writeJSON(w, http.StatusAccepted, asyncAccepted{ID: reqID, Status: "queued"})
}

type modelsResponse struct {
	Object string               `json:"object"`
	Data   []registry.ModelInfo `json:"data"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.registry.Models()
	if models == nil {
		models = []registry.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Object: "list", Data: models})
}

func setRateLimitHeader(w http.ResponseWriter, remaining int) {
	if remaining >= 0 {
		w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
	}
}

func setEmulatedHeaders(w http.ResponseWriter, features []string) {
	if len(features) == 0 {
		return
	}
	w.Header().Set(HeaderEmulated, "true")
	w.Header().Set(HeaderEmulatedFeatures, strings.Join(features, ","))
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       domain.ErrorKind `json:"code"`
	Message    string           `json:"message"`
	Param      string           `json:"param,omitempty"`
	RequestID  string           `json:"requestId"`
	RetryAfter int              `json:"retryAfter,omitempty"`
}

// writeError maps err onto its status and the public error body. Internal
// errors are logged but their details are not returned.
func writeError(w http.ResponseWriter, reqID string, err error) {
	e := domain.AsError(err)
	status := e.HTTPStatus()

	detail := errorDetail{
		Code:      e.Kind,
		Message:   e.Message,
		Param:     e.Param,
		RequestID: reqID,
	}
	if e.Kind == domain.KindInternal {
		slog.Error("internal error", "request_id", reqID, "error", err)
		detail.Message = "internal error"
	}
	if e.RetryAfter > 0 {
		seconds := int(math.Ceil(e.RetryAfter.Seconds()))
		detail.RetryAfter = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}
