package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/habitusnet/llmgateway/internal/cost"
	"github.com/habitusnet/llmgateway/internal/registry"
)

// PolicyInvalidator drops cached tenant policies. *tenant.Resolver
// implements it.
type PolicyInvalidator interface {
	Invalidate(tenantID string)
}

type UsageReporter interface {
	Summary(ctx context.Context, tenantID string, since time.Time) (cost.Summary, error)
}

// AdminHandler serves operator endpoints. Callers wrap it in
// auth.TokenVerifier.RequireToken before mounting.
type AdminHandler struct {
	registry *registry.Registry
	policies PolicyInvalidator
	usage    UsageReporter
	now      func() time.Time
	mux      *http.ServeMux
}

func NewAdminHandler(reg *registry.Registry, policies PolicyInvalidator, usage UsageReporter) *AdminHandler {
	h := &AdminHandler{
		registry: reg,
		policies: policies,
		usage:    usage,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/providers", h.listProviders)
	h.mux.HandleFunc("POST /admin/providers/{name}/reset", h.resetProvider)
	h.mux.HandleFunc("POST /admin/tenants/{id}/invalidate", h.invalidateTenant)
	h.mux.HandleFunc("GET /admin/tenants/{id}/usage", h.tenantUsage)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": stats,
		"count":     len(stats),
	})
}

// resetProvider clears the auth latch after an operator has fixed the
// credential.
func (h *AdminHandler) resetProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.registry.ResetAuth(name); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}

	slog.Info("provider reset by operator", "provider", name)
	stats, _ := h.registry.Stats(name)
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) invalidateTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.policies.Invalidate(id)
	slog.Info("tenant policy invalidated", "tenant_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// tenantUsage reports spend since the since query parameter (RFC 3339), or
// over the last 24 hours.
func (h *AdminHandler) tenantUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	since := h.now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	summary, err := h.usage.Summary(r.Context(), id, since)
	if err != nil {
		slog.Error("usage summary failed", "tenant_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
