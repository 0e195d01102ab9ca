package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"offline-gateway/internal/lifecycle"
	"offline-gateway/internal/middleware"
	"offline-gateway/internal/store"
	"offline-gateway/internal/worker"
	"offline-gateway/pkg/logging"

	"go.uber.org/zap"
)

// LifecycleService is the lifecycle side of the worker.
type LifecycleService interface {
	Status() worker.Status
	Generations(ctx context.Context) ([]string, error)
	Upgrade(ctx context.Context, version string) error
}

type AdminHandler struct {
	Service LifecycleService
}

func NewAdminHandler(s LifecycleService) *AdminHandler {
	return &AdminHandler{Service: s}
}

// Generations handles GET /_generations.
func (h *AdminHandler) Generations(w http.ResponseWriter, r *http.Request) {
	names, err := h.Service.Generations(r.Context())
	if err != nil {
		logging.L(r.Context()).Error("list_generations_failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal_server_error", nil)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current":     h.Service.Status(),
		"generations": names,
	})
}

type upgradeRequest struct {
	Version string `json:"version"`
}

// Upgrade handles POST /_lifecycle/upgrade {"version": "..."}.
func (h *AdminHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", map[string]any{"detail": "version is required"})
		return
	}

	err := h.Service.Upgrade(ctx, req.Version)
	switch {
	case err == nil:
		logger.Info("upgraded", zap.String("version", req.Version))
		writeJSON(w, http.StatusOK, h.Service.Status())
	case errors.Is(err, store.ErrInvalidGeneration):
		middleware.WriteError(w, http.StatusBadRequest, "invalid_version", map[string]any{"detail": err.Error()})
	case errors.Is(err, lifecycle.ErrPrewarmFailed):
		logger.Warn("upgrade_failed", zap.Error(err))
		middleware.WriteError(w, http.StatusBadGateway, "install_failed", map[string]any{"detail": err.Error()})
	default:
		logger.Error("upgrade_failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "install_failed", map[string]any{"detail": err.Error()})
	}
}

// Health handles GET /healthz.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"lifecycle": h.Service.Status(),
	})
}
