package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"offline-gateway/internal/middleware"
	"offline-gateway/internal/syncqueue"
	"offline-gateway/pkg/logging"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SyncService is the sync side of the worker.
type SyncService interface {
	RequestDeferredSync(ctx context.Context, tag string, payload []byte) (bool, error)
	Sync(ctx context.Context, tag string) error
	PendingTasks(ctx context.Context) ([]*syncqueue.Task, error)
}

type SyncHandler struct {
	Service SyncService
}

func NewSyncHandler(s SyncService) *SyncHandler {
	return &SyncHandler{Service: s}
}

type registerResponse struct {
	Tag        string `json:"tag"`
	Registered bool   `json:"registered"`
}

// Register handles POST /_sync/{tag}. The request body, if any, becomes the
// task payload.
func (h *SyncHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tag := chi.URLParam(r, "tag")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "request_too_large", nil)
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", nil)
		return
	}
	if len(payload) == 0 {
		payload = nil
	}

	registered, err := h.Service.RequestDeferredSync(ctx, tag, payload)
	if err != nil {
		if errors.Is(err, syncqueue.ErrUnknownTag) {
			middleware.WriteError(w, http.StatusNotFound, "unknown_tag", map[string]any{"tag": tag})
			return
		}
		logging.L(ctx).Error("sync_register_failed", zap.String("tag", tag), zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal_server_error", nil)
		return
	}

	writeJSON(w, http.StatusAccepted, registerResponse{Tag: tag, Registered: registered})
}

type triggerResponse struct {
	Tag    string `json:"tag"`
	Status string `json:"status"`
}

// Trigger handles POST /_sync/{tag}/trigger.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tag := chi.URLParam(r, "tag")

	err := h.Service.Sync(ctx, tag)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, triggerResponse{Tag: tag, Status: "done"})
	case errors.Is(err, syncqueue.ErrUnknownTag), errors.Is(err, syncqueue.ErrNotPending):
		middleware.WriteError(w, http.StatusNotFound, "not_pending", map[string]any{"tag": tag})
	case errors.Is(err, syncqueue.ErrTaskRunning):
		middleware.WriteError(w, http.StatusConflict, "running", map[string]any{"tag": tag})
	case errors.Is(err, syncqueue.ErrSyncExhausted), errors.Is(err, syncqueue.ErrTaskDropped):
		middleware.WriteError(w, http.StatusGone, "dropped", map[string]any{"tag": tag, "detail": err.Error()})
	default:
		middleware.WriteError(w, http.StatusBadGateway, "sync_failed", map[string]any{"tag": tag, "detail": err.Error()})
	}
}

// List handles GET /_sync.
func (h *SyncHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Service.PendingTasks(r.Context())
	if err != nil {
		logging.L(r.Context()).Error("sync_list_failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal_server_error", nil)
		return
	}
	if tasks == nil {
		tasks = []*syncqueue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
