package api

import (
	"context"
	"net/http"

	"github.com/okian/fieldsync/internal/adapters/repository"
)

// OfflineDependencies defines the interface for local storage management.
type OfflineDependencies interface {
	StorageInfo(ctx context.Context) (repository.Info, error)
	Purge(ctx context.Context) (int, error)
}

// OfflineHandler reports and clears the data held on the device.
type OfflineHandler struct {
	deps OfflineDependencies
}

// NewOfflineHandler creates a new offline storage handler.
func NewOfflineHandler(deps OfflineDependencies) *OfflineHandler {
	return &OfflineHandler{deps: deps}
}

type purgeResponse struct {
	Removed int `json:"removed"`
}

// HandleInfo handles GET /offline.
func (h *OfflineHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.StorageInfo(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandlePurge handles DELETE /offline?confirm=true. Unsynced captures are
// lost, so the caller must confirm explicitly.
func (h *OfflineHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrConfirmRequired)
		return
	}
	n, err := h.deps.Purge(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Removed: n})
}
