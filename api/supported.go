package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raid-guild/split-facilitator-go/storage"
	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// Supported lists the settlement modes offered by this facilitator.
func (h *Handler) Supported(w http.ResponseWriter, r *http.Request) {
	kinds := h.kinds
	if kinds == nil {
		kinds = make([]types.SupportedKind, 0)
	}
	h.writeJSON(w, http.StatusOK, types.SupportedResponse{Kinds: kinds})
}

// Health reports whether the service and its store are reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetSplit returns the split record written for an incoming transfer.
func (h *Handler) GetSplit(w http.ResponseWriter, r *http.Request) {
	if h.splits == nil {
		h.writeError(w, utils.InvalidRequest("split lookup is not enabled"), http.StatusNotFound)
		return
	}

	sourceSignature := chi.URLParam(r, "sourceSignature")
	record, err := h.splits.GetSplitBySource(r.Context(), sourceSignature)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, utils.InvalidRequest("split not found"), http.StatusNotFound)
			return
		}
		h.writeError(w, utils.StorageError("failed to load split", err), 0)
		return
	}

	h.writeJSON(w, http.StatusOK, record)
}
