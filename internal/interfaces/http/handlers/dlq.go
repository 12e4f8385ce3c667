package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/dlq"
)

// ListDLQ handles GET /dlq?type=&limit=.
func (h *Handlers) ListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := h.dlq.List(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	depth, err := h.dlq.Depth(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []dlq.Job{}
	}
	h.writeJSON(w, http.StatusOK, DLQListResponse{Depth: depth, Jobs: jobs})
}

// RequeueAll handles POST /dlq/requeue.
func (h *Handlers) RequeueAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.dlq.RequeueAll(r.Context())
	if err != nil {
		h.dlqError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// RequeueOne handles POST /dlq/{id}/requeue. It bypasses the retry policy.
func (h *Handlers) RequeueOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.dlq.RequeueOne(r.Context(), id); err != nil {
		h.dlqError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"requeued": id})
}

// PurgeDLQ handles DELETE /dlq.
func (h *Handlers) PurgeDLQ(w http.ResponseWriter, r *http.Request) {
	n, err := h.dlq.Purge(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}

func (h *Handlers) dlqError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dlq.ErrJobNotFound):
		h.writeError(w, r, http.StatusNotFound, "job_not_found", err.Error())
	case errors.Is(err, dlq.ErrNoProcessor):
		h.writeError(w, r, http.StatusServiceUnavailable, "no_processor", err.Error())
	case errors.Is(err, dlq.ErrDeferred):
		h.writeError(w, r, http.StatusServiceUnavailable, "replay_deferred", err.Error())
	default:
		// A failed replay is recorded on the job; report it as a conflict.
		h.writeError(w, r, http.StatusConflict, "replay_failed", err.Error())
	}
}

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg("Store request failed")
	h.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", err.Error())
}
