package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/queue"
)

type JobInspector interface {
	Get(jobType, id string) (*queue.JobInfo, error)
	List(jobType, state string) ([]queue.JobInfo, error)
	Cancel(ctx context.Context, jobType, id string) error
}

type Reprocessor interface {
	Reprocess(ctx context.Context, contentHash, ownerID, jobType string) (*queue.JobHandle, error)
}

type JobsHandler struct {
	inspector JobInspector
	coord     Reprocessor
}

func NewJobsHandler(inspector JobInspector, coord Reprocessor) *JobsHandler {
	return &JobsHandler{inspector: inspector, coord: coord}
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.inspector.Get(chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// List takes the state from ?state=, defaulting to failed jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = queue.StateFailed
	}
	jobs, err := h.inspector.List(chi.URLParam(r, "type"), state)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobType, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")
	if err := h.inspector.Cancel(r.Context(), jobType, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": "cancelled"})
}

type reprocessRequest struct {
	ContentHash   string `json:"contentHash"`
	OwnerEntityID string `json:"ownerEntityId"`
	Type          string `json:"type"`
}

func (h *JobsHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body", apperr.ErrValidation))
		return
	}
	handle, err := h.coord.Reprocess(r.Context(), req.ContentHash, req.OwnerEntityID, req.Type)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}
