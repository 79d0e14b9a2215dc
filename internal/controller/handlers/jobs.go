package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"deployplane/internal/broker"
	"deployplane/internal/job"
	"deployplane/internal/logger"
	"deployplane/pkg/api"
)

// SubmitJob handles POST /jobs.
// The job is queued in the background; its result is visible through
// GET /jobs/{id} until the broker sweeps it.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	j, _, err := h.broker.Submit(r.Context(), job.Request{
		Name:        req.Name,
		Host:        req.Host,
		ExclusiveID: req.ExclusiveID,
		Options:     req.Options,
		Background:  true,
	})
	switch {
	case errors.Is(err, job.ErrMissingName):
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	case errors.Is(err, broker.ErrClosed):
		h.httpError(w, "Broker is shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.FromContext(r.Context(), h.logger).Error("failed to submit job", "name", req.Name, "error", err)
		h.httpError(w, "Failed to submit job", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.SubmitJobResponse{JobID: j.ID})
}

// ListJobs handles GET /jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	resp := api.ListJobsResponse{Jobs: []api.JobResponse{}}
	for _, j := range h.broker.Jobs() {
		if status != "" && string(j.Status) != status {
			continue
		}
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.broker.Job(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}
	h.respondJson(w, http.StatusOK, toJobResponse(j))
}

func toJobResponse(j job.Job) api.JobResponse {
	return api.JobResponse{
		ID:          j.ID,
		Name:        j.Name,
		Status:      string(j.Status),
		Host:        j.Host,
		ExclusiveID: j.ExclusiveID,
		WorkerID:    j.WorkerID,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.Created,
		StartedAt:   j.Started,
		CompletedAt: j.Completed,
	}
}
