package handlers

import (
	"net/http"

	"deployplane/pkg/api"
)

// ListWorkers handles GET /workers.
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	resp := api.ListWorkersResponse{Workers: []api.WorkerResponse{}}
	for _, n := range h.broker.Workers() {
		resp.Workers = append(resp.Workers, api.WorkerResponse{
			ID:           n.ID,
			Host:         n.Host,
			Platform:     n.Platform,
			Status:       string(n.Status),
			AssignedJobs: n.AssignedJobs,
			ConnectedAt:  n.Connected,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
