package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"deployplane/internal/deploy"
	"deployplane/internal/logger"
	"deployplane/internal/store"
	"deployplane/pkg/api"
)

const maxDeploymentsLimit = 500

// CreateDeployment handles POST /deployments.
// The request is validated inline; the guard wait and the jobs run in the
// background, so the response is 202 Accepted.
func (h *Handlers) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var body api.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req := deploy.Request{
		AppID:    body.AppID,
		RunID:    body.RunID,
		CommitID: body.CommitID,
		From:     body.From,
		To:       body.To,
	}
	if err := req.Validate(); err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log := logger.FromContext(r.Context(), h.logger).With("app_id", req.AppID, "commit_id", req.CommitID, "to", req.To)
	ctx := logger.WithRequestID(h.background, logger.RequestIDFromContext(r.Context()))
	go func() {
		res, err := h.scheduler.Deploy(ctx, req)
		if err != nil {
			log.Error("deployment failed", "error", err)
			return
		}
		log.Info("deployment finished", "run_state", res.RunState, "deployments", len(res.Deployments))
	}()

	h.respondJson(w, http.StatusAccepted, api.DeployResponse{Status: "accepted", AppID: req.AppID})
}

// ListDeployments handles GET /deployments?app_id=&state=&limit=.
// Newest deployments come first.
func (h *Handlers) ListDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	appID := q.Get("app_id")
	if appID == "" {
		h.httpError(w, "app_id is required", http.StatusBadRequest)
		return
	}
	filter := store.Query{"appId": appID}
	if state := q.Get("state"); state != "" {
		filter["state"] = state
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDeploymentsLimit {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	docs, err := h.store.Find(r.Context(), store.TableDeployments, filter,
		store.Sort("sequence", true),
		store.Limit(limit),
	)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.FromContext(r.Context(), h.logger).Error("failed to list deployments", "app_id", appID, "error", err)
		h.httpError(w, "Failed to list deployments", http.StatusInternalServerError)
		return
	}

	deployments, err := store.DecodeAll[deploy.Deployment](docs)
	if err != nil {
		h.httpError(w, "Failed to decode deployments", http.StatusInternalServerError)
		return
	}

	resp := api.ListDeploymentsResponse{Deployments: make([]api.DeploymentResponse, 0, len(deployments))}
	for _, d := range deployments {
		resp.Deployments = append(resp.Deployments, api.DeploymentResponse{
			ID:               d.ID,
			AppID:            d.AppID,
			RunID:            d.RunID,
			Sequence:         d.Sequence,
			ScopeName:        d.ScopeName,
			CommitID:         d.CommitID,
			BaselineCommitID: d.BaselineCommitID,
			State:            string(d.State),
			Message:          d.Message,
			From:             d.From,
			To:               d.To,
			SysID:            d.SysID,
			JobID:            d.JobID,
			StartedAt:        d.Start,
			EndedAt:          d.End,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
