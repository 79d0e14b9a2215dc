// Package handlers contains HTTP handlers for the broker's operator API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"deployplane/internal/broker"
	"deployplane/internal/deploy"
	"deployplane/internal/job"
	"deployplane/internal/store"
	"deployplane/pkg/api"
)

// JobBroker is the part of the broker the API exposes.
type JobBroker interface {
	Submit(ctx context.Context, req job.Request) (job.Job, *job.Future, error)
	Jobs() []job.Job
	Job(id string) (job.Job, error)
	Workers() []broker.WorkerNode
}

// Scheduler triggers deployments.
type Scheduler interface {
	Deploy(ctx context.Context, req deploy.Request) (*deploy.Result, error)
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store     store.Store
	broker    JobBroker
	scheduler Scheduler
	logger    *slog.Logger

	// background bounds deployments started by POST /deployments.
	background context.Context
}

// New creates a new Handlers instance. Deployments triggered over HTTP run
// on background, so cancelling it stops them.
func New(background context.Context, st store.Store, b JobBroker, sched Scheduler, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:      st,
		broker:     b,
		scheduler:  sched,
		logger:     logger,
		background: background,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
