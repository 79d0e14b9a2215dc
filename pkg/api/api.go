// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the broker's HTTP API.
package api

import (
	"encoding/json"
	"time"
)

// DeployRequest is the request body for triggering a deployment.
type DeployRequest struct {
	AppID    string `json:"app_id"`
	RunID    string `json:"run_id,omitempty"`
	CommitID string `json:"commit_id"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
}

// DeployResponse acknowledges an accepted deployment. The deployment itself
// runs in the background; poll GET /deployments for its rows.
type DeployResponse struct {
	Status string `json:"status"`
	AppID  string `json:"app_id"`
}

// DeploymentResponse represents a deployment row in API responses.
type DeploymentResponse struct {
	ID               string     `json:"id"`
	AppID            string     `json:"app_id"`
	RunID            string     `json:"run_id,omitempty"`
	Sequence         int        `json:"sequence"`
	ScopeName        string     `json:"scope_name"`
	CommitID         string     `json:"commit_id"`
	BaselineCommitID string     `json:"baseline_commit_id,omitempty"`
	State            string     `json:"state"`
	Message          string     `json:"message,omitempty"`
	From             string     `json:"from,omitempty"`
	To               string     `json:"to"`
	SysID            string     `json:"sys_id"`
	JobID            string     `json:"job_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// ListDeploymentsResponse is the response body for GET /deployments.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
}

// SubmitJobRequest is the request body for submitting a named job.
type SubmitJobRequest struct {
	Name        string          `json:"name"`
	Host        string          `json:"host,omitempty"`
	ExclusiveID string          `json:"exclusive_id,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
}

// SubmitJobResponse is the response body after submitting a job.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

// JobResponse represents a broker job in API responses.
type JobResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Host        string          `json:"host,omitempty"`
	ExclusiveID string          `json:"exclusive_id,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ListJobsResponse is the response body for GET /jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// WorkerResponse represents a connected worker agent.
type WorkerResponse struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	Platform     string    `json:"platform"`
	Status       string    `json:"status"`
	AssignedJobs int       `json:"assigned_jobs"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// ListWorkersResponse is the response body for GET /workers.
type ListWorkersResponse struct {
	Workers []WorkerResponse `json:"workers"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
