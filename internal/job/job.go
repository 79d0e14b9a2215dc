// Package job defines the job descriptors exchanged between submitters, the
// broker and worker agents.
package job

import (
	"encoding/json"
	"errors"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the job will never change state again.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Known job handler names.
const (
	NameDeployUpdateSet = "deployUpdateSet"
	NameHealthCheck     = "healthCheck"
)

// ErrMissingName is returned when a submission has no handler name.
var ErrMissingName = errors.New("job: name is required")

// Request is what a client submits to the broker.
type Request struct {
	Name string `json:"name"`

	// Host restricts the job to workers reporting this host. Empty means any worker.
	Host string `json:"host,omitempty"`

	// ExclusiveID serializes jobs sharing the same value.
	ExclusiveID string `json:"exclusive_id,omitempty"`

	// Background submitters do not await the result inline.
	Background bool `json:"background,omitempty"`

	Options json.RawMessage `json:"options,omitempty"`

	// Trace carries the submitter's span context.
	Trace map[string]string `json:"trace,omitempty"`
}

// Validate rejects malformed submissions.
func (r Request) Validate() error {
	if r.Name == "" {
		return ErrMissingName
	}
	return nil
}

// Job is the broker-owned record of a submitted request.
type Job struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Host        string            `json:"host,omitempty"`
	Options     json.RawMessage   `json:"options,omitempty"`
	Background  bool              `json:"background,omitempty"`
	ExclusiveID string            `json:"exclusive_id,omitempty"`
	Status      Status            `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
	Trace       map[string]string `json:"trace,omitempty"`
	Created     time.Time         `json:"created"`
	Started     *time.Time        `json:"started,omitempty"`
	Completed   *time.Time        `json:"completed,omitempty"`
}

// EligibleFor reports whether a worker on host may claim the job.
func (j *Job) EligibleFor(host string) bool {
	return j.Status == StatusPending && (j.Host == "" || j.Host == host)
}

// RemoteError is a handler failure reported by a worker.
type RemoteError struct {
	JobID   string
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
