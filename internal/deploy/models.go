// Package deploy schedules update-set deployments: it computes the scope of
// changes since the last good deployment to a target, guards against
// overlapping deployments of one application and drives the resulting jobs.
package deploy

import (
	"fmt"
	"time"
)

// DeploymentState is the lifecycle of one Deployment row.
type DeploymentState string

const (
	StateRequested         DeploymentState = "requested"
	StateCompleted         DeploymentState = "completed"
	StateMissingReferences DeploymentState = "missing_references"
	StateManualInteraction DeploymentState = "manual_interaction"
	StateFailed            DeploymentState = "failed"

	// StateDelivered is written by older releases; it counts as a baseline.
	StateDelivered DeploymentState = "delivered"
)

// Terminal reports whether the deployment has left requested.
func (s DeploymentState) Terminal() bool {
	switch s {
	case StateCompleted, StateMissingReferences, StateManualInteraction, StateFailed, StateDelivered:
		return true
	}
	return false
}

// Baseline reports whether a deployment in this state bounds the next scope.
func (s DeploymentState) Baseline() bool {
	return s == StateCompleted || s == StateMissingReferences || s == StateDelivered
}

// baselineStates lists the states matched by the baseline query.
var baselineStates = []any{string(StateCompleted), string(StateMissingReferences), string(StateDelivered)}

// ValidateDeploymentTransition only allows requested to move on, once.
func ValidateDeploymentTransition(from, to DeploymentState) error {
	if from.Terminal() {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	if from != StateRequested {
		return fmt.Errorf("unknown state %q", from)
	}
	if !to.Terminal() {
		return fmt.Errorf("invalid deployment transition: %q → %q", from, to)
	}
	return nil
}

// RunState is the deployment-related part of a run's lifecycle. Runs carry
// other, build-related states that this package does not interpret.
type RunState string

const (
	RunDeploymentInProgress        RunState = "deployment_in_progress"
	RunDeploymentComplete          RunState = "deployment_complete"
	RunDeploymentManualInteraction RunState = "deployment_manual_interaction"
	RunDeploymentFailed            RunState = "deployment_failed"
)

var validRunTransitions = map[RunState]map[RunState]bool{
	RunDeploymentInProgress: {
		RunDeploymentComplete:          true,
		RunDeploymentManualInteraction: true,
		RunDeploymentFailed:            true,
	},
	RunDeploymentComplete:          {RunDeploymentInProgress: true},
	RunDeploymentManualInteraction: {RunDeploymentInProgress: true},
	RunDeploymentFailed:            {RunDeploymentInProgress: true},
}

// ValidateRunTransition checks a run state change. Any build state may move
// into deployment_in_progress.
func ValidateRunTransition(from, to RunState) error {
	allowed, ok := validRunTransitions[from]
	if !ok {
		if to == RunDeploymentInProgress {
			return nil
		}
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

// Artifact is one deployable file produced by a run.
type Artifact struct {
	Name     string `json:"name"`
	File     string `json:"file"`
	CommitID string `json:"commitId"`
}

// UpdateSet summarizes the update set a run produced.
type UpdateSet struct {
	SysID       string `json:"sysId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Scope accumulates everything deployed together under one scope name.
type Scope struct {
	Artifacts           []Artifact        `json:"artifacts"`
	ConflictResolutions map[string]string `json:"conflictResolutions"`
	UpdateSet           *UpdateSet        `json:"updateSet,omitempty"`
}

// Deployment is one scoped, baseline-relative installation attempt.
type Deployment struct {
	ID               string          `json:"id,omitempty"`
	AppID            string          `json:"appId"`
	UsID             string          `json:"usId,omitempty"`
	RunID            string          `json:"runId,omitempty"`
	Sequence         int             `json:"sequence"`
	ScopeName        string          `json:"scopeName"`
	Scope            Scope           `json:"scope"`
	CommitID         string          `json:"commitId"`
	BaselineCommitID string          `json:"baselineCommitId,omitempty"`
	BaselineTs       int64           `json:"baselineTs"`
	State            DeploymentState `json:"state"`
	Message          string          `json:"message,omitempty"`
	From             string          `json:"from,omitempty"`
	To               string          `json:"to"`
	Start            *time.Time      `json:"start,omitempty"`
	End              *time.Time      `json:"end,omitempty"`
	SysID            string          `json:"sysId"`
	JobID            string          `json:"jobId,omitempty"`

	// MergedTs is the newest mergedTs among the runs the deployment's plan
	// covered. The next deployment folds runs merged after it.
	MergedTs int64 `json:"mergedTs,omitempty"`

	// Ts is the last state change in unix milliseconds; the baseline is the
	// matching deployment with the greatest Ts.
	Ts int64 `json:"ts"`
}

// Run is the build record of one merged change, read by the scheduler.
type Run struct {
	ID                  string            `json:"id"`
	AppID               string            `json:"appId"`
	UsID                string            `json:"usId,omitempty"`
	CommitID            string            `json:"commitId"`
	ScopeName           string            `json:"scopeName"`
	ArtifactName        string            `json:"artifactName"`
	ArtifactFile        string            `json:"artifactFile"`
	ConflictResolutions map[string]string `json:"conflictResolutions,omitempty"`
	UpdateSet           *UpdateSet        `json:"updateSet,omitempty"`
	Merged              bool              `json:"merged"`
	MergedTs            int64             `json:"mergedTs"`
	State               RunState          `json:"state,omitempty"`
	From                string            `json:"from,omitempty"`
	To                  string            `json:"to,omitempty"`
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
