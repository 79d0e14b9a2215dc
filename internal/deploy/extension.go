package deploy

import (
	"context"
	"log/slog"
)

// Event names what a Notification is about.
type Event string

const (
	EventGuardWaiting     Event = "guard_waiting"
	EventGuardTimeout     Event = "guard_timeout"
	EventDeploymentResult Event = "deployment_result"
	EventRunResult        Event = "run_result"
)

// Notification carries enough context to act on a deployment by hand.
type Notification struct {
	Event        Event  `json:"event"`
	AppID        string `json:"appId"`
	RunID        string `json:"runId,omitempty"`
	UsID         string `json:"usId,omitempty"`
	DeploymentID string `json:"deploymentId,omitempty"`
	SysID        string `json:"sysId,omitempty"`
	ScopeName    string `json:"scopeName,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	State        string `json:"state,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Notifier delivers notifications to people (chat, email).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Outcome is what the target environment reported for a deployment.
type Outcome struct {
	State   DeploymentState
	Message string
}

// Deployer installs a deployment's scope on its target environment.
type Deployer interface {
	Deploy(ctx context.Context, d Deployment) (Outcome, error)
}

// Extension is the set of pluggable collaborators. Nil members fall back to
// LogNotifier and DryRunDeployer.
type Extension struct {
	Notifier Notifier
	Deployer Deployer
}

func (e Extension) withDefaults(logger *slog.Logger) Extension {
	if e.Notifier == nil {
		e.Notifier = &LogNotifier{Logger: logger}
	}
	if e.Deployer == nil {
		e.Deployer = DryRunDeployer{}
	}
	return e
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.State == string(StateFailed) || n.Event == EventGuardTimeout {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "deployment notification",
		"event", n.Event,
		"app_id", n.AppID,
		"run_id", n.RunID,
		"deployment_id", n.DeploymentID,
		"scope", n.ScopeName,
		"from", n.From,
		"to", n.To,
		"state", n.State,
		"message", n.Message,
	)
	return nil
}

// DryRunDeployer reports every deployment as completed without contacting
// any environment.
type DryRunDeployer struct{}

func (DryRunDeployer) Deploy(ctx context.Context, d Deployment) (Outcome, error) {
	return Outcome{State: StateCompleted, Message: "dry run"}, nil
}
