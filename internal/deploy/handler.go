package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"deployplane/internal/store"
)

// JobOptions is the payload of a deployUpdateSet job.
type JobOptions struct {
	DeploymentID string `json:"deploymentId"`
}

// JobResult is what a deployUpdateSet job returns.
type JobResult struct {
	DeploymentID string          `json:"deploymentId"`
	State        DeploymentState `json:"state"`
}

// DeployHandler runs a deployUpdateSet job on a worker: it loads the
// deployment, hands it to the Deployer, records the terminal state and
// notifies. A failed deployment is returned as an error so the submitter's
// future rejects; manual_interaction and missing_references are results.
func DeployHandler(st store.Store, ext Extension, logger *slog.Logger) func(context.Context, json.RawMessage) (any, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ext = ext.withDefaults(logger)

	return func(ctx context.Context, options json.RawMessage) (any, error) {
		var opts JobOptions
		if err := json.Unmarshal(options, &opts); err != nil {
			return nil, fmt.Errorf("invalid options: %w", err)
		}
		if opts.DeploymentID == "" {
			return nil, fmt.Errorf("deploymentId is required")
		}

		d, err := loadDeployment(ctx, st, opts.DeploymentID)
		if err != nil {
			return nil, err
		}
		if d.State.Terminal() {
			// A retried job for a finished deployment is a no-op.
			return JobResult{DeploymentID: d.ID, State: d.State}, nil
		}

		start := time.Now().UTC()
		d.Start = &start
		if err := saveDeployment(ctx, st, d); err != nil {
			return nil, err
		}

		outcome, err := ext.Deployer.Deploy(ctx, d)
		if err != nil {
			outcome = Outcome{State: StateFailed, Message: err.Error()}
		}
		if err := ValidateDeploymentTransition(d.State, outcome.State); err != nil {
			outcome = Outcome{State: StateFailed, Message: fmt.Sprintf("deployer returned %q: %v", outcome.State, err)}
		}

		end := time.Now().UTC()
		d.State = outcome.State
		d.Message = outcome.Message
		d.End = &end
		d.Ts = millis(end)
		if err := saveDeployment(ctx, st, d); err != nil {
			return nil, err
		}

		logger.Info("deployment finished",
			"deployment_id", d.ID, "app_id", d.AppID, "scope", d.ScopeName, "state", d.State, "duration", end.Sub(start))
		if err := ext.Notifier.Notify(ctx, deploymentNotification(d)); err != nil {
			logger.Warn("failed to send notification", "deployment_id", d.ID, "error", err)
		}

		if d.State == StateFailed {
			return nil, fmt.Errorf("deployment %s failed: %s", d.ID, d.Message)
		}
		return JobResult{DeploymentID: d.ID, State: d.State}, nil
	}
}

func deploymentNotification(d Deployment) Notification {
	return Notification{
		Event:        EventDeploymentResult,
		AppID:        d.AppID,
		RunID:        d.RunID,
		UsID:         d.UsID,
		DeploymentID: d.ID,
		SysID:        d.SysID,
		ScopeName:    d.ScopeName,
		From:         d.From,
		To:           d.To,
		State:        string(d.State),
		Message:      d.Message,
	}
}

func loadDeployment(ctx context.Context, st store.Store, id string) (Deployment, error) {
	doc, err := st.Get(ctx, store.TableDeployments, id)
	if err != nil {
		return Deployment{}, fmt.Errorf("load deployment %s: %w", id, err)
	}
	var d Deployment
	if err := store.Decode(doc, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

func saveDeployment(ctx context.Context, st store.Store, d Deployment) error {
	doc, err := store.Encode(d)
	if err != nil {
		return err
	}
	if _, err := st.Update(ctx, store.TableDeployments, doc); err != nil {
		return fmt.Errorf("save deployment %s: %w", d.ID, err)
	}
	return nil
}
