package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"deployplane/internal/job"
	"deployplane/internal/jobclient"
	"deployplane/internal/keymutex"
	"deployplane/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrGuardTimeout aborts a deployment that waited too long for another
	// deployment of the same application to finish.
	ErrGuardTimeout = errors.New("deploy: timed out waiting for running deployment")

	ErrInvalidRequest = errors.New("deploy: invalid request")
)

// Config tunes the parallel-deployment guard.
type Config struct {
	// GuardDelay is the pause between checks for requested deployments
	// (default: 30s).
	GuardDelay time.Duration

	// GuardCeiling is the longest total wait before giving up (default: 4h).
	GuardCeiling time.Duration
}

// Request triggers a deployment of an application to a target.
type Request struct {
	AppID    string `json:"appId"`
	RunID    string `json:"runId,omitempty"`
	CommitID string `json:"commitId"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
}

func (r Request) Validate() error {
	switch {
	case r.AppID == "":
		return fmt.Errorf("%w: appId is required", ErrInvalidRequest)
	case r.CommitID == "":
		return fmt.Errorf("%w: commitId is required", ErrInvalidRequest)
	case r.To == "":
		return fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	return nil
}

// Plan is the read-only part of a deployment: what would be deployed.
type Plan struct {
	Request  Request       `json:"request"`
	Baseline Baseline      `json:"baseline"`
	Runs     []Run         `json:"runs"`
	Scopes   []FoldedScope `json:"scopes"`

	// MergedTs is the boundary recorded on the deployments: the newest
	// mergedTs among Runs, never below the baseline's.
	MergedTs int64 `json:"mergedTs"`
}

// Result reports what Deploy did.
type Result struct {
	Deployments []Deployment `json:"deployments"`
	RunState    RunState     `json:"runState,omitempty"`
}

// Scheduler turns deployment requests into Deployment rows and jobs.
type Scheduler struct {
	store     store.Store
	submitter jobclient.Submitter
	mutex     *keymutex.Mutex
	ext       Extension
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewScheduler(st store.Store, submitter jobclient.Submitter, ext Extension, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.GuardDelay <= 0 {
		cfg.GuardDelay = 30 * time.Second
	}
	if cfg.GuardCeiling <= 0 {
		cfg.GuardCeiling = 4 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	return &Scheduler{
		store:     st,
		submitter: submitter,
		mutex:     keymutex.New(),
		ext:       ext.withDefaults(logger),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Plan computes the baseline and scopes for req without writing anything.
func (s *Scheduler) Plan(ctx context.Context, req Request) (Plan, error) {
	if err := req.Validate(); err != nil {
		return Plan{}, err
	}

	baseline, err := FindBaseline(ctx, s.store, req.AppID, req.To)
	if err != nil {
		return Plan{}, err
	}

	runs, err := MergedRunsSince(ctx, s.store, req.AppID, baseline.Ts)
	if err != nil {
		return Plan{}, err
	}

	// The triggering run is always part of the deployment, even when it is
	// not (yet) visible as merged after the baseline. It is folded at its
	// merge position so later resolutions still win.
	if req.RunID != "" && !containsRun(runs, req.RunID) {
		trigger, err := s.loadRun(ctx, req.RunID)
		if err != nil {
			return Plan{}, err
		}
		runs = insertByMergedTs(runs, trigger)
	}

	scopes, err := FoldScopes(runs)
	if err != nil {
		return Plan{}, err
	}

	mergedTs := baseline.Ts
	for _, run := range runs {
		mergedTs = max(mergedTs, run.MergedTs)
	}

	return Plan{Request: req, Baseline: baseline, Runs: runs, Scopes: scopes, MergedTs: mergedTs}, nil
}

// Deploy runs the whole scheduling sequence for req: guard, plan, insert
// deployments, submit one job per scope, then wait for the jobs and record
// the run's outcome. The per-application lock is held from the guard check
// until every job is submitted.
func (s *Scheduler) Deploy(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("deploy-scheduler").Start(ctx, "deploy",
		trace.WithAttributes(
			attribute.String("app.id", req.AppID),
			attribute.String("commit.id", req.CommitID),
			attribute.String("deploy.to", req.To),
		),
	)
	defer span.End()

	logger := s.logger.With("app_id", req.AppID, "commit_id", req.CommitID, "to", req.To)

	if err := s.mutex.Acquire(ctx, req.AppID); err != nil {
		return nil, err
	}
	locked := true
	unlock := func() {
		if locked {
			locked = false
			s.mutex.Release(req.AppID)
		}
	}
	defer unlock()

	if err := s.guard(ctx, req, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	plan, err := s.Plan(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logger.Info("deployment planned", "baseline_commit", plan.Baseline.CommitID, "baseline_ts", plan.Baseline.Ts, "runs", len(plan.Runs), "scopes", len(plan.Scopes))

	result := &Result{}
	if len(plan.Scopes) == 0 {
		logger.Info("nothing to deploy")
		return result, nil
	}

	deployments, err := s.insertDeployments(ctx, plan)
	if err != nil {
		// Rows left in requested would block the app forever.
		for i := range deployments {
			s.fail(ctx, &deployments[i], fmt.Sprintf("scheduling aborted: %v", err), logger)
		}
		span.RecordError(err)
		return nil, err
	}
	result.Deployments = deployments

	if req.RunID != "" {
		if err := s.setRunState(ctx, req.RunID, RunDeploymentInProgress); err != nil {
			logger.Warn("failed to mark run in progress", "run_id", req.RunID, "error", err)
		}
	}

	futures, submitErr := s.submit(ctx, deployments, logger)
	unlock()

	for i, f := range futures {
		s.await(ctx, &deployments[i], f, logger)
	}
	if submitErr != nil {
		for i := len(futures); i < len(deployments); i++ {
			s.fail(ctx, &deployments[i], fmt.Sprintf("job submission failed: %v", submitErr), logger)
		}
	}
	result.Deployments = deployments

	result.RunState = aggregate(deployments)
	if req.RunID != "" {
		if err := s.setRunState(ctx, req.RunID, result.RunState); err != nil {
			logger.Warn("failed to record run state", "run_id", req.RunID, "error", err)
		}
	}
	s.notify(ctx, Notification{
		Event:   EventRunResult,
		AppID:   req.AppID,
		RunID:   req.RunID,
		From:    req.From,
		To:      req.To,
		State:   string(result.RunState),
		Message: fmt.Sprintf("%d scope(s) deployed", len(deployments)),
	}, logger)

	if submitErr != nil {
		return result, submitErr
	}
	return result, nil
}

// guard waits until no other deployment of the app is requested.
func (s *Scheduler) guard(ctx context.Context, req Request, logger *slog.Logger) error {
	start := s.now()
	notified := false

	for {
		docs, err := s.store.Find(ctx, store.TableDeployments,
			store.Query{"appId": req.AppID, "state": string(StateRequested)},
			store.Limit(1),
		)
		if err != nil {
			return fmt.Errorf("guard check: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}

		waited := s.now().Sub(start)
		if waited >= s.cfg.GuardCeiling {
			s.notify(ctx, Notification{
				Event:   EventGuardTimeout,
				AppID:   req.AppID,
				RunID:   req.RunID,
				From:    req.From,
				To:      req.To,
				Message: fmt.Sprintf("deployment %s still requested after %s", docs[0].ID(), waited.Round(time.Second)),
			}, logger)
			return fmt.Errorf("%w: waited %s", ErrGuardTimeout, waited.Round(time.Millisecond))
		}

		if !notified {
			notified = true
			logger.Info("another deployment is in progress, waiting", "blocking_deployment", docs[0].ID(), "delay", s.cfg.GuardDelay)
			s.notify(ctx, Notification{
				Event:        EventGuardWaiting,
				AppID:        req.AppID,
				RunID:        req.RunID,
				DeploymentID: docs[0].ID(),
				From:         req.From,
				To:           req.To,
				Message:      "waiting for running deployment to finish",
			}, logger)
		}

		timer := time.NewTimer(s.cfg.GuardDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) insertDeployments(ctx context.Context, plan Plan) ([]Deployment, error) {
	req := plan.Request
	out := make([]Deployment, 0, len(plan.Scopes))

	for _, scope := range plan.Scopes {
		seq, err := s.nextSequence(ctx, req.AppID)
		if err != nil {
			return out, err
		}
		now := s.now().UTC()
		d := Deployment{
			AppID:            req.AppID,
			UsID:             scope.UsID,
			RunID:            req.RunID,
			Sequence:         seq,
			ScopeName:        scope.Name,
			Scope:            scope.Scope,
			CommitID:         req.CommitID,
			BaselineCommitID: plan.Baseline.CommitID,
			BaselineTs:       plan.Baseline.Ts,
			MergedTs:         plan.MergedTs,
			State:            StateRequested,
			From:             req.From,
			To:               req.To,
			SysID:            SysID(scope.Name, req.CommitID),
			Ts:               millis(now),
		}
		doc, err := store.Encode(d)
		if err != nil {
			return out, err
		}
		inserted, err := s.store.Insert(ctx, store.TableDeployments, doc)
		if err != nil {
			return out, fmt.Errorf("insert deployment for scope %s: %w", scope.Name, err)
		}
		d.ID = inserted.ID()
		out = append(out, d)
	}
	return out, nil
}

func (s *Scheduler) nextSequence(ctx context.Context, appID string) (int, error) {
	docs, err := s.store.Find(ctx, store.TableDeployments,
		store.Query{"appId": appID},
		store.Sort("sequence", true),
		store.Limit(1),
	)
	if err != nil {
		return 0, fmt.Errorf("find last sequence: %w", err)
	}
	if len(docs) == 0 {
		return 1, nil
	}
	seq, _ := docs[0]["sequence"].(float64)
	return int(seq) + 1, nil
}

// submit queues one job per deployment, one after the other. It returns the
// futures of the jobs that were accepted.
func (s *Scheduler) submit(ctx context.Context, deployments []Deployment, logger *slog.Logger) ([]*job.Future, error) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	futures := make([]*job.Future, 0, len(deployments))
	for i := range deployments {
		d := &deployments[i]
		options, err := json.Marshal(JobOptions{DeploymentID: d.ID})
		if err != nil {
			return futures, err
		}

		j, future, err := s.submitter.Submit(ctx, job.Request{
			Name:        job.NameDeployUpdateSet,
			ExclusiveID: "deploy:" + d.SysID,
			Options:     options,
			Trace:       carrier,
		})
		if err != nil {
			return futures, fmt.Errorf("submit deployment %s: %w", d.ID, err)
		}
		d.JobID = j.ID
		futures = append(futures, future)
		logger.Info("deployment job submitted", "deployment_id", d.ID, "scope", d.ScopeName, "sequence", d.Sequence, "job_id", j.ID)
	}
	return futures, nil
}

// await waits for one job and refreshes the deployment from the store. A
// job that failed before recording an outcome marks the deployment failed.
func (s *Scheduler) await(ctx context.Context, d *Deployment, f *job.Future, logger *slog.Logger) {
	var res JobResult
	jobErr := f.Decode(ctx, &res)

	stored, err := loadDeployment(ctx, s.store, d.ID)
	if err != nil {
		logger.Warn("failed to reload deployment", "deployment_id", d.ID, "error", err)
	} else {
		stored.JobID = d.JobID
		*d = stored
	}

	if jobErr != nil && !d.State.Terminal() {
		s.fail(ctx, d, jobErr.Error(), logger)
	}
}

func (s *Scheduler) fail(ctx context.Context, d *Deployment, msg string, logger *slog.Logger) {
	end := s.now().UTC()
	d.State = StateFailed
	d.Message = msg
	d.End = &end
	d.Ts = millis(end)
	if err := saveDeployment(ctx, s.store, *d); err != nil {
		logger.Warn("failed to record failed deployment", "deployment_id", d.ID, "error", err)
	}
	s.notify(ctx, deploymentNotification(*d), logger)
}

func (s *Scheduler) notify(ctx context.Context, n Notification, logger *slog.Logger) {
	if err := s.ext.Notifier.Notify(ctx, n); err != nil {
		logger.Warn("failed to send notification", "event", n.Event, "error", err)
	}
}

// aggregate folds deployment outcomes into the run state: any failure fails
// the run, otherwise any manual interaction needs a person.
func aggregate(deployments []Deployment) RunState {
	state := RunDeploymentComplete
	for _, d := range deployments {
		switch d.State {
		case StateFailed, StateRequested:
			return RunDeploymentFailed
		case StateManualInteraction:
			state = RunDeploymentManualInteraction
		}
	}
	return state
}

func (s *Scheduler) loadRun(ctx context.Context, id string) (Run, error) {
	doc, err := s.store.Get(ctx, store.TableRuns, id)
	if err != nil {
		return Run{}, fmt.Errorf("load run %s: %w", id, err)
	}
	var run Run
	if err := store.Decode(doc, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *Scheduler) setRunState(ctx context.Context, id string, state RunState) error {
	doc, err := s.store.Get(ctx, store.TableRuns, id)
	if err != nil {
		return err
	}
	from, _ := doc["state"].(string)
	if err := ValidateRunTransition(RunState(from), state); err != nil {
		return err
	}
	doc["state"] = string(state)
	_, err = s.store.Update(ctx, store.TableRuns, doc)
	return err
}

// insertByMergedTs places run after every run merged no later than it.
func insertByMergedTs(runs []Run, run Run) []Run {
	i := sort.Search(len(runs), func(i int) bool { return runs[i].MergedTs > run.MergedTs })
	return slices.Insert(runs, i, run)
}

func containsRun(runs []Run, id string) bool {
	for _, r := range runs {
		if r.ID == id {
			return true
		}
	}
	return false
}
