// Package broker matches submitted jobs to polling worker agents and routes
// their results back to the submitter.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"deployplane/internal/job"
	"deployplane/internal/store"

	"github.com/google/uuid"
)

var (
	ErrClosed     = errors.New("broker: closed")
	ErrUnknownJob = errors.New("broker: unknown job")
	ErrNoWorker   = errors.New("broker: worker not registered")

	// ErrNotAssigned rejects a report for a job the worker does not hold.
	ErrNotAssigned = errors.New("broker: job not assigned to worker")
)

// WorkerStatus is the broker's view of an agent.
type WorkerStatus string

const (
	WorkerConnected WorkerStatus = "connected"
	WorkerRunning   WorkerStatus = "running"
	WorkerPaused    WorkerStatus = "paused"
)

// WorkerNode is session state for a registered agent. It is never persisted.
type WorkerNode struct {
	ID           string       `json:"id"`
	Host         string       `json:"host"`
	Platform     string       `json:"platform"`
	Status       WorkerStatus `json:"status"`
	AssignedJobs int          `json:"assigned_jobs"`
	Connected    time.Time    `json:"connected"`
}

// Config holds broker tunables.
type Config struct {
	// Retention is how long completed jobs stay visible before being swept.
	Retention time.Duration
}

// Broker owns the job queue, the worker registry and the pending futures.
type Broker struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    []*job.Job
	futures map[string]*job.Future
	workers map[string]*WorkerNode
	subs    map[int]chan struct{}
	nextSub int
	closed  bool

	metrics *metrics
}

// New creates a broker that proxies data operations to st.
func New(st store.Store, cfg Config, logger *slog.Logger) *Broker {
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		store:   st,
		cfg:     cfg,
		logger:  logger.With("component", "broker"),
		now:     time.Now,
		futures: make(map[string]*job.Future),
		workers: make(map[string]*WorkerNode),
		subs:    make(map[int]chan struct{}),
	}
	b.metrics = newMetrics(b, b.logger)
	return b
}

// Close rejects every outstanding future and drops all subscribers.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	for id, f := range b.futures {
		_ = f.Reject(ErrClosed)
		delete(b.futures, id)
	}
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	// The gauge callback takes b.mu, so unregister outside it.
	b.metrics.unregister()
}

// Register adds a worker, or returns the existing node for a known id.
func (b *Broker) Register(node WorkerNode) (WorkerNode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return WorkerNode{}, ErrClosed
	}

	if existing, ok := b.workers[node.ID]; ok {
		return *existing, nil
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	node.Status = WorkerConnected
	node.AssignedJobs = 0
	node.Connected = b.now()
	b.workers[node.ID] = &node

	b.logger.Info("worker registered", "worker_id", node.ID, "host", node.Host, "platform", node.Platform)
	return node, nil
}

// Disconnect removes a worker. Jobs it had claimed stay in progress; they
// are not requeued.
func (b *Broker) Disconnect(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.workers[workerID]; !ok {
		return
	}
	delete(b.workers, workerID)

	var stuck []string
	for _, j := range b.jobs {
		if j.Status == job.StatusInProgress && j.WorkerID == workerID {
			stuck = append(stuck, j.ID)
		}
	}
	if len(stuck) > 0 {
		b.logger.Warn("worker disconnected with jobs in progress", "worker_id", workerID, "job_ids", stuck)
	} else {
		b.logger.Info("worker disconnected", "worker_id", workerID)
	}
}

// SetStatus records a running/paused report from a worker.
func (b *Broker) SetStatus(workerID string, status WorkerStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[workerID]
	if !ok {
		return ErrNoWorker
	}
	w.Status = status
	return nil
}

// Get claims the first pending job the worker may run. It returns nil when
// nothing is eligible.
//
// A job with an exclusive id is held back while another job with the same id
// is in progress, or while an older job with the same id is still pending.
func (b *Broker) Get(workerID, host string) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	w, ok := b.workers[workerID]
	if !ok {
		return nil, ErrNoWorker
	}
	if host == "" {
		host = w.Host
	}

	blocked := make(map[string]bool)
	for _, j := range b.jobs {
		if j.ExclusiveID != "" && j.Status == job.StatusInProgress {
			blocked[j.ExclusiveID] = true
		}
	}

	for _, j := range b.jobs {
		if j.Status != job.StatusPending {
			continue
		}
		if j.ExclusiveID != "" {
			if blocked[j.ExclusiveID] {
				continue
			}
			// Later jobs with this key must wait for this one.
			blocked[j.ExclusiveID] = true
		}
		if !j.EligibleFor(host) {
			continue
		}

		started := b.now()
		j.Status = job.StatusInProgress
		j.WorkerID = workerID
		j.Started = &started
		w.AssignedJobs++

		b.logger.Debug("job claimed", "job_id", j.ID, "name", j.Name, "worker_id", workerID)
		claimed := *j
		return &claimed, nil
	}
	return nil, nil
}

// Report is a worker's outcome for a claimed job.
type Report struct {
	ID     string
	Result json.RawMessage
	Error  string

	// Failed marks the job failed even when Error is empty.
	Failed bool
}

func (r Report) failed() bool {
	return r.Failed || r.Error != ""
}

// Done records the outcome of a job claimed by workerID and completes its
// future. A second report for the same job returns job.ErrAlreadyResolved;
// a report for a job the worker does not hold returns ErrNotAssigned.
func (b *Broker) Done(workerID string, report Report) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j := b.find(report.ID)
	if j == nil {
		return ErrUnknownJob
	}
	if j.Status.Terminal() {
		return job.ErrAlreadyResolved
	}
	if j.Status != job.StatusInProgress || j.WorkerID != workerID {
		return fmt.Errorf("%w: job %s is %s on %q", ErrNotAssigned, j.ID, j.Status, j.WorkerID)
	}

	completed := b.now()
	j.Completed = &completed
	if report.failed() {
		msg := report.Error
		if msg == "" {
			msg = fmt.Sprintf("job %q failed", j.Name)
		}
		j.Status = job.StatusFailed
		j.Error = msg
	} else {
		j.Status = job.StatusComplete
		j.Result = report.Result
	}

	if f, ok := b.futures[j.ID]; ok {
		delete(b.futures, j.ID)
		if j.Status == job.StatusFailed {
			_ = f.Reject(&job.RemoteError{JobID: j.ID, Name: j.Name, Message: j.Error})
		} else {
			_ = f.Resolve(j.Result)
		}
	}

	b.metrics.jobCompleted(j)
	b.logger.Info("job finished", "job_id", j.ID, "name", j.Name, "status", j.Status, "worker_id", j.WorkerID)

	b.sweep(completed)
	return nil
}

// sweep drops terminal jobs older than the retention window.
func (b *Broker) sweep(now time.Time) {
	cutoff := now.Add(-b.cfg.Retention)
	kept := b.jobs[:0]
	for _, j := range b.jobs {
		if j.Status.Terminal() && j.Completed != nil && j.Completed.Before(cutoff) {
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(b.jobs); i++ {
		b.jobs[i] = nil
	}
	b.jobs = kept
}

// Submit queues a job and wakes every subscribed worker.
func (b *Broker) Submit(ctx context.Context, req job.Request) (job.Job, *job.Future, error) {
	if err := req.Validate(); err != nil {
		return job.Job{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return job.Job{}, nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return job.Job{}, nil, ErrClosed
	}

	j := &job.Job{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Host:        req.Host,
		Options:     req.Options,
		Background:  req.Background,
		ExclusiveID: req.ExclusiveID,
		Status:      job.StatusPending,
		Trace:       req.Trace,
		Created:     b.now(),
	}
	f := job.NewFuture()
	b.jobs = append(b.jobs, j)
	b.futures[j.ID] = f
	b.publish()
	snapshot := *j
	b.mu.Unlock()

	b.logger.Info("job submitted", "job_id", j.ID, "name", j.Name, "host", j.Host, "exclusive_id", j.ExclusiveID)
	return snapshot, f, nil
}

// Subscribe returns a channel that receives a token whenever new work is
// queued. Tokens coalesce; the channel is closed when the broker closes.
func (b *Broker) Subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan struct{}, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			close(sub)
			delete(b.subs, id)
		}
	}
}

// publish must be called with b.mu held.
func (b *Broker) publish() {
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Proxy forwards a data operation to the store.
func (b *Broker) Proxy(ctx context.Context, op store.Op) (json.RawMessage, error) {
	res, err := store.Dispatch(ctx, b.store, op)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", op.Operation, err)
	}
	return raw, nil
}

// Jobs returns a snapshot of every tracked job in queue order.
func (b *Broker) Jobs() []job.Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]job.Job, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, *j)
	}
	return out
}

// Job returns a snapshot of one job.
func (b *Broker) Job(id string) (job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j := b.find(id)
	if j == nil {
		return job.Job{}, ErrUnknownJob
	}
	return *j, nil
}

func (b *Broker) Workers() []WorkerNode {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]WorkerNode, 0, len(b.workers))
	for _, w := range b.workers {
		out = append(out, *w)
	}
	return out
}

// QueueDepth counts pending jobs.
func (b *Broker) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueDepthLocked()
}

func (b *Broker) queueDepthLocked() int {
	n := 0
	for _, j := range b.jobs {
		if j.Status == job.StatusPending {
			n++
		}
	}
	return n
}

func (b *Broker) find(id string) *job.Job {
	for _, j := range b.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}
