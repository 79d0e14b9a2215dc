// Package worker contains the worker agent that pulls jobs from the broker
// and the supervisor that keeps one agent process per CPU alive.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"deployplane/internal/broker"
	"deployplane/internal/job"
	"deployplane/internal/wire"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrDisconnected is returned when the broker session ends underneath the
// agent.
var ErrDisconnected = errors.New("worker: broker session ended")

// Handler runs one named job with its raw options. The result is marshalled
// as the job result.
type Handler func(ctx context.Context, options json.RawMessage) (any, error)

// Handlers maps job names to their handlers.
type Handlers map[string]Handler

// State is the agent's polling state.
type State int32

const (
	// StatePaused waits for a wake token before pulling again.
	StatePaused State = iota
	// StatePolling pulls jobs back to back until the broker has none left.
	StatePolling
)

func (s State) String() string {
	if s == StatePolling {
		return "polling"
	}
	return "paused"
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID       string
	Host     string
	Platform string

	// MaxBackoff caps the delay between reconnect attempts (default: 30s).
	MaxBackoff time.Duration
}

// Agent registers with the broker and executes the jobs it hands out.
type Agent struct {
	connector Connector
	handlers  Handlers
	config    AgentConfig
	logger    *slog.Logger
	state     atomic.Int32
	processed atomic.Int64
	done      chan struct{}
}

// New creates a new worker agent.
func New(connector Connector, handlers Handlers, config AgentConfig, logger *slog.Logger) *Agent {
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		connector: connector,
		handlers:  handlers,
		config:    config,
		logger:    logger.With("worker_id", config.ID, "host", config.Host),
		done:      make(chan struct{}),
	}
}

// State reports whether the agent is currently polling or paused.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Processed counts the jobs this agent has reported.
func (a *Agent) Processed() int64 {
	return a.processed.Load()
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Run connects to the broker and serves jobs until ctx is cancelled,
// reconnecting with exponential backoff whenever the session drops.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	backoff := time.Second
	for {
		sess, err := a.connector.Connect(ctx)
		if err == nil {
			backoff = time.Second
			err = a.serve(ctx, sess)
			_ = sess.Close()
		}
		a.state.Store(int32(StatePaused))

		if ctx.Err() != nil {
			a.logger.Info("agent stopped")
			return ctx.Err()
		}

		a.logger.Warn("broker session lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > a.config.MaxBackoff {
			backoff = a.config.MaxBackoff
		}
	}
}

func (a *Agent) serve(ctx context.Context, sess Session) error {
	reg := wire.RegisterRequest{ID: a.config.ID, Host: a.config.Host, Platform: a.config.Platform}
	if err := sess.Register(ctx, reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("registered with broker", "platform", a.config.Platform)

	// Poll once right away; work may have been queued while disconnected.
	state := StatePolling
	for {
		a.state.Store(int32(state))

		switch state {
		case StatePolling:
			if err := a.drain(ctx, sess); err != nil {
				return err
			}
			state = StatePaused
			if err := sess.SetStatus(ctx, broker.WorkerPaused); err != nil {
				return err
			}

		case StatePaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sess.Closed():
				return ErrDisconnected
			case _, ok := <-sess.Wake():
				if !ok {
					return ErrDisconnected
				}
				state = StatePolling
			}
		}
	}
}

// drain pulls and runs jobs until the broker returns none.
func (a *Agent) drain(ctx context.Context, sess Session) error {
	if err := sess.SetStatus(ctx, broker.WorkerRunning); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, err := sess.Get(ctx, a.config.Host)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if j == nil {
			return nil
		}
		if err := a.process(ctx, sess, j); err != nil {
			return err
		}
	}
}

// process runs one job and reports it. Only transport failures are
// returned; handler failures become failed jobs.
func (a *Agent) process(ctx context.Context, sess Session, j *job.Job) error {
	traceCtx := ctx
	if len(j.Trace) > 0 {
		traceCtx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(j.Trace))
	}

	tracer := otel.Tracer("worker-agent")
	spanCtx, span := tracer.Start(traceCtx, "process_job",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.name", j.Name),
			attribute.String("worker.id", a.config.ID),
			attribute.String("worker.host", a.config.Host),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	a.logger.Info("processing job", "job_id", j.ID, "name", j.Name)
	start := time.Now()

	report := wire.DoneRequest{ID: j.ID}
	result, err := a.execute(spanCtx, j)
	if err == nil {
		report.Result, err = json.Marshal(result)
		if err != nil {
			err = fmt.Errorf("marshal result: %w", err)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.Result = nil
		report.Failed = true
		report.Error = err.Error()
		if report.Error == "" {
			report.Error = fmt.Sprintf("job %q failed without a message", j.Name)
		}
		a.logger.Warn("job failed", "job_id", j.ID, "name", j.Name, "error", err, "duration", time.Since(start))
	} else {
		a.logger.Info("job completed", "job_id", j.ID, "name", j.Name, "duration", time.Since(start))
	}

	a.processed.Add(1)
	if err := sess.Done(ctx, report); err != nil {
		if refused(err) {
			a.logger.Warn("broker refused done report", "job_id", j.ID, "error", err)
			return nil
		}
		return fmt.Errorf("done: %w", err)
	}
	return nil
}

// execute resolves the handler and runs it, converting panics into errors.
func (a *Agent) execute(ctx context.Context, j *job.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in job handler", "job_id", j.ID, "name", j.Name, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("handler %q panicked: %v", j.Name, r)
		}
	}()

	h, ok := a.handlers[j.Name]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", j.Name)
	}
	return h(ctx, j.Options)
}

// refused reports whether err is the broker declining a report rather than
// the session failing.
func refused(err error) bool {
	var detail *wire.ErrorDetail
	return errors.As(err, &detail) ||
		errors.Is(err, job.ErrAlreadyResolved) ||
		errors.Is(err, broker.ErrUnknownJob) ||
		errors.Is(err, broker.ErrNotAssigned)
}
