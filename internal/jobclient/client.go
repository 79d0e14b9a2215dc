// Package jobclient submits jobs to the broker and reaches the broker's
// data proxy on behalf of worker handlers.
package jobclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"deployplane/internal/job"
	"deployplane/internal/wire"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Submitter is the submission side of the broker. *broker.Broker and
// *Client both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, req job.Request) (job.Job, *job.Future, error)
}

// Client talks to the broker's jobs namespace.
type Client struct {
	conn   *wire.Conn
	logger *slog.Logger
}

// Dial connects a client to the broker at addr.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, keepalive time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := wire.Dial(ctx, addr, tlsConfig, wire.NamespaceJobs, nil,
		wire.WithKeepalive(keepalive), wire.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, logger: logger.With("component", "jobclient")}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Submit sends req and returns a future fulfilled by the broker's single
// ack. Validation failures are returned synchronously. The returned Job only
// carries the request fields; the broker assigns the id.
func (c *Client) Submit(ctx context.Context, req job.Request) (job.Job, *job.Future, error) {
	if err := req.Validate(); err != nil {
		return job.Job{}, nil, err
	}
	if req.Trace == nil {
		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		if len(carrier) > 0 {
			req.Trace = carrier
		}
	}

	future := job.NewFuture()
	go func() {
		// Background jobs outlive the submitting request.
		callCtx := context.WithoutCancel(ctx)
		var result json.RawMessage
		if err := c.conn.Call(callCtx, wire.EventRun, req, &result); err != nil {
			_ = future.Reject(fromWire(req.Name, err))
			return
		}
		_ = future.Resolve(result)
	}()

	return job.Job{
		Name:        req.Name,
		Host:        req.Host,
		Options:     req.Options,
		Background:  req.Background,
		ExclusiveID: req.ExclusiveID,
		Status:      job.StatusPending,
		Trace:       req.Trace,
		Created:     time.Now(),
	}, future, nil
}

// Option adjusts a Run request.
type Option func(*job.Request)

func WithHost(host string) Option {
	return func(r *job.Request) { r.Host = host }
}

func WithExclusiveID(id string) Option {
	return func(r *job.Request) { r.ExclusiveID = id }
}

func Background() Option {
	return func(r *job.Request) { r.Background = true }
}

// Run submits a job through s and waits inline for its result, decoding it
// into out when out is non-nil.
func Run(ctx context.Context, s Submitter, name string, options any, out any, opts ...Option) error {
	req := job.Request{Name: name}
	if options != nil {
		raw, err := json.Marshal(options)
		if err != nil {
			return err
		}
		req.Options = raw
	}
	for _, opt := range opts {
		opt(&req)
	}

	_, future, err := s.Submit(ctx, req)
	if err != nil {
		return err
	}
	return future.Decode(ctx, out)
}

// fromWire turns a protocol error into the error a local submitter would
// have seen.
func fromWire(name string, err error) error {
	var detail *wire.ErrorDetail
	if !errors.As(err, &detail) {
		return err
	}
	switch detail.Code {
	case wire.ErrCodeJobFailed:
		return &job.RemoteError{Name: name, Message: detail.Message}
	case wire.ErrCodeValidation:
		if detail.Message == job.ErrMissingName.Error() {
			return job.ErrMissingName
		}
	}
	return detail
}
