package worker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"deployplane/internal/broker"
	"deployplane/internal/job"
	"deployplane/internal/wire"
)

// Session is one registered link to the broker's worker channel.
type Session interface {
	Register(ctx context.Context, req wire.RegisterRequest) error
	Get(ctx context.Context, host string) (*job.Job, error)
	Done(ctx context.Context, req wire.DoneRequest) error
	SetStatus(ctx context.Context, status broker.WorkerStatus) error

	// Wake yields a token whenever the broker queued new work.
	Wake() <-chan struct{}

	// Closed is closed when the session ended.
	Closed() <-chan struct{}

	Close() error
}

// Connector opens sessions.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// WireConnector dials the broker over mutual TLS.
type WireConnector struct {
	Addr      string
	TLS       *tls.Config
	Keepalive time.Duration
	Logger    *slog.Logger
}

func (w *WireConnector) Connect(ctx context.Context) (Session, error) {
	wake := make(chan struct{}, 1)
	handler := func(ctx context.Context, c *wire.Conn, event string, data json.RawMessage) (any, error) {
		if event != wire.EventWake {
			return nil, wire.Errorf(wire.ErrCodeUnknownEvent, "unknown event: %q", event)
		}
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil, nil
	}

	conn, err := wire.Dial(ctx, w.Addr, w.TLS, wire.NamespaceWorker, handler,
		wire.WithKeepalive(w.Keepalive), wire.WithLogger(w.Logger))
	if err != nil {
		return nil, err
	}
	return &wireSession{conn: conn, wake: wake}, nil
}

type wireSession struct {
	conn *wire.Conn
	wake chan struct{}
}

func (s *wireSession) Register(ctx context.Context, req wire.RegisterRequest) error {
	return s.conn.Call(ctx, wire.EventRegister, req, nil)
}

func (s *wireSession) Get(ctx context.Context, host string) (*job.Job, error) {
	var j *job.Job
	if err := s.conn.Call(ctx, wire.EventGet, wire.GetRequest{Host: host}, &j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *wireSession) Done(ctx context.Context, req wire.DoneRequest) error {
	return s.conn.Call(ctx, wire.EventDone, req, nil)
}

func (s *wireSession) SetStatus(ctx context.Context, status broker.WorkerStatus) error {
	event := wire.EventPaused
	if status == broker.WorkerRunning {
		event = wire.EventRunning
	}
	return s.conn.Call(ctx, event, nil, nil)
}

func (s *wireSession) Wake() <-chan struct{}   { return s.wake }
func (s *wireSession) Closed() <-chan struct{} { return s.conn.Done() }
func (s *wireSession) Close() error            { return s.conn.Close() }

// LocalConnector attaches agents to a broker in the same process.
type LocalConnector struct {
	Broker *broker.Broker
}

func (l *LocalConnector) Connect(ctx context.Context) (Session, error) {
	wake, unsubscribe := l.Broker.Subscribe()
	return &localSession{
		broker:      l.Broker,
		wake:        wake,
		unsubscribe: unsubscribe,
		closed:      make(chan struct{}),
	}, nil
}

type localSession struct {
	broker      *broker.Broker
	wake        <-chan struct{}
	unsubscribe func()

	mu        sync.Mutex
	workerID  string
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *localSession) Register(ctx context.Context, req wire.RegisterRequest) error {
	node, err := s.broker.Register(broker.WorkerNode{ID: req.ID, Host: req.Host, Platform: req.Platform})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.workerID = node.ID
	s.mu.Unlock()
	return nil
}

func (s *localSession) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID
}

func (s *localSession) Get(ctx context.Context, host string) (*job.Job, error) {
	return s.broker.Get(s.id(), host)
}

func (s *localSession) Done(ctx context.Context, req wire.DoneRequest) error {
	return s.broker.Done(s.id(), broker.Report{ID: req.ID, Result: req.Result, Error: req.Error, Failed: req.Failed})
}

func (s *localSession) SetStatus(ctx context.Context, status broker.WorkerStatus) error {
	return s.broker.SetStatus(s.id(), status)
}

func (s *localSession) Wake() <-chan struct{}   { return s.wake }
func (s *localSession) Closed() <-chan struct{} { return s.closed }

func (s *localSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.unsubscribe()
		if id := s.id(); id != "" {
			s.broker.Disconnect(id)
		}
	})
	return nil
}
