package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"deployplane/internal/job"
	"deployplane/internal/store"
	"deployplane/internal/wire"
)

// Server exposes a Broker on the worker, jobs and data namespaces.
type Server struct {
	broker *Broker
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*workerSession
}

type workerSession struct {
	mu          sync.Mutex
	workerID    string
	unsubscribe func()
}

func (s *workerSession) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID
}

func NewServer(b *Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broker:   b,
		logger:   logger.With("component", "broker-server"),
		sessions: make(map[string]*workerSession),
	}
}

// Mount registers the three namespaces on ws.
func (s *Server) Mount(ws *wire.Server) {
	ws.Handle(wire.NamespaceWorker, wire.Namespace{
		OnConnect:    s.connectWorker,
		OnDisconnect: s.disconnectWorker,
	})
	ws.Handle(wire.NamespaceJobs, wire.Namespace{
		OnConnect: func(*wire.Conn) wire.Handler { return s.handleJobs },
	})
	ws.Handle(wire.NamespaceData, wire.Namespace{
		OnConnect: func(*wire.Conn) wire.Handler { return s.handleData },
	})
}

func (s *Server) connectWorker(c *wire.Conn) wire.Handler {
	wake, unsubscribe := s.broker.Subscribe()
	sess := &workerSession{unsubscribe: unsubscribe}

	s.mu.Lock()
	s.sessions[c.ID()] = sess
	s.mu.Unlock()

	go func() {
		for {
			select {
			case _, ok := <-wake:
				if !ok {
					return
				}
				if err := c.Emit(wire.EventWake, nil); err != nil {
					return
				}
			case <-c.Done():
				return
			}
		}
	}()

	return func(ctx context.Context, c *wire.Conn, event string, data json.RawMessage) (any, error) {
		return s.handleWorker(ctx, sess, event, data)
	}
}

func (s *Server) disconnectWorker(c *wire.Conn) {
	s.mu.Lock()
	sess, ok := s.sessions[c.ID()]
	delete(s.sessions, c.ID())
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.unsubscribe()
	if id := sess.id(); id != "" {
		s.broker.Disconnect(id)
	}
}

func (s *Server) handleWorker(ctx context.Context, sess *workerSession, event string, data json.RawMessage) (any, error) {
	if event == wire.EventRegister {
		var req wire.RegisterRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, wire.Errorf(wire.ErrCodeValidation, "invalid register payload: %v", err)
		}
		node, err := s.broker.Register(WorkerNode{ID: req.ID, Host: req.Host, Platform: req.Platform})
		if err != nil {
			return nil, toWireError(err)
		}
		sess.mu.Lock()
		sess.workerID = node.ID
		sess.mu.Unlock()
		return node, nil
	}

	workerID := sess.id()
	if workerID == "" {
		return nil, wire.Errorf(wire.ErrCodeValidation, "worker must register before %s", event)
	}

	switch event {
	case wire.EventGet:
		var req wire.GetRequest
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, wire.Errorf(wire.ErrCodeValidation, "invalid get payload: %v", err)
			}
		}
		j, err := s.broker.Get(workerID, req.Host)
		if err != nil {
			return nil, toWireError(err)
		}
		return j, nil

	case wire.EventDone:
		var req wire.DoneRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, wire.Errorf(wire.ErrCodeValidation, "invalid done payload: %v", err)
		}
		report := Report{ID: req.ID, Result: req.Result, Error: req.Error, Failed: req.Failed}
		if err := s.broker.Done(workerID, report); err != nil {
			s.logger.Warn("rejected done report", "job_id", req.ID, "worker_id", workerID, "error", err)
			return nil, toWireError(err)
		}
		return nil, nil

	case wire.EventRunning:
		return nil, toWireError(s.broker.SetStatus(workerID, WorkerRunning))

	case wire.EventPaused:
		return nil, toWireError(s.broker.SetStatus(workerID, WorkerPaused))
	}
	return nil, wire.Errorf(wire.ErrCodeUnknownEvent, "unknown event: %q", event)
}

func (s *Server) handleJobs(ctx context.Context, _ *wire.Conn, event string, data json.RawMessage) (any, error) {
	if event != wire.EventRun {
		return nil, wire.Errorf(wire.ErrCodeUnknownEvent, "unknown event: %q", event)
	}

	var req job.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, wire.Errorf(wire.ErrCodeValidation, "invalid run payload: %v", err)
	}
	_, future, err := s.broker.Submit(ctx, req)
	if err != nil {
		return nil, toWireError(err)
	}

	result, err := future.Wait(ctx)
	if err != nil {
		return nil, toWireError(err)
	}
	return result, nil
}

func (s *Server) handleData(ctx context.Context, _ *wire.Conn, event string, data json.RawMessage) (any, error) {
	if event != wire.EventOp {
		return nil, wire.Errorf(wire.ErrCodeUnknownEvent, "unknown event: %q", event)
	}

	var op store.Op
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, wire.Errorf(wire.ErrCodeValidation, "invalid op payload: %v", err)
	}
	res, err := s.broker.Proxy(ctx, op)
	if err != nil {
		return nil, toWireError(err)
	}
	return res, nil
}

// toWireError maps broker, job and store errors onto protocol codes.
func toWireError(err error) error {
	if err == nil {
		return nil
	}
	var remote *job.RemoteError
	switch {
	case errors.As(err, &remote):
		return wire.Errorf(wire.ErrCodeJobFailed, "%s", remote.Message)
	case errors.Is(err, job.ErrMissingName),
		errors.Is(err, job.ErrAlreadyResolved),
		errors.Is(err, ErrNoWorker),
		errors.Is(err, ErrNotAssigned),
		errors.Is(err, store.ErrMissingID),
		errors.Is(err, store.ErrUnknownTable):
		return wire.Errorf(wire.ErrCodeValidation, "%s", err.Error())
	case errors.Is(err, ErrUnknownJob), errors.Is(err, store.ErrNotFound):
		return wire.Errorf(wire.ErrCodeNotFound, "%s", err.Error())
	}
	return wire.Errorf(wire.ErrCodeInternal, "%s", err.Error())
}
