package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"deployplane/internal/broker"
	"deployplane/internal/deploy"
	"deployplane/internal/job"
	"deployplane/internal/store/memory"
)

// Mock Store
type mockStore struct {
	*memory.Store
	pingErr error
}

func newMockStore() *mockStore {
	return &mockStore{Store: memory.New()}
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

// Mock Broker
type mockBroker struct {
	submitErr error
	jobs      []job.Job
	workers   []broker.WorkerNode

	// Spies
	submitted []job.Request
}

func (m *mockBroker) Submit(ctx context.Context, req job.Request) (job.Job, *job.Future, error) {
	if err := req.Validate(); err != nil {
		return job.Job{}, nil, err
	}
	if m.submitErr != nil {
		return job.Job{}, nil, m.submitErr
	}
	m.submitted = append(m.submitted, req)
	return job.Job{ID: "job-1", Name: req.Name, Status: job.StatusPending}, job.NewFuture(), nil
}

func (m *mockBroker) Jobs() []job.Job { return m.jobs }

func (m *mockBroker) Job(id string) (job.Job, error) {
	for _, j := range m.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return job.Job{}, broker.ErrUnknownJob
}

func (m *mockBroker) Workers() []broker.WorkerNode { return m.workers }

// Mock Scheduler
type mockScheduler struct {
	mu       sync.Mutex
	requests []deploy.Request
	err      error
	called   chan struct{}
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{called: make(chan struct{}, 1)}
}

func (m *mockScheduler) Deploy(ctx context.Context, req deploy.Request) (*deploy.Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	m.called <- struct{}{}
	if m.err != nil {
		return nil, m.err
	}
	return &deploy.Result{RunState: deploy.RunDeploymentComplete}, nil
}

func (m *mockScheduler) wait() bool {
	select {
	case <-m.called:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

var errBoom = errors.New("boom")

func newTestHandlers() (*Handlers, *mockStore, *mockBroker, *mockScheduler) {
	st := newMockStore()
	b := &mockBroker{}
	sched := newMockScheduler()
	return New(context.Background(), st, b, sched, nil), st, b, sched
}
