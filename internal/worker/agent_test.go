package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"deployplane/internal/broker"
	"deployplane/internal/job"
	"deployplane/internal/store/memory"
)

func testHandlers() Handlers {
	return Handlers{
		"echo": func(ctx context.Context, options json.RawMessage) (any, error) {
			return options, nil
		},
		"fails": func(ctx context.Context, options json.RawMessage) (any, error) {
			return nil, errors.New("update set preview has errors")
		},
		"panics": func(ctx context.Context, options json.RawMessage) (any, error) {
			panic("nil scope")
		},
		"silent": func(ctx context.Context, options json.RawMessage) (any, error) {
			return nil, errors.New("")
		},
	}
}

func startAgent(t *testing.T, b *broker.Broker, host string) *Agent {
	t.Helper()
	a := New(&LocalConnector{Broker: b}, testHandlers(), AgentConfig{ID: "agent-" + host, Host: host, Platform: "linux"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})
	return a
}

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(memory.New(), broker.Config{}, nil)
	t.Cleanup(b.Close)
	return b
}

func await(t *testing.T, f *job.Future) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("job never completed")
	}
	return res, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgent_HandlerErrorRejectsAndKeepsPolling(t *testing.T) {
	b := newBroker(t)
	a := startAgent(t, b, "dev01")

	_, failing, _ := b.Submit(context.Background(), job.Request{Name: "fails"})
	_, err := await(t, failing)

	var remote *job.RemoteError
	if !errors.As(err, &remote) || remote.Message != "update set preview has errors" {
		t.Fatalf("expected handler error, got %v", err)
	}

	_, next, _ := b.Submit(context.Background(), job.Request{Name: "echo", Options: json.RawMessage(`{"n":2}`)})
	res, err := await(t, next)
	if err != nil {
		t.Fatalf("agent stopped serving after a failure: %v", err)
	}
	if string(res) != `{"n":2}` {
		t.Errorf("result = %s", res)
	}
	if a.Processed() != 2 {
		t.Errorf("processed = %d, want 2", a.Processed())
	}
}

func TestAgent_FailuresBecomeRejections(t *testing.T) {
	tests := []struct {
		name    string
		job     string
		wantMsg string
	}{
		{"unknown handler", "noSuchJob", `unknown job "noSuchJob"`},
		{"handler panic", "panics", "panicked: nil scope"},
		{"error without message", "silent", `job "silent" failed`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBroker(t)
			startAgent(t, b, "dev01")

			submitted, f, _ := b.Submit(context.Background(), job.Request{Name: tt.job})
			_, err := await(t, f)
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want containing %q", err, tt.wantMsg)
			}
			if stored, _ := b.Job(submitted.ID); stored.Status != job.StatusFailed {
				t.Errorf("status = %s, want failed", stored.Status)
			}
		})
	}
}

func TestAgent_PausesThenWakes(t *testing.T) {
	b := newBroker(t)
	a := startAgent(t, b, "dev01")

	waitFor(t, "agent to pause", func() bool {
		w := b.Workers()
		return a.State() == StatePaused && len(w) == 1 && w[0].Status == broker.WorkerPaused
	})

	_, f, _ := b.Submit(context.Background(), job.Request{Name: "echo", Options: json.RawMessage(`"hi"`)})
	if _, err := await(t, f); err != nil {
		t.Fatalf("job after wake failed: %v", err)
	}
}

func TestAgent_DrainsQueuedJobs(t *testing.T) {
	b := newBroker(t)

	var futures []*job.Future
	for i := 0; i < 5; i++ {
		_, f, _ := b.Submit(context.Background(), job.Request{Name: "echo"})
		futures = append(futures, f)
	}

	a := startAgent(t, b, "dev01")
	for _, f := range futures {
		if _, err := await(t, f); err != nil {
			t.Fatalf("queued job failed: %v", err)
		}
	}
	if a.Processed() != 5 {
		t.Errorf("processed = %d, want 5", a.Processed())
	}
}

func TestAgent_HostAffinity(t *testing.T) {
	b := newBroker(t)
	a := startAgent(t, b, "dev01")

	pinned, _, _ := b.Submit(context.Background(), job.Request{Name: "echo", Host: "dev02"})
	_, free, _ := b.Submit(context.Background(), job.Request{Name: "echo"})
	if _, err := await(t, free); err != nil {
		t.Fatalf("free job failed: %v", err)
	}

	waitFor(t, "agent to pause", func() bool { return a.State() == StatePaused })
	stored, _ := b.Job(pinned.ID)
	if stored.Status != job.StatusPending {
		t.Errorf("job for dev02 was claimed by dev01: %s", stored.Status)
	}
}

type flakyConnector struct {
	failures atomic.Int32
	next     Connector
}

func (f *flakyConnector) Connect(ctx context.Context) (Session, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return f.next.Connect(ctx)
}

func TestAgent_ReconnectsAfterFailure(t *testing.T) {
	b := newBroker(t)
	conn := &flakyConnector{next: &LocalConnector{Broker: b}}
	conn.failures.Store(1)

	a := New(conn, testHandlers(), AgentConfig{ID: "w1", Host: "dev01"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	_, f, _ := b.Submit(context.Background(), job.Request{Name: "echo"})
	if _, err := await(t, f); err != nil {
		t.Fatalf("job failed after reconnect: %v", err)
	}
}

func TestAgent_StopsOnCancel(t *testing.T) {
	b := newBroker(t)
	a := New(&LocalConnector{Broker: b}, testHandlers(), AgentConfig{ID: "w1", Host: "dev01"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- a.Run(ctx) }()

	waitFor(t, "registration", func() bool { return len(b.Workers()) == 1 })
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	<-a.Done()
	if len(b.Workers()) != 0 {
		t.Error("worker still registered after stop")
	}
}
