package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned when a future is completed twice.
var ErrAlreadyResolved = errors.New("job: channel already resolved")

// Future is a one-shot completion for a submitted job.
// It is resolved or rejected exactly once.
type Future struct {
	mu     sync.Mutex
	done   chan struct{}
	closed bool
	result json.RawMessage
	err    error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future with a result.
func (f *Future) Resolve(result json.RawMessage) error {
	return f.complete(result, nil)
}

// Reject completes the future with an error.
func (f *Future) Reject(err error) error {
	if err == nil {
		err = errors.New("job: rejected without error")
	}
	return f.complete(nil, err)
}

func (f *Future) complete(result json.RawMessage, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrAlreadyResolved
	}
	f.closed = true
	f.result = result
	f.err = err
	close(f.done)
	return nil
}

// Done is closed once the future has been resolved or rejected.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until completion or until ctx is done.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the result and unmarshals it into v.
func (f *Future) Decode(ctx context.Context, v any) error {
	raw, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
