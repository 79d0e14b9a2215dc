package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by calls on a connection that has gone away.
var ErrClosed = errors.New("wire: connection closed")

// Handler serves one inbound event. The returned value becomes the ack
// payload when the peer asked for one; an *ErrorDetail keeps its code, any
// other error is reported as INTERNAL_ERROR.
type Handler func(ctx context.Context, c *Conn, event string, data json.RawMessage) (any, error)

// Option tunes connection timing.
type Option func(*options)

type options struct {
	keepalive        time.Duration
	idleTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

func buildOptions(opts []Option) options {
	o := options{
		keepalive:        15 * time.Second,
		idleTimeout:      45 * time.Second,
		handshakeTimeout: 10 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithKeepalive sets the ping interval. A peer that stays silent for three
// intervals is considered gone.
func WithKeepalive(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.keepalive = d
			o.idleTimeout = 3 * d
		}
	}
}

// WithHandshakeTimeout bounds the TLS handshake plus hello exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Conn is one established, namespaced connection. It is safe for concurrent
// use: writes are serialized and each inbound request runs on its own
// goroutine.
type Conn struct {
	id        string
	namespace string
	nc        net.Conn
	opts      options
	handler   Handler
	logger    *slog.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan *Frame

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(nc net.Conn, namespace string, opts options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Conn{
		id:        id,
		namespace: namespace,
		nc:        nc,
		opts:      opts,
		logger:    opts.logger.With("conn_id", id, "namespace", namespace),
		pending:   make(map[uint64]chan *Frame),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ID is unique per connection.
func (c *Conn) ID() string { return c.id }

func (c *Conn) Namespace() string { return c.namespace }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) start(h Handler) {
	c.handler = h
	go c.readLoop()
	go c.keepaliveLoop()
}

// Emit sends an event without waiting for an ack.
func (c *Conn) Emit(event string, v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	return c.write(&Frame{Event: event, Data: data})
}

// Call sends an event and blocks until the peer acks it, decoding the ack
// payload into out when out is non-nil.
func (c *Conn) Call(ctx context.Context, event string, v, out any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	seq := c.seq
	ch := make(chan *Frame, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.write(&Frame{Seq: seq, Event: event, Data: data}); err != nil {
		return err
	}

	var reply *Frame
	select {
	case reply = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case reply = <-ch:
		default:
			return ErrClosed
		}
	}

	if reply.Error != nil {
		return reply.Error
	}
	if out != nil && len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("decode %s ack: %w", event, err)
		}
	}
	return nil
}

func (c *Conn) write(f *Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
	return WriteFrame(c.nc, f)
}

func (c *Conn) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.done)
	}()

	for {
		_ = c.nc.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))

		var f Frame
		if err := ReadFrame(c.nc, &f); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("connection read ended", "error", err)
			}
			return
		}

		switch {
		case f.Ack != 0:
			c.mu.Lock()
			ch, ok := c.pending[f.Ack]
			c.mu.Unlock()
			if ok {
				ch <- &f
			}
		case f.Event == eventPing:
		default:
			go c.dispatch(f)
		}
	}
}

func (c *Conn) dispatch(f Frame) {
	var (
		res any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in handler", "event", f.Event, "panic", r, "stack", string(debug.Stack()))
				err = Errorf(ErrCodeInternal, "handler panic: %v", r)
			}
		}()
		if c.handler == nil {
			err = Errorf(ErrCodeUnknownEvent, "unknown event: %q", f.Event)
			return
		}
		res, err = c.handler(c.ctx, c, f.Event, f.Data)
	}()

	if f.Seq == 0 {
		if err != nil {
			c.logger.Warn("event handler failed", "event", f.Event, "error", err)
		}
		return
	}

	reply := &Frame{Ack: f.Seq}
	if err != nil {
		reply.Error = toDetail(err)
	} else if reply.Data, err = marshal(res); err != nil {
		reply.Error = Errorf(ErrCodeInternal, "marshal result: %v", err)
	}
	if err := c.write(reply); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Debug("failed to write ack", "event", f.Event, "error", err)
	}
}

func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(c.opts.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(&Frame{Event: eventPing}); err != nil {
				c.logger.Debug("keepalive failed", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

func toDetail(err error) *ErrorDetail {
	var detail *ErrorDetail
	if errors.As(err, &detail) {
		return detail
	}
	return &ErrorDetail{Code: ErrCodeInternal, Message: err.Error()}
}

func marshal(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
