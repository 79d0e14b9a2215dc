package wire

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"
)

// Namespace binds a logical channel to per-connection handlers.
type Namespace struct {
	// OnConnect runs once the hello exchange succeeded and returns the
	// handler for that connection's inbound events.
	OnConnect func(c *Conn) Handler

	// OnDisconnect runs after the connection is gone.
	OnDisconnect func(c *Conn)
}

// Server accepts mutual-TLS connections and routes them by namespace.
type Server struct {
	tlsConfig *tls.Config
	opts      options

	mu         sync.RWMutex
	namespaces map[string]Namespace
	conns      map[*Conn]struct{}

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewServer(tlsConfig *tls.Config, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		tlsConfig:  tlsConfig,
		opts:       buildOptions(opts),
		namespaces: make(map[string]Namespace),
		conns:      make(map[*Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Server) Handle(name string, ns Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces[name] = ns
}

// Listen binds addr. The server refuses to listen without TLS material.
func (s *Server) Listen(addr string) error {
	if s.tlsConfig == nil {
		return errors.New("wire: tls config is required")
	}
	listener, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	return nil
}

// Addr reports the bound address once Listen succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("wire: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.opts.logger.Warn("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

// Close stops accepting, drops every connection and waits for their
// disconnect hooks to finish.
func (s *Server) Close() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.RLock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.RUnlock()

	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in handleConn", "panic", r, "stack", string(debug.Stack()))
			_ = nc.Close()
		}
	}()

	ns, hello, ok := s.handshake(nc)
	if !ok {
		_ = nc.Close()
		return
	}

	c := newConn(nc, hello.Namespace, s.opts)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	var handler Handler
	if ns.OnConnect != nil {
		handler = ns.OnConnect(c)
	}
	c.start(handler)

	select {
	case <-c.Done():
	case <-s.ctx.Done():
		_ = c.Close()
		<-c.Done()
	}

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if ns.OnDisconnect != nil {
		ns.OnDisconnect(c)
	}
}

func (s *Server) handshake(nc net.Conn) (Namespace, Hello, bool) {
	_ = nc.SetDeadline(time.Now().Add(s.opts.handshakeTimeout))

	var f Frame
	if err := ReadFrame(nc, &f); err != nil {
		s.opts.logger.Debug("handshake read failed", "remote", nc.RemoteAddr().String(), "error", err)
		return Namespace{}, Hello{}, false
	}

	var hello Hello
	if f.Event != eventHello || json.Unmarshal(f.Data, &hello) != nil {
		s.reject(nc, Errorf(ErrCodeProtocolMismatch, "expected hello, got %q", f.Event))
		return Namespace{}, Hello{}, false
	}
	if hello.ProtocolVersion != ProtocolVersion {
		s.reject(nc, Errorf(ErrCodeProtocolMismatch,
			"protocol version mismatch: got %d, expected %d", hello.ProtocolVersion, ProtocolVersion))
		return Namespace{}, Hello{}, false
	}

	s.mu.RLock()
	ns, ok := s.namespaces[hello.Namespace]
	s.mu.RUnlock()
	if !ok {
		s.reject(nc, Errorf(ErrCodeUnknownNamespace, "unknown namespace: %q", hello.Namespace))
		return Namespace{}, Hello{}, false
	}

	if err := WriteFrame(nc, &Frame{Event: eventWelcome}); err != nil {
		return Namespace{}, Hello{}, false
	}
	_ = nc.SetDeadline(time.Time{})
	return ns, hello, true
}

func (s *Server) reject(nc net.Conn, detail *ErrorDetail) {
	s.opts.logger.Warn("rejecting connection", "remote", nc.RemoteAddr().String(), "code", detail.Code, "error", detail.Message)
	_ = WriteFrame(nc, &Frame{Error: detail})
}

// Dial connects to a broker namespace. handler serves events pushed by the
// server and may be nil.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, namespace string, handler Handler, opts ...Option) (*Conn, error) {
	if tlsConfig == nil {
		return nil, errors.New("wire: tls config is required")
	}
	o := buildOptions(opts)

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: o.handshakeTimeout},
		Config:    tlsConfig,
	}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", addr, err)
	}

	_ = nc.SetDeadline(time.Now().Add(o.handshakeTimeout))
	data, _ := json.Marshal(Hello{ProtocolVersion: ProtocolVersion, Namespace: namespace})
	if err := WriteFrame(nc, &Frame{Event: eventHello, Data: data}); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var resp Frame
	if err := ReadFrame(nc, &resp); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if resp.Error != nil {
		_ = nc.Close()
		return nil, resp.Error
	}
	if resp.Event != eventWelcome {
		_ = nc.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", resp.Event)
	}
	_ = nc.SetDeadline(time.Time{})

	c := newConn(nc, namespace, o)
	c.start(handler)
	return c, nil
}
