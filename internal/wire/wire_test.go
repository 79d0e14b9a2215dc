package wire

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"deployplane/internal/auth/authtest"
)

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Seq: 7, Event: "get", Data: json.RawMessage(`{"host":"dev01"}`)}

	if err := WriteFrame(&buf, &in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var out Frame
	if err := ReadFrame(&buf, &out); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Seq != 7 || out.Event != "get" || string(out.Data) != `{"host":"dev01"}` {
		t.Errorf("unexpected frame %+v", out)
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(MaxFrameSize+1))

	var f Frame
	err := ReadFrame(&buf, &f)
	if err == nil || !strings.Contains(err.Error(), "frame too large") {
		t.Errorf("expected frame too large error, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(10))
	buf.WriteString("{}")

	var f Frame
	if err := ReadFrame(&buf, &f); err == nil {
		t.Error("expected error for truncated payload")
	}
}

type testServer struct {
	srv  *Server
	addr string
	tls  *authtest.Bundle

	mu           sync.Mutex
	conns        []*Conn
	disconnected chan string
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	bundle := authtest.New(t)
	ts := &testServer{
		srv:          NewServer(bundle.Server, WithKeepalive(50*time.Millisecond)),
		tls:          bundle,
		disconnected: make(chan string, 4),
	}

	ts.srv.Handle("test", Namespace{
		OnConnect: func(c *Conn) Handler {
			ts.mu.Lock()
			ts.conns = append(ts.conns, c)
			ts.mu.Unlock()
			return func(ctx context.Context, c *Conn, event string, data json.RawMessage) (any, error) {
				switch event {
				case "echo":
					return data, nil
				case "fail":
					return nil, Errorf(ErrCodeValidation, "name is required")
				case "boom":
					return nil, errors.New("plain error")
				case "panic":
					panic("handler exploded")
				}
				return nil, Errorf(ErrCodeUnknownEvent, "unknown event: %q", event)
			}
		},
		OnDisconnect: func(c *Conn) {
			ts.disconnected <- c.ID()
		},
	})

	if err := ts.srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ts.addr = ts.srv.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ts.srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = ts.srv.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T, h Handler) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ts.addr, ts.tls.Client, "test", h, WithKeepalive(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCall_Echo(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t, nil)

	var out map[string]string
	if err := c.Call(context.Background(), "echo", map[string]string{"hello": "world"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["hello"] != "world" {
		t.Errorf("unexpected echo %v", out)
	}
}

func TestCall_ErrorCodes(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t, nil)

	tests := []struct {
		event string
		code  string
	}{
		{"fail", ErrCodeValidation},
		{"boom", ErrCodeInternal},
		{"panic", ErrCodeInternal},
		{"nope", ErrCodeUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			err := c.Call(context.Background(), tt.event, nil, nil)
			var detail *ErrorDetail
			if !errors.As(err, &detail) {
				t.Fatalf("expected ErrorDetail, got %v", err)
			}
			if detail.Code != tt.code {
				t.Errorf("code = %s, want %s", detail.Code, tt.code)
			}
		})
	}
}

func TestServerPush(t *testing.T) {
	ts := startServer(t)

	got := make(chan string, 1)
	ts.dial(t, func(ctx context.Context, c *Conn, event string, data json.RawMessage) (any, error) {
		got <- event
		return nil, nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		ts.mu.Lock()
		n := len(ts.conns)
		ts.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts.mu.Lock()
	serverSide := ts.conns[0]
	ts.mu.Unlock()
	if err := serverSide.Emit("wake", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case ev := <-got:
		if ev != "wake" {
			t.Errorf("got event %q, want wake", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received wake")
	}
}

func TestKeepaliveHoldsIdleConnection(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t, nil)

	// Several idle timeouts pass; pings keep both sides alive.
	time.Sleep(400 * time.Millisecond)

	if err := c.Call(context.Background(), "echo", "still here", nil); err != nil {
		t.Errorf("Call after idle period: %v", err)
	}
}

func TestDisconnectHook(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t, nil)
	_ = c.Close()

	select {
	case <-ts.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}

	if err := c.Call(context.Background(), "echo", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Call on closed conn = %v, want ErrClosed", err)
	}
}

func TestDial_UnknownNamespace(t *testing.T) {
	ts := startServer(t)

	_, err := Dial(context.Background(), ts.addr, ts.tls.Client, "missing", nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) || detail.Code != ErrCodeUnknownNamespace {
		t.Errorf("expected UNKNOWN_NAMESPACE, got %v", err)
	}
}

func TestHandshake_ProtocolMismatch(t *testing.T) {
	ts := startServer(t)

	nc, err := tls.Dial("tcp", ts.addr, ts.tls.Client)
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer nc.Close()

	data, _ := json.Marshal(Hello{ProtocolVersion: 99, Namespace: "test"})
	if err := WriteFrame(nc, &Frame{Event: eventHello, Data: data}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var resp Frame
	if err := ReadFrame(nc, &resp); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected PROTOCOL_MISMATCH, got %+v", resp.Error)
	}
}

func TestDial_RejectsClientWithoutCertificate(t *testing.T) {
	ts := startServer(t)

	anonymous := ts.tls.Client.Clone()
	anonymous.Certificates = nil

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, ts.addr, anonymous, "test", nil); err == nil {
		t.Error("expected dial without client certificate to fail")
	}
}

func TestDial_RequiresTLS(t *testing.T) {
	if _, err := Dial(context.Background(), "127.0.0.1:1", nil, "test", nil); err == nil {
		t.Error("expected error without tls config")
	}
}
