// Package wire implements the framed, mutually authenticated socket protocol
// spoken between the broker, worker agents and job clients.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const ProtocolVersion = 1

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 10 * 1024 * 1024

// Namespaces served by the broker.
const (
	NamespaceWorker = "worker"
	NamespaceJobs   = "jobs"
	NamespaceData   = "data"
)

const (
	eventHello   = "hello"
	eventWelcome = "welcome"
	eventPing    = "ping"
)

// Frame is the unit exchanged on a connection. A frame with Seq set expects
// exactly one reply frame carrying the same number in Ack.
type Frame struct {
	Seq   uint64          `json:"seq,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`
}

// Hello opens every connection and selects a namespace.
type Hello struct {
	ProtocolVersion int    `json:"protocol_version"`
	Namespace       string `json:"namespace"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Message
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownEvent     = "UNKNOWN_EVENT"
	ErrCodeUnknownNamespace = "UNKNOWN_NAMESPACE"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeJobFailed        = "JOB_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
)

// Errorf builds an ErrorDetail with the given code.
func Errorf(code, format string, args ...any) *ErrorDetail {
	return &ErrorDetail{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WriteFrame writes a length-prefixed JSON frame.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	// One write per frame keeps TLS records from interleaving.
	var buf bytes.Buffer
	buf.Grow(4 + len(data))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
