package wire

import "encoding/json"

// Events of the worker namespace.
const (
	EventRegister = "register"
	EventGet      = "get"
	EventDone     = "done"
	EventRunning  = "running"
	EventPaused   = "paused"

	// EventWake is pushed by the broker when new work is queued.
	EventWake = "wake"
)

// EventRun submits a job on the jobs namespace. It is acked once the job
// reaches a terminal state.
const EventRun = "run"

// EventOp carries a store operation on the data namespace.
const EventOp = "op"

type RegisterRequest struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Platform string `json:"platform"`
}

type GetRequest struct {
	Host string `json:"host,omitempty"`
}

type DoneRequest struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Failed bool            `json:"failed,omitempty"`
}
