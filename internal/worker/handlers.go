package worker

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"
)

// HealthReport is the result of a healthCheck job.
type HealthReport struct {
	WorkerID  string    `json:"worker_id"`
	Host      string    `json:"host"`
	Platform  string    `json:"platform"`
	PID       int       `json:"pid"`
	GoVersion string    `json:"go_version"`
	Time      time.Time `json:"time"`
}

// HealthCheck answers operator probes with where the job ran.
func HealthCheck(config AgentConfig) Handler {
	return func(ctx context.Context, options json.RawMessage) (any, error) {
		return HealthReport{
			WorkerID:  config.ID,
			Host:      config.Host,
			Platform:  config.Platform,
			PID:       os.Getpid(),
			GoVersion: runtime.Version(),
			Time:      time.Now().UTC(),
		}, nil
	}
}
