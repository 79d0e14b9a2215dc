package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// SupervisorConfig describes the child agent processes to keep running.
type SupervisorConfig struct {
	// Processes defaults to runtime.NumCPU().
	Processes int

	// Command defaults to the running executable.
	Command string
	Args    []string
	Env     []string

	// RestartDelay is the first delay after a crash (default: 1s), doubled
	// up to MaxBackoff while the child keeps crashing.
	RestartDelay time.Duration
	MaxBackoff   time.Duration

	// StopTimeout is how long a child gets after SIGTERM before it is killed.
	StopTimeout time.Duration
}

// Supervisor forks one agent process per slot and restarts crashed ones.
type Supervisor struct {
	cfg     SupervisorConfig
	logger  *slog.Logger
	running atomic.Int32
	starts  atomic.Int64
}

func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) (*Supervisor, error) {
	if cfg.Processes <= 0 {
		cfg.Processes = runtime.NumCPU()
	}
	if cfg.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Command = exe
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.RestartDelay {
		cfg.MaxBackoff = cfg.RestartDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger.With("component", "supervisor")}, nil
}

// Running counts live children.
func (s *Supervisor) Running() int { return int(s.running.Load()) }

// Starts counts every child start, restarts included.
func (s *Supervisor) Starts() int64 { return s.starts.Load() }

// Run blocks until ctx is cancelled, then stops every child.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting worker processes", "processes", s.cfg.Processes, "command", s.cfg.Command)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Processes; i++ {
		g.Go(func() error {
			s.keep(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) keep(ctx context.Context, index int) {
	backoff := s.cfg.RestartDelay
	logger := s.logger.With("slot", index)

	for {
		started := time.Now()
		err := s.runChild(ctx, index)
		if ctx.Err() != nil {
			return
		}

		// A child that stayed up for a while resets the backoff.
		if time.Since(started) > time.Minute {
			backoff = s.cfg.RestartDelay
		}
		logger.Warn("worker process exited, restarting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Supervisor) runChild(ctx context.Context, index int) error {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("DEPLOYPLANE_WORKER_SLOT=%d", index))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.cfg.StopTimeout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}
	s.starts.Add(1)
	s.running.Add(1)
	defer s.running.Add(-1)

	s.logger.Info("worker process started", "slot", index, "pid", cmd.Process.Pid)
	return cmd.Wait()
}
