// Package main is the entry point for the deployplane worker.
// Started normally it supervises one agent process per CPU; each child
// connects to the broker, pulls jobs and runs them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"deployplane/internal/auth"
	"deployplane/internal/config"
	"deployplane/internal/deploy"
	"deployplane/internal/job"
	"deployplane/internal/jobclient"
	"deployplane/internal/logger"
	"deployplane/internal/observability"
	"deployplane/internal/worker"
)

// slotEnv is set by the supervisor on every child it starts.
const slotEnv = "DEPLOYPLANE_WORKER_SLOT"

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: deployplane.yaml in current directory)")
	single := flag.Bool("single", false, "Run one agent in this process instead of supervising children")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	lg := logger.NewWithLevel(os.Stdout, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slot, isChild := os.LookupEnv(slotEnv)
	if !isChild && !*single {
		supervise(ctx, cfg, lg)
		return
	}
	if slot == "" {
		slot = "0"
	}
	runAgent(ctx, cfg, lg.With("slot", slot), slot)
}

func supervise(ctx context.Context, cfg *config.Config, lg *slog.Logger) {
	sup, err := worker.NewSupervisor(worker.SupervisorConfig{
		Processes:  cfg.WorkerProcesses,
		Args:       os.Args[1:],
		MaxBackoff: cfg.WorkerMaxBackoff,
	}, lg)
	if err != nil {
		log.Fatalf("Failed to create supervisor: %v", err)
	}

	lg.Info("supervising worker processes", "processes", cfg.WorkerProcesses)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("supervisor stopped", "error", err)
	}
	lg.Info("Shutting down worker...")
}

func runAgent(ctx context.Context, cfg *config.Config, lg *slog.Logger, slot string) {
	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "deployplane-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	tlsConfig, err := auth.ClientTLSConfig(auth.TLSFiles{Cert: cfg.TLSCert, Key: cfg.TLSKey, CA: cfg.TLSCA}, cfg.TLSServerName)
	if err != nil {
		log.Fatalf("Failed to load TLS material: %v", err)
	}

	// Deployment handlers read and write rows through the broker.
	data, err := jobclient.DialDataStore(ctx, cfg.WorkerBrokerAddr, tlsConfig, cfg.Keepalive, lg)
	if err != nil {
		log.Fatalf("Failed to connect data channel: %v", err)
	}
	defer data.Close()

	agentCfg := worker.AgentConfig{
		ID:         fmt.Sprintf("%s-%d-%s", cfg.WorkerHost, os.Getpid(), slot),
		Host:       cfg.WorkerHost,
		Platform:   cfg.WorkerPlatform,
		MaxBackoff: cfg.WorkerMaxBackoff,
	}
	agent := worker.New(&worker.WireConnector{
		Addr:      cfg.WorkerBrokerAddr,
		TLS:       tlsConfig,
		Keepalive: cfg.Keepalive,
		Logger:    lg,
	}, worker.Handlers{
		job.NameDeployUpdateSet: deploy.DeployHandler(data, deploy.Extension{}, lg),
		job.NameHealthCheck:     worker.HealthCheck(agentCfg),
	}, agentCfg, lg)

	lg.Info("worker agent started", "broker", cfg.WorkerBrokerAddr, "host", cfg.WorkerHost)
	go agent.Run(ctx)

	<-ctx.Done()
	log.Println("Shutting down worker agent...")
	<-agent.Done()
}
