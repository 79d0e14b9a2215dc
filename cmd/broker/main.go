// Package main is the entry point for the deployplane broker.
// The broker owns the job queue, serves workers and job clients over mutual
// TLS, runs the deployment scheduler and exposes the operator HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"deployplane/internal/auth"
	"deployplane/internal/broker"
	"deployplane/internal/config"
	"deployplane/internal/controller"
	"deployplane/internal/deploy"
	"deployplane/internal/job"
	"deployplane/internal/logger"
	"deployplane/internal/observability"
	"deployplane/internal/store"
	"deployplane/internal/store/memory"
	"deployplane/internal/store/postgres"
	"deployplane/internal/store/sqlite"
	"deployplane/internal/wire"
	"deployplane/internal/worker"

	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: deployplane.yaml in current directory)")
	flag.Parse()

	// Load Config
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

	// Setup the document store
	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "deployplane-broker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	tlsConfig, err := auth.ServerTLSConfig(auth.TLSFiles{Cert: cfg.TLSCert, Key: cfg.TLSKey, CA: cfg.TLSCA})
	if err != nil {
		log.Fatalf("Failed to load TLS material: %v", err)
	}

	b := broker.New(st, broker.Config{Retention: cfg.JobRetention}, lg)
	defer b.Close()

	ws := wire.NewServer(tlsConfig, wire.WithKeepalive(cfg.Keepalive), wire.WithLogger(lg))
	broker.NewServer(b, lg).Mount(ws)
	if err := ws.Listen(cfg.BrokerAddr); err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.BrokerAddr, err)
	}

	scheduler := deploy.NewScheduler(st, b, deploy.Extension{}, deploy.Config{
		GuardDelay:   cfg.GuardDelay,
		GuardCeiling: cfg.GuardCeiling,
	}, lg)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(ctx, controller.Config{
		Addr:      addr,
		APIToken:  cfg.APIToken,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, st, b, scheduler, metricsHandler, lg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("broker listening", "addr", ws.Addr().String())
		return ws.Serve(gctx)
	})
	g.Go(func() error {
		lg.Info("http api listening", "addr", addr)
		return srv.Run(gctx)
	})

	// In-process workers share the broker's store directly.
	host, _ := os.Hostname()
	for i := range cfg.LocalWorkers {
		agentCfg := worker.AgentConfig{
			ID:         fmt.Sprintf("local-%d", i),
			Host:       host,
			Platform:   cfg.WorkerPlatform,
			MaxBackoff: cfg.WorkerMaxBackoff,
		}
		agent := worker.New(&worker.LocalConnector{Broker: b}, worker.Handlers{
			job.NameDeployUpdateSet: deploy.DeployHandler(st, deploy.Extension{}, lg),
			job.NameHealthCheck:     worker.HealthCheck(agentCfg),
		}, agentCfg, lg)
		g.Go(func() error { return agent.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("broker stopped", "error", err)
	}
	lg.Info("broker exited properly")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.DatabaseURL)
	case config.DriverPostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			log.Println("Running database migrations...")
			if err := postgres.Migrate(pg.DB()); err != nil {
				pg.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Println("Migrations completed successfully")
		}
		return pg, nil
	default:
		return memory.New(), nil
	}
}
