package broker

import (
	"context"
	"log/slog"

	"deployplane/internal/job"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	completed    metric.Int64Counter
	registration metric.Registration
	logger       *slog.Logger
}

// newMetrics registers the broker instruments on the global meter provider.
// Registration failures are logged and leave the broker uninstrumented.
func newMetrics(b *Broker, logger *slog.Logger) *metrics {
	meter := otel.Meter("deployplane-broker")
	m := &metrics{logger: logger}

	completed, err := meter.Int64Counter("deployplane.jobs.completed",
		metric.WithDescription("Jobs that reached a terminal state"),
	)
	if err != nil {
		logger.Warn("failed to register jobs completed metric", "error", err)
	} else {
		m.completed = completed
	}

	depth, err := meter.Int64ObservableGauge("deployplane.queue.depth",
		metric.WithDescription("Current number of pending jobs"),
	)
	if err != nil {
		logger.Warn("failed to register queue depth metric", "error", err)
		return m
	}
	workers, err := meter.Int64ObservableGauge("deployplane.workers.connected",
		metric.WithDescription("Currently registered worker agents"),
	)
	if err != nil {
		logger.Warn("failed to register workers metric", "error", err)
		return m
	}

	reg, err := meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		b.mu.Lock()
		pending := b.queueDepthLocked()
		connected := len(b.workers)
		b.mu.Unlock()

		obs.ObserveInt64(depth, int64(pending))
		obs.ObserveInt64(workers, int64(connected))
		return nil
	}, depth, workers)
	if err != nil {
		logger.Warn("failed to register broker gauges", "error", err)
		return m
	}
	m.registration = reg
	return m
}

func (m *metrics) jobCompleted(j *job.Job) {
	if m.completed == nil {
		return
	}
	m.completed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("job.name", j.Name),
		attribute.String("job.status", string(j.Status)),
	))
}

func (m *metrics) unregister() {
	if m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil {
		m.logger.Debug("failed to unregister broker gauges", "error", err)
	}
}
