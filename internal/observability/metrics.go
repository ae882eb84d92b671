package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the otel instruments the fleet exposes through the
// Prometheus exporter wired up in SetupOpenTelemetry. Every instrument
// here is read by a real collector: the admin HTTP surface's /metrics
// endpoint.
type Metrics struct {
	ActiveWorkers     metric.Int64UpDownCounter
	QueueDepth        metric.Int64Gauge
	CrashWindowSize   metric.Int64Gauge
	JobsEnqueuedTotal metric.Int64Counter
	JobsCompletedTotal metric.Int64Counter
	JobsDroppedTotal  metric.Int64Counter
	DeviceRebootsTotal metric.Int64Counter
	PingFailuresTotal metric.Int64Counter
}

// NewMetrics registers the fleet's instruments against the global meter
// provider. Call after SetupOpenTelemetry so the provider is already set.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("autophoned")

	activeWorkers, err := meter.Int64UpDownCounter("autophone.workers.active",
		metric.WithDescription("Workers currently not in DISCONNECTED or DISABLED state"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("autophone.jobs.queue_depth",
		metric.WithDescription("Pending jobs per device, last observed"))
	if err != nil {
		return nil, err
	}

	crashWindowSize, err := meter.Int64Gauge("autophone.crash_window.size",
		metric.WithDescription("Crashes currently retained in a worker's crash window"))
	if err != nil {
		return nil, err
	}

	jobsEnqueued, err := meter.Int64Counter("autophone.jobs.enqueued_total",
		metric.WithDescription("Jobs appended to the job store"))
	if err != nil {
		return nil, err
	}

	jobsCompleted, err := meter.Int64Counter("autophone.jobs.completed_total",
		metric.WithDescription("Jobs removed from the job store after a successful run"))
	if err != nil {
		return nil, err
	}

	jobsDropped, err := meter.Int64Counter("autophone.jobs.dropped_total",
		metric.WithDescription("Jobs completed without execution by the ABI or selection filters"))
	if err != nil {
		return nil, err
	}

	deviceReboots, err := meter.Int64Counter("autophone.device.reboots_total",
		metric.WithDescription("Reboot attempts issued to a device"))
	if err != nil {
		return nil, err
	}

	pingFailures, err := meter.Int64Counter("autophone.device.ping_failures_total",
		metric.WithDescription("Health probes that found the device unresponsive"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ActiveWorkers:      activeWorkers,
		QueueDepth:         queueDepth,
		CrashWindowSize:    crashWindowSize,
		JobsEnqueuedTotal:  jobsEnqueued,
		JobsCompletedTotal: jobsCompleted,
		JobsDroppedTotal:   jobsDropped,
		DeviceRebootsTotal: deviceReboots,
		PingFailuresTotal:  pingFailures,
	}, nil
}

// RecordDrop increments JobsDroppedTotal tagged by reason.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.JobsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordQueueDepth records the last-observed pending count for a device.
func (m *Metrics) RecordQueueDepth(ctx context.Context, phoneID string, depth int) {
	m.QueueDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("phone_id", phoneID)))
}

// RecordCrashWindowSize records a worker's current crash window length.
func (m *Metrics) RecordCrashWindowSize(ctx context.Context, phoneID string, size int) {
	m.CrashWindowSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("phone_id", phoneID)))
}
