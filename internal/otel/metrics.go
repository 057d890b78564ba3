package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the agentq instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	TasksQueued     metric.Int64Counter
	TaskRetries     metric.Int64Counter
	TaskFailures    metric.Int64Counter
	TaskStalls      metric.Int64Counter
	RunsArchived    metric.Int64Counter
	InFlight        metric.Int64UpDownCounter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentq.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentq.task.duration",
		metric.WithDescription("Executor attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksQueued, err = meter.Int64Counter("agentq.task.queued",
		metric.WithDescription("Tasks queued, including follow-ups"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("agentq.task.retries",
		metric.WithDescription("Failed attempts requeued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("agentq.task.failures",
		metric.WithDescription("Tasks settled as failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskStalls, err = meter.Int64Counter("agentq.task.stalls",
		metric.WithDescription("Tasks flagged as stalled"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsArchived, err = meter.Int64Counter("agentq.run.archived",
		metric.WithDescription("Run records archived by the maintenance sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.InFlight, err = meter.Int64UpDownCounter("agentq.dispatch.inflight",
		metric.WithDescription("Executor attempts currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}
