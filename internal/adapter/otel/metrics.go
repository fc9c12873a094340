package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "parley"

// Metrics holds the server's metric instruments.
type Metrics struct {
	TasksCreated   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksCanceled  metric.Int64Counter
	OffersRejected metric.Int64Counter
	PushDeliveries metric.Int64Counter
	PushFailures   metric.Int64Counter
	TaskDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("parley.tasks.created",
		metric.WithDescription("Number of tasks accepted"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("parley.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("parley.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksCanceled, err = meter.Int64Counter("parley.tasks.canceled",
		metric.WithDescription("Number of tasks canceled"))
	if err != nil {
		return nil, err
	}

	m.OffersRejected, err = meter.Int64Counter("parley.offers.rejected",
		metric.WithDescription("Number of offers rejected during negotiation"))
	if err != nil {
		return nil, err
	}

	m.PushDeliveries, err = meter.Int64Counter("parley.push.delivered",
		metric.WithDescription("Number of push notifications delivered"))
	if err != nil {
		return nil, err
	}

	m.PushFailures, err = meter.Int64Counter("parley.push.failed",
		metric.WithDescription("Number of push notifications that exhausted retries"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("parley.task.duration_seconds",
		metric.WithDescription("Task duration from submission to terminal state"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
