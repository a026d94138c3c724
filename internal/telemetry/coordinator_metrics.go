package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorMetrics holds the instruments of the commit coordinator.
type CoordinatorMetrics struct {
	CoordinatorsStartedCounter metric.Int64Counter
	DecisionsCounter           metric.Int64Counter
	ActiveCoordinators         metric.Int64UpDownCounter
	DecisionLatencyHistogram   metric.Int64Histogram
	RetriesCounter             metric.Int64Counter
}

// NewCoordinatorMetrics creates the coordinator instruments.
func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	started, err := meter.Int64Counter(
		"txncoord.coordinator.started_total",
		metric.WithDescription("Total number of commit coordinators started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	decisions, err := meter.Int64Counter(
		"txncoord.coordinator.decisions_total",
		metric.WithDescription("Total number of durable decisions, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"txncoord.coordinator.active",
		metric.WithDescription("Number of coordinators that have not reached the done state."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"txncoord.coordinator.decision_latency",
		metric.WithDescription("Time from the start of a commit until its decision is durable."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"txncoord.coordinator.retries_total",
		metric.WithDescription("Total number of retried coordinator steps, by phase."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		CoordinatorsStartedCounter: started,
		DecisionsCounter:           decisions,
		ActiveCoordinators:         active,
		DecisionLatencyHistogram:   latency,
		RetriesCounter:             retries,
	}, nil
}

// The recording helpers below are no-ops on a nil receiver.

func (m *CoordinatorMetrics) CoordinatorStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.CoordinatorsStartedCounter.Add(ctx, 1)
	m.ActiveCoordinators.Add(ctx, 1)
}

func (m *CoordinatorMetrics) CoordinatorDone(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveCoordinators.Add(ctx, -1)
}

func (m *CoordinatorMetrics) DecisionPersisted(ctx context.Context, outcome string, sinceStart time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.DecisionsCounter.Add(ctx, 1, attrs)
	m.DecisionLatencyHistogram.Record(ctx, sinceStart.Milliseconds(), attrs)
}

func (m *CoordinatorMetrics) StepRetried(ctx context.Context, phase string) {
	if m == nil {
		return
	}
	m.RetriesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}
