package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ParticipantRPCMetrics holds the instruments for participant protocol RPCs,
// on both the client and the server side.
type ParticipantRPCMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewParticipantRPCMetrics creates the RPC instruments. side is "client" or
// "server" and becomes part of each instrument name.
func NewParticipantRPCMetrics(meter metric.Meter, side string) (*ParticipantRPCMetrics, error) {
	prefix := "txncoord.participant.rpc." + side

	rpcsStartedCounter, err := meter.Int64Counter(
		prefix+".started_total",
		metric.WithDescription("Total number of participant RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		prefix+".handled_total",
		metric.WithDescription("Total number of participant RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		prefix+".duration",
		metric.WithDescription("The latency of participant RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		prefix+".active_rpcs",
		metric.WithDescription("Number of active participant RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ParticipantRPCMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// Start records the beginning of an RPC and returns the function that
// records its end. It is safe to call on a nil receiver.
func (m *ParticipantRPCMetrics) Start(ctx context.Context, method, participant string) func(code string) {
	if m == nil {
		return func(string) {}
	}
	attrs := []attribute.KeyValue{
		attribute.String("rpc.method", method),
		attribute.String("participant", participant),
	}
	start := time.Now()
	m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	return func(code string) {
		m.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(attrs...))
		handled := append(attrs, attribute.String("rpc.code", code))
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(handled...))
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(handled...))
	}
}
