package gateway

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-voicegw/internal/gateway"

type metrics struct {
	asrSessions     metric.Int64UpDownCounter
	asrResults      metric.Int64Counter
	droppedFrames   metric.Int64Counter
	malformedFrames metric.Int64Counter
	ttsCalls        metric.Int64Counter
	agentCalls      metric.Int64Counter
}

func newMetrics(provider metric.MeterProvider) (*metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	var (
		m   metrics
		err error
	)
	if m.asrSessions, err = meter.Int64UpDownCounter("voicegw.asr.sessions",
		metric.WithDescription("Open speech recognition sockets")); err != nil {
		return nil, err
	}
	if m.asrResults, err = meter.Int64Counter("voicegw.asr.results",
		metric.WithDescription("Result frames sent to recognition clients")); err != nil {
		return nil, err
	}
	if m.droppedFrames, err = meter.Int64Counter("voicegw.asr.dropped_frames",
		metric.WithDescription("Audio frames received while no engine was active")); err != nil {
		return nil, err
	}
	if m.malformedFrames, err = meter.Int64Counter("voicegw.asr.malformed_frames",
		metric.WithDescription("Control frames that failed to parse")); err != nil {
		return nil, err
	}
	if m.ttsCalls, err = meter.Int64Counter("voicegw.tts.calls",
		metric.WithDescription("Synthesis calls by mode and outcome")); err != nil {
		return nil, err
	}
	if m.agentCalls, err = meter.Int64Counter("voicegw.agent.calls",
		metric.WithDescription("Agent reply calls by outcome")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) result(ctx context.Context, kind string) {
	m.asrResults.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

func (m *metrics) tts(ctx context.Context, mode, outcome string) {
	m.ttsCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) agent(ctx context.Context, outcome string) {
	m.agentCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
