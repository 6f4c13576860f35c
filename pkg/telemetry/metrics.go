// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rcli/relay/pkg/errors"
)

// Metrics records relay's counters and histograms. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram
	errorCounter metric.Int64Counter
	recoveries   metric.Int64Counter
	breakerState metric.Int64Gauge
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics(ctx context.Context) (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("relay"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.turns, err = meter.Int64Counter("relay.agent.turns",
		metric.WithDescription("Completed orchestration turns by final state")); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram("relay.agent.turn.duration_ms",
		metric.WithDescription("Turn latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("relay.tool.calls",
		metric.WithDescription("Dispatched tool calls by tool and outcome")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("relay.tool.duration_ms",
		metric.WithDescription("Tool handler latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter("relay.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.recoveries, err = meter.Int64Counter("relay.errors.recovered",
		metric.WithDescription("Errors recovered by retry")); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge("relay.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, state string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrTurnState, state),
		attribute.Int(AttrTurnIteration, iterations),
	)
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attribute.String(AttrTurnState, state)))
}

// RecordToolCall counts a dispatched call and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrToolName, tool),
		attribute.String(AttrToolOutcome, outcome),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordError counts err under component.
func (m *Metrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code, recoverable := "UNKNOWN", "unknown"
	var re *errors.RelayError
	if stderrors.As(err, &re) {
		code, recoverable = string(re.Code), re.RecoverableString()
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", code),
		attribute.String("component", component),
		attribute.String("recoverable", recoverable),
	))
}

// RecordRecovery counts an error that a retry overcame.
func (m *Metrics) RecordRecovery(ctx context.Context, code errors.ErrorCode) {
	if m == nil {
		return
	}
	m.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("error.code", string(code))))
}

// RecordCircuitBreakerState records a breaker transition.
func (m *Metrics) RecordCircuitBreakerState(ctx context.Context, component string, state int64) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("component", component)))
}
