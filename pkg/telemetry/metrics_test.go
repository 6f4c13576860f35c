package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rcli/relay/pkg/errors"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := NewMetricsWithMeter(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter: %v", err)
	}
	return m, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics(context.Background())
	if err != nil || m == nil {
		t.Fatalf("NewMetrics = %v, %v", m, err)
	}
}

func TestMetricsRecording(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "math.add", "success", 3*time.Millisecond)
	m.RecordToolCall(ctx, "math.add", "timeout", time.Second)
	m.RecordTurn(ctx, "completed", 2, 40*time.Millisecond)
	m.RecordError(ctx, errors.New(errors.CodeLLMError, "down", nil), "agent")
	m.RecordError(ctx, fmt.Errorf("plain"), "agent")
	m.RecordError(ctx, nil, "agent")
	m.RecordRecovery(ctx, errors.CodeLLMError)
	m.RecordCircuitBreakerState(ctx, "llm", 1)

	tests := []struct {
		name string
		want int64
	}{
		{"relay.tool.calls", 2},
		{"relay.agent.turns", 1},
		{"relay.errors.total", 2},
		{"relay.errors.recovered", 1},
	}
	for _, tt := range tests {
		if got := counterTotal(t, reader, tt.name); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordToolCall(ctx, "x", "success", 0)
	m.RecordTurn(ctx, "failed", 1, 0)
	m.RecordError(ctx, errors.New(errors.CodeInternal, "x", nil), "c")
	m.RecordRecovery(ctx, errors.CodeTimeout)
	m.RecordCircuitBreakerState(ctx, "c", 0)
}

func TestConcurrentMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordToolCall(context.Background(), "t", "success", time.Millisecond)
		}()
	}
	wg.Wait()
	if got := counterTotal(t, reader, "relay.tool.calls"); got != 20 {
		t.Errorf("calls = %d, want 20", got)
	}
}
