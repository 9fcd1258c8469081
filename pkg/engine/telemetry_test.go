// ABOUTME: Tests for engine-level telemetry using a mock telemetry server
// ABOUTME: Covers every EngineMetrics method and the metrics an open engine emits

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/telemetry"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mockTelemetryServer captures telemetry calls for validation (infrastructure mocking only)
type mockTelemetryServer struct {
	mu         sync.Mutex
	histograms []mockHistogramCall
	counters   []mockCounterCall
	spans      []string
}

type mockHistogramCall struct {
	name  string
	value float64
	attrs []attribute.KeyValue
}

type mockCounterCall struct {
	name  string
	value int64
	attrs []attribute.KeyValue
}

func (m *mockTelemetryServer) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, mockHistogramCall{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, mockCounterCall{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, name)
	return ctx, trace.SpanFromContext(ctx)
}

func (m *mockTelemetryServer) Shutdown(ctx context.Context) error {
	return nil
}

// counterSum adds up every counter called name whose attributes include all of match
func (m *mockTelemetryServer) counterSum(name string, match ...attribute.KeyValue) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, c := range m.counters {
		if c.name == name && hasAttrs(c.attrs, match) {
			sum += c.value
		}
	}
	return sum
}

func (m *mockTelemetryServer) histogramCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, h := range m.histograms {
		if h.name == name {
			n++
		}
	}
	return n
}

func (m *mockTelemetryServer) spanCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.spans {
		if s == name {
			n++
		}
	}
	return n
}

func hasAttrs(attrs, match []attribute.KeyValue) bool {
	for _, want := range match {
		found := false
		for _, got := range attrs {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func opAttrs(op, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, status),
	}
}

func TestEngineMetricsInterface(t *testing.T) {
	mockTel := &mockTelemetryServer{}
	metrics := NewEngineMetrics(mockTel)
	ctx := context.Background()

	metrics.RecordOperation(ctx, telemetry.OpTypeSet, 5*time.Millisecond, telemetry.StatusSuccess)
	require.Equal(t, int64(1), mockTel.counterSum("kvs.engine.operation.count", opAttrs(telemetry.OpTypeSet, telemetry.StatusSuccess)...))
	require.Equal(t, 1, mockTel.histogramCount("kvs.engine.operation.duration"))

	metrics.RecordCacheLookup(ctx, true)
	metrics.RecordCacheLookup(ctx, false)
	metrics.RecordCacheLookup(ctx, false)
	require.Equal(t, int64(1), mockTel.counterSum("kvs.engine.cache.lookups", attribute.Bool(telemetry.AttrCacheHit, true)))
	require.Equal(t, int64(2), mockTel.counterSum("kvs.engine.cache.lookups", attribute.Bool(telemetry.AttrCacheHit, false)))

	metrics.RecordCompaction(ctx, 4096, 3, 10)
	require.Equal(t, int64(4096), mockTel.counterSum("kvs.engine.compaction.reclaimed.bytes"))
	require.Equal(t, int64(3), mockTel.counterSum("kvs.engine.compaction.segments.removed"))

	metrics.RecordRecovery(ctx, 2, 100, 0, time.Millisecond)
	require.Equal(t, int64(100), mockTel.counterSum("kvs.engine.recovery.records"))
	require.Zero(t, mockTel.counterSum("kvs.engine.recovery.truncated"))

	metrics.RecordDiskUsage(ctx, 1<<20)
	require.Equal(t, 1, mockTel.histogramCount("kvs.engine.disk.usage.bytes"))

	require.NoError(t, metrics.Close())
}

func TestNoopEngineMetrics(t *testing.T) {
	for _, metrics := range []EngineMetrics{NewNoopEngineMetrics(), NewEngineMetrics(nil)} {
		ctx := context.Background()
		metrics.RecordOperation(ctx, telemetry.OpTypeGet, time.Millisecond, telemetry.StatusSuccess)
		metrics.RecordCacheLookup(ctx, true)
		metrics.RecordCompaction(ctx, 1, 1, 1)
		metrics.RecordRecovery(ctx, 1, 1, 1, time.Millisecond)
		metrics.RecordDiskUsage(ctx, 1)
		require.NoError(t, metrics.Close())
	}
}

func TestEngineEmitsTelemetry(t *testing.T) {
	mockTel := &mockTelemetryServer{}
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	cfg.SyncMode = config.SyncNone

	eng, err := Open(dir, WithConfig(cfg), WithLogger(log.NewDiscardLogger()), WithTelemetry(mockTel))
	require.NoError(t, err)
	defer eng.Close()

	require.Equal(t, 1, mockTel.spanCount("kvs.engine.open"))

	require.NoError(t, eng.Set("a", "1"))
	require.NoError(t, eng.Set("a", "2"))
	_, _, err = eng.Get("a")
	require.NoError(t, err)
	_, _, err = eng.Get("missing")
	require.NoError(t, err)
	require.ErrorIs(t, eng.Remove("missing"), ErrKeyNotFound)
	require.NoError(t, eng.Compact())

	require.Equal(t, int64(2), mockTel.counterSum("kvs.engine.operation.count", opAttrs(telemetry.OpTypeSet, telemetry.StatusSuccess)...))
	require.Equal(t, int64(1), mockTel.counterSum("kvs.engine.operation.count", opAttrs(telemetry.OpTypeGet, telemetry.StatusSuccess)...))
	require.Equal(t, int64(1), mockTel.counterSum("kvs.engine.operation.count", opAttrs(telemetry.OpTypeGet, telemetry.StatusNotFound)...))
	require.Equal(t, int64(1), mockTel.counterSum("kvs.engine.operation.count", opAttrs(telemetry.OpTypeRemove, telemetry.StatusNotFound)...))
	require.Equal(t, int64(1), mockTel.counterSum("kvs.engine.operation.count", opAttrs(telemetry.OpTypeCompact, telemetry.StatusSuccess)...))

	require.Equal(t, 1, mockTel.spanCount("kvs.engine.compact"))
	require.Equal(t, int64(1), mockTel.counterSum("kvs.compaction.start.count"))
	require.Equal(t, int64(1), mockTel.counterSum("kvs.engine.compaction.segments.removed"))
	require.Greater(t, mockTel.counterSum("kvs.engine.compaction.reclaimed.bytes"), int64(0))
}
