// ABOUTME: Engine-level telemetry for store operations, the value cache, compaction and recovery
// ABOUTME: Records operation durations and outcomes alongside reclaimed space and replay results

package engine

import (
	"context"
	"time"

	"github.com/KevoDB/kvs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records the duration and outcome of a store operation
	RecordOperation(ctx context.Context, operation string, duration time.Duration, status string)

	// RecordCacheLookup records a value cache hit or miss
	RecordCacheLookup(ctx context.Context, hit bool)

	// RecordCompaction records the space reclaimed by a compaction
	RecordCompaction(ctx context.Context, reclaimedBytes int64, segmentsRemoved int, liveKeys int)

	// RecordRecovery records the replay of existing segments at open
	RecordRecovery(ctx context.Context, segments int, records uint64, truncatedTails int, duration time.Duration)

	// RecordDiskUsage records the total size of the segment files
	RecordDiskUsage(ctx context.Context, bytes int64)
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance. A nil telemetry
// yields the no-op implementation.
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return &noopEngineMetrics{}
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

func (m *engineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, status string) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, operation),
		attribute.String(telemetry.AttrStatus, status),
	}

	m.tel.RecordHistogram(ctx, "kvs.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "kvs.engine.operation.count", 1, attrs...)
}

func (m *engineMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	m.tel.RecordCounter(ctx, "kvs.engine.cache.lookups", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.Bool(telemetry.AttrCacheHit, hit),
	)
}

func (m *engineMetrics) RecordCompaction(ctx context.Context, reclaimedBytes int64, segmentsRemoved int, liveKeys int) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	}

	m.tel.RecordCounter(ctx, "kvs.engine.compaction.reclaimed.bytes", reclaimedBytes, attrs...)
	m.tel.RecordCounter(ctx, "kvs.engine.compaction.segments.removed", int64(segmentsRemoved), attrs...)
	m.tel.RecordHistogram(ctx, "kvs.engine.compaction.live.keys", float64(liveKeys), attrs...)
}

func (m *engineMetrics) RecordRecovery(ctx context.Context, segments int, records uint64, truncatedTails int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentIndex),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRecover),
	}

	m.tel.RecordHistogram(ctx, "kvs.engine.recovery.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "kvs.engine.recovery.segments", int64(segments), attrs...)
	m.tel.RecordCounter(ctx, "kvs.engine.recovery.records", int64(records), attrs...)
	if truncatedTails > 0 {
		m.tel.RecordCounter(ctx, "kvs.engine.recovery.truncated", int64(truncatedTails), attrs...)
	}
}

func (m *engineMetrics) RecordDiskUsage(ctx context.Context, bytes int64) {
	m.tel.RecordHistogram(ctx, "kvs.engine.disk.usage.bytes", float64(bytes),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
	)
}

// Close releases any resources held by the metrics implementation
func (m *engineMetrics) Close() error {
	return nil
}

// noopEngineMetrics provides a no-operation implementation
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, status string) {
}
func (n *noopEngineMetrics) RecordCacheLookup(ctx context.Context, hit bool) {}
func (n *noopEngineMetrics) RecordCompaction(ctx context.Context, reclaimedBytes int64, segmentsRemoved int, liveKeys int) {
}
func (n *noopEngineMetrics) RecordRecovery(ctx context.Context, segments int, records uint64, truncatedTails int, duration time.Duration) {
}
func (n *noopEngineMetrics) RecordDiskUsage(ctx context.Context, bytes int64) {}
func (n *noopEngineMetrics) Close() error                                     { return nil }
