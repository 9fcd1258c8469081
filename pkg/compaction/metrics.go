// ABOUTME: Telemetry metrics interface for compaction runs
// ABOUTME: Tracks run counts, durations, rewritten bytes and stale segment removal outcomes

package compaction

import (
	"context"
	"time"

	"github.com/KevoDB/kvs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// CompactionMetrics defines the telemetry recorded by the compactor
type CompactionMetrics interface {
	telemetry.ComponentMetrics

	// RecordCompactionStart records the start of a compaction run
	RecordCompactionStart(ctx context.Context, liveEntries int, inputSegments int)

	// RecordCompactionComplete records the end of a compaction run
	RecordCompactionComplete(ctx context.Context, duration time.Duration, bytesWritten int64, segmentsRetired int, success bool)

	// RecordSegmentRemoval records the outcome of deleting one stale segment
	RecordSegmentRemoval(ctx context.Context, success bool)
}

// compactionMetrics implements CompactionMetrics using the telemetry package
type compactionMetrics struct {
	tel telemetry.Telemetry
}

// NewCompactionMetrics creates a new CompactionMetrics implementation.
// If tel is nil, returns a no-op implementation.
func NewCompactionMetrics(tel telemetry.Telemetry) CompactionMetrics {
	if tel == nil {
		return &noopCompactionMetrics{}
	}
	return &compactionMetrics{tel: tel}
}

// NewNoopCompactionMetrics creates a no-op CompactionMetrics for testing/disabled scenarios
func NewNoopCompactionMetrics() CompactionMetrics {
	return &noopCompactionMetrics{}
}

func (m *compactionMetrics) RecordCompactionStart(ctx context.Context, liveEntries int, inputSegments int) {
	m.tel.RecordCounter(ctx, "kvs.compaction.start.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	m.tel.RecordHistogram(ctx, "kvs.compaction.input.entries", float64(liveEntries),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	m.tel.RecordHistogram(ctx, "kvs.compaction.input.segments", float64(inputSegments),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
}

func (m *compactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, bytesWritten int64, segmentsRetired int, success bool) {
	status := telemetry.StatusSuccess
	if !success {
		status = telemetry.StatusError
	}

	m.tel.RecordHistogram(ctx, "kvs.compaction.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, status),
	)

	m.tel.RecordCounter(ctx, "kvs.compaction.complete.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, status),
	)

	if success {
		m.tel.RecordCounter(ctx, "kvs.compaction.output.bytes", bytesWritten,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
		m.tel.RecordCounter(ctx, "kvs.compaction.segments.retired", int64(segmentsRetired),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}
}

func (m *compactionMetrics) RecordSegmentRemoval(ctx context.Context, success bool) {
	status := telemetry.StatusSuccess
	if !success {
		status = telemetry.StatusError
	}

	m.tel.RecordCounter(ctx, "kvs.compaction.segment.removal", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, status),
	)
}

// Close releases any resources held by the metrics implementation
func (m *compactionMetrics) Close() error {
	return nil
}

// noopCompactionMetrics provides a no-operation implementation
type noopCompactionMetrics struct{}

func (n *noopCompactionMetrics) RecordCompactionStart(ctx context.Context, liveEntries int, inputSegments int) {
}

func (n *noopCompactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, bytesWritten int64, segmentsRetired int, success bool) {
}

func (n *noopCompactionMetrics) RecordSegmentRemoval(ctx context.Context, success bool) {}

func (n *noopCompactionMetrics) Close() error {
	return nil
}
