// Package compaction rewrites the live records of a store into a fresh
// segment and retires the segments they came from.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/index"
	"github.com/KevoDB/kvs/pkg/segment"
	"github.com/KevoDB/kvs/pkg/stream"
)

var (
	// ErrMissingSegment is returned when a live entry points at a generation with no open reader
	ErrMissingSegment = errors.New("no reader for segment")
	// ErrShortRecord is returned when a segment ends before a live entry's range does
	ErrShortRecord = errors.New("segment shorter than indexed record")
)

// Result describes a finished compaction
type Result struct {
	// Generation is the segment that received the live records
	Generation uint64
	// Entries is the number of live records copied
	Entries int
	// BytesWritten is the size of the compacted segment
	BytesWritten int64
	// Retired lists the stale generations whose files were deleted
	Retired []uint64
	// Pending counts stale segments left on disk because a deletion failed;
	// they stay below the next compaction generation and are retired then
	Pending  int
	Duration time.Duration
}

// Compactor copies live records between segments of one store
type Compactor struct {
	store   *segment.Store
	logger  log.Logger
	metrics CompactionMetrics

	// remove deletes a segment file
	remove func(gen uint64) error
}

// NewCompactor creates a compactor for the segments of store
func NewCompactor(store *segment.Store, logger log.Logger, metrics CompactionMetrics) *Compactor {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if metrics == nil {
		metrics = NewNoopCompactionMetrics()
	}
	return &Compactor{
		store:   store,
		logger:  logger.WithField("component", "compaction"),
		metrics: metrics,
		remove:  store.Remove,
	}
}

// Run rewrites every live record into dst, the freshly created segment gen,
// and then retires every segment below gen. On a rewrite error no segment is
// retired and the index is left untouched.
func (c *Compactor) Run(ctx context.Context, idx *index.Index, readers *segment.Readers, gen uint64, dst *stream.Writer) (*Result, error) {
	start := time.Now()
	c.metrics.RecordCompactionStart(ctx, idx.Len(), len(idx.Generations()))

	result, err := c.Rewrite(idx, readers, gen, dst)
	if err != nil {
		c.metrics.RecordCompactionComplete(ctx, time.Since(start), 0, 0, false)
		return nil, err
	}

	result.Retired, result.Pending = c.Retire(ctx, readers, gen)
	result.Duration = time.Since(start)

	c.metrics.RecordCompactionComplete(ctx, result.Duration, result.BytesWritten, len(result.Retired), true)
	return result, nil
}

// Rewrite copies the byte range of every live entry verbatim into dst and,
// once dst is synced, moves every entry to its new location in segment gen.
// The copied bytes are already framed records, so nothing is decoded.
func (c *Compactor) Rewrite(idx *index.Index, readers *segment.Readers, gen uint64, dst *stream.Writer) (*Result, error) {
	result := &Result{Generation: gen}
	base := dst.Position()

	keys := idx.Keys()
	moved := make([]index.Entry, 0, len(keys))
	for _, key := range keys {
		entry, _ := idx.Get(key)

		src, err := readers.Get(entry.Generation)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: generation %d for key %q", ErrMissingSegment, entry.Generation, key)
			}
			return nil, fmt.Errorf("failed to open segment %d for key %q: %w", entry.Generation, key, err)
		}

		if _, err := src.Seek(entry.Start, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek segment %d: %w", entry.Generation, err)
		}

		newStart := dst.Position()
		n, err := io.CopyN(dst, src, entry.Len())
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: key %q in segment %d, copied %d of %d bytes",
					ErrShortRecord, key, entry.Generation, n, entry.Len())
			}
			return nil, fmt.Errorf("failed to copy key %q from segment %d: %w", key, entry.Generation, err)
		}

		moved = append(moved, index.Entry{Generation: gen, Start: newStart, End: dst.Position()})
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync compacted segment %d: %w", gen, err)
	}

	for i, key := range keys {
		idx.Put(key, moved[i])
	}
	result.Entries = len(moved)

	result.BytesWritten = dst.Position() - base
	return result, nil
}

// Retire deletes every segment file below the given generation in ascending
// order, closing its reader first. The index no longer refers to these
// segments, so failures are logged rather than returned. Deletion stops at the
// first failure: a surviving segment may hold a Set that a higher segment
// removes, and that higher segment has to outlive it. It returns the retired
// generations and the number of stale segments left on disk.
func (c *Compactor) Retire(ctx context.Context, readers *segment.Readers, below uint64) ([]uint64, int) {
	gens, err := c.store.Generations()
	if err != nil {
		c.logger.Warn("Failed to list segments to retire: %v", err)
		return nil, 0
	}

	var stale []uint64
	for _, gen := range gens {
		if gen < below {
			stale = append(stale, gen)
		}
	}

	var retired []uint64
	for i, gen := range stale {
		readers.Evict(gen)

		if err := c.remove(gen); err != nil {
			c.logger.Warn("Failed to remove stale segment %d, keeping it and %d later segments: %v",
				gen, len(stale)-i-1, err)
			c.metrics.RecordSegmentRemoval(ctx, false)
			return retired, len(stale) - i
		}
		c.metrics.RecordSegmentRemoval(ctx, true)
		retired = append(retired, gen)
	}

	return retired, 0
}
