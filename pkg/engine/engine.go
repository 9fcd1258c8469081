// Package engine implements a log-structured key/value store: every write is
// appended to the active segment, an in-memory index maps each key to its
// latest record, and compaction rewrites the live records to reclaim space.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/KevoDB/kvs/pkg/cache"
	"github.com/KevoDB/kvs/pkg/command"
	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/compaction"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/index"
	"github.com/KevoDB/kvs/pkg/segment"
	"github.com/KevoDB/kvs/pkg/stats"
	"github.com/KevoDB/kvs/pkg/stream"
	"github.com/KevoDB/kvs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Engine is a handle to an open store. All methods are safe for concurrent
// use; they are serialized by a single lock.
type Engine struct {
	mu sync.Mutex

	cfg       *config.Config
	store     *segment.Store
	idx       *index.Index
	readers   *segment.Readers
	writer    *stream.Writer
	compactor *compaction.Compactor
	cache     *cache.ValueCache

	// active is the generation writes are appended to; allocated is the
	// highest generation ever handed out, as recorded in the manifest
	active    uint64
	allocated uint64

	// segments is the number of segment files on disk
	segments    int
	uncompacted int64
	unsynced    int64

	logger    log.Logger
	stats     stats.Collector
	telemetry telemetry.Telemetry
	metrics   EngineMetrics

	closed bool
}

// Open opens the store in dir, creating the directory if it does not exist.
// Every existing segment is replayed into the index in generation order and
// a fresh segment is created for new writes.
func Open(dir string, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := config.NewDefaultConfig(dir)
	if o.cfg != nil {
		cfg = o.cfg.Clone()
		cfg.Dir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	logger = logger.WithField("component", telemetry.ComponentEngine)

	tel := o.telemetry
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	collector := o.stats
	if collector == nil {
		collector = stats.NewAtomicCollector()
	}

	valueCache, err := cache.New(cfg.ValueCacheSize)
	if err != nil {
		return nil, err
	}

	store, err := segment.NewStore(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store directory: %w", err)
	}

	readers, err := segment.NewReaders(store, cfg.MaxOpenSegments)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		idx:       index.New(),
		readers:   readers,
		compactor: compaction.NewCompactor(store, logger, compaction.NewCompactionMetrics(tel)),
		cache:     valueCache,
		logger:    logger,
		stats:     collector,
		telemetry: tel,
		metrics:   NewEngineMetrics(tel),
	}

	if err := e.recover(); err != nil {
		e.closeReaders()
		return nil, err
	}

	return e, nil
}

// recover replays every existing segment and opens the active segment
func (e *Engine) recover() error {
	ctx, span := e.telemetry.StartSpan(context.Background(), "kvs.engine.open",
		attribute.String("store.dir", e.cfg.Dir))
	defer span.End()

	start := e.stats.StartRecovery()

	manifest, err := config.LoadManifest(e.cfg.Dir)
	switch {
	case errors.Is(err, config.ErrManifestNotFound):
		manifest = &config.Manifest{}
	case err != nil:
		span.RecordError(err)
		return err
	}

	gens, err := e.store.Generations()
	if err != nil {
		return err
	}

	var records uint64
	truncated := 0
	for _, gen := range gens {
		// Replay readers are closed right away; point reads reopen segments on demand
		r, err := e.store.OpenReader(gen)
		if err != nil {
			return err
		}
		result, err := e.idx.Load(gen, r)
		r.Close()
		if err != nil {
			span.RecordError(err)
			return err
		}

		records += result.Records
		e.uncompacted += result.Uncompacted
		if result.Truncated {
			truncated++
			e.logger.Warn("Ignoring incomplete record at offset %d of segment %d (%d bytes)",
				result.TruncatedAt, gen, result.TailBytes)
		}
	}

	e.segments = len(gens)
	e.allocated = manifest.LastGeneration
	if n := len(gens); n > 0 && gens[n-1] > e.allocated {
		e.allocated = gens[n-1]
	}

	if err := e.rotate(); err != nil {
		return err
	}

	duration := time.Since(start)
	e.stats.FinishRecovery(start, uint64(len(gens)), records, uint64(truncated))
	e.metrics.RecordRecovery(ctx, len(gens), records, truncated, duration)

	e.logger.Info("Opened store with %d segments, %d keys, %d uncompacted bytes, active generation %d",
		len(gens), e.idx.Len(), e.uncompacted, e.active)

	// The store is usable even if this compaction fails; the next write retries it
	if err := e.maybeCompact(); err != nil {
		e.logger.Warn("Compaction on open failed: %v", err)
	}
	return nil
}

// allocate reserves n fresh generations, recording the highest in the
// manifest before any of them is used, and returns the first
func (e *Engine) allocate(n uint64) (uint64, error) {
	first := e.allocated + 1
	last := e.allocated + n
	if err := config.SaveManifest(e.cfg.Dir, last); err != nil {
		return 0, err
	}
	e.allocated = last
	return first, nil
}

// rotate closes the active writer, if any, and starts appending to a new
// generation. The previous segment stays readable.
func (e *Engine) rotate() error {
	gen, err := e.allocate(1)
	if err != nil {
		return err
	}

	w, r, err := e.store.Create(gen)
	if err != nil {
		return err
	}

	if err := e.closeWriter(); err != nil {
		e.logger.Warn("Failed to close segment %d: %v", e.active, err)
	}

	e.writer = w
	e.readers.Add(gen, r)
	e.active = gen
	e.segments++
	e.unsynced = 0
	return nil
}

// closeWriter syncs and closes the active writer
func (e *Engine) closeWriter() error {
	if e.writer == nil {
		return nil
	}
	w := e.writer
	e.writer = nil

	syncErr := w.Sync()
	closeErr := w.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// append writes cmd to the active segment and makes it durable according to
// the sync mode. It returns the location of the record.
func (e *Engine) append(cmd command.Command) (index.Entry, error) {
	if e.writer == nil {
		if err := e.rotate(); err != nil {
			return index.Entry{}, err
		}
	}

	start := e.writer.Position()
	n, err := command.Encode(e.writer, cmd)
	if err == nil {
		err = e.persist(n)
	}
	if err != nil {
		// A failed buffered writer accepts no more data. Start a new segment
		// so any partial record stays at the tail of the old one.
		if rotateErr := e.rotate(); rotateErr != nil {
			e.logger.Error("Failed to start a new segment after write error: %v", rotateErr)
			e.closeWriter()
		}
		return index.Entry{}, fmt.Errorf("failed to append %s record: %w", cmd.Kind, err)
	}

	e.stats.TrackBytes(true, uint64(n))
	return index.Entry{Generation: e.active, Start: start, End: start + n}, nil
}

// persist flushes the writer and syncs it as the sync mode requires
func (e *Engine) persist(n int64) error {
	switch e.cfg.SyncMode {
	case config.SyncImmediate:
		return e.writer.Sync()
	case config.SyncBatch:
		e.unsynced += n
		if e.unsynced >= e.cfg.SyncBytes {
			e.unsynced = 0
			return e.writer.Sync()
		}
	}
	return e.writer.Flush()
}

// Set stores value under key, replacing any previous value
func (e *Engine) Set(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	start := time.Now()
	err := e.set(key, value)
	e.track(stats.OpSet, telemetry.OpTypeSet, start, err)
	return err
}

func (e *Engine) set(key, value string) error {
	entry, err := e.append(command.Set(key, value))
	if err != nil {
		return err
	}

	if prev, replaced := e.idx.Put(key, entry); replaced {
		e.uncompacted += prev.Len()
	}
	e.cache.Add(key, value)

	if err := e.maybeCompact(); err != nil {
		return fmt.Errorf("write succeeded but compaction failed: %w", err)
	}
	return nil
}

// Get returns the value stored under key. A missing key is reported with
// found set to false and a nil error.
func (e *Engine) Get(key string) (value string, found bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", false, ErrEngineClosed
	}

	start := time.Now()
	value, found, err = e.get(key)

	status := telemetry.StatusSuccess
	switch {
	case err != nil:
		status = telemetry.StatusError
		e.stats.TrackError("get_error")
	case !found:
		status = telemetry.StatusNotFound
	default:
		e.stats.TrackBytes(false, uint64(len(key)+len(value)))
	}

	duration := time.Since(start)
	e.stats.TrackOperationWithLatency(stats.OpGet, uint64(duration.Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeGet, duration, status)
	return value, found, err
}

func (e *Engine) get(key string) (string, bool, error) {
	entry, ok := e.idx.Get(key)
	if !ok {
		return "", false, nil
	}

	if e.cache.Enabled() {
		value, hit := e.cache.Get(key)
		e.stats.TrackCacheLookup(hit)
		e.metrics.RecordCacheLookup(context.Background(), hit)
		if hit {
			return value, true, nil
		}
	}

	r, err := e.readers.Get(entry.Generation)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("%w: key %q points at missing segment %d",
				ErrCorruptIndex, key, entry.Generation)
		}
		return "", false, err
	}

	if _, err := r.Seek(entry.Start, io.SeekStart); err != nil {
		return "", false, fmt.Errorf("failed to seek segment %d: %w", entry.Generation, err)
	}

	cmd, err := command.DecodeBounded(r, entry.Len())
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %q from segment %d: %w", key, entry.Generation, err)
	}

	if cmd.Kind != command.KindSet || cmd.Key != key {
		return "", false, fmt.Errorf("%w: key %q at segment %d offset %d holds %s of %q",
			ErrCorruptIndex, key, entry.Generation, entry.Start, cmd.Kind, cmd.Key)
	}

	e.cache.Add(key, cmd.Value)
	return cmd.Value, true, nil
}

// Remove deletes key. It returns ErrKeyNotFound, and changes nothing, if the
// key is not in the store.
func (e *Engine) Remove(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	start := time.Now()
	err := e.remove(key)
	e.track(stats.OpRemove, telemetry.OpTypeRemove, start, err)
	return err
}

func (e *Engine) remove(key string) error {
	prev, ok := e.idx.Get(key)
	if !ok {
		return ErrKeyNotFound
	}

	entry, err := e.append(command.Remove(key))
	if err != nil {
		return err
	}

	e.idx.Delete(key)
	e.cache.Remove(key)

	// The remove record is dead as soon as it is written
	e.uncompacted += prev.Len() + entry.Len()

	if err := e.maybeCompact(); err != nil {
		return fmt.Errorf("remove succeeded but compaction failed: %w", err)
	}
	return nil
}

// Compact rewrites all live records into a new segment and deletes the
// segments they came from
func (e *Engine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	start := time.Now()
	err := e.compact()
	e.track(stats.OpCompact, telemetry.OpTypeCompact, start, err)
	return err
}

func (e *Engine) maybeCompact() error {
	switch {
	case e.uncompacted > e.cfg.CompactionThreshold:
		e.logger.Debug("Uncompacted bytes %d exceed threshold %d", e.uncompacted, e.cfg.CompactionThreshold)
	case e.segments > e.cfg.MaxSegments:
		e.logger.Debug("%d segments exceed limit %d", e.segments, e.cfg.MaxSegments)
	default:
		return nil
	}

	start := time.Now()
	err := e.compact()
	e.track(stats.OpCompact, telemetry.OpTypeCompact, start, err)
	return err
}

// compact reserves two generations: the lower receives the live records, the
// higher becomes the active segment for new writes
func (e *Engine) compact() error {
	ctx, span := e.telemetry.StartSpan(context.Background(), "kvs.engine.compact")
	defer span.End()

	diskBefore, err := e.store.DiskUsage()
	if err != nil {
		return err
	}

	compactGen, err := e.allocate(2)
	if err != nil {
		return err
	}
	writeGen := compactGen + 1
	span.SetAttributes(attribute.Int64(telemetry.AttrGeneration, int64(compactGen)))

	e.logger.Info("Compacting %d keys into segment %d, %d uncompacted bytes",
		e.idx.Len(), compactGen, e.uncompacted)

	dst, dstReader, err := e.store.Create(compactGen)
	if err != nil {
		return err
	}
	e.readers.Add(compactGen, dstReader)
	e.segments++

	w, r, err := e.store.Create(writeGen)
	if err != nil {
		dst.Close()
		return err
	}
	e.segments++
	if err := e.closeWriter(); err != nil {
		e.logger.Warn("Failed to close segment %d: %v", e.active, err)
	}
	e.writer = w
	e.readers.Add(writeGen, r)
	e.active = writeGen
	e.unsynced = 0

	result, err := e.compactor.Run(ctx, e.idx, e.readers, compactGen, dst)
	if closeErr := dst.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("failed to close compacted segment %d: %w", compactGen, closeErr)
	}
	if err != nil {
		// Whatever reached the compaction segment is unreferenced
		if size, sizeErr := e.store.Size(compactGen); sizeErr == nil {
			e.uncompacted += size
		}
		span.RecordError(err)
		return err
	}

	e.uncompacted = 0
	e.segments -= len(result.Retired)

	diskAfter, err := e.store.DiskUsage()
	if err != nil {
		diskAfter = diskBefore
	}
	reclaimed := diskBefore - diskAfter
	if reclaimed < 0 {
		reclaimed = 0
	}

	e.stats.TrackCompaction(uint64(reclaimed), uint64(len(result.Retired)))
	e.metrics.RecordCompaction(ctx, reclaimed, len(result.Retired), result.Entries)
	e.metrics.RecordDiskUsage(ctx, diskAfter)

	if result.Pending > 0 {
		e.logger.Warn("%d stale segments could not be deleted and will be retired by the next compaction",
			result.Pending)
	}
	e.logger.Info("Compacted %d keys into segment %d in %s, retired %d segments, reclaimed %d bytes",
		result.Entries, compactGen, result.Duration, len(result.Retired), reclaimed)
	return nil
}

// track records the latency and outcome of a mutating operation
func (e *Engine) track(op stats.OperationType, opType string, start time.Time, err error) {
	duration := time.Since(start)
	e.stats.TrackOperationWithLatency(op, uint64(duration.Nanoseconds()))

	status := telemetry.StatusSuccess
	switch {
	case errors.Is(err, ErrKeyNotFound):
		status = telemetry.StatusNotFound
	case err != nil:
		status = telemetry.StatusError
		e.stats.TrackError(string(op) + "_error")
	}
	e.metrics.RecordOperation(context.Background(), opType, duration, status)
}

// UncompactedBytes returns the number of bytes on disk that no index entry refers to
func (e *Engine) UncompactedBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uncompacted
}

// ActiveGeneration returns the generation new records are appended to
func (e *Engine) ActiveGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Len returns the number of live keys
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idx.Len()
}

// Keys returns the live keys in ascending order
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idx.Keys()
}

// Dir returns the store directory
func (e *Engine) Dir() string {
	return e.cfg.Dir
}

// Stats returns the collected statistics together with the current state of the store
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := e.stats.GetStats()
	result["uncompacted_bytes"] = e.uncompacted
	result["active_generation"] = e.active
	result["keys"] = e.idx.Len()
	result["live_bytes"] = e.idx.LiveBytes()
	result["segments"] = e.segments
	result["open_readers"] = e.readers.Len()
	result["cache_entries"] = e.cache.Len()

	if usage, err := e.store.DiskUsage(); err == nil {
		result["disk_usage_bytes"] = usage
	}

	return result
}

// Close syncs the active segment and releases every open file. Calling
// Close more than once is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if err := e.closeWriter(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close active segment %d: %w", e.active, err))
	}
	e.closeReaders()
	e.cache.Purge()

	if err := e.metrics.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// closeReaders closes every segment reader and, if still open, the writer
func (e *Engine) closeReaders() {
	e.readers.Close()
	if e.writer != nil {
		e.writer.Close()
		e.writer = nil
	}
}
