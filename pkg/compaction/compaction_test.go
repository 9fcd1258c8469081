package compaction

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/KevoDB/kvs/pkg/command"
	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/index"
	"github.com/KevoDB/kvs/pkg/segment"
	"github.com/KevoDB/kvs/pkg/stream"
)

// testStore is a segment store whose segments are loaded into one index
type testStore struct {
	store   *segment.Store
	idx     *index.Index
	readers *segment.Readers
	writers []*stream.Writer
}

func setupCompactionTest(t *testing.T) *testStore {
	t.Helper()
	store, err := segment.NewStore(t.TempDir(), log.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	readers, err := segment.NewReaders(store, 8)
	if err != nil {
		t.Fatalf("Failed to create readers: %v", err)
	}
	ts := &testStore{store: store, idx: index.New(), readers: readers}
	t.Cleanup(func() {
		for _, w := range ts.writers {
			w.Close()
		}
		ts.readers.Close()
	})
	return ts
}

// writeSegment writes cmds into a new generation and replays it into the index
func (ts *testStore) writeSegment(t *testing.T, gen uint64, cmds ...command.Command) {
	t.Helper()
	w, r, err := ts.store.Create(gen)
	if err != nil {
		t.Fatalf("Failed to create segment %d: %v", gen, err)
	}
	for _, cmd := range cmds {
		if _, err := command.Encode(w, cmd); err != nil {
			t.Fatalf("Failed to encode %+v: %v", cmd, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close segment %d: %v", gen, err)
	}
	if _, err := ts.idx.Load(gen, r); err != nil {
		t.Fatalf("Failed to load segment %d: %v", gen, err)
	}
	ts.readers.Add(gen, r)
}

// create opens the compaction target and registers its reader
func (ts *testStore) create(t *testing.T, gen uint64) *stream.Writer {
	t.Helper()
	w, r, err := ts.store.Create(gen)
	if err != nil {
		t.Fatalf("Failed to create segment %d: %v", gen, err)
	}
	ts.writers = append(ts.writers, w)
	ts.readers.Add(gen, r)
	return w
}

// value decodes the record a key's entry points at
func (ts *testStore) value(t *testing.T, key string) string {
	t.Helper()
	e, ok := ts.idx.Get(key)
	if !ok {
		t.Fatalf("Key %q not indexed", key)
	}
	r, err := ts.readers.Get(e.Generation)
	if err != nil {
		t.Fatalf("Failed to open segment %d: %v", e.Generation, err)
	}
	if _, err := r.Seek(e.Start, io.SeekStart); err != nil {
		t.Fatalf("Failed to seek: %v", err)
	}
	cmd, err := command.DecodeBounded(r, e.Len())
	if err != nil {
		t.Fatalf("Failed to decode %q: %v", key, err)
	}
	if cmd.Kind != command.KindSet || cmd.Key != key {
		t.Fatalf("Entry for %q points at %+v", key, cmd)
	}
	return cmd.Value
}

func TestCompactorRun(t *testing.T) {
	ts := setupCompactionTest(t)
	ts.writeSegment(t, 1,
		command.Set("a", "1"),
		command.Set("b", "2"),
		command.Set("a", "3"),
	)
	ts.writeSegment(t, 2,
		command.Remove("b"),
		command.Set("c", "4"),
	)

	liveBefore := ts.idx.LiveBytes()
	dst := ts.create(t, 3)

	mockTel := newMockTelemetryServer()
	c := NewCompactor(ts.store, log.NewDiscardLogger(), NewCompactionMetrics(mockTel))
	result, err := c.Run(context.Background(), ts.idx, ts.readers, 3, dst)
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	if result.Generation != 3 || result.Entries != 2 {
		t.Errorf("Unexpected result %+v", result)
	}
	if result.BytesWritten != liveBefore {
		t.Errorf("Expected %d bytes written, got %d", liveBefore, result.BytesWritten)
	}
	if len(result.Retired) != 2 || result.Retired[0] != 1 || result.Retired[1] != 2 {
		t.Errorf("Expected generations [1 2] retired, got %v", result.Retired)
	}
	if result.Pending != 0 {
		t.Errorf("Expected no pending segments, got %d", result.Pending)
	}

	gens, err := ts.store.Generations()
	if err != nil {
		t.Fatalf("Failed to list generations: %v", err)
	}
	if len(gens) != 1 || gens[0] != 3 {
		t.Errorf("Expected only generation 3 on disk, got %v", gens)
	}
	if ts.readers.Contains(1) {
		t.Error("Expected reader for generation 1 to be closed")
	}

	for key, want := range map[string]string{"a": "3", "c": "4"} {
		if e, _ := ts.idx.Get(key); e.Generation != 3 {
			t.Errorf("Expected %q to move to generation 3, got %d", key, e.Generation)
		}
		if got := ts.value(t, key); got != want {
			t.Errorf("Expected %q = %q after compaction, got %q", key, want, got)
		}
	}
	if _, ok := ts.idx.Get("b"); ok {
		t.Error("Expected removed key to stay removed")
	}

	if n := mockTel.getCounterCount("kvs.compaction.start.count"); n != 1 {
		t.Errorf("Expected 1 compaction start, got %d", n)
	}
	if v := mockTel.getCounterValues("kvs.compaction.segments.retired"); len(v) != 1 || v[0] != 2 {
		t.Errorf("Expected 2 retired segments recorded, got %v", v)
	}
	if n := mockTel.getCounterCount("kvs.compaction.segment.removal"); n != 2 {
		t.Errorf("Expected 2 segment removals recorded, got %d", n)
	}
}

func TestCompactorCompactedSegmentReplays(t *testing.T) {
	ts := setupCompactionTest(t)
	ts.writeSegment(t, 1, command.Set("x", "old"), command.Set("y", "keep"), command.Set("x", "new"))
	dst := ts.create(t, 2)

	c := NewCompactor(ts.store, nil, nil)
	if _, err := c.Run(context.Background(), ts.idx, ts.readers, 2, dst); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	r, err := ts.store.OpenReader(2)
	if err != nil {
		t.Fatalf("Failed to open compacted segment: %v", err)
	}
	defer r.Close()

	fresh := index.New()
	loaded, err := fresh.Load(2, r)
	if err != nil {
		t.Fatalf("Failed to replay compacted segment: %v", err)
	}
	if loaded.Records != 2 || loaded.Uncompacted != 0 {
		t.Errorf("Expected 2 fully live records, got %+v", loaded)
	}
	for _, key := range []string{"x", "y"} {
		want, _ := ts.idx.Get(key)
		got, ok := fresh.Get(key)
		if !ok || got != want {
			t.Errorf("Replayed entry for %q = %+v, want %+v", key, got, want)
		}
	}
}

func TestCompactorEmptyIndex(t *testing.T) {
	ts := setupCompactionTest(t)
	ts.writeSegment(t, 1, command.Set("a", "1"), command.Remove("a"))
	dst := ts.create(t, 2)

	result, err := NewCompactor(ts.store, nil, nil).Run(context.Background(), ts.idx, ts.readers, 2, dst)
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if result.Entries != 0 || result.BytesWritten != 0 {
		t.Errorf("Expected empty compaction, got %+v", result)
	}
	if size, _ := ts.store.Size(2); size != 0 {
		t.Errorf("Expected empty compacted segment, got %d bytes", size)
	}
	if _, err := os.Stat(ts.store.Path(1)); !os.IsNotExist(err) {
		t.Errorf("Expected generation 1 to be deleted, stat returned %v", err)
	}
}

func TestCompactorMissingReader(t *testing.T) {
	ts := setupCompactionTest(t)
	ts.writeSegment(t, 1, command.Set("a", "1"))
	ts.writeSegment(t, 2, command.Set("b", "2"))
	dst := ts.create(t, 3)

	// Lose the file for generation 2
	ts.readers.Evict(2)
	if err := os.Remove(ts.store.Path(2)); err != nil {
		t.Fatalf("Failed to remove segment file: %v", err)
	}

	mockTel := newMockTelemetryServer()
	c := NewCompactor(ts.store, nil, NewCompactionMetrics(mockTel))
	_, err := c.Run(context.Background(), ts.idx, ts.readers, 3, dst)
	if !errors.Is(err, ErrMissingSegment) {
		t.Fatalf("Expected ErrMissingSegment, got %v", err)
	}

	// Nothing was retired and every entry still points at its original segment
	if _, err := os.Stat(ts.store.Path(1)); err != nil {
		t.Errorf("Expected generation 1 to survive a failed compaction: %v", err)
	}
	if e, _ := ts.idx.Get("a"); e.Generation != 1 {
		t.Errorf("Expected a to still point at generation 1, got %d", e.Generation)
	}
	if got := ts.value(t, "a"); got != "1" {
		t.Errorf("Expected a = 1 after failed compaction, got %q", got)
	}
	if e, _ := ts.idx.Get("b"); e.Generation != 2 {
		t.Errorf("Expected b to still point at generation 2, got %d", e.Generation)
	}

	if n := mockTel.getCounterCount("kvs.compaction.output.bytes"); n != 0 {
		t.Errorf("Expected no output bytes recorded for a failed run, got %d", n)
	}
	if n := mockTel.getCounterCount("kvs.compaction.complete.count"); n != 1 {
		t.Errorf("Expected failed run to be recorded once, got %d", n)
	}
}

func TestCompactorShortSegment(t *testing.T) {
	ts := setupCompactionTest(t)
	ts.writeSegment(t, 1, command.Set("a", "1"))

	// Point the entry past the end of the segment
	e, _ := ts.idx.Get("a")
	ts.idx.Put("a", index.Entry{Generation: 1, Start: e.Start, End: e.End + 16})
	dst := ts.create(t, 2)

	_, err := NewCompactor(ts.store, nil, nil).Run(context.Background(), ts.idx, ts.readers, 2, dst)
	if !errors.Is(err, ErrShortRecord) {
		t.Fatalf("Expected ErrShortRecord, got %v", err)
	}
}

func TestRetireDeletesSegmentsWithoutReaders(t *testing.T) {
	ts := setupCompactionTest(t)
	ts.writeSegment(t, 1, command.Set("a", "1"))
	ts.writeSegment(t, 2, command.Set("b", "2"))
	ts.writeSegment(t, 3, command.Set("c", "3"))
	ts.writeSegment(t, 4, command.Set("d", "4"))

	// Generations 1 and 3 have no open reader
	ts.readers.Evict(1)
	ts.readers.Evict(3)

	c := NewCompactor(ts.store, nil, nil)
	retired, pending := c.Retire(context.Background(), ts.readers, 4)
	if len(retired) != 3 || retired[0] != 1 || retired[1] != 2 || retired[2] != 3 {
		t.Errorf("Expected generations [1 2 3] retired, got %v", retired)
	}
	if pending != 0 {
		t.Errorf("Expected nothing pending, got %d", pending)
	}

	gens, err := ts.store.Generations()
	if err != nil {
		t.Fatalf("Failed to list generations: %v", err)
	}
	if len(gens) != 1 || gens[0] != 4 {
		t.Errorf("Expected only generation 4 on disk, got %v", gens)
	}
	if ts.readers.Contains(2) {
		t.Error("Expected reader for generation 2 to be closed")
	}
	if !ts.readers.Contains(4) {
		t.Error("Expected generation 4 to be kept open")
	}
}

func TestRetireStopsAtFirstFailure(t *testing.T) {
	ts := setupCompactionTest(t)
	ts.writeSegment(t, 1, command.Set("k", "old"), command.Set("a", "1"))
	ts.writeSegment(t, 2, command.Remove("k"), command.Set("b", "2"))
	dst := ts.create(t, 3)

	mockTel := newMockTelemetryServer()
	c := NewCompactor(ts.store, nil, NewCompactionMetrics(mockTel))
	removeErr := errors.New("device busy")
	c.remove = func(gen uint64) error {
		if gen == 1 {
			return removeErr
		}
		return ts.store.Remove(gen)
	}

	result, err := c.Run(context.Background(), ts.idx, ts.readers, 3, dst)
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if len(result.Retired) != 0 || result.Pending != 2 {
		t.Errorf("Expected nothing retired and 2 pending, got %v and %d", result.Retired, result.Pending)
	}

	// The Remove of k in generation 2 must outlive the Set of k in generation 1
	gens, err := ts.store.Generations()
	if err != nil {
		t.Fatalf("Failed to list generations: %v", err)
	}
	if len(gens) != 3 {
		t.Fatalf("Expected generations 1, 2 and 3 on disk, got %v", gens)
	}

	replayed := index.New()
	for _, gen := range gens {
		r, err := ts.store.OpenReader(gen)
		if err != nil {
			t.Fatalf("Failed to open segment %d: %v", gen, err)
		}
		if _, err := replayed.Load(gen, r); err != nil {
			t.Fatalf("Failed to replay segment %d: %v", gen, err)
		}
		r.Close()
	}
	if _, ok := replayed.Get("k"); ok {
		t.Error("Expected removed key to stay removed after replay")
	}
	for _, key := range []string{"a", "b"} {
		want, _ := ts.idx.Get(key)
		if got, ok := replayed.Get(key); !ok || got != want {
			t.Errorf("Replayed entry for %q = %+v, want %+v", key, got, want)
		}
	}

	statuses := mockTel.counterStatuses("kvs.compaction.segment.removal")
	if len(statuses) != 1 || statuses[0] != "error" {
		t.Errorf("Expected a single failed removal recorded, got %v", statuses)
	}

	// The next retirement picks up where this one stopped
	c.remove = ts.store.Remove
	retired, pending := c.Retire(context.Background(), ts.readers, 3)
	if len(retired) != 2 || retired[0] != 1 || retired[1] != 2 || pending != 0 {
		t.Errorf("Expected [1 2] retired with nothing pending, got %v and %d", retired, pending)
	}
}
