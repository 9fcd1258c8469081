package segment

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/stream"
)

// Readers is a bounded set of open segment readers keyed by generation.
// A reader is opened on first use and the least recently used one is closed
// once the set is full, so the number of open files does not grow with the
// number of segments on disk. Callers must not hold on to a reader across
// calls that may open another one.
type Readers struct {
	store  *Store
	lru    *lru.Cache
	logger log.Logger
}

// NewReaders creates a reader set for store holding at most size open readers
func NewReaders(store *Store, size int) (*Readers, error) {
	r := &Readers{
		store:  store,
		logger: store.logger,
	}

	c, err := lru.NewWithEvict(size, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment reader set: %w", err)
	}
	r.lru = c
	return r, nil
}

func (r *Readers) onEvict(key interface{}, value interface{}) {
	if err := value.(*stream.Reader).Close(); err != nil {
		r.logger.Warn("Failed to close reader for segment %d: %v", key.(uint64), err)
	}
}

// Get returns the reader of a generation, opening the segment if needed
func (r *Readers) Get(gen uint64) (*stream.Reader, error) {
	if v, ok := r.lru.Get(gen); ok {
		return v.(*stream.Reader), nil
	}

	reader, err := r.store.OpenReader(gen)
	if err != nil {
		return nil, err
	}
	r.lru.Add(gen, reader)
	return reader, nil
}

// Add registers an already open reader, closing any previous one for gen
func (r *Readers) Add(gen uint64, reader *stream.Reader) {
	r.lru.Remove(gen)
	r.lru.Add(gen, reader)
}

// Evict closes and forgets the reader of a generation, if one is open
func (r *Readers) Evict(gen uint64) {
	r.lru.Remove(gen)
}

// Contains reports whether a reader for gen is currently open
func (r *Readers) Contains(gen uint64) bool {
	return r.lru.Contains(gen)
}

// Len returns the number of open readers
func (r *Readers) Len() int {
	return r.lru.Len()
}

// Close closes every open reader
func (r *Readers) Close() {
	r.lru.Purge()
}
