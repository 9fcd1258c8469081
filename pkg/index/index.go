// Package index maps keys to the location of their latest Set record.
package index

import (
	"slices"
)

// Entry locates a record: the byte range [Start, End) of segment Generation
type Entry struct {
	Generation uint64
	Start      int64
	End        int64
}

// Len returns the size of the record in bytes
func (e Entry) Len() int64 {
	return e.End - e.Start
}

// Index is the in-memory key directory. It is not safe for concurrent use.
type Index struct {
	entries map[string]Entry
}

// New creates an empty index
func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Get returns the entry for key
func (i *Index) Get(key string) (Entry, bool) {
	e, ok := i.entries[key]
	return e, ok
}

// Put installs an entry for key and returns the entry it replaced, if any
func (i *Index) Put(key string, e Entry) (Entry, bool) {
	prev, ok := i.entries[key]
	i.entries[key] = e
	return prev, ok
}

// Delete removes key and returns its entry, if any
func (i *Index) Delete(key string) (Entry, bool) {
	prev, ok := i.entries[key]
	if ok {
		delete(i.entries, key)
	}
	return prev, ok
}

// Len returns the number of live keys
func (i *Index) Len() int {
	return len(i.entries)
}

// Keys returns all live keys in ascending order
func (i *Index) Keys() []string {
	keys := make([]string, 0, len(i.entries))
	for k := range i.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// LiveBytes returns the total size of all live records
func (i *Index) LiveBytes() int64 {
	var total int64
	for _, e := range i.entries {
		total += e.Len()
	}
	return total
}

// Generations returns the number of live entries per generation
func (i *Index) Generations() map[uint64]int {
	counts := make(map[uint64]int)
	for _, e := range i.entries {
		counts[e.Generation]++
	}
	return counts
}
