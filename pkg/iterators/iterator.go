// Package iterators defines the uniform iteration contract every source
// in the engine exposes, plus the combinators that compose memtables and
// SSTables into one globally ordered stream.
package iterators

import "github.com/wcygan/mini-lsm/pkg/keys"

// StorageIterator is a lazy, finite, forward-only ascending sequence.
// Key and Value are only meaningful while Valid returns true, and the
// returned slices are only guaranteed to live until the next call to
// Next. A failed Next aborts the surrounding operation; the iterator is
// unusable afterwards.
type StorageIterator interface {
	Valid() bool
	Key() keys.Key
	Value() []byte
	Next() error
}

// SliceIterator walks a pre-sorted in-memory run. Memtable scans and
// transaction-local buffers materialize into one of these.
type SliceIterator struct {
	entries []Entry
	pos     int
}

// Entry is one key-value pair of a materialized run.
type Entry struct {
	Key   keys.Key
	Value []byte
}

// NewSlice wraps entries, which must already be sorted ascending.
func NewSlice(entries []Entry) *SliceIterator {
	return &SliceIterator{entries: entries}
}

func (it *SliceIterator) Valid() bool {
	return it.pos < len(it.entries)
}

func (it *SliceIterator) Key() keys.Key {
	return it.entries[it.pos].Key
}

func (it *SliceIterator) Value() []byte {
	return it.entries[it.pos].Value
}

func (it *SliceIterator) Next() error {
	it.pos++
	return nil
}
