package lsm

import (
	"bytes"

	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// Iter is the engine's public range iterator: raw ascending keys, one
// version per key, tombstones and versions above the snapshot filtered
// out. Not safe for concurrent use. Close releases the snapshot; an
// iterator that runs to exhaustion releases it on its own.
type Iter struct {
	inner   iterators.StorageIterator
	upper   iterators.Bound
	readTs  types.TS
	prevRaw []byte

	release  func()
	released bool
	done     bool
}

func newIter(inner iterators.StorageIterator, lower, upper iterators.Bound, readTs types.TS) (*Iter, error) {
	it := &Iter{inner: inner, upper: upper, readTs: readTs}
	if lower.Kind == iterators.BoundExcluded {
		// Pretending the excluded key was already yielded makes the
		// settle loop step over every version of it.
		it.prevRaw = append([]byte(nil), lower.Key...)
	}
	if err := it.settle(); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

// settle advances to the next visible entry: the newest version at or
// below the snapshot of a raw key not yet yielded, skipping tombstoned
// keys, stopping at the upper bound.
func (it *Iter) settle() error {
	for it.inner.Valid() {
		k := it.inner.Key()
		if !iterators.BelowUpper(k.Raw, it.upper) {
			it.finish()
			return nil
		}
		if it.prevRaw != nil && bytes.Equal(k.Raw, it.prevRaw) {
			if err := it.inner.Next(); err != nil {
				return err
			}
			continue
		}
		if k.Ts > it.readTs {
			if err := it.inner.Next(); err != nil {
				return err
			}
			continue
		}
		// First visible version of a fresh key decides the key's fate.
		it.prevRaw = append(it.prevRaw[:0], k.Raw...)
		if len(it.inner.Value()) == 0 {
			if err := it.inner.Next(); err != nil {
				return err
			}
			continue
		}
		return nil
	}
	it.finish()
	return nil
}

func (it *Iter) finish() {
	it.done = true
	if !it.released && it.release != nil {
		it.released = true
		it.release()
	}
}

func (it *Iter) Valid() bool {
	return !it.done && it.inner.Valid()
}

// Key returns the raw key of the current entry.
func (it *Iter) Key() []byte {
	return it.inner.Key().Raw
}

func (it *Iter) Value() []byte {
	return it.inner.Value()
}

func (it *Iter) Next() error {
	if it.done {
		return nil
	}
	if err := it.inner.Next(); err != nil {
		return err
	}
	return it.settle()
}

// Close releases the snapshot early. Safe to call more than once.
func (it *Iter) Close() {
	it.finish()
}
