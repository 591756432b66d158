package iterators

import (
	"fmt"

	"github.com/wcygan/mini-lsm/pkg/keys"
)

// Opener lazily produces the iterator for one table of a sorted run.
// Tables of a run are globally sorted and mutually non-overlapping, so
// the chain needs no interleaving and at most one table is open at a
// time.
type Opener func() (StorageIterator, error)

// ConcatIterator chains the tables of one level. Use it only where
// overlap is structurally impossible (levels >= 1); L0 needs a full
// merge.
type ConcatIterator struct {
	openers []Opener
	next    int
	cur     StorageIterator
}

func NewConcat(openers []Opener) (*ConcatIterator, error) {
	it := &ConcatIterator{openers: openers}
	if err := it.advanceTable(); err != nil {
		return nil, err
	}
	return it, nil
}

// advanceTable opens tables until one yields a valid entry or the chain
// is exhausted.
func (it *ConcatIterator) advanceTable() error {
	it.cur = nil
	for it.next < len(it.openers) {
		src, err := it.openers[it.next]()
		it.next++
		if err != nil {
			return fmt.Errorf("concat: opening table %d of run: %w", it.next-1, err)
		}
		if src.Valid() {
			it.cur = src
			return nil
		}
	}
	return nil
}

func (it *ConcatIterator) Valid() bool {
	return it.cur != nil && it.cur.Valid()
}

func (it *ConcatIterator) Key() keys.Key {
	return it.cur.Key()
}

func (it *ConcatIterator) Value() []byte {
	return it.cur.Value()
}

func (it *ConcatIterator) Next() error {
	if err := it.cur.Next(); err != nil {
		return err
	}
	if !it.cur.Valid() {
		return it.advanceTable()
	}
	return nil
}
