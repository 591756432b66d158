package iterators

import (
	"container/heap"
	"fmt"

	"github.com/wcygan/mini-lsm/pkg/keys"
)

// MergeIterator k-way merges sources into one ascending stream. Sources
// are ranked by index: a lower index means newer data, so on a key tie
// the lowest-index source wins and every other source holding that key
// is silently advanced past it. That is how newer data shadows older
// data without an explicit deletion pass.
type MergeIterator struct {
	h       mergeHeap
	current *mergeEntry
}

type mergeEntry struct {
	iter  StorageIterator
	index int
}

// NewMerge builds a merge over sources, index 0 being the newest.
// Exhausted sources are dropped up front.
func NewMerge(sources []StorageIterator) *MergeIterator {
	m := &MergeIterator{}
	for i, src := range sources {
		if src.Valid() {
			m.h = append(m.h, &mergeEntry{iter: src, index: i})
		}
	}
	heap.Init(&m.h)
	if m.h.Len() > 0 {
		m.current = heap.Pop(&m.h).(*mergeEntry)
	}
	return m
}

func (m *MergeIterator) Valid() bool {
	return m.current != nil && m.current.iter.Valid()
}

func (m *MergeIterator) Key() keys.Key {
	return m.current.iter.Key()
}

func (m *MergeIterator) Value() []byte {
	return m.current.iter.Value()
}

func (m *MergeIterator) Next() error {
	cur := m.current.iter

	// Advance every lower-priority source sitting on the same key so the
	// shadowed versions are never surfaced.
	for m.h.Len() > 0 {
		top := m.h[0]
		if keys.Compare(top.iter.Key(), cur.Key()) != 0 {
			break
		}
		if err := top.iter.Next(); err != nil {
			heap.Pop(&m.h)
			return fmt.Errorf("merge: advancing shadowed source %d: %w", top.index, err)
		}
		if top.iter.Valid() {
			heap.Fix(&m.h, 0)
		} else {
			heap.Pop(&m.h)
		}
	}

	if err := cur.Next(); err != nil {
		return fmt.Errorf("merge: advancing source %d: %w", m.current.index, err)
	}

	if cur.Valid() {
		heap.Push(&m.h, m.current)
	}
	if m.h.Len() == 0 {
		m.current = nil
		return nil
	}
	m.current = heap.Pop(&m.h).(*mergeEntry)
	return nil
}

// mergeHeap orders by (key ascending, index ascending): among equal keys
// the newest source surfaces first.
type mergeHeap []*mergeEntry

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := keys.Compare(h[i].iter.Key(), h[j].iter.Key()); c != 0 {
		return c < 0
	}
	return h[i].index < h[j].index
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeEntry)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
