// Package mvcc provides snapshot-isolated transactions on top of the
// timestamped storage layer: a watermark over active readers, a commit
// oracle with optional serializable validation, and a transaction
// handle buffering local writes.
package mvcc

import (
	"sync"

	"github.com/google/btree"

	"github.com/wcygan/mini-lsm/pkg/types"
)

type tsRef struct {
	ts    types.TS
	count int
}

// Watermark tracks the snapshot timestamps of active readers. Its
// lowest entry bounds garbage collection: versions shadowed below the
// watermark can never be observed again.
type Watermark struct {
	mu      sync.Mutex
	readers *btree.BTreeG[tsRef]
}

func NewWatermark() *Watermark {
	return &Watermark{
		readers: btree.NewG(16, func(a, b tsRef) bool { return a.ts < b.ts }),
	}
}

// AddReader registers a reader bound to ts.
func (w *Watermark) AddReader(ts types.TS) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ref, ok := w.readers.Get(tsRef{ts: ts})
	if !ok {
		ref = tsRef{ts: ts}
	}
	ref.count++
	w.readers.ReplaceOrInsert(ref)
}

// RemoveReader drops one registration of ts.
func (w *Watermark) RemoveReader(ts types.TS) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ref, ok := w.readers.Get(tsRef{ts: ts})
	if !ok {
		return
	}
	ref.count--
	if ref.count <= 0 {
		w.readers.Delete(ref)
		return
	}
	w.readers.ReplaceOrInsert(ref)
}

// Lowest returns the smallest active snapshot timestamp. ok is false
// when no reader is active.
func (w *Watermark) Lowest() (ts types.TS, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ref, ok := w.readers.Min()
	return ref.ts, ok
}

// NumReaders returns the count of distinct active snapshot timestamps.
func (w *Watermark) NumReaders() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readers.Len()
}
