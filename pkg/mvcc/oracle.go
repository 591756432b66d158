package mvcc

import (
	"sync"

	"github.com/wcygan/mini-lsm/pkg/clock"
	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// committedTxn remembers enough of a finished transaction to validate
// later serializable commits against it.
type committedTxn struct {
	readTs      types.TS
	commitTs    types.TS
	writeHashes map[uint64]struct{}
}

// Oracle owns timestamp allocation and the commit critical section.
// One oracle serves one engine.
type Oracle struct {
	clock     *clock.AtomicClock
	watermark *Watermark

	// commitMu serializes validation, timestamp allocation and the
	// batch apply, so commit timestamps equal apply order.
	commitMu sync.Mutex

	mu        sync.Mutex
	committed []committedTxn
}

func NewOracle(c *clock.AtomicClock) *Oracle {
	return &Oracle{
		clock:     c,
		watermark: NewWatermark(),
	}
}

// ReadTs binds a new reader to the current snapshot and registers it
// with the watermark. Callers must pair it with DoneRead.
func (o *Oracle) ReadTs() types.TS {
	ts := o.clock.Val()
	o.watermark.AddReader(ts)
	return ts
}

func (o *Oracle) DoneRead(ts types.TS) {
	o.watermark.RemoveReader(ts)
}

// Pin registers an extra reader at an already-allocated snapshot, used
// by iterators that outlive the call that created them.
func (o *Oracle) Pin(ts types.TS) {
	o.watermark.AddReader(ts)
}

func (o *Oracle) Unpin(ts types.TS) {
	o.watermark.RemoveReader(ts)
}

// NumActiveReaders reports how many distinct snapshots are held open.
func (o *Oracle) NumActiveReaders() int {
	return o.watermark.NumReaders()
}

// Barrier runs fn inside the commit critical section with no write in
// flight. The engine uses it to freeze the active memtable.
func (o *Oracle) Barrier(fn func() error) error {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	return fn()
}

// Watermark returns the garbage collection bound: the lowest active
// snapshot, or the current clock when no reader is active.
func (o *Oracle) Watermark() types.TS {
	if ts, ok := o.watermark.Lowest(); ok {
		return ts
	}
	return o.clock.Val()
}

// CommitFn applies a validated batch and returns its commit timestamp.
type CommitFn func() (types.TS, error)

// Commit runs the commit critical section: validation of the read set
// against transactions committed after readTs, then the apply. Nil
// hash sets skip tracking entirely; only serializable transactions
// supply them.
func (o *Oracle) Commit(readTs types.TS, readHashes, writeHashes map[uint64]struct{}, apply CommitFn) (types.TS, error) {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	if len(readHashes) > 0 {
		if conflict := o.conflicts(readTs, readHashes); conflict {
			return 0, dberrors.ErrConflict
		}
	}

	commitTs, err := apply()
	if err != nil {
		return 0, err
	}

	if len(writeHashes) > 0 {
		o.mu.Lock()
		o.committed = append(o.committed, committedTxn{
			readTs:      readTs,
			commitTs:    commitTs,
			writeHashes: writeHashes,
		})
		o.pruneCommitted()
		o.mu.Unlock()
	}
	return commitTs, nil
}

// conflicts reports whether any transaction committed after readTs
// wrote a key this transaction read.
func (o *Oracle) conflicts(readTs types.TS, readHashes map[uint64]struct{}) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range o.committed {
		if c.commitTs <= readTs {
			continue
		}
		for h := range readHashes {
			if _, ok := c.writeHashes[h]; ok {
				return true
			}
		}
	}
	return false
}

// pruneCommitted forgets transactions no live reader could conflict
// with. Caller holds o.mu.
func (o *Oracle) pruneCommitted() {
	bound, ok := o.watermark.Lowest()
	if !ok {
		bound = o.clock.Val()
	}
	kept := o.committed[:0]
	for _, c := range o.committed {
		if c.commitTs > bound {
			kept = append(kept, c)
		}
	}
	o.committed = kept
}
