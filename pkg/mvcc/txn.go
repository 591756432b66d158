package mvcc

import (
	"bytes"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// RawIterator is the raw-key iterator the storage layer hands back for
// a bound snapshot: versions resolved, tombstones dropped. Close
// releases the snapshot pin and is idempotent.
type RawIterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next() error
	Close()
}

// Store is the slice of the engine a transaction reads through and
// commits into.
type Store interface {
	// GetAt resolves key at the given snapshot.
	GetAt(key []byte, readTs types.TS) ([]byte, bool, error)
	// ScanAt iterates [lower, upper] at the given snapshot.
	ScanAt(lower, upper iterators.Bound, readTs types.TS) (RawIterator, error)
	// ApplyCommit durably applies the batch under one timestamp and
	// returns it. The oracle's commit lock is held by the caller.
	ApplyCommit(batch []types.Record) (types.TS, error)
}

type localEntry struct {
	key   []byte
	value []byte // empty marks a local delete
}

func localLess(a, b localEntry) bool { return bytes.Compare(a.key, b.key) < 0 }

// Txn is a snapshot-isolated transaction. Writes buffer locally and
// become visible to others only at Commit. Not safe for concurrent use
// by multiple goroutines.
type Txn struct {
	store  Store
	oracle *Oracle
	readTs types.TS

	local *btree.BTreeG[localEntry]

	// key hash sets, tracked only in serializable mode
	reads  map[uint64]struct{}
	writes map[uint64]struct{}

	mu       sync.Mutex
	finished bool
}

// NewTxn binds a transaction to the current snapshot. serializable
// enables read-set tracking and commit-time validation.
func NewTxn(store Store, oracle *Oracle, serializable bool) *Txn {
	t := &Txn{
		store:  store,
		oracle: oracle,
		readTs: oracle.ReadTs(),
		local:  btree.NewG(16, localLess),
	}
	if serializable {
		t.reads = make(map[uint64]struct{})
		t.writes = make(map[uint64]struct{})
	}
	return t
}

// ReadTs returns the snapshot timestamp the transaction is bound to.
func (t *Txn) ReadTs() types.TS { return t.readTs }

func (t *Txn) trackRead(key []byte) {
	if t.reads != nil {
		t.reads[xxhash.Sum64(key)] = struct{}{}
	}
}

// Get reads through the local buffer first, then the bound snapshot.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	if err := t.active(); err != nil {
		return nil, false, err
	}
	t.trackRead(key)
	if e, ok := t.local.Get(localEntry{key: key}); ok {
		if len(e.value) == 0 {
			return nil, false, nil
		}
		return append([]byte(nil), e.value...), true, nil
	}
	return t.store.GetAt(key, t.readTs)
}

// Put buffers a write. It is visible to this transaction's own reads
// immediately.
func (t *Txn) Put(key, value []byte) error {
	if err := t.active(); err != nil {
		return err
	}
	if t.writes != nil {
		t.writes[xxhash.Sum64(key)] = struct{}{}
	}
	t.local.ReplaceOrInsert(localEntry{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

// Delete buffers a tombstone.
func (t *Txn) Delete(key []byte) error {
	return t.Put(key, nil)
}

// Scan merges the local buffer over the snapshot, newest first on
// equal keys. Local tombstones hide snapshot entries.
func (t *Txn) Scan(lower, upper iterators.Bound) (*TxnIterator, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	snap, err := t.store.ScanAt(lower, upper, t.readTs)
	if err != nil {
		return nil, err
	}
	inner, err := iterators.NewTwoMerge(t.localIter(lower, upper), &rawAdapter{it: snap})
	if err != nil {
		snap.Close()
		return nil, err
	}
	ti := &TxnIterator{txn: t, inner: inner, snap: snap}
	if err := ti.skipDeleted(); err != nil {
		snap.Close()
		return nil, err
	}
	return ti, nil
}

// localIter materializes the buffered writes inside the bounds.
func (t *Txn) localIter(lower, upper iterators.Bound) iterators.StorageIterator {
	var entries []iterators.Entry
	t.local.Ascend(func(e localEntry) bool {
		if !iterators.AboveLower(e.key, lower) {
			return true
		}
		if !iterators.BelowUpper(e.key, upper) {
			return false
		}
		entries = append(entries, iterators.Entry{Key: keyAt(e.key), Value: e.value})
		return true
	})
	return iterators.NewSlice(entries)
}

// Commit validates (in serializable mode) and applies the buffered
// writes as one atomic batch.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return dberrors.ErrTxnFinished
	}
	t.finished = true
	t.mu.Unlock()
	defer t.oracle.DoneRead(t.readTs)

	batch := make([]types.Record, 0, t.local.Len())
	t.local.Ascend(func(e localEntry) bool {
		batch = append(batch, types.Record{Key: e.key, Value: e.value})
		return true
	})
	if len(batch) == 0 {
		return nil
	}

	_, err := t.oracle.Commit(t.readTs, t.reads, t.writes, func() (types.TS, error) {
		return t.store.ApplyCommit(batch)
	})
	return err
}

// Rollback discards the buffered writes and releases the snapshot.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return dberrors.ErrTxnFinished
	}
	t.finished = true
	t.local.Clear(false)
	t.oracle.DoneRead(t.readTs)
	return nil
}

func (t *Txn) active() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return dberrors.ErrTxnFinished
	}
	return nil
}
