package lsm

import (
	"fmt"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/keys"
	"github.com/wcygan/mini-lsm/pkg/sstable"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// Put stores key=value under a fresh commit timestamp.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidConfig)
	}
	e.counters.puts.Add(1)
	return e.WriteBatch([]types.Record{{Key: key, Value: value}})
}

// Delete writes a tombstone: a put with an empty value.
func (e *Engine) Delete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidConfig)
	}
	e.counters.deletes.Add(1)
	return e.WriteBatch([]types.Record{{Key: key}})
}

// WriteBatch applies the records atomically: one commit timestamp, one
// WAL append, all-or-nothing across crash recovery.
func (e *Engine) WriteBatch(batch []types.Record) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(batch) == 0 {
		return nil
	}
	_, err := e.oracle.Commit(0, nil, nil, func() (types.TS, error) {
		return e.ApplyCommit(batch)
	})
	return err
}

// ApplyCommit applies a validated batch under the commit lock, held by
// the oracle. It allocates the commit timestamp, appends the batch to
// the active WAL and memtable, then freezes the memtable if it crossed
// the threshold.
func (e *Engine) ApplyCommit(batch []types.Record) (types.TS, error) {
	if e.closed.Load() {
		return 0, dberrors.ErrClosed
	}
	for _, r := range batch {
		if len(r.Key) > sstable.MaxKeyLen {
			return 0, fmt.Errorf("%w: key is %d bytes, limit %d",
				dberrors.ErrTooLargeEntry, len(r.Key), sstable.MaxKeyLen)
		}
		if len(r.Value) > sstable.MaxValueLen {
			return 0, fmt.Errorf("%w: value is %d bytes, limit %d",
				dberrors.ErrTooLargeEntry, len(r.Value), sstable.MaxValueLen)
		}
	}
	ts := e.clk.Next()
	entries := make([]iterators.Entry, len(batch))
	for i, r := range batch {
		entries[i] = iterators.Entry{Key: keys.New(r.Key, ts), Value: r.Value}
	}

	st := e.state.Load()
	if err := st.active.PutBatch(entries, ts); err != nil {
		return 0, fmt.Errorf("failed to apply batch at ts %d: %w", ts, err)
	}

	if st.active.ApproxSize() >= uint64(e.cfg.Memtable.FreezeThresholdBytes) {
		// The batch is already durable; a failed freeze only delays the
		// rotation and the flush worker will retry it.
		if err := e.freezeActive(); err != nil {
			e.log.Error("freeze failed", "err", err)
		} else {
			e.stallOnImmBacklog()
		}
	}
	return ts, nil
}

// stallOnImmBacklog keeps the frozen stack bounded: when the flusher
// falls behind, the writer that tipped it over does the flushing.
func (e *Engine) stallOnImmBacklog() {
	for len(e.state.Load().imms) > e.cfg.Memtable.MaxImmTables {
		if err := e.flushOldest(); err != nil {
			e.log.Error("inline flush failed", "err", err)
			return
		}
	}
}
