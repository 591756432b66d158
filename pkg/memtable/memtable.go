// Package memtable buffers recent writes in a concurrent sorted map,
// backed by a write-ahead log for durability. A memtable is mutable
// while active, frozen when it crosses the size threshold, and destroyed
// once flushed into an SSTable.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/keys"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// entryOverhead approximates the per-entry bookkeeping cost counted
// toward the freeze threshold: 8 bytes of timestamp plus the two length
// prefixes the entry costs on disk.
const entryOverhead = 16

// version is one committed value of a key. A key's versions are kept
// newest first so a reader takes the first one at or below its read
// timestamp.
type version struct {
	ts    types.TS
	value []byte
}

// MemTable maps raw keys to their version lists in a concurrent sorted
// map, so a point lookup is a single skipmap Load. Readers and writers
// proceed without external locking; the size counter is a relaxed
// running estimate, good enough to decide freeze timing.
type MemTable struct {
	id   uint64
	m    *skipmap.FuncMap[[]byte, []version]
	wal  *WAL
	size atomic.Uint64
}

// New creates a memtable with no WAL. Used by tests and by recovery
// paths that replay into a throwaway table.
func New(id uint64) *MemTable {
	return &MemTable{
		id: id,
		m: skipmap.NewFunc[[]byte, []version](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// NewWithWAL creates a memtable whose mutations are logged to a fresh
// WAL file at path before they become visible in memory.
func NewWithWAL(id uint64, path string, syncOnWrite bool) (*MemTable, error) {
	wal, err := OpenWAL(path, syncOnWrite)
	if err != nil {
		return nil, err
	}
	mt := New(id)
	mt.wal = wal
	return mt, nil
}

// Recover rebuilds a memtable from an existing WAL file, reopening the
// log for further appends. It returns the highest commit timestamp seen
// so the engine clock can be advanced past it.
func Recover(id uint64, path string, syncOnWrite bool) (*MemTable, types.TS, error) {
	mt := New(id)
	maxTs, err := ReplayWAL(path, func(key keys.Key, value []byte) {
		mt.apply(key, value)
	})
	if err != nil {
		return nil, 0, err
	}
	wal, err := OpenWAL(path, syncOnWrite)
	if err != nil {
		return nil, 0, err
	}
	mt.wal = wal
	return mt, maxTs, nil
}

func (mt *MemTable) ID() uint64 {
	return mt.id
}

// ApproxSize is a relaxed estimate of the table's payload bytes.
func (mt *MemTable) ApproxSize() uint64 {
	return mt.size.Load()
}

func (mt *MemTable) Empty() bool {
	return mt.m.Len() == 0
}

// Put logs the mutation and applies it. A delete is a put with an empty
// value. WAL order is the durability order: the record hits the log
// before the map.
func (mt *MemTable) Put(key keys.Key, value []byte) error {
	if mt.wal != nil {
		if err := mt.wal.AppendPut(key, value); err != nil {
			return err
		}
	}
	mt.apply(key.Clone(), bytes.Clone(value))
	return nil
}

// PutBatch logs every record plus a commit marker under one WAL append,
// then applies them. Replay treats the batch as all-or-nothing.
func (mt *MemTable) PutBatch(entries []iterators.Entry, ts types.TS) error {
	if mt.wal != nil {
		if err := mt.wal.AppendBatch(entries, ts); err != nil {
			return err
		}
	}
	for _, ent := range entries {
		mt.apply(ent.Key.Clone(), bytes.Clone(ent.Value))
	}
	return nil
}

// apply inserts one version of a key. Writers are serialized by the
// engine's commit lock; readers may race, so the version list is
// replaced wholesale rather than mutated in place.
func (mt *MemTable) apply(key keys.Key, value []byte) {
	old, _ := mt.m.Load(key.Raw)
	vs := make([]version, 0, len(old)+1)
	placed := false
	for _, v := range old {
		if !placed && key.Ts >= v.ts {
			vs = append(vs, version{ts: key.Ts, value: value})
			placed = true
			if v.ts == key.Ts {
				// Rewrite within one commit, last write wins.
				continue
			}
		}
		vs = append(vs, v)
	}
	if !placed {
		vs = append(vs, version{ts: key.Ts, value: value})
	}
	mt.m.Store(key.Raw, vs)
	mt.size.Add(uint64(len(key.Raw)+len(value)) + entryOverhead)
}

// Get returns the newest version of key committed at or before readTs.
// The boolean reports presence of a version, which may be a tombstone.
func (mt *MemTable) Get(key []byte, readTs types.TS) ([]byte, bool) {
	vs, ok := mt.m.Load(key)
	if !ok {
		return nil, false
	}
	// Versions sort newest first, so the first visible one wins.
	for _, v := range vs {
		if v.ts <= readTs {
			return v.value, true
		}
	}
	return nil, false
}

// Scan materializes every version inside the raw-key bounds with a
// timestamp at or below readTs, in order. Frozen tables are immutable so
// the snapshot is exact; for the active table it reflects some
// consistent prefix of concurrent writes, which MVCC filtering already
// tolerates.
func (mt *MemTable) Scan(lower, upper iterators.Bound, readTs types.TS) *iterators.SliceIterator {
	var out []iterators.Entry
	mt.m.Range(func(raw []byte, vs []version) bool {
		if !iterators.AboveLower(raw, lower) {
			return true
		}
		if !iterators.BelowUpper(raw, upper) {
			return false
		}
		for _, v := range vs {
			if v.ts <= readTs {
				out = append(out, iterators.Entry{Key: keys.Key{Raw: raw, Ts: v.ts}, Value: v.value})
			}
		}
		return true
	})
	return iterators.NewSlice(out)
}

// All returns every entry in order, all versions included. The flush
// path streams this into an SSTable builder.
func (mt *MemTable) All() *iterators.SliceIterator {
	out := make([]iterators.Entry, 0, mt.m.Len())
	mt.m.Range(func(raw []byte, vs []version) bool {
		for _, v := range vs {
			out = append(out, iterators.Entry{Key: keys.Key{Raw: raw, Ts: v.ts}, Value: v.value})
		}
		return true
	})
	return iterators.NewSlice(out)
}

// SyncWAL forces the log to stable storage.
func (mt *MemTable) SyncWAL() error {
	if mt.wal == nil {
		return nil
	}
	return mt.wal.Sync()
}

// CloseWAL closes the log file, leaving it on disk for recovery.
func (mt *MemTable) CloseWAL() error {
	if mt.wal == nil {
		return nil
	}
	return mt.wal.Close()
}

// DropWAL closes and deletes the log. Called once the table's contents
// are durable in an SSTable recorded by the manifest.
func (mt *MemTable) DropWAL() error {
	if mt.wal == nil {
		return nil
	}
	return mt.wal.Remove()
}
