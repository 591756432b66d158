// Package lsm wires the storage engine together: an active memtable
// over a stack of frozen ones, leveled SSTables behind a manifest, and
// the background flush and compaction workers. All shared state lives
// in one immutable snapshot behind an atomic pointer; readers load it
// once per operation, writers install a replacement under a short
// exclusive section.
package lsm

import (
	"github.com/wcygan/mini-lsm/pkg/compaction"
	"github.com/wcygan/mini-lsm/pkg/memtable"
	"github.com/wcygan/mini-lsm/pkg/sstable"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// storageState is one immutable snapshot of the whole tree. imms holds
// frozen memtables newest first; disk mirrors the level structure the
// compaction strategies plan over; tables maps every live id to its
// open file.
type storageState struct {
	active *memtable.MemTable
	imms   []*memtable.MemTable
	disk   *compaction.State
	tables map[types.TableID]*sstable.Table
}

func newStorageState(active *memtable.MemTable) *storageState {
	return &storageState{
		active: active,
		disk:   &compaction.State{},
		tables: make(map[types.TableID]*sstable.Table),
	}
}

// clone makes a shallow copy safe to mutate before a swap. Memtables
// and tables are shared; the containers are fresh.
func (s *storageState) clone() *storageState {
	c := &storageState{
		active: s.active,
		imms:   append([]*memtable.MemTable(nil), s.imms...),
		disk:   s.disk.Clone(),
		tables: make(map[types.TableID]*sstable.Table, len(s.tables)),
	}
	for id, t := range s.tables {
		c.tables[id] = t
	}
	return c
}

// diskTables returns the open tables for a run of metas, skipping ids
// that have already left the table map.
func (s *storageState) diskTables(metas []compaction.TableMeta) []*sstable.Table {
	out := make([]*sstable.Table, 0, len(metas))
	for _, m := range metas {
		if t, ok := s.tables[m.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}
