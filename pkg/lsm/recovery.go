package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/wcygan/mini-lsm/pkg/compaction"
	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/manifest"
	"github.com/wcygan/mini-lsm/pkg/memtable"
	"github.com/wcygan/mini-lsm/pkg/sstable"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// recover rebuilds the engine from an existing manifest: replay the
// records into a level structure, open the referenced files, sweep
// orphans, replay unflushed WALs and advance the clock past everything
// seen.
func (e *Engine) recover(manifestPath string) error {
	m, records, err := manifest.Open(manifestPath)
	if err != nil {
		return err
	}

	disk := &compaction.State{}
	var memIDs []types.TableID // creation order, oldest first
	var maxID types.TableID

	note := func(id types.TableID) {
		if id > maxID {
			maxID = id
		}
	}

	for _, rec := range records {
		switch rec.Kind {
		case manifest.KindNewMemtable:
			memIDs = append(memIDs, rec.MemtableID)
			note(rec.MemtableID)

		case manifest.KindFlush:
			memIDs = removeID(memIDs, rec.MemtableID)
			if rec.TableID == 0 {
				continue // the memtable was empty
			}
			meta := compaction.TableMeta{ID: rec.TableID}
			if e.strategy.FlushToL0() {
				disk.L0 = append([]compaction.TableMeta{meta}, disk.L0...)
			} else {
				disk.Levels = append([][]compaction.TableMeta{{meta}}, disk.Levels...)
			}
			note(rec.TableID)

		case manifest.KindCompaction:
			if rec.Task == nil {
				m.Close()
				return fmt.Errorf("%w: compaction record without task", dberrors.ErrCorruption)
			}
			outs := make([]compaction.TableMeta, len(rec.Outputs))
			for i, id := range rec.Outputs {
				outs[i] = compaction.TableMeta{ID: id}
				note(id)
			}
			disk = e.strategy.Apply(disk, rec.Task, outs)

		default:
			m.Close()
			return fmt.Errorf("%w: unknown manifest record %q", dberrors.ErrCorruption, rec.Kind)
		}
	}

	// Open every referenced table and fill in the real metadata the
	// replayed records could not carry.
	tables := make(map[types.TableID]*sstable.Table)
	var maxTs types.TS
	fill := func(metas []compaction.TableMeta) error {
		for i, meta := range metas {
			tbl, err := sstable.OpenTable(meta.ID, sstable.TablePath(e.dir, meta.ID), e.cache)
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: table %d referenced by manifest", dberrors.ErrMissingFile, meta.ID)
			}
			if err != nil {
				return err
			}
			metas[i] = compaction.TableMeta{
				ID:       meta.ID,
				Size:     tbl.Size(),
				FirstKey: tbl.FirstKey().Raw,
				LastKey:  tbl.LastKey().Raw,
			}
			tables[meta.ID] = tbl
			if tbl.MaxTs() > maxTs {
				maxTs = tbl.MaxTs()
			}
		}
		return nil
	}
	cleanup := func() {
		for _, t := range tables {
			t.Close()
		}
		m.Close()
	}
	if err := fill(disk.L0); err != nil {
		cleanup()
		return err
	}
	for _, level := range disk.Levels {
		if err := fill(level); err != nil {
			cleanup()
			return err
		}
	}
	if e.strategy.FlushToL0() {
		// Replay applied outputs with placeholder keys; restore the
		// key order of each sorted level. Tiered runs keep build order.
		for _, level := range disk.Levels {
			sortMetas(level)
		}
	}

	if err := e.reconcileDir(tables, memIDs); err != nil {
		cleanup()
		return err
	}

	// Recover the unflushed memtables, newest first.
	var imms []*memtable.MemTable
	for _, id := range memIDs {
		path := e.walPath(id)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		mt, ts, err := memtable.Recover(id, path, e.cfg.WAL.SyncOnWrite)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to recover wal %d: %w", id, err)
		}
		if ts > maxTs {
			maxTs = ts
		}
		imms = append([]*memtable.MemTable{mt}, imms...)
	}
	e.clk.Advance(maxTs)
	e.nextID.Store(maxID)

	id := e.allocID()
	active, err := memtable.NewWithWAL(id, e.walPath(id), e.cfg.WAL.SyncOnWrite)
	if err != nil {
		cleanup()
		return err
	}
	if err := m.Append(manifest.NewMemtable(id)); err != nil {
		cleanup()
		return err
	}

	e.manifest = m
	e.state.Store(&storageState{active: active, imms: imms, disk: disk, tables: tables})
	e.log.Info("recovered state", "tables", len(tables),
		"unflushed_memtables", len(imms), "clock", maxTs)
	return nil
}

// reconcileDir removes files the manifest does not account for: tables
// from unrecorded compactions, WALs of flushed memtables, abandoned
// temp files.
func (e *Engine) reconcileDir(tables map[types.TableID]*sstable.Table, memIDs []types.TableID) error {
	live := make(map[types.TableID]struct{}, len(memIDs))
	for _, id := range memIDs {
		live[id] = struct{}{}
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("failed to read data dir: %w", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		switch {
		case name == manifest.FileName:

		case strings.Contains(name, ".tmp."):
			e.removeOrphan(name)

		case strings.HasSuffix(name, ".sst"):
			id, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
			if err != nil {
				continue
			}
			if _, ok := tables[id]; !ok {
				e.removeOrphan(name)
			}

		case strings.HasSuffix(name, ".wal"):
			id, err := strconv.ParseUint(strings.TrimSuffix(name, ".wal"), 10, 64)
			if err != nil {
				continue
			}
			if _, ok := live[id]; !ok {
				e.removeOrphan(name)
			}
		}
	}
	return nil
}

func (e *Engine) removeOrphan(name string) {
	if err := os.Remove(filepath.Join(e.dir, name)); err != nil {
		e.log.Warn("failed to remove orphan", "file", name, "err", err)
		return
	}
	e.log.Info("removed orphan", "file", name)
}

func removeID(ids []types.TableID, id types.TableID) []types.TableID {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func sortMetas(metas []compaction.TableMeta) {
	sort.Slice(metas, func(i, j int) bool {
		return string(metas[i].FirstKey) < string(metas[j].FirstKey)
	})
}
