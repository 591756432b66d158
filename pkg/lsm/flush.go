package lsm

import (
	"fmt"

	"github.com/wcygan/mini-lsm/pkg/compaction"
	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/manifest"
	"github.com/wcygan/mini-lsm/pkg/memtable"
	"github.com/wcygan/mini-lsm/pkg/sstable"
)

// Flush forces the current memtable to disk: freeze, then drain the
// frozen stack.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	err := e.oracle.Barrier(func() error {
		if e.state.Load().active.Empty() {
			return nil
		}
		return e.freezeActive()
	})
	if err != nil {
		return err
	}
	return e.drainImms()
}

// flushPass is the flush worker body: retry any deferred freeze, then
// drain.
func (e *Engine) flushPass() error {
	if e.state.Load().active.ApproxSize() >= uint64(e.cfg.Memtable.FreezeThresholdBytes) {
		err := e.oracle.Barrier(func() error {
			if e.state.Load().active.ApproxSize() < uint64(e.cfg.Memtable.FreezeThresholdBytes) {
				return nil
			}
			return e.freezeActive()
		})
		if err != nil {
			return err
		}
	}
	return e.drainImms()
}

func (e *Engine) drainImms() error {
	for len(e.state.Load().imms) > 0 {
		if err := e.flushOldest(); err != nil {
			return err
		}
	}
	return nil
}

// flushOldest persists the oldest frozen memtable as an L0 table (or a
// new tier) and drops its WAL. The memtable leaves the state only after
// the manifest records its replacement.
func (e *Engine) flushOldest() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	st := e.state.Load()
	if len(st.imms) == 0 {
		return nil
	}
	imm := st.imms[len(st.imms)-1]
	id := imm.ID()

	if imm.Empty() {
		if err := e.manifest.Append(manifest.Flush(id, 0)); err != nil {
			return err
		}
		e.removeFlushed(imm, nil, compaction.TableMeta{})
		return imm.DropWAL()
	}

	builder := sstable.NewTableBuilder(
		e.cfg.SSTable.BlockSizeBytes, e.cfg.SSTable.BloomFPRate, e.cfg.SSTable.Compress)
	it := imm.All()
	for it.Valid() {
		builder.Add(it.Key(), it.Value())
		it.Next()
	}
	tbl, err := builder.Build(id, e.dir, e.cache)
	if err != nil {
		return fmt.Errorf("failed to flush memtable %d: %w", id, err)
	}

	// Durability order: the manifest record lands before the memtable
	// leaves the state, so a crash in between replays to the same tree.
	if err := e.manifest.Append(manifest.Flush(id, id)); err != nil {
		tbl.Close()
		return err
	}

	meta := compaction.TableMeta{
		ID:       id,
		Size:     tbl.Size(),
		FirstKey: tbl.FirstKey().Raw,
		LastKey:  tbl.LastKey().Raw,
	}
	e.removeFlushed(imm, tbl, meta)

	e.counters.flushes.Add(1)
	e.log.Info("flushed memtable", "table", id, "size", tbl.Size())
	if err := imm.DropWAL(); err != nil {
		e.log.Warn("failed to drop wal", "id", id, "err", err)
	}
	e.compactor.Notify()
	return nil
}

// removeFlushed swaps in a state without the flushed memtable. tbl is
// nil when the memtable was empty.
func (e *Engine) removeFlushed(imm *memtable.MemTable, tbl *sstable.Table, meta compaction.TableMeta) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	cur := e.state.Load()
	next := cur.clone()
	next.imms = next.imms[:len(next.imms)-1]
	if tbl != nil {
		if e.strategy.FlushToL0() {
			next.disk.L0 = append([]compaction.TableMeta{meta}, next.disk.L0...)
		} else {
			next.disk.Levels = append([][]compaction.TableMeta{{meta}}, next.disk.Levels...)
		}
		next.tables[meta.ID] = tbl
	}
	e.swapState(next)
}
