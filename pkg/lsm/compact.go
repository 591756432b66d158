package lsm

import (
	"bytes"
	"fmt"

	"github.com/wcygan/mini-lsm/pkg/compaction"
	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/manifest"
	"github.com/wcygan/mini-lsm/pkg/sstable"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// Compact runs one compaction pass synchronously. It returns nil when
// the strategy proposes nothing.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	_, err := e.runCompaction()
	return err
}

// compactPass is the compaction worker body: keep merging while the
// strategy has work, then sweep superseded files.
func (e *Engine) compactPass() error {
	for {
		did, err := e.runCompaction()
		if err != nil {
			return err
		}
		if !did {
			break
		}
	}
	e.sweepPending(false)
	return nil
}

func (e *Engine) runCompaction() (bool, error) {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	st := e.state.Load()
	task := e.strategy.Propose(st.disk)
	if task == nil {
		return false, nil
	}

	outMetas, outTables, err := e.executeTask(st, task)
	if err != nil {
		// Outputs already on disk are orphans; recovery sweeps them.
		for _, t := range outTables {
			t.Close()
		}
		return false, err
	}

	// The manifest record makes the transition durable before the old
	// tables leave the state; a crash in between replays to the new
	// tree and sweeps the inputs as orphans.
	if err := e.manifest.Append(manifest.Compaction(task, compaction.TableIDs(outMetas))); err != nil {
		for _, t := range outTables {
			t.Close()
		}
		return false, err
	}

	var removed []*sstable.Table
	e.stateMu.Lock()
	cur := e.state.Load()
	next := cur.clone()
	next.disk = e.strategy.Apply(cur.disk, task, outMetas)
	for _, id := range task.InputIDs() {
		if t, ok := next.tables[id]; ok {
			delete(next.tables, id)
			removed = append(removed, t)
		}
	}
	for i, t := range outTables {
		next.tables[outMetas[i].ID] = t
	}
	e.swapState(next)
	e.stateMu.Unlock()

	for _, t := range removed {
		e.scheduleDelete(t)
	}
	e.counters.compactions.Add(1)
	e.log.Info("compaction done",
		"strategy", task.Strategy, "upper", task.UpperLevel, "lower", task.LowerLevel,
		"inputs", len(task.InputIDs()), "outputs", len(outMetas), "bottom", task.Bottom)
	return true, nil
}

// executeTask streams the task's inputs through a merge into fresh
// tables, splitting at the target size on raw-key boundaries.
func (e *Engine) executeTask(st *storageState, task *compaction.Task) ([]compaction.TableMeta, []*sstable.Table, error) {
	upper, err := e.taskIter(st, task.UpperIDs, task.SortedUpper())
	if err != nil {
		return nil, nil, err
	}
	lower, err := e.taskIter(st, task.LowerIDs, true)
	if err != nil {
		return nil, nil, err
	}
	it, err := iterators.NewTwoMerge(upper, lower)
	if err != nil {
		return nil, nil, err
	}

	var (
		outMetas  []compaction.TableMeta
		outTables []*sstable.Table
		builder   *sstable.TableBuilder
		lastRaw   []byte
		keptBelow bool
	)
	watermark := e.oracle.Watermark()
	target := e.cfg.SSTable.TargetSizeBytes

	seal := func() error {
		if builder == nil || builder.Empty() {
			return nil
		}
		id := e.allocID()
		tbl, err := builder.Build(id, e.dir, e.cache)
		if err != nil {
			return fmt.Errorf("compaction output %d: %w", id, err)
		}
		outMetas = append(outMetas, compaction.TableMeta{
			ID:       id,
			Size:     tbl.Size(),
			FirstKey: tbl.FirstKey().Raw,
			LastKey:  tbl.LastKey().Raw,
		})
		outTables = append(outTables, tbl)
		builder = nil
		return nil
	}

	for it.Valid() {
		k := it.Key()
		sameKey := bytes.Equal(k.Raw, lastRaw)
		if !sameKey {
			lastRaw = append(lastRaw[:0], k.Raw...)
			keptBelow = false
		}

		keep := true
		if k.Ts <= watermark {
			// Only the newest version at or below the watermark stays;
			// nothing older can be observed anymore. At the bottom of
			// the tree that survivor is dropped too when it is a
			// tombstone.
			if keptBelow {
				keep = false
			} else {
				keptBelow = true
				if task.Bottom && len(it.Value()) == 0 {
					keep = false
				}
			}
		}

		if keep {
			if builder != nil && !sameKey && builder.EstimatedSize() >= target {
				if err := seal(); err != nil {
					return nil, outTables, err
				}
			}
			if builder == nil {
				builder = sstable.NewTableBuilder(
					e.cfg.SSTable.BlockSizeBytes, e.cfg.SSTable.BloomFPRate, e.cfg.SSTable.Compress)
			}
			builder.Add(k, it.Value())
		}
		if err := it.Next(); err != nil {
			return nil, outTables, err
		}
	}
	if err := seal(); err != nil {
		return nil, outTables, err
	}
	return outMetas, outTables, nil
}

// taskIter builds an iterator over the given input tables, chained when
// they form one sorted run, merged otherwise.
func (e *Engine) taskIter(st *storageState, ids []types.TableID, sorted bool) (iterators.StorageIterator, error) {
	tables := make([]*sstable.Table, 0, len(ids))
	for _, id := range ids {
		if t, ok := st.tables[id]; ok {
			tables = append(tables, t)
		}
	}
	if sorted {
		openers := make([]iterators.Opener, len(tables))
		for i, t := range tables {
			tbl := t
			openers[i] = func() (iterators.StorageIterator, error) {
				return sstable.NewTableIter(tbl)
			}
		}
		return iterators.NewConcat(openers)
	}
	srcs := make([]iterators.StorageIterator, 0, len(tables))
	for _, t := range tables {
		it, err := sstable.NewTableIter(t)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, it)
	}
	return iterators.NewMerge(srcs), nil
}
