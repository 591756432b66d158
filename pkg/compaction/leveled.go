package compaction

import (
	"bytes"

	"github.com/wcygan/mini-lsm/pkg/config"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// Leveled maintains geometrically growing per-level size targets.
// L0 overflow compacts into the base level (the shallowest level with a
// nonzero target); otherwise the most oversized level pushes one table
// plus everything it overlaps into the level below.
type Leveled struct {
	cfg config.CompactionConfig
}

func (l *Leveled) FlushToL0() bool { return true }

// targets computes per-level size targets bottom-up. The bottom level's
// target is at least its real size, each level above gets a multiplier
// share, and levels whose share would fall under the base size get zero
// target, meaning data skips past them straight to the base level.
func (l *Leveled) targets(st *State) []int64 {
	n := l.cfg.LeveledMaxLevels
	real := make([]int64, n)
	for i := 0; i < n && i < len(st.Levels); i++ {
		for _, t := range st.Levels[i] {
			real[i] += t.Size
		}
	}
	targets := make([]int64, n)
	base := int64(l.cfg.LeveledBaseLevelBytes)
	targets[n-1] = real[n-1]
	if targets[n-1] < base {
		targets[n-1] = base
	}
	for i := n - 2; i >= 0; i-- {
		next := targets[i+1] / int64(l.cfg.LeveledSizeMultiplier)
		if targets[i+1] > base {
			targets[i] = next
		}
	}
	return targets
}

// baseLevel is the shallowest level with a nonzero target, 1-based.
func (l *Leveled) baseLevel(targets []int64) int {
	for i, t := range targets {
		if t > 0 {
			return i + 1
		}
	}
	return len(targets)
}

func (l *Leveled) Propose(st *State) *Task {
	targets := l.targets(st)

	if len(st.L0) >= l.cfg.LeveledL0Trigger {
		base := l.baseLevel(targets)
		first, last := keyRange(st.L0)
		var lower []TableMeta
		if base-1 < len(st.Levels) {
			lower = overlapping(st.Levels[base-1], first, last)
		}
		return &Task{
			Strategy:   config.CompactionLeveled,
			UpperLevel: -1,
			UpperIDs:   TableIDs(st.L0),
			LowerLevel: base,
			LowerIDs:   TableIDs(lower),
			Bottom:     base == l.cfg.LeveledMaxLevels,
		}
	}

	// Shallowest oversized level wins; the bottom level has no target
	// pressure and never initiates.
	for lvl := 1; lvl < l.cfg.LeveledMaxLevels; lvl++ {
		if lvl-1 >= len(st.Levels) {
			break
		}
		if st.LevelSize(lvl) <= targets[lvl-1] {
			continue
		}
		src := pickSource(st.Levels[lvl-1])
		var lower []TableMeta
		if lvl < len(st.Levels) {
			lower = overlapping(st.Levels[lvl], src.FirstKey, src.LastKey)
		}
		return &Task{
			Strategy:   config.CompactionLeveled,
			UpperLevel: lvl,
			UpperIDs:   []types.TableID{src.ID},
			LowerLevel: lvl + 1,
			LowerIDs:   TableIDs(lower),
			Bottom:     lvl+1 == l.cfg.LeveledMaxLevels,
		}
	}
	return nil
}

// pickSource selects the table with the smallest first key.
func pickSource(tables []TableMeta) TableMeta {
	src := tables[0]
	for _, t := range tables[1:] {
		if bytes.Compare(t.FirstKey, src.FirstKey) < 0 {
			src = t
		}
	}
	return src
}

func (l *Leveled) Apply(st *State, task *Task, outputs []TableMeta) *State {
	next := st.Clone()
	if task.UpperLevel == -1 {
		next.L0 = without(next.L0, task.UpperIDs)
	} else {
		next.Levels[task.UpperLevel-1] = without(next.Levels[task.UpperLevel-1], task.UpperIDs)
	}
	for len(next.Levels) < task.LowerLevel {
		next.Levels = append(next.Levels, nil)
	}
	lower := without(next.Levels[task.LowerLevel-1], task.LowerIDs)
	lower = append(lower, outputs...)
	next.Levels[task.LowerLevel-1] = sortedByFirstKey(lower)
	return next
}
