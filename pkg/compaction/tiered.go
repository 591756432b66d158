package compaction

import "github.com/wcygan/mini-lsm/pkg/config"

// Tiered keeps every flush as its own sorted run and merges a prefix of
// runs when the accumulated size of the newer runs outgrows the next
// older one, or when the run count itself gets out of hand. L0 is
// unused; flushes open a new top tier.
type Tiered struct {
	cfg config.CompactionConfig
}

func (t *Tiered) FlushToL0() bool { return false }

func (t *Tiered) Propose(st *State) *Task {
	tiers := st.Levels
	if len(tiers) < 2 {
		return nil
	}

	sizes := make([]int64, len(tiers))
	for i := range tiers {
		for _, tb := range tiers[i] {
			sizes[i] += tb.Size
		}
	}

	// A prefix of newer tiers that outweighs the next tier swallows it.
	var cum int64
	for i := 1; i < len(tiers); i++ {
		cum += sizes[i-1]
		if float64(cum) >= t.cfg.TieredSizeRatio*float64(sizes[i]) && i+1 >= t.cfg.TieredMinMergeWidth {
			return t.mergeTop(st, i+1)
		}
	}

	// Too many sorted runs hurts reads regardless of sizes.
	if len(tiers) > t.cfg.TieredMaxTiers {
		width := len(tiers) - t.cfg.TieredMaxTiers + 1
		if width < 2 {
			width = 2
		}
		return t.mergeTop(st, width)
	}
	return nil
}

func (t *Tiered) mergeTop(st *State, count int) *Task {
	task := &Task{
		Strategy:   config.CompactionTiered,
		UpperLevel: -1,
		LowerLevel: count,
		Tiers:      count,
		Bottom:     count == len(st.Levels),
	}
	for i := 0; i < count; i++ {
		task.UpperIDs = append(task.UpperIDs, TableIDs(st.Levels[i])...)
	}
	return task
}

func (t *Tiered) Apply(st *State, task *Task, outputs []TableMeta) *State {
	next := st.Clone()
	// Flushes during the merge prepend tiers, so the merged runs sit at
	// some offset; find them by the first table of the first merged run.
	at := 0
	for i, tier := range next.Levels {
		if len(tier) > 0 && tier[0].ID == task.UpperIDs[0] {
			at = i
			break
		}
	}
	merged := append([]TableMeta(nil), outputs...)
	rest := append([][]TableMeta{}, next.Levels[:at]...)
	rest = append(rest, merged)
	rest = append(rest, next.Levels[at+task.Tiers:]...)
	next.Levels = rest
	return next
}
