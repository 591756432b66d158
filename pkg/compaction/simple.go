package compaction

import "github.com/wcygan/mini-lsm/pkg/config"

// Simple merges the whole of L0 with the whole of L1 once L0 grows past
// its trigger. Cheap to reason about, heavy on write amplification.
type Simple struct {
	cfg config.CompactionConfig
}

func (s *Simple) FlushToL0() bool { return true }

func (s *Simple) Propose(st *State) *Task {
	if len(st.L0) < s.cfg.SimpleL0Trigger {
		return nil
	}
	var lower []TableMeta
	if len(st.Levels) > 0 {
		lower = st.Levels[0]
	}
	return &Task{
		Strategy:   config.CompactionSimple,
		UpperLevel: -1,
		UpperIDs:   TableIDs(st.L0),
		LowerLevel: 1,
		LowerIDs:   TableIDs(lower),
		// L1 is the only sorted level this strategy maintains, so every
		// merge lands at the bottom and may drop dead tombstones.
		Bottom: true,
	}
}

func (s *Simple) Apply(st *State, task *Task, outputs []TableMeta) *State {
	next := st.Clone()
	// Tables flushed while the merge ran stay in L0.
	next.L0 = without(next.L0, task.UpperIDs)
	for len(next.Levels) < 1 {
		next.Levels = append(next.Levels, nil)
	}
	next.Levels[0] = append([]TableMeta(nil), outputs...)
	return next
}
