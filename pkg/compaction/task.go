package compaction

import (
	"github.com/wcygan/mini-lsm/pkg/config"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// Task describes one planned merge. It is serialized into the manifest,
// so every field carries a JSON tag.
type Task struct {
	Strategy config.CompactionStrategy `json:"strategy"`

	// UpperLevel is the source level; -1 means L0.
	UpperLevel int             `json:"upper_level"`
	UpperIDs   []types.TableID `json:"upper_ids"`

	// LowerLevel is the destination level the outputs land in.
	LowerLevel int             `json:"lower_level"`
	LowerIDs   []types.TableID `json:"lower_ids,omitempty"`

	// Tiers is the count of top tiers a tiered task merges. UpperIDs
	// then holds the concatenated runs, newest tier first.
	Tiers int `json:"tiers,omitempty"`

	// Bottom marks the output as the bottom-most level, which lets the
	// executor drop tombstones and watermarked older versions for good.
	Bottom bool `json:"bottom"`
}

// InputIDs returns every table id the task consumes, upper before lower.
func (t *Task) InputIDs() []types.TableID {
	ids := make([]types.TableID, 0, len(t.UpperIDs)+len(t.LowerIDs))
	ids = append(ids, t.UpperIDs...)
	ids = append(ids, t.LowerIDs...)
	return ids
}

// SortedUpper reports whether the upper input is a single key-ordered,
// non-overlapping run. L0 tables and tiered runs overlap and need a
// full merge; a leveled source taken from level >= 1 can be chained.
func (t *Task) SortedUpper() bool {
	return t.Strategy == config.CompactionLeveled && t.UpperLevel >= 1
}
