// Package compaction decides which tables to merge and how the level
// structure changes afterwards. The three strategies share one
// propose/apply contract and are selected by configuration. Strategies
// plan over table metadata only; opening files and streaming entries is
// the engine's job.
package compaction

import (
	"bytes"

	"github.com/wcygan/mini-lsm/pkg/types"
)

// TableMeta is the slice of table information a strategy plans over.
type TableMeta struct {
	ID       types.TableID
	Size     int64
	FirstKey []byte
	LastKey  []byte
}

// State is the level structure a strategy inspects and transforms.
// L0 is ordered newest first and its tables may overlap. Levels[i]
// holds level i+1; under simple and leveled each level is key-ordered
// and non-overlapping, under tiered each entry is one sorted run with
// the newest run first.
type State struct {
	L0     []TableMeta
	Levels [][]TableMeta
}

// Clone returns a deep copy. Apply implementations transform a clone so
// the caller's state stays untouched until the swap.
func (s *State) Clone() *State {
	c := &State{
		L0:     append([]TableMeta(nil), s.L0...),
		Levels: make([][]TableMeta, len(s.Levels)),
	}
	for i, lvl := range s.Levels {
		c.Levels[i] = append([]TableMeta(nil), lvl...)
	}
	return c
}

// LevelSize returns the cumulative byte size of one level. Level 0 is
// L0, level n (n >= 1) is Levels[n-1].
func (s *State) LevelSize(level int) int64 {
	var tables []TableMeta
	if level == 0 {
		tables = s.L0
	} else if level-1 < len(s.Levels) {
		tables = s.Levels[level-1]
	}
	var total int64
	for _, t := range tables {
		total += t.Size
	}
	return total
}

// TableIDs flattens a meta slice into ids.
func TableIDs(tables []TableMeta) []types.TableID {
	ids := make([]types.TableID, len(tables))
	for i, t := range tables {
		ids[i] = t.ID
	}
	return ids
}

// overlapping selects the tables whose key range intersects
// [first, last]. Inputs are raw keys.
func overlapping(tables []TableMeta, first, last []byte) []TableMeta {
	var out []TableMeta
	for _, t := range tables {
		if bytes.Compare(t.LastKey, first) < 0 || bytes.Compare(t.FirstKey, last) > 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}

// keyRange returns the min first key and max last key across tables.
func keyRange(tables []TableMeta) (first, last []byte) {
	for i, t := range tables {
		if i == 0 || bytes.Compare(t.FirstKey, first) < 0 {
			first = t.FirstKey
		}
		if i == 0 || bytes.Compare(t.LastKey, last) > 0 {
			last = t.LastKey
		}
	}
	return first, last
}

// without filters the given ids out of a meta slice.
func without(tables []TableMeta, ids []types.TableID) []TableMeta {
	drop := make(map[types.TableID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := tables[:0:0]
	for _, t := range tables {
		if _, ok := drop[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// sortedByFirstKey inserts outputs into a key-ordered level.
func sortedByFirstKey(tables []TableMeta) []TableMeta {
	for i := 1; i < len(tables); i++ {
		for j := i; j > 0 && bytes.Compare(tables[j].FirstKey, tables[j-1].FirstKey) < 0; j-- {
			tables[j], tables[j-1] = tables[j-1], tables[j]
		}
	}
	return tables
}
