package sstable

import (
	"github.com/wcygan/mini-lsm/pkg/keys"
)

// TableIter scans one table forward, loading blocks as it crosses their
// boundaries.
type TableIter struct {
	table    *Table
	blockIdx int
	bi       *BlockIter
}

// NewTableIter positions at the table's first entry.
func NewTableIter(t *Table) (*TableIter, error) {
	it := &TableIter{table: t}
	if t.NumBlocks() == 0 {
		return it, nil
	}
	block, err := t.ReadBlock(0)
	if err != nil {
		return nil, err
	}
	it.bi = NewBlockIter(block)
	return it, it.skipExhausted()
}

// NewTableIterAt positions at the first entry with key >= target.
func NewTableIterAt(t *Table, target keys.Key) (*TableIter, error) {
	it := &TableIter{table: t}
	if t.NumBlocks() == 0 {
		return it, nil
	}
	it.blockIdx = t.FindBlockIdx(target)
	block, err := t.ReadBlock(it.blockIdx)
	if err != nil {
		return nil, err
	}
	it.bi = NewBlockIterAt(block, target)
	// The target may sort past the candidate block's last entry; the
	// real successor is then the next block's first entry.
	return it, it.skipExhausted()
}

// skipExhausted moves to the next block whenever the current block
// iterator has run out.
func (it *TableIter) skipExhausted() error {
	for it.bi != nil && !it.bi.Valid() {
		it.blockIdx++
		if it.blockIdx >= it.table.NumBlocks() {
			it.bi = nil
			return nil
		}
		block, err := it.table.ReadBlock(it.blockIdx)
		if err != nil {
			return err
		}
		it.bi = NewBlockIter(block)
	}
	return nil
}

func (it *TableIter) Valid() bool {
	return it.bi != nil && it.bi.Valid()
}

func (it *TableIter) Key() keys.Key {
	return it.bi.Key()
}

func (it *TableIter) Value() []byte {
	return it.bi.Value()
}

func (it *TableIter) Next() error {
	if err := it.bi.Next(); err != nil {
		return err
	}
	return it.skipExhausted()
}
