package sstable

import (
	"sort"

	"github.com/wcygan/mini-lsm/pkg/keys"
)

// BlockIter walks one block forward. Satisfies the storage iterator
// contract; Next never fails because the block is already in memory and
// checksum-verified.
type BlockIter struct {
	block *Block
	idx   int
	key   keys.Key
	value []byte
}

// NewBlockIter positions at the first entry.
func NewBlockIter(block *Block) *BlockIter {
	it := &BlockIter{block: block}
	it.load()
	return it
}

// NewBlockIterAt positions at the first entry with key >= target.
func NewBlockIterAt(block *Block, target keys.Key) *BlockIter {
	it := &BlockIter{block: block}
	it.idx = sort.Search(block.Len(), func(i int) bool {
		k, _ := block.entryAt(int(block.offsets[i]))
		return keys.Compare(k, target) >= 0
	})
	it.load()
	return it
}

func (it *BlockIter) load() {
	if it.idx >= it.block.Len() {
		it.key = keys.Key{}
		it.value = nil
		return
	}
	it.key, it.value = it.block.entryAt(int(it.block.offsets[it.idx]))
}

func (it *BlockIter) Valid() bool {
	return it.idx < it.block.Len()
}

func (it *BlockIter) Key() keys.Key {
	return it.key
}

func (it *BlockIter) Value() []byte {
	return it.value
}

func (it *BlockIter) Next() error {
	it.idx++
	it.load()
	return nil
}
