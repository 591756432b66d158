// Package sstable implements the immutable on-disk sorted table: data
// blocks with binary-searchable offset arrays, a block-meta index, a
// bloom filter and a footer, plus the shared block cache.
package sstable

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/keys"
)

// Entry layout inside a block: key length (2) | raw key | timestamp (8)
// | value length (2) | value. The trailing offset array (2 bytes per
// entry) and entry count (2) allow binary search without decoding the
// whole block.
const blockEntryOverhead = 2 + 8 + 2

// Length fields are encoded as uint16, so a single key or value must
// fit in 16 bits. The engine rejects larger entries before they reach
// the WAL.
const (
	MaxKeyLen   = math.MaxUint16
	MaxValueLen = math.MaxUint16
)

// Block is one sealed sorted run of entries. Immutable once built.
type Block struct {
	data    []byte
	offsets []uint16
}

// Len returns the number of entries.
func (b *Block) Len() int {
	return len(b.offsets)
}

// entryAt decodes the entry starting at data offset off. Slices alias
// the block's buffer, which is fine: blocks never change.
func (b *Block) entryAt(off int) (keys.Key, []byte) {
	keyLen := int(binary.LittleEndian.Uint16(b.data[off:]))
	off += 2
	raw := b.data[off : off+keyLen]
	off += keyLen
	ts := binary.LittleEndian.Uint64(b.data[off:])
	off += 8
	valLen := int(binary.LittleEndian.Uint16(b.data[off:]))
	off += 2
	return keys.Key{Raw: raw, Ts: ts}, b.data[off : off+valLen]
}

// Encode lays out [entries][offset array][entry count].
func (b *Block) Encode() []byte {
	out := make([]byte, 0, len(b.data)+2*len(b.offsets)+2)
	out = append(out, b.data...)
	for _, off := range b.offsets {
		out = binary.LittleEndian.AppendUint16(out, off)
	}
	return binary.LittleEndian.AppendUint16(out, uint16(len(b.offsets)))
}

// DecodeBlock reverses Encode.
func DecodeBlock(buf []byte) (*Block, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: block too short (%d bytes)", dberrors.ErrCorruption, len(buf))
	}
	count := int(binary.LittleEndian.Uint16(buf[len(buf)-2:]))
	offEnd := len(buf) - 2
	offStart := offEnd - count*2
	if offStart < 0 {
		return nil, fmt.Errorf("%w: block offset array out of range", dberrors.ErrCorruption)
	}
	offsets := make([]uint16, count)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint16(buf[offStart+i*2:])
	}
	return &Block{data: buf[:offStart], offsets: offsets}, nil
}

// BlockBuilder accumulates entries in increasing key order until the
// configured budget is reached.
type BlockBuilder struct {
	data      []byte
	offsets   []uint16
	blockSize int
	firstKey  keys.Key
	lastKey   keys.Key
}

func NewBlockBuilder(blockSize int) *BlockBuilder {
	return &BlockBuilder{blockSize: blockSize}
}

// Add appends an entry. It returns false when the block is full; the
// first entry always fits so oversized entries get a block of their own.
func (b *BlockBuilder) Add(key keys.Key, value []byte) bool {
	entrySize := blockEntryOverhead + len(key.Raw) + len(value)
	if !b.Empty() && b.EstimatedSize()+entrySize+2 > b.blockSize {
		return false
	}

	b.offsets = append(b.offsets, uint16(len(b.data)))
	b.data = binary.LittleEndian.AppendUint16(b.data, uint16(len(key.Raw)))
	b.data = append(b.data, key.Raw...)
	b.data = binary.LittleEndian.AppendUint64(b.data, key.Ts)
	b.data = binary.LittleEndian.AppendUint16(b.data, uint16(len(value)))
	b.data = append(b.data, value...)

	if len(b.offsets) == 1 {
		b.firstKey = key.Clone()
	}
	b.lastKey = key.Clone()
	return true
}

func (b *BlockBuilder) Empty() bool {
	return len(b.offsets) == 0
}

// EstimatedSize is the encoded size so far.
func (b *BlockBuilder) EstimatedSize() int {
	return len(b.data) + 2*len(b.offsets) + 2
}

func (b *BlockBuilder) FirstKey() keys.Key {
	return b.firstKey
}

func (b *BlockBuilder) LastKey() keys.Key {
	return b.lastKey
}

// Build seals the block. The builder must not be reused.
func (b *BlockBuilder) Build() *Block {
	return &Block{data: b.data, offsets: b.offsets}
}
