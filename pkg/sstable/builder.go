package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/wcygan/mini-lsm/pkg/keys"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// File layout: [data blocks][block-meta section][bloom section][footer].
// Footer: meta offset (8) | bloom offset (8) | max ts (8) | flags (1) |
// magic (4). Every stored block payload carries a trailing xxhash64;
// the bloom section does too. The max timestamp lets recovery advance
// the commit clock past everything already flushed.
const (
	tableMagic   uint32 = 0x4C534D31 // "LSM1"
	footerSize          = 8 + 8 + 8 + 1 + 4
	flagSnappy   byte   = 1 << 0
	tableFileExt        = ".sst"
)

// TablePath names the file for a table id inside dir.
func TablePath(dir string, id types.TableID) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", id, tableFileExt))
}

// TableBuilder streams sorted entries into data blocks and records the
// metadata needed to find them again: per-block first/last keys, the
// bloom input and the table's key range.
type TableBuilder struct {
	blockSize int
	fpRate    float64
	compress  bool

	bb        *BlockBuilder
	blocks    []byte
	metas     []BlockMeta
	bloomKeys [][]byte
	firstKey  keys.Key
	lastKey   keys.Key
	maxTs     types.TS
	count     int
}

func NewTableBuilder(blockSize int, fpRate float64, compress bool) *TableBuilder {
	return &TableBuilder{
		blockSize: blockSize,
		fpRate:    fpRate,
		compress:  compress,
		bb:        NewBlockBuilder(blockSize),
	}
}

// Add appends an entry; keys must arrive in increasing order.
func (tb *TableBuilder) Add(key keys.Key, value []byte) {
	if tb.count == 0 {
		tb.firstKey = key.Clone()
	}
	tb.lastKey = key.Clone()
	if key.Ts > tb.maxTs {
		tb.maxTs = key.Ts
	}
	tb.count++

	// Bloom input is the raw user key: point lookups do not know the
	// timestamp they are looking for.
	if len(tb.bloomKeys) == 0 || !bytes.Equal(tb.bloomKeys[len(tb.bloomKeys)-1], key.Raw) {
		tb.bloomKeys = append(tb.bloomKeys, bytes.Clone(key.Raw))
	}

	if tb.bb.Add(key, value) {
		return
	}
	tb.finishBlock()
	if !tb.bb.Add(key, value) {
		// A fresh block always accepts one entry.
		panic("sstable: entry rejected by empty block")
	}
}

func (tb *TableBuilder) finishBlock() {
	if tb.bb.Empty() {
		return
	}
	payload := tb.bb.Build().Encode()
	if tb.compress {
		payload = snappy.Encode(nil, payload)
	}
	payload = binary.LittleEndian.AppendUint64(payload, xxhash.Sum64(payload))

	tb.metas = append(tb.metas, BlockMeta{
		Offset:   uint32(len(tb.blocks)),
		FirstKey: tb.bb.FirstKey(),
		LastKey:  tb.bb.LastKey(),
	})
	tb.blocks = append(tb.blocks, payload...)
	tb.bb = NewBlockBuilder(tb.blockSize)
}

func (tb *TableBuilder) Empty() bool {
	return tb.count == 0
}

// EstimatedSize is the bytes of sealed blocks plus the one in progress,
// used by compaction to split output tables at the target size.
func (tb *TableBuilder) EstimatedSize() int {
	if tb.bb.Empty() {
		return len(tb.blocks)
	}
	return len(tb.blocks) + tb.bb.EstimatedSize()
}

// Build seals the final block and writes the table file atomically:
// everything goes to a temp file which is fsynced and renamed into
// place, so a crash can never leave a half-written table under a live
// id. Returns the opened table.
func (tb *TableBuilder) Build(id types.TableID, dir string, cache *BlockCache) (*Table, error) {
	tb.finishBlock()

	bf := bloom.NewWithEstimates(uint(max(len(tb.bloomKeys), 1)), tb.fpRate)
	for _, k := range tb.bloomKeys {
		bf.Add(k)
	}
	bloomBytes, err := bf.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("table %d: failed to marshal bloom filter: %w", id, err)
	}
	bloomBytes = binary.LittleEndian.AppendUint64(bloomBytes, xxhash.Sum64(bloomBytes))

	metaOff := uint64(len(tb.blocks))
	metaBytes := encodeMetas(tb.metas)
	bloomOff := metaOff + uint64(len(metaBytes))

	var flags byte
	if tb.compress {
		flags |= flagSnappy
	}

	footer := make([]byte, 0, footerSize)
	footer = binary.LittleEndian.AppendUint64(footer, metaOff)
	footer = binary.LittleEndian.AppendUint64(footer, bloomOff)
	footer = binary.LittleEndian.AppendUint64(footer, tb.maxTs)
	footer = append(footer, flags)
	footer = binary.LittleEndian.AppendUint32(footer, tableMagic)

	path := TablePath(dir, id)
	tmp := path + ".tmp." + uuid.NewString()
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("table %d: failed to create %s: %w", id, tmp, err)
	}
	for _, section := range [][]byte{tb.blocks, metaBytes, bloomBytes, footer} {
		if _, err := file.Write(section); err != nil {
			file.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("table %d: failed to write %s: %w", id, tmp, err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("table %d: failed to sync %s: %w", id, tmp, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("table %d: failed to close %s: %w", id, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("table %d: failed to rename into place: %w", id, err)
	}

	return OpenTable(id, path, cache)
}
