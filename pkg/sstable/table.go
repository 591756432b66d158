package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/keys"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// Table is an open immutable SSTable. Immutability is what makes
// concurrent reads lock-free and caching safe: a (table id, block index)
// pair maps to the same bytes for the life of the id, so the shared
// cache never needs invalidation. The table holds no back-reference
// beyond the cache handle it was opened with.
type Table struct {
	id         types.TableID
	path       string
	file       *os.File
	metas      []BlockMeta
	bloom      *bloom.BloomFilter
	firstKey   keys.Key
	lastKey    keys.Key
	maxTs      types.TS
	dataEnd    uint32
	size       int64
	compressed bool
	cache      *BlockCache
}

// OpenTable maps an existing table file: footer, metas and bloom are
// read eagerly, data blocks stay on disk until a lookup needs them.
func OpenTable(id types.TableID, path string, cache *BlockCache) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("table %d: failed to open %s: %w", id, path, err)
	}
	t, err := readTable(id, path, file, cache)
	if err != nil {
		file.Close()
		return nil, err
	}
	return t, nil
}

func readTable(id types.TableID, path string, file *os.File, cache *BlockCache) (*Table, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("table %d: failed to stat: %w", id, err)
	}
	if info.Size() < footerSize {
		return nil, fmt.Errorf("%w: table %d file too small", dberrors.ErrCorruption, id)
	}

	footer := make([]byte, footerSize)
	if _, err := file.ReadAt(footer, info.Size()-footerSize); err != nil {
		return nil, fmt.Errorf("table %d: failed to read footer: %w", id, err)
	}
	if magic := binary.LittleEndian.Uint32(footer[25:]); magic != tableMagic {
		return nil, fmt.Errorf("%w: table %d bad magic %#x", dberrors.ErrCorruption, id, magic)
	}
	metaOff := binary.LittleEndian.Uint64(footer)
	bloomOff := binary.LittleEndian.Uint64(footer[8:])
	maxTs := binary.LittleEndian.Uint64(footer[16:])
	flags := footer[24]
	if metaOff > bloomOff || bloomOff > uint64(info.Size()-footerSize) {
		return nil, fmt.Errorf("%w: table %d footer offsets out of range", dberrors.ErrCorruption, id)
	}

	metaBytes := make([]byte, bloomOff-metaOff)
	if _, err := file.ReadAt(metaBytes, int64(metaOff)); err != nil {
		return nil, fmt.Errorf("table %d: failed to read meta section: %w", id, err)
	}
	metas, err := decodeMetas(metaBytes)
	if err != nil {
		return nil, fmt.Errorf("table %d: %w", id, err)
	}

	bloomBytes := make([]byte, uint64(info.Size()-footerSize)-bloomOff)
	if _, err := file.ReadAt(bloomBytes, int64(bloomOff)); err != nil {
		return nil, fmt.Errorf("table %d: failed to read bloom section: %w", id, err)
	}
	if len(bloomBytes) < 8 {
		return nil, fmt.Errorf("%w: table %d bloom section too short", dberrors.ErrCorruption, id)
	}
	body, sum := bloomBytes[:len(bloomBytes)-8], binary.LittleEndian.Uint64(bloomBytes[len(bloomBytes)-8:])
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: table %d bloom checksum mismatch", dberrors.ErrCorruption, id)
	}
	bf := &bloom.BloomFilter{}
	if err := bf.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("table %d: failed to decode bloom filter: %w", id, err)
	}

	t := &Table{
		id:         id,
		path:       path,
		file:       file,
		metas:      metas,
		bloom:      bf,
		maxTs:      maxTs,
		dataEnd:    uint32(metaOff),
		size:       info.Size(),
		compressed: flags&flagSnappy != 0,
		cache:      cache,
	}
	if len(metas) > 0 {
		t.firstKey = metas[0].FirstKey
		t.lastKey = metas[len(metas)-1].LastKey
	}
	return t, nil
}

func (t *Table) ID() types.TableID { return t.id }

func (t *Table) Size() int64 { return t.size }

func (t *Table) Path() string { return t.path }

func (t *Table) NumBlocks() int { return len(t.metas) }

func (t *Table) FirstKey() keys.Key { return t.firstKey }

func (t *Table) LastKey() keys.Key { return t.lastKey }

// MaxTs is the highest commit timestamp stored in the table.
func (t *Table) MaxTs() types.TS { return t.maxTs }

// MayContain is the bloom check on the raw user key. False means
// guaranteed absent; true costs at most one wasted block read.
func (t *Table) MayContain(raw []byte) bool {
	return t.bloom.Test(raw)
}

// FindBlockIdx returns the index of the candidate block for key: the
// last block whose first key <= key, clamped to the first block.
func (t *Table) FindBlockIdx(key keys.Key) int {
	idx := sort.Search(len(t.metas), func(i int) bool {
		return keys.Compare(t.metas[i].FirstKey, key) > 0
	})
	if idx > 0 {
		idx--
	}
	return idx
}

// ReadBlock fetches block idx, through the shared cache when one is
// configured. A checksum failure is a corruption error for that block
// only.
func (t *Table) ReadBlock(idx int) (*Block, error) {
	if t.cache != nil {
		if b, ok := t.cache.Get(t.id, idx); ok {
			return b, nil
		}
	}
	b, err := t.readBlockFromFile(idx)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(t.id, idx, b)
	}
	return b, nil
}

func (t *Table) readBlockFromFile(idx int) (*Block, error) {
	start := t.metas[idx].Offset
	end := t.dataEnd
	if idx+1 < len(t.metas) {
		end = t.metas[idx+1].Offset
	}
	payload := make([]byte, end-start)
	if _, err := t.file.ReadAt(payload, int64(start)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("table %d block %d: read failed: %w", t.id, idx, err)
	}
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: table %d block %d too short", dberrors.ErrCorruption, t.id, idx)
	}

	body := payload[:len(payload)-8]
	sum := binary.LittleEndian.Uint64(payload[len(payload)-8:])
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: table %d block %d checksum mismatch",
			dberrors.ErrCorruption, t.id, idx)
	}
	if t.compressed {
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return nil, fmt.Errorf("%w: table %d block %d snappy decode: %v",
				dberrors.ErrCorruption, t.id, idx, err)
		}
	}
	block, err := DecodeBlock(body)
	if err != nil {
		return nil, fmt.Errorf("table %d block %d: %w", t.id, idx, err)
	}
	return block, nil
}

// Get returns the newest version of raw committed at or before readTs.
// The boolean reports whether a version exists; the version may be a
// tombstone (empty value).
func (t *Table) Get(raw []byte, readTs types.TS) ([]byte, bool, error) {
	if !t.MayContain(raw) {
		return nil, false, nil
	}
	it, err := NewTableIterAt(t, keys.New(raw, readTs))
	if err != nil {
		return nil, false, err
	}
	if !it.Valid() || !it.Key().SameRaw(keys.Key{Raw: raw}) {
		return nil, false, nil
	}
	return it.Value(), true, nil
}

// Close releases the file handle. The caller guarantees no iterator is
// still using the table.
func (t *Table) Close() error {
	return t.file.Close()
}
