package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/keys"
)

const testBlockSize = 256

func buildTable(t *testing.T, n int, compress bool, cache *BlockCache) *Table {
	t.Helper()
	tb := NewTableBuilder(testBlockSize, 0.01, compress)
	for i := 0; i < n; i++ {
		tb.Add(keys.New(testKey(i), 1), testValue(i))
	}
	table, err := tb.Build(1, t.TempDir(), cache)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { table.Close() })
	return table
}

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%05d", i))
}

func testValue(i int) []byte {
	return []byte(fmt.Sprintf("value-%05d", i))
}

func TestBlockBuilderRespectsBudget(t *testing.T) {
	bb := NewBlockBuilder(64)
	if !bb.Add(keys.New([]byte("a"), 1), []byte("va")) {
		t.Fatal("first entry must always fit")
	}
	added := 1
	for bb.Add(keys.New([]byte(fmt.Sprintf("k%02d", added)), 1), bytes.Repeat([]byte("v"), 10)) {
		added++
	}
	if bb.EstimatedSize() > 64 {
		t.Fatalf("block exceeded its budget: %d", bb.EstimatedSize())
	}
}

func TestBlockBuilderAcceptsOversizedFirstEntry(t *testing.T) {
	bb := NewBlockBuilder(16)
	big := bytes.Repeat([]byte("x"), 100)
	if !bb.Add(keys.New([]byte("k"), 1), big) {
		t.Fatal("an oversized entry must get a block of its own")
	}
	if bb.Add(keys.New([]byte("l"), 1), []byte("v")) {
		t.Fatal("a full block must reject further entries")
	}
}

func TestBlockMaxLengthEntryRoundTrip(t *testing.T) {
	// MaxKeyLen and MaxValueLen are the largest lengths the 16-bit
	// entry fields can hold; both must survive encoding exactly.
	bigKey := bytes.Repeat([]byte("k"), MaxKeyLen)
	bigVal := bytes.Repeat([]byte("v"), MaxValueLen)

	bb := NewBlockBuilder(testBlockSize)
	if !bb.Add(keys.New(bigKey, 7), bigVal) {
		t.Fatal("an oversized entry must get a block of its own")
	}
	decoded, err := DecodeBlock(bb.Build().Encode())
	if err != nil {
		t.Fatalf("DecodeBlock failed: %v", err)
	}

	it := NewBlockIter(decoded)
	if !it.Valid() {
		t.Fatal("decoded block is empty")
	}
	if !bytes.Equal(it.Key().Raw, bigKey) || it.Key().Ts != 7 {
		t.Fatalf("key came back %d bytes at ts %d, want %d bytes at ts 7",
			len(it.Key().Raw), it.Key().Ts, len(bigKey))
	}
	if !bytes.Equal(it.Value(), bigVal) {
		t.Fatalf("value came back %d bytes, want %d", len(it.Value()), len(bigVal))
	}
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	bb := NewBlockBuilder(4096)
	for i := 0; i < 10; i++ {
		bb.Add(keys.New(testKey(i), uint64(i)), testValue(i))
	}
	decoded, err := DecodeBlock(bb.Build().Encode())
	if err != nil {
		t.Fatalf("DecodeBlock failed: %v", err)
	}

	it := NewBlockIter(decoded)
	for i := 0; i < 10; i++ {
		if !it.Valid() {
			t.Fatalf("iterator exhausted at entry %d", i)
		}
		if !bytes.Equal(it.Key().Raw, testKey(i)) || it.Key().Ts != uint64(i) {
			t.Fatalf("entry %d: wrong key %q@%d", i, it.Key().Raw, it.Key().Ts)
		}
		if !bytes.Equal(it.Value(), testValue(i)) {
			t.Fatalf("entry %d: wrong value %q", i, it.Value())
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatal("iterator should be exhausted")
	}
}

func TestBlockIterSeek(t *testing.T) {
	bb := NewBlockBuilder(4096)
	for _, k := range []string{"b", "d", "f"} {
		bb.Add(keys.New([]byte(k), 5), []byte("v"+k))
	}
	block := bb.Build()

	cases := []struct {
		seek  string
		wantK string
	}{
		{"a", "b"},
		{"b", "b"},
		{"c", "d"},
		{"f", "f"},
	}
	for _, tc := range cases {
		it := NewBlockIterAt(block, keys.New([]byte(tc.seek), 5))
		if !it.Valid() || string(it.Key().Raw) != tc.wantK {
			t.Fatalf("seek %q: expected %q", tc.seek, tc.wantK)
		}
	}
	if it := NewBlockIterAt(block, keys.New([]byte("z"), 5)); it.Valid() {
		t.Fatal("seek past the last entry should be invalid")
	}
}

func TestTableScanRoundTrip(t *testing.T) {
	const n = 500
	table := buildTable(t, n, false, nil)

	if table.NumBlocks() < 2 {
		t.Fatalf("test needs multiple blocks, got %d", table.NumBlocks())
	}

	it, err := NewTableIter(table)
	if err != nil {
		t.Fatalf("NewTableIter failed: %v", err)
	}
	for i := 0; i < n; i++ {
		if !it.Valid() {
			t.Fatalf("iterator exhausted at entry %d", i)
		}
		if !bytes.Equal(it.Key().Raw, testKey(i)) || !bytes.Equal(it.Value(), testValue(i)) {
			t.Fatalf("entry %d mismatch: %q=%q", i, it.Key().Raw, it.Value())
		}
		if err := it.Next(); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	if it.Valid() {
		t.Fatal("scan should reproduce exactly the inserted sequence")
	}
}

func TestTableGetEveryKey(t *testing.T) {
	const n = 300
	table := buildTable(t, n, false, nil)

	for i := 0; i < n; i++ {
		v, ok, err := table.Get(testKey(i), 10)
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
		if !ok || !bytes.Equal(v, testValue(i)) {
			t.Fatalf("Get %d: got %q ok=%v", i, v, ok)
		}
	}
}

func TestTableGetAbsentKey(t *testing.T) {
	table := buildTable(t, 100, false, nil)

	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("missing-%05d", i))
		v, ok, err := table.Get(k, 10)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok {
			t.Fatalf("absent key %q reported present with %q", k, v)
		}
	}
}

func TestTableGetHonorsReadTimestamp(t *testing.T) {
	tb := NewTableBuilder(testBlockSize, 0.01, false)
	// Versions of one key, newest first per the key ordering.
	tb.Add(keys.New([]byte("k"), 9), []byte("v9"))
	tb.Add(keys.New([]byte("k"), 4), []byte("v4"))
	table, err := tb.Build(1, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer table.Close()

	if v, ok, _ := table.Get([]byte("k"), 100); !ok || string(v) != "v9" {
		t.Fatalf("read at 100: got %q ok=%v", v, ok)
	}
	if v, ok, _ := table.Get([]byte("k"), 5); !ok || string(v) != "v4" {
		t.Fatalf("read at 5: got %q ok=%v", v, ok)
	}
	if _, ok, _ := table.Get([]byte("k"), 2); ok {
		t.Fatal("read at 2 should see nothing")
	}
}

func TestTableSeekAcrossBlockBoundary(t *testing.T) {
	const n = 200
	table := buildTable(t, n, false, nil)

	// Seek to a key greater than everything in its candidate block.
	for i := 0; i < n-1; i++ {
		target := append(testKey(i), 0) // between key i and i+1
		it, err := NewTableIterAt(table, keys.New(target, 1))
		if err != nil {
			t.Fatalf("seek failed: %v", err)
		}
		if !it.Valid() || !bytes.Equal(it.Key().Raw, testKey(i+1)) {
			t.Fatalf("seek between %d and %d landed on %q", i, i+1, it.Key().Raw)
		}
	}
}

func TestSnappyCompressedTableRoundTrip(t *testing.T) {
	const n = 400
	table := buildTable(t, n, true, nil)

	for _, i := range []int{0, 1, n / 2, n - 1} {
		v, ok, err := table.Get(testKey(i), 10)
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
		if !ok || !bytes.Equal(v, testValue(i)) {
			t.Fatalf("Get %d: got %q ok=%v", i, v, ok)
		}
	}
}

func TestReopenedTableServesReads(t *testing.T) {
	dir := t.TempDir()
	tb := NewTableBuilder(testBlockSize, 0.01, false)
	for i := 0; i < 100; i++ {
		tb.Add(keys.New(testKey(i), 1), testValue(i))
	}
	table, err := tb.Build(7, dir, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	first, last := table.FirstKey().Clone(), table.LastKey().Clone()
	table.Close()

	reopened, err := OpenTable(7, TablePath(dir, 7), nil)
	if err != nil {
		t.Fatalf("OpenTable failed: %v", err)
	}
	defer reopened.Close()

	if keys.Compare(reopened.FirstKey(), first) != 0 || keys.Compare(reopened.LastKey(), last) != 0 {
		t.Fatal("key range lost across reopen")
	}
	if reopened.MaxTs() != 1 {
		t.Fatalf("max ts lost across reopen: %d", reopened.MaxTs())
	}
	if v, ok, _ := reopened.Get(testKey(42), 10); !ok || !bytes.Equal(v, testValue(42)) {
		t.Fatalf("Get after reopen: got %q ok=%v", v, ok)
	}
}

func TestCorruptBlockFailsOnlyThatRead(t *testing.T) {
	dir := t.TempDir()
	tb := NewTableBuilder(testBlockSize, 0.01, false)
	const n = 200
	for i := 0; i < n; i++ {
		tb.Add(keys.New(testKey(i), 1), testValue(i))
	}
	table, err := tb.Build(3, dir, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	table.Close()

	// Flip a byte inside the first data block's payload.
	path := TablePath(dir, 3)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	data[10] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	corrupted, err := OpenTable(3, path, nil)
	if err != nil {
		t.Fatalf("open must succeed, metas are intact: %v", err)
	}
	defer corrupted.Close()

	if _, err := corrupted.ReadBlock(0); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("expected ErrCorruption for block 0, got %v", err)
	}
	// Other blocks stay readable.
	last := corrupted.NumBlocks() - 1
	if _, err := corrupted.ReadBlock(last); err != nil {
		t.Fatalf("block %d should be intact: %v", last, err)
	}
}

func TestBlockCacheServesRepeatReads(t *testing.T) {
	cache := NewBlockCache(8)
	table := buildTable(t, 300, false, cache)

	for round := 0; round < 3; round++ {
		if v, ok, err := table.Get(testKey(5), 10); err != nil || !ok || !bytes.Equal(v, testValue(5)) {
			t.Fatalf("Get round %d: %q ok=%v err=%v", round, v, ok, err)
		}
	}
	hits, misses := cache.Stats()
	if hits == 0 {
		t.Fatalf("expected cache hits on repeat reads, hits=%d misses=%d", hits, misses)
	}
}

func TestBlockCacheEvictsBeyondCapacity(t *testing.T) {
	cache := NewBlockCache(2)
	for i := 0; i < 5; i++ {
		cache.Set(1, i, &Block{})
	}
	live := 0
	for i := 0; i < 5; i++ {
		if _, ok := cache.Get(1, i); ok {
			live++
		}
	}
	if live > 2 {
		t.Fatalf("cache holds %d blocks, capacity is 2", live)
	}
}
