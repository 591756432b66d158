package mvcc

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/wcygan/mini-lsm/pkg/clock"
	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// memStore is a versioned in-memory stand-in for the storage engine.
type memStore struct {
	mu   sync.Mutex
	clk  *clock.AtomicClock
	data map[string][]version // newest first
}

type version struct {
	ts    types.TS
	value []byte
}

func newMemStore(clk *clock.AtomicClock) *memStore {
	return &memStore{clk: clk, data: make(map[string][]version)}
}

func (s *memStore) GetAt(key []byte, readTs types.TS) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.data[string(key)] {
		if v.ts <= readTs {
			if len(v.value) == 0 {
				return nil, false, nil
			}
			return append([]byte(nil), v.value...), true, nil
		}
	}
	return nil, false, nil
}

func (s *memStore) ScanAt(lower, upper iterators.Bound, readTs types.TS) (RawIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ks []string
	for k := range s.data {
		if iterators.AboveLower([]byte(k), lower) && iterators.BelowUpper([]byte(k), upper) {
			ks = append(ks, k)
		}
	}
	sort.Strings(ks)
	it := &rawSliceIter{}
	for _, k := range ks {
		for _, v := range s.data[k] {
			if v.ts <= readTs {
				if len(v.value) > 0 {
					it.keys = append(it.keys, []byte(k))
					it.values = append(it.values, append([]byte(nil), v.value...))
				}
				break
			}
		}
	}
	return it, nil
}

func (s *memStore) ApplyCommit(batch []types.Record) (types.TS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clk.Next()
	for _, r := range batch {
		k := string(r.Key)
		s.data[k] = append([]version{{ts: ts, value: r.Value}}, s.data[k]...)
	}
	return ts, nil
}

type rawSliceIter struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

func (it *rawSliceIter) Valid() bool   { return it.pos < len(it.keys) }
func (it *rawSliceIter) Key() []byte   { return it.keys[it.pos] }
func (it *rawSliceIter) Value() []byte { return it.values[it.pos] }
func (it *rawSliceIter) Next() error   { it.pos++; return nil }
func (it *rawSliceIter) Close()        {}

func newFixture() (*memStore, *Oracle) {
	clk := clock.NewAtomic(0)
	return newMemStore(clk), NewOracle(clk)
}

func put(t *testing.T, store *memStore, oracle *Oracle, key, value string) {
	t.Helper()
	txn := NewTxn(store, oracle, false)
	if err := txn.Put([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestTxnReadsItsOwnWrites(t *testing.T) {
	store, oracle := newFixture()
	txn := NewTxn(store, oracle, false)

	txn.Put([]byte("a"), []byte("local"))
	v, ok, err := txn.Get([]byte("a"))
	if err != nil || !ok || string(v) != "local" {
		t.Fatalf("own write invisible: %q ok=%v err=%v", v, ok, err)
	}

	txn.Delete([]byte("a"))
	if _, ok, _ := txn.Get([]byte("a")); ok {
		t.Fatal("local delete must hide the key")
	}
}

func TestTxnBoundToSnapshot(t *testing.T) {
	store, oracle := newFixture()
	put(t, store, oracle, "k", "v1")

	txn := NewTxn(store, oracle, false)
	put(t, store, oracle, "k", "v2")

	v, ok, err := txn.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("snapshot leaked a later commit: %q ok=%v err=%v", v, ok, err)
	}
}

func TestCommitPublishesAtomically(t *testing.T) {
	store, oracle := newFixture()
	txn := NewTxn(store, oracle, false)
	txn.Put([]byte("a"), []byte("1"))
	txn.Put([]byte("b"), []byte("2"))

	before := NewTxn(store, oracle, false)
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	after := NewTxn(store, oracle, false)

	if _, ok, _ := before.Get([]byte("a")); ok {
		t.Fatal("pre-commit snapshot sees the batch")
	}
	for _, k := range []string{"a", "b"} {
		if _, ok, _ := after.Get([]byte(k)); !ok {
			t.Fatalf("post-commit snapshot missing %q", k)
		}
	}
}

func TestTxnScanMergesLocalOverSnapshot(t *testing.T) {
	store, oracle := newFixture()
	put(t, store, oracle, "a", "store-a")
	put(t, store, oracle, "b", "store-b")
	put(t, store, oracle, "d", "store-d")

	txn := NewTxn(store, oracle, false)
	txn.Put([]byte("b"), []byte("local-b"))
	txn.Put([]byte("c"), []byte("local-c"))
	txn.Delete([]byte("d"))

	it, err := txn.Scan(iterators.Unbounded(), iterators.Unbounded())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
		if err := it.Next(); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	want := []string{"a=store-a", "b=local-b", "c=local-c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestSerializableReadModifyWriteConflict(t *testing.T) {
	store, oracle := newFixture()
	put(t, store, oracle, "counter", "0")

	t1 := NewTxn(store, oracle, true)
	t2 := NewTxn(store, oracle, true)

	for _, txn := range []*Txn{t1, t2} {
		if _, _, err := txn.Get([]byte("counter")); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		txn.Put([]byte("counter"), []byte("1"))
	}

	if err := t1.Commit(); err != nil {
		t.Fatalf("first commit must win: %v", err)
	}
	if err := t2.Commit(); !errors.Is(err, dberrors.ErrConflict) {
		t.Fatalf("second commit must conflict, got %v", err)
	}
}

func TestBlindWritesNeverConflict(t *testing.T) {
	store, oracle := newFixture()

	t1 := NewTxn(store, oracle, true)
	t2 := NewTxn(store, oracle, true)
	t1.Put([]byte("k"), []byte("1"))
	t2.Put([]byte("k"), []byte("2"))

	if err := t1.Commit(); err != nil {
		t.Fatalf("commit 1 failed: %v", err)
	}
	if err := t2.Commit(); err != nil {
		t.Fatalf("blind write must not conflict: %v", err)
	}
	if v, ok, _ := store.GetAt([]byte("k"), store.clk.Val()); !ok || string(v) != "2" {
		t.Fatalf("last writer must win, got %q", v)
	}
}

func TestNonSerializableSkipsValidation(t *testing.T) {
	store, oracle := newFixture()
	put(t, store, oracle, "k", "0")

	t1 := NewTxn(store, oracle, false)
	t2 := NewTxn(store, oracle, false)
	for _, txn := range []*Txn{t1, t2} {
		txn.Get([]byte("k"))
		txn.Put([]byte("k"), []byte("x"))
	}
	if err := t1.Commit(); err != nil {
		t.Fatalf("commit 1 failed: %v", err)
	}
	if err := t2.Commit(); err != nil {
		t.Fatalf("snapshot-isolation commit must not validate reads: %v", err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	store, oracle := newFixture()
	txn := NewTxn(store, oracle, false)
	txn.Put([]byte("k"), []byte("v"))
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	check := NewTxn(store, oracle, false)
	if _, ok, _ := check.Get([]byte("k")); ok {
		t.Fatal("rolled back write is visible")
	}
	if err := txn.Put([]byte("k"), []byte("v")); !errors.Is(err, dberrors.ErrTxnFinished) {
		t.Fatalf("expected ErrTxnFinished, got %v", err)
	}
}

func TestCommitTwiceFails(t *testing.T) {
	store, oracle := newFixture()
	txn := NewTxn(store, oracle, false)
	txn.Put([]byte("k"), []byte("v"))
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := txn.Commit(); !errors.Is(err, dberrors.ErrTxnFinished) {
		t.Fatalf("expected ErrTxnFinished, got %v", err)
	}
}

func TestWatermarkTracksLowestReader(t *testing.T) {
	w := NewWatermark()
	if _, ok := w.Lowest(); ok {
		t.Fatal("empty watermark must report no reader")
	}

	w.AddReader(7)
	w.AddReader(3)
	w.AddReader(3)
	w.AddReader(9)
	if ts, ok := w.Lowest(); !ok || ts != 3 {
		t.Fatalf("lowest = %d ok=%v, want 3", ts, ok)
	}

	w.RemoveReader(3)
	if ts, _ := w.Lowest(); ts != 3 {
		t.Fatal("3 still has one registration")
	}
	w.RemoveReader(3)
	if ts, _ := w.Lowest(); ts != 7 {
		t.Fatalf("lowest = %d, want 7", ts)
	}
}

func TestOracleWatermarkFollowsActiveTxns(t *testing.T) {
	store, oracle := newFixture()
	put(t, store, oracle, "k", "v") // clock moves to 1

	txn := NewTxn(store, oracle, false)
	low := oracle.Watermark()
	put(t, store, oracle, "k", "v2")
	put(t, store, oracle, "k", "v3")

	if got := oracle.Watermark(); got != low {
		t.Fatalf("watermark moved past an active reader: %d -> %d", low, got)
	}
	txn.Rollback()
	if got := oracle.Watermark(); got <= low {
		t.Fatalf("watermark stuck after the reader left: %d", got)
	}
}

func TestScanHonorsBounds(t *testing.T) {
	store, oracle := newFixture()
	for _, k := range []string{"a", "b", "c", "d"} {
		put(t, store, oracle, k, "v")
	}
	txn := NewTxn(store, oracle, false)
	it, err := txn.Scan(iterators.Included([]byte("b")), iterators.Excluded([]byte("d")))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	var got [][]byte
	for it.Valid() {
		got = append(got, append([]byte(nil), it.Key()...))
		it.Next()
	}
	if len(got) != 2 || !bytes.Equal(got[0], []byte("b")) || !bytes.Equal(got[1], []byte("c")) {
		t.Fatalf("bounds ignored: %q", got)
	}
}
