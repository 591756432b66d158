package iterators

import (
	"errors"
	"testing"

	"github.com/wcygan/mini-lsm/pkg/keys"
)

func run(entries ...Entry) *SliceIterator {
	return NewSlice(entries)
}

func e(key string, ts uint64, value string) Entry {
	return Entry{Key: keys.New([]byte(key), ts), Value: []byte(value)}
}

func collect(t *testing.T, it StorageIterator) []Entry {
	t.Helper()
	var out []Entry
	for it.Valid() {
		out = append(out, Entry{Key: it.Key().Clone(), Value: append([]byte(nil), it.Value()...)})
		if err := it.Next(); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	return out
}

func expect(t *testing.T, got []Entry, want ...Entry) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if keys.Compare(got[i].Key, want[i].Key) != 0 || string(got[i].Value) != string(want[i].Value) {
			t.Fatalf("entry %d: got %q@%d=%q, want %q@%d=%q",
				i, got[i].Key.Raw, got[i].Key.Ts, got[i].Value,
				want[i].Key.Raw, want[i].Key.Ts, want[i].Value)
		}
	}
}

func TestMergeInterleavesSortedSources(t *testing.T) {
	m := NewMerge([]StorageIterator{
		run(e("b", 1, "b1"), e("d", 1, "d1")),
		run(e("a", 1, "a1"), e("c", 1, "c1")),
	})
	expect(t, collect(t, m),
		e("a", 1, "a1"), e("b", 1, "b1"), e("c", 1, "c1"), e("d", 1, "d1"))
}

func TestMergeNewestSourceWinsOnTie(t *testing.T) {
	m := NewMerge([]StorageIterator{
		run(e("a", 5, "new"), e("b", 5, "keep")),
		run(e("a", 5, "old"), e("c", 5, "c")),
	})
	expect(t, collect(t, m),
		e("a", 5, "new"), e("b", 5, "keep"), e("c", 5, "c"))
}

func TestMergeKeepsDistinctVersionsOfOneKey(t *testing.T) {
	// Same raw key at different timestamps is not a tie: both versions
	// must surface, newest first.
	m := NewMerge([]StorageIterator{
		run(e("a", 7, "v2")),
		run(e("a", 3, "v1")),
	})
	expect(t, collect(t, m), e("a", 7, "v2"), e("a", 3, "v1"))
}

func TestMergeHandlesEmptySources(t *testing.T) {
	m := NewMerge([]StorageIterator{run(), run(e("a", 1, "a")), run()})
	expect(t, collect(t, m), e("a", 1, "a"))

	empty := NewMerge([]StorageIterator{run(), run()})
	if empty.Valid() {
		t.Fatal("merge over empty sources should be invalid")
	}

	none := NewMerge(nil)
	if none.Valid() {
		t.Fatal("merge over no sources should be invalid")
	}
}

func TestTwoMergeUpperShadowsLower(t *testing.T) {
	a := run(e("a", 2, "upper-a"), e("c", 2, "upper-c"))
	b := run(e("a", 2, "lower-a"), e("b", 2, "lower-b"), e("c", 2, "lower-c"))

	it, err := NewTwoMerge(a, b)
	if err != nil {
		t.Fatalf("NewTwoMerge failed: %v", err)
	}
	expect(t, collect(t, it),
		e("a", 2, "upper-a"), e("b", 2, "lower-b"), e("c", 2, "upper-c"))
}

func TestTwoMergeWithOneSideEmpty(t *testing.T) {
	it, err := NewTwoMerge(run(), run(e("a", 1, "a")))
	if err != nil {
		t.Fatalf("NewTwoMerge failed: %v", err)
	}
	expect(t, collect(t, it), e("a", 1, "a"))

	it, err = NewTwoMerge(run(e("b", 1, "b")), run())
	if err != nil {
		t.Fatalf("NewTwoMerge failed: %v", err)
	}
	expect(t, collect(t, it), e("b", 1, "b"))
}

func TestConcatChainsWithoutInterleaving(t *testing.T) {
	opened := 0
	openers := []Opener{
		func() (StorageIterator, error) {
			opened++
			return run(e("a", 1, "a"), e("b", 1, "b")), nil
		},
		func() (StorageIterator, error) {
			opened++
			return run(e("c", 1, "c")), nil
		},
	}

	it, err := NewConcat(openers)
	if err != nil {
		t.Fatalf("NewConcat failed: %v", err)
	}
	if opened != 1 {
		t.Fatalf("concat should open tables lazily, opened %d", opened)
	}
	expect(t, collect(t, it), e("a", 1, "a"), e("b", 1, "b"), e("c", 1, "c"))
	if opened != 2 {
		t.Fatalf("expected both tables opened by the end, got %d", opened)
	}
}

func TestConcatSkipsEmptyTables(t *testing.T) {
	openers := []Opener{
		func() (StorageIterator, error) { return run(), nil },
		func() (StorageIterator, error) { return run(e("x", 1, "x")), nil },
	}
	it, err := NewConcat(openers)
	if err != nil {
		t.Fatalf("NewConcat failed: %v", err)
	}
	expect(t, collect(t, it), e("x", 1, "x"))
}

func TestConcatSurfacesOpenerError(t *testing.T) {
	boom := errors.New("boom")
	it, err := NewConcat([]Opener{
		func() (StorageIterator, error) { return run(e("a", 1, "a")), nil },
		func() (StorageIterator, error) { return nil, boom },
	})
	if err != nil {
		t.Fatalf("NewConcat failed: %v", err)
	}
	if err := it.Next(); !errors.Is(err, boom) {
		t.Fatalf("expected opener error, got %v", err)
	}
}

func TestComposedReadPathOrdering(t *testing.T) {
	// memtable over merged L0 over a concatenated level, the way the
	// engine stacks them.
	l0 := NewMerge([]StorageIterator{
		run(e("b", 3, "l0-b")),
		run(e("d", 2, "l0-d")),
	})
	level, err := NewConcat([]Opener{
		func() (StorageIterator, error) { return run(e("a", 1, "l1-a"), e("b", 1, "l1-b")), nil },
		func() (StorageIterator, error) { return run(e("e", 1, "l1-e")), nil },
	})
	if err != nil {
		t.Fatalf("NewConcat failed: %v", err)
	}
	lower, err := NewTwoMerge(l0, level)
	if err != nil {
		t.Fatalf("NewTwoMerge failed: %v", err)
	}
	top, err := NewTwoMerge(run(e("c", 4, "mem-c")), lower)
	if err != nil {
		t.Fatalf("NewTwoMerge failed: %v", err)
	}

	expect(t, collect(t, top),
		e("a", 1, "l1-a"),
		e("b", 3, "l0-b"), e("b", 1, "l1-b"),
		e("c", 4, "mem-c"),
		e("d", 2, "l0-d"),
		e("e", 1, "l1-e"))
}
