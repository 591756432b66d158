package iterators

import (
	"fmt"

	"github.com/wcygan/mini-lsm/pkg/keys"
)

// TwoMergeIterator folds two ordered sources into one, with a taking
// priority over b on equal keys. It is the cheap specialization used to
// stack the layers of the read path: memtable over immutables, that over
// L0, that over the leveled runs.
type TwoMergeIterator struct {
	a, b StorageIterator
	useA bool
}

func NewTwoMerge(a, b StorageIterator) (*TwoMergeIterator, error) {
	it := &TwoMergeIterator{a: a, b: b}
	if err := it.skipShadowedB(); err != nil {
		return nil, err
	}
	it.useA = it.chooseA()
	return it, nil
}

func (it *TwoMergeIterator) chooseA() bool {
	if !it.a.Valid() {
		return false
	}
	if !it.b.Valid() {
		return true
	}
	return keys.Compare(it.a.Key(), it.b.Key()) < 0
}

// skipShadowedB advances b past any key equal to a's current key.
func (it *TwoMergeIterator) skipShadowedB() error {
	if it.a.Valid() && it.b.Valid() && keys.Compare(it.a.Key(), it.b.Key()) == 0 {
		if err := it.b.Next(); err != nil {
			return fmt.Errorf("two-merge: advancing shadowed lower source: %w", err)
		}
	}
	return nil
}

func (it *TwoMergeIterator) Valid() bool {
	if it.useA {
		return it.a.Valid()
	}
	return it.b.Valid()
}

func (it *TwoMergeIterator) Key() keys.Key {
	if it.useA {
		return it.a.Key()
	}
	return it.b.Key()
}

func (it *TwoMergeIterator) Value() []byte {
	if it.useA {
		return it.a.Value()
	}
	return it.b.Value()
}

func (it *TwoMergeIterator) Next() error {
	var err error
	if it.useA {
		err = it.a.Next()
	} else {
		err = it.b.Next()
	}
	if err != nil {
		return err
	}
	if err := it.skipShadowedB(); err != nil {
		return err
	}
	it.useA = it.chooseA()
	return nil
}
