package mvcc

import (
	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/keys"
)

// keyAt lifts a raw key into the versioned key space at one fixed
// timestamp, so local-buffer entries and snapshot entries tie exactly
// on equal raw keys and the two-way merge lets the local side shadow.
func keyAt(raw []byte) keys.Key { return keys.New(raw, 0) }

// rawAdapter lifts a RawIterator into the versioned iterator contract.
type rawAdapter struct {
	it RawIterator
}

func (a *rawAdapter) Valid() bool   { return a.it.Valid() }
func (a *rawAdapter) Key() keys.Key { return keyAt(a.it.Key()) }
func (a *rawAdapter) Value() []byte { return a.it.Value() }
func (a *rawAdapter) Next() error   { return a.it.Next() }

// TxnIterator yields the transaction's view of a range: buffered
// writes shadow the snapshot, local tombstones hide keys entirely.
// Every yielded key joins the read set in serializable mode.
type TxnIterator struct {
	txn   *Txn
	inner *iterators.TwoMergeIterator
	snap  RawIterator
}

// Close releases the underlying snapshot. Safe to call more than once.
func (it *TxnIterator) Close() { it.snap.Close() }

func (it *TxnIterator) Valid() bool { return it.inner.Valid() }

func (it *TxnIterator) Key() []byte { return it.inner.Key().Raw }

func (it *TxnIterator) Value() []byte { return it.inner.Value() }

func (it *TxnIterator) Next() error {
	if err := it.inner.Next(); err != nil {
		return err
	}
	return it.skipDeleted()
}

// skipDeleted steps over local tombstones and records reads.
func (it *TxnIterator) skipDeleted() error {
	for it.inner.Valid() {
		if len(it.inner.Value()) > 0 {
			it.txn.trackRead(it.inner.Key().Raw)
			return nil
		}
		if err := it.inner.Next(); err != nil {
			return err
		}
	}
	return nil
}
