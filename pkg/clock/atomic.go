// Package clock allocates commit timestamps from a single monotonic
// atomic counter.
package clock

import (
	"sync/atomic"

	"github.com/wcygan/mini-lsm/pkg/types"
)

// AtomicClock hands out commit timestamps. Val returns the timestamp of
// the last committed write, which is also the snapshot bound a new
// reader picks up.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.TS) *AtomicClock {
	var ac AtomicClock
	ac.Store(init)
	return &ac
}

func (ac *AtomicClock) Val() types.TS {
	return ac.Load()
}

func (ac *AtomicClock) Next() types.TS {
	return ac.Add(1)
}

// Advance moves the clock forward to at least t. Used during recovery
// when replayed records carry timestamps the counter has not seen yet.
func (ac *AtomicClock) Advance(t types.TS) {
	for {
		cur := ac.Load()
		if cur >= t || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
