package clock

import (
	"sync"
	"testing"
)

func TestNextIsMonotonic(t *testing.T) {
	ac := NewAtomic(10)
	if got := ac.Next(); got != 11 {
		t.Fatalf("expected 11, got %d", got)
	}
	if got := ac.Val(); got != 11 {
		t.Fatalf("expected Val 11, got %d", got)
	}
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	ac := NewAtomic(100)
	ac.Advance(50)
	if got := ac.Val(); got != 100 {
		t.Fatalf("Advance moved the clock backwards to %d", got)
	}
	ac.Advance(200)
	if got := ac.Val(); got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}
}

func TestNextUnderContentionHandsOutUniqueValues(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 1000

	ac := NewAtomic(0)
	var mu sync.Mutex
	seen := make(map[uint64]bool, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ts := ac.Next()
				mu.Lock()
				if seen[ts] {
					t.Errorf("timestamp %d handed out twice", ts)
				}
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := ac.Val(); got != goroutines*perGoroutine {
		t.Fatalf("expected final value %d, got %d", goroutines*perGoroutine, got)
	}
}
