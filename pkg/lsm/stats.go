package lsm

import "sync/atomic"

// counters aggregates cheap engine-wide counters. All fields use
// relaxed atomics; the numbers are for observability, not control flow.
type counters struct {
	puts        atomic.Uint64
	deletes     atomic.Uint64
	gets        atomic.Uint64
	scans       atomic.Uint64
	flushes     atomic.Uint64
	compactions atomic.Uint64
}

// Stats is a point-in-time snapshot of the engine counters.
type Stats struct {
	Puts        uint64
	Deletes     uint64
	Gets        uint64
	Scans       uint64
	Flushes     uint64
	Compactions uint64

	ImmMemtables int
	L0Tables     int
	Levels       int

	CacheHits   uint64
	CacheMisses uint64
}

// Stats reports current counter values and the shape of the tree.
func (e *Engine) Stats() Stats {
	st := e.state.Load()
	s := Stats{
		Puts:         e.counters.puts.Load(),
		Deletes:      e.counters.deletes.Load(),
		Gets:         e.counters.gets.Load(),
		Scans:        e.counters.scans.Load(),
		Flushes:      e.counters.flushes.Load(),
		Compactions:  e.counters.compactions.Load(),
		ImmMemtables: len(st.imms),
		L0Tables:     len(st.disk.L0),
		Levels:       len(st.disk.Levels),
	}
	s.CacheHits, s.CacheMisses = e.cache.Stats()
	return s
}
