package lsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/wcygan/mini-lsm/pkg/clock"
	"github.com/wcygan/mini-lsm/pkg/compaction"
	"github.com/wcygan/mini-lsm/pkg/config"
	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/manifest"
	"github.com/wcygan/mini-lsm/pkg/memtable"
	"github.com/wcygan/mini-lsm/pkg/mvcc"
	"github.com/wcygan/mini-lsm/pkg/sstable"
	"github.com/wcygan/mini-lsm/pkg/types"
)

const (
	flushInterval   = 50 * time.Millisecond
	compactInterval = 100 * time.Millisecond
)

// pendingTable is a superseded table waiting for the last reader that
// could still reference it to finish.
type pendingTable struct {
	tbl     *sstable.Table
	barrier types.TS
}

// Engine is the storage engine. All public methods are safe for
// concurrent use.
type Engine struct {
	cfg config.Config
	dir string
	log *slog.Logger

	state   atomic.Pointer[storageState]
	stateMu sync.Mutex // serializes state swaps

	clk      *clock.AtomicClock
	oracle   *mvcc.Oracle
	manifest *manifest.Manifest
	cache    *sstable.BlockCache
	strategy compaction.Strategy
	counters counters

	nextID  atomic.Uint64
	pending *skipmap.Uint64Map[pendingTable]

	flushMu   sync.Mutex
	compactMu sync.Mutex
	flusher   *worker
	compactor *worker

	closed atomic.Bool
}

// Open loads or creates an engine in dir. An existing manifest is
// replayed, the file set reconciled and unflushed WALs recovered before
// the background workers start.
func Open(dir string, cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}

	strategy, err := compaction.NewStrategy(cfg.Compaction)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		dir:      dir,
		log:      newLogger(cfg.Logger),
		clk:      clock.NewAtomic(0),
		cache:    sstable.NewBlockCache(cfg.Cache.BlockCapacity),
		strategy: strategy,
		pending:  skipmap.NewUint64[pendingTable](),
	}

	manifestPath := filepath.Join(dir, manifest.FileName)
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		if err := e.bootstrap(manifestPath); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	} else {
		if err := e.recover(manifestPath); err != nil {
			return nil, err
		}
	}

	e.oracle = mvcc.NewOracle(e.clk)
	e.flusher = newWorker("flush", e.log, flushInterval, e.flushPass)
	e.compactor = newWorker("compaction", e.log, compactInterval, e.compactPass)
	e.flusher.Start(context.Background())
	e.compactor.Start(context.Background())

	e.log.Info("engine opened", "dir", dir,
		"strategy", cfg.Compaction.Strategy, "serializable", cfg.Serializable)
	return e, nil
}

// bootstrap creates a fresh manifest and the first memtable.
func (e *Engine) bootstrap(manifestPath string) error {
	m, err := manifest.Create(manifestPath)
	if err != nil {
		return err
	}
	e.manifest = m

	id := e.allocID()
	mt, err := memtable.NewWithWAL(id, e.walPath(id), e.cfg.WAL.SyncOnWrite)
	if err != nil {
		m.Close()
		return err
	}
	if err := m.Append(manifest.NewMemtable(id)); err != nil {
		m.Close()
		return err
	}
	e.state.Store(newStorageState(mt))
	return nil
}

func (e *Engine) allocID() types.TableID {
	return e.nextID.Add(1)
}

func (e *Engine) walPath(id types.TableID) string {
	return filepath.Join(e.dir, fmt.Sprintf("%d.wal", id))
}

// swapState installs next as the live snapshot. Callers mutate a clone
// and hand it over; the exclusive section is just the pointer swap.
func (e *Engine) swapState(next *storageState) {
	e.state.Store(next)
}

// freezeActive seals the active memtable and opens a fresh one. The
// caller must hold the commit barrier so no write is in flight.
func (e *Engine) freezeActive() error {
	id := e.allocID()
	mt, err := memtable.NewWithWAL(id, e.walPath(id), e.cfg.WAL.SyncOnWrite)
	if err != nil {
		return fmt.Errorf("failed to create memtable %d: %w", id, err)
	}
	if err := e.manifest.Append(manifest.NewMemtable(id)); err != nil {
		mt.DropWAL()
		return err
	}

	e.stateMu.Lock()
	cur := e.state.Load()
	next := cur.clone()
	old := next.active
	next.imms = append([]*memtable.MemTable{old}, next.imms...)
	next.active = mt
	e.swapState(next)
	e.stateMu.Unlock()

	if err := old.SyncWAL(); err != nil {
		return fmt.Errorf("failed to sync frozen wal %d: %w", old.ID(), err)
	}
	e.log.Debug("froze memtable", "id", old.ID(), "size", old.ApproxSize())
	e.flusher.Notify()
	return nil
}

// Sync forces the active WAL to stable storage.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	return e.state.Load().active.SyncWAL()
}

// BeginTxn starts a transaction bound to the current snapshot.
// Serializable validation applies when requested here or enabled
// engine-wide.
func (e *Engine) BeginTxn(serializable bool) *mvcc.Txn {
	return mvcc.NewTxn(e, e.oracle, serializable || e.cfg.Serializable)
}

// Close drains the background workers, flushes everything in memory and
// releases the files. The manifest then fully describes the tree.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.flusher.Stop()
	e.compactor.Stop()

	// Freeze under the commit barrier so no write lands in a table
	// that is already being flushed.
	err := e.oracle.Barrier(func() error {
		if e.state.Load().active.Empty() {
			return nil
		}
		return e.freezeActive()
	})
	if err != nil {
		return err
	}
	for len(e.state.Load().imms) > 0 {
		if err := e.flushOldest(); err != nil {
			return err
		}
	}

	e.sweepPending(true)

	st := e.state.Load()
	for _, t := range st.tables {
		if err := t.Close(); err != nil {
			e.log.Warn("failed to close table", "id", t.ID(), "err", err)
		}
	}
	if err := st.active.CloseWAL(); err != nil {
		e.log.Warn("failed to close active wal", "err", err)
	}

	e.log.Info("engine closed", "dir", e.dir)
	return e.manifest.Close()
}

// scheduleDelete parks a superseded table until no reader can reach it.
func (e *Engine) scheduleDelete(t *sstable.Table) {
	e.pending.Store(t.ID(), pendingTable{tbl: t, barrier: e.clk.Val()})
}

// sweepPending deletes parked files whose barrier no live reader can
// precede. force skips the reader check during Close.
func (e *Engine) sweepPending(force bool) {
	noReaders := e.oracle == nil || e.oracle.NumActiveReaders() == 0
	var watermark types.TS
	if !force && !noReaders {
		watermark = e.oracle.Watermark()
	}
	e.pending.Range(func(id uint64, p pendingTable) bool {
		if !force && !noReaders && watermark <= p.barrier {
			return true
		}
		e.pending.Delete(id)
		if err := p.tbl.Close(); err != nil {
			e.log.Warn("failed to close superseded table", "id", id, "err", err)
		}
		if err := os.Remove(p.tbl.Path()); err != nil {
			e.log.Warn("failed to remove superseded table", "id", id, "err", err)
		}
		return true
	})
}

func newLogger(cfg config.LoggerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
