package memtable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/keys"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// WAL record kinds. A standalone record is applied on its own; batch
// records only take effect once their commit marker arrives, which makes
// multi-record writes all-or-nothing across a crash.
const (
	walPut byte = iota
	walBatchData
	walBatchCommit
)

// Record layout: kind (1) | key length (4) | key | timestamp (8) |
// value length (4) | value | crc32 over everything before it.
const walRecordOverhead = 1 + 4 + 8 + 4 + 4

// WAL is the append-only durability log owned by one memtable. Append
// order is the durability order: a record is written (and optionally
// fsynced) before the mutation becomes visible in memory.
type WAL struct {
	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	path        string
	syncOnWrite bool
}

// OpenWAL opens or creates the log file at path for appending.
func OpenWAL(path string, syncOnWrite bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL %s: %w", path, err)
	}
	return &WAL{
		file:        file,
		writer:      bufio.NewWriter(file),
		path:        path,
		syncOnWrite: syncOnWrite,
	}, nil
}

func (w *WAL) Path() string {
	return w.path
}

// AppendPut logs one standalone mutation.
func (w *WAL) AppendPut(key keys.Key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeRecord(walPut, key, value); err != nil {
		return err
	}
	return w.flush()
}

// AppendBatch logs every record followed by a commit marker carrying the
// batch timestamp, all under one flush. Replay discards a batch whose
// marker never made it to disk.
func (w *WAL) AppendBatch(entries []iterators.Entry, ts types.TS) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ent := range entries {
		if err := w.writeRecord(walBatchData, ent.Key, ent.Value); err != nil {
			return err
		}
	}
	if err := w.writeRecord(walBatchCommit, keys.Key{Ts: ts}, nil); err != nil {
		return err
	}
	return w.flush()
}

func (w *WAL) writeRecord(kind byte, key keys.Key, value []byte) error {
	if w.writer == nil {
		return fmt.Errorf("WAL %s: %w", w.path, dberrors.ErrClosed)
	}
	if len(key.Raw) > math.MaxUint32 || len(value) > math.MaxUint32 {
		return fmt.Errorf("WAL %s: record too large (key %d, value %d)",
			w.path, len(key.Raw), len(value))
	}

	buf := make([]byte, 0, walRecordOverhead+len(key.Raw)+len(value))
	buf = append(buf, kind)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(key.Raw)))
	buf = append(buf, key.Raw...)
	buf = binary.LittleEndian.AppendUint64(buf, key.Ts)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	buf = append(buf, value...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	if _, err := w.writer.Write(buf); err != nil {
		return fmt.Errorf("failed to append to WAL %s: %w", w.path, err)
	}
	return nil
}

func (w *WAL) flush() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL %s: %w", w.path, err)
	}
	if w.syncOnWrite {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL %s: %w", w.path, err)
		}
	}
	return nil
}

// Sync forces buffered appends to stable storage regardless of the sync
// policy.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL %s: %w", w.path, err)
	}
	return nil
}

// Close flushes and closes the file, leaving it on disk.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL %s on close: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL %s on close: %w", w.path, err)
	}
	w.writer = nil
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL %s: %w", w.path, err)
	}
	return nil
}

// Remove closes and deletes the file.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.path); err != nil {
		return fmt.Errorf("failed to remove WAL %s: %w", w.path, err)
	}
	return nil
}

// ReplayWAL reads the log at path sequentially, verifying each record's
// checksum, and calls apply for every durable mutation in order. The
// first bad or torn record ends the replay: everything before it is
// valid, the remainder is discarded and the file truncated to the last
// durable boundary. Batch records are buffered and applied only when
// their commit marker is seen. Returns the highest timestamp applied.
func ReplayWAL(path string, apply func(key keys.Key, value []byte)) (types.TS, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open WAL %s for replay: %w", path, err)
	}
	defer file.Close()

	var (
		reader     = bufio.NewReader(file)
		offset     int64 // position after the last fully applied record
		scanned    int64 // position after the last parsed record
		maxTs      types.TS
		pending    []iterators.Entry
		pendingTs  types.TS
		hasPending bool
	)

replay:
	for {
		kind, key, value, n, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, dberrors.ErrCorruption) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn final write: expected, not fatal. Everything from
				// here on is discarded.
				slog.Warn("WAL replay stopped at corrupt record",
					"path", path, "offset", scanned, "error", err)
				break
			}
			return 0, fmt.Errorf("failed to replay WAL %s: %w", path, err)
		}
		scanned += n

		switch kind {
		case walPut:
			apply(key, value)
			if key.Ts > maxTs {
				maxTs = key.Ts
			}
			offset = scanned
		case walBatchData:
			pending = append(pending, iterators.Entry{Key: key, Value: value})
			pendingTs = key.Ts
			hasPending = true
		case walBatchCommit:
			if hasPending && pendingTs == key.Ts {
				for _, ent := range pending {
					apply(ent.Key, ent.Value)
				}
			}
			if key.Ts > maxTs {
				maxTs = key.Ts
			}
			pending = pending[:0]
			hasPending = false
			offset = scanned
		default:
			slog.Warn("WAL replay stopped at unknown record kind",
				"path", path, "offset", scanned-n, "kind", kind)
			break replay
		}
	}

	// Drop the unusable tail so future appends start at a clean boundary.
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat WAL %s after replay: %w", path, err)
	}
	if offset < info.Size() {
		if err := os.Truncate(path, offset); err != nil {
			return 0, fmt.Errorf("failed to truncate WAL %s after replay: %w", path, err)
		}
	}
	return maxTs, nil
}

func readRecord(r *bufio.Reader) (kind byte, key keys.Key, value []byte, n int64, err error) {
	var head [5]byte
	if _, err = io.ReadFull(r, head[:1]); err != nil {
		return 0, keys.Key{}, nil, 0, err
	}
	if _, err = io.ReadFull(r, head[1:]); err != nil {
		return 0, keys.Key{}, nil, 0, unexpectedEOF(err)
	}
	kind = head[0]
	keyLen := binary.LittleEndian.Uint32(head[1:])

	body := make([]byte, int(keyLen)+8+4)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, keys.Key{}, nil, 0, unexpectedEOF(err)
	}
	raw := body[:keyLen]
	ts := binary.LittleEndian.Uint64(body[keyLen : keyLen+8])
	valLen := binary.LittleEndian.Uint32(body[keyLen+8:])

	tail := make([]byte, int(valLen)+4)
	if _, err = io.ReadFull(r, tail); err != nil {
		return 0, keys.Key{}, nil, 0, unexpectedEOF(err)
	}
	value = tail[:valLen]

	sum := crc32.NewIEEE()
	sum.Write(head[:])
	sum.Write(body)
	sum.Write(value)
	if got := binary.LittleEndian.Uint32(tail[valLen:]); got != sum.Sum32() {
		return 0, keys.Key{}, nil, 0,
			fmt.Errorf("%w: WAL record checksum mismatch", dberrors.ErrCorruption)
	}

	n = int64(walRecordOverhead) + int64(keyLen) + int64(valLen)
	return kind, keys.Key{Raw: raw, Ts: ts}, value, n, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
