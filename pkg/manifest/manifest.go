// Package manifest persists the storage state as an append-only log of
// JSON records, one per line. Replaying the records in order rebuilds
// the exact level structure; the record for a state change is written
// and fsynced before the old state is discarded.
package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wcygan/mini-lsm/pkg/compaction"
	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/types"
)

// FileName is the manifest's name inside the data directory.
const FileName = "MANIFEST"

type Kind string

const (
	// KindNewMemtable records that a memtable (and its WAL) was created.
	KindNewMemtable Kind = "new_memtable"
	// KindFlush records a memtable becoming an SSTable.
	KindFlush Kind = "flush"
	// KindCompaction records input tables being replaced by outputs.
	KindCompaction Kind = "compaction"
)

// Record is one state transition.
type Record struct {
	Kind       Kind             `json:"kind"`
	MemtableID types.TableID    `json:"memtable_id,omitempty"`
	TableID    types.TableID    `json:"table_id,omitempty"`
	Task       *compaction.Task `json:"task,omitempty"`
	Outputs    []types.TableID  `json:"outputs,omitempty"`
}

// NewMemtable records the creation of memtable id.
func NewMemtable(id types.TableID) Record {
	return Record{Kind: KindNewMemtable, MemtableID: id}
}

// Flush records memtable memID flushed into table tableID.
func Flush(memID, tableID types.TableID) Record {
	return Record{Kind: KindFlush, MemtableID: memID, TableID: tableID}
}

// Compaction records task's inputs replaced by the output ids.
func Compaction(task *compaction.Task, outputs []types.TableID) Record {
	return Record{Kind: KindCompaction, Task: task, Outputs: outputs}
}

// Manifest is the open log file. Appends are serialized and fsynced
// before returning.
type Manifest struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Create starts a fresh manifest. The file must not already exist.
func Create(path string) (*Manifest, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest %s: %w", path, err)
	}
	return &Manifest{file: f, path: path}, nil
}

// Open reads back every record of an existing manifest and reopens it
// for appending. A torn final line is discarded; garbage anywhere
// earlier is corruption.
func Open(path string) (*Manifest, []Record, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}

	var (
		records []Record
		offset  int64
		torn    bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			torn = true
			break
		}
		records = append(records, rec)
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}
	if torn && info.Size()-offset > maxTornTail {
		f.Close()
		return nil, nil, fmt.Errorf("%w: manifest %s has unreadable records at offset %d",
			dberrors.ErrCorruption, path, offset)
	}
	if offset > info.Size() {
		// The final record lost its newline to a torn write but still
		// parsed; restore the terminator so later appends stay on their
		// own lines.
		if _, err := f.WriteAt([]byte{'\n'}, info.Size()); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to repair manifest %s: %w", path, err)
		}
	} else if offset < info.Size() {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to truncate manifest %s: %w", path, err)
		}
	}
	if _, err := f.Seek(offset, 0); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to seek manifest %s: %w", path, err)
	}
	return &Manifest{file: f, path: path}, records, nil
}

// maxTornTail bounds how much trailing garbage is written off as a torn
// append rather than reported as corruption.
const maxTornTail = 1 << 20

// Append durably adds one record.
func (m *Manifest) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest record: %w", err)
	}
	data = append(data, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return dberrors.ErrClosed
	}
	if _, err := m.file.Write(data); err != nil {
		return fmt.Errorf("failed to append manifest record: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	return nil
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
