// Package dberrors defines the error taxonomy shared by every engine
// component. Callers match with errors.Is; components wrap these with
// identifying context (table id, block index, file path) on the way up.
package dberrors

import "errors"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("minilsm: engine closed")

	// ErrCorruption marks a checksum mismatch. During WAL replay it
	// truncates the log at the first bad record; on an SSTable block it
	// is fatal only to that read.
	ErrCorruption = errors.New("minilsm: corrupted data")

	// ErrConflict is returned when a serializable transaction fails
	// validation. The caller must retry; no data is lost.
	ErrConflict = errors.New("minilsm: transaction conflict")

	// ErrTxnFinished is returned when a committed or rolled-back
	// transaction is used again.
	ErrTxnFinished = errors.New("minilsm: transaction already finished")

	// ErrTooLargeEntry rejects a key or value that exceeds the on-disk
	// length limits before anything is logged.
	ErrTooLargeEntry = errors.New("minilsm: entry exceeds size limit")

	// ErrInvalidConfig rejects zero or negative budgets before any I/O.
	ErrInvalidConfig = errors.New("minilsm: invalid configuration")

	// ErrMissingFile is returned by recovery when the manifest references
	// a file that is not on disk.
	ErrMissingFile = errors.New("minilsm: file referenced by manifest is missing")
)
