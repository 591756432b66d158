package types

// TS is a commit timestamp. Timestamps are allocated by a single atomic
// counter and tagged onto every applied write; readers bind to one and
// never observe versions above it.
type TS = uint64

// TableID identifies one immutable SSTable file for its whole lifetime.
type TableID = uint64

// TsMax sorts before every real version of a key (versions order newest
// first), so seeking at TsMax finds the latest version.
const TsMax TS = ^TS(0)

// Record is a single put or delete destined for the write path. An empty
// Value marks a tombstone.
type Record struct {
	Key   []byte
	Value []byte
}
