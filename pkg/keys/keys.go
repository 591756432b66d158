// Package keys defines the versioned key used across the memtable, the
// SSTable format and the iterator framework. A key is the raw user bytes
// plus the commit timestamp of the write that produced it.
package keys

import (
	"bytes"
	"encoding/binary"

	"github.com/wcygan/mini-lsm/pkg/types"
)

// Key is one version of a user key. Ordering is raw bytes ascending,
// timestamp descending, so for equal raw keys the newest version sorts
// first.
type Key struct {
	Raw []byte
	Ts  types.TS
}

// New builds a key for the given raw bytes and timestamp.
func New(raw []byte, ts types.TS) Key {
	return Key{Raw: raw, Ts: ts}
}

// Latest is the seek key that sorts before every stored version of raw.
func Latest(raw []byte) Key {
	return Key{Raw: raw, Ts: types.TsMax}
}

// Compare orders a before b when a.Raw < b.Raw, or the raw bytes are
// equal and a.Ts > b.Ts.
func Compare(a, b Key) int {
	if c := bytes.Compare(a.Raw, b.Raw); c != 0 {
		return c
	}
	switch {
	case a.Ts > b.Ts:
		return -1
	case a.Ts < b.Ts:
		return 1
	default:
		return 0
	}
}

// Less is the comparator handed to ordered containers.
func Less(a, b Key) bool {
	return Compare(a, b) < 0
}

// SameRaw reports whether two keys are versions of the same user key.
func (k Key) SameRaw(other Key) bool {
	return bytes.Equal(k.Raw, other.Raw)
}

// Clone deep-copies the key so it can outlive the buffer it was decoded
// from.
func (k Key) Clone() Key {
	return Key{Raw: bytes.Clone(k.Raw), Ts: k.Ts}
}

// RawSize is the number of raw bytes; the encoded form adds the 8-byte
// timestamp suffix.
func (k Key) RawSize() int {
	return len(k.Raw)
}

// EncodedSize is the on-disk size of the key.
func (k Key) EncodedSize() int {
	return len(k.Raw) + 8
}

// AppendEncoded appends raw bytes followed by the big-endian timestamp.
func (k Key) AppendEncoded(dst []byte) []byte {
	dst = append(dst, k.Raw...)
	return binary.BigEndian.AppendUint64(dst, k.Ts)
}

// DecodeSuffix splits an encoded key back into raw bytes and timestamp.
// The raw slice aliases buf.
func DecodeSuffix(buf []byte) Key {
	n := len(buf) - 8
	return Key{Raw: buf[:n], Ts: binary.BigEndian.Uint64(buf[n:])}
}
