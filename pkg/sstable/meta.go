package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/wcygan/mini-lsm/pkg/dberrors"
	"github.com/wcygan/mini-lsm/pkg/keys"
)

// BlockMeta locates one data block: its file offset and first/last key.
// The list is binary-searched to find candidate blocks without reading
// them.
type BlockMeta struct {
	Offset   uint32
	FirstKey keys.Key
	LastKey  keys.Key
}

// encodeMetas lays out the meta section: count (4) | per-meta records |
// xxhash64 of everything before it.
func encodeMetas(metas []BlockMeta) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(metas)))
	for _, m := range metas {
		buf = binary.LittleEndian.AppendUint32(buf, m.Offset)
		buf = appendMetaKey(buf, m.FirstKey)
		buf = appendMetaKey(buf, m.LastKey)
	}
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

func appendMetaKey(buf []byte, k keys.Key) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k.Raw)))
	buf = append(buf, k.Raw...)
	return binary.LittleEndian.AppendUint64(buf, k.Ts)
}

func decodeMetas(buf []byte) ([]BlockMeta, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("%w: meta section too short", dberrors.ErrCorruption)
	}
	body, sum := buf[:len(buf)-8], binary.LittleEndian.Uint64(buf[len(buf)-8:])
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: meta section checksum mismatch", dberrors.ErrCorruption)
	}

	count := int(binary.LittleEndian.Uint32(body))
	pos := 4
	metas := make([]BlockMeta, 0, count)
	for i := 0; i < count; i++ {
		if pos+4 > len(body) {
			return nil, fmt.Errorf("%w: truncated meta record %d", dberrors.ErrCorruption, i)
		}
		m := BlockMeta{Offset: binary.LittleEndian.Uint32(body[pos:])}
		pos += 4
		var err error
		if m.FirstKey, pos, err = readMetaKey(body, pos); err != nil {
			return nil, fmt.Errorf("meta record %d: %w", i, err)
		}
		if m.LastKey, pos, err = readMetaKey(body, pos); err != nil {
			return nil, fmt.Errorf("meta record %d: %w", i, err)
		}
		metas = append(metas, m)
	}
	return metas, nil
}

func readMetaKey(buf []byte, pos int) (keys.Key, int, error) {
	if pos+2 > len(buf) {
		return keys.Key{}, 0, fmt.Errorf("%w: truncated meta key", dberrors.ErrCorruption)
	}
	n := int(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2
	if pos+n+8 > len(buf) {
		return keys.Key{}, 0, fmt.Errorf("%w: truncated meta key", dberrors.ErrCorruption)
	}
	raw := make([]byte, n)
	copy(raw, buf[pos:pos+n])
	pos += n
	ts := binary.LittleEndian.Uint64(buf[pos:])
	return keys.Key{Raw: raw, Ts: ts}, pos + 8, nil
}
