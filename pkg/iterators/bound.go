package iterators

import "bytes"

// BoundKind tells how a scan endpoint is interpreted.
type BoundKind int

const (
	BoundUnbounded BoundKind = iota
	BoundIncluded
	BoundExcluded
)

// Bound is one endpoint of a scan range over raw user keys.
type Bound struct {
	Key  []byte
	Kind BoundKind
}

func Unbounded() Bound {
	return Bound{Kind: BoundUnbounded}
}

func Included(key []byte) Bound {
	return Bound{Key: key, Kind: BoundIncluded}
}

func Excluded(key []byte) Bound {
	return Bound{Key: key, Kind: BoundExcluded}
}

// AboveLower reports whether raw is inside the range when b is its lower
// endpoint.
func AboveLower(raw []byte, b Bound) bool {
	switch b.Kind {
	case BoundIncluded:
		return bytes.Compare(raw, b.Key) >= 0
	case BoundExcluded:
		return bytes.Compare(raw, b.Key) > 0
	default:
		return true
	}
}

// BelowUpper reports whether raw is inside the range when b is its upper
// endpoint.
func BelowUpper(raw []byte, b Bound) bool {
	switch b.Kind {
	case BoundIncluded:
		return bytes.Compare(raw, b.Key) <= 0
	case BoundExcluded:
		return bytes.Compare(raw, b.Key) < 0
	default:
		return true
	}
}
