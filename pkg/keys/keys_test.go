package keys

import (
	"bytes"
	"testing"

	"github.com/wcygan/mini-lsm/pkg/types"
)

func TestCompareOrdersRawAscending(t *testing.T) {
	a := New([]byte("aaa"), 5)
	b := New([]byte("bbb"), 5)

	if Compare(a, b) >= 0 {
		t.Fatalf("expected %q < %q", a.Raw, b.Raw)
	}
	if Compare(b, a) <= 0 {
		t.Fatalf("expected %q > %q", b.Raw, a.Raw)
	}
	if Compare(a, a) != 0 {
		t.Fatal("expected equal keys to compare as 0")
	}
}

func TestCompareOrdersNewestVersionFirst(t *testing.T) {
	older := New([]byte("k"), 3)
	newer := New([]byte("k"), 7)

	if !Less(newer, older) {
		t.Fatal("expected newer version to sort before older one")
	}
	if !Less(Latest([]byte("k")), newer) {
		t.Fatal("expected Latest to sort before any stored version")
	}
}

func TestLatestUsesMaxTimestamp(t *testing.T) {
	k := Latest([]byte("k"))
	if k.Ts != types.TsMax {
		t.Fatalf("expected TsMax, got %d", k.Ts)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	k := New([]byte("hello"), 42)

	buf := k.AppendEncoded(nil)
	if len(buf) != k.EncodedSize() {
		t.Fatalf("expected %d encoded bytes, got %d", k.EncodedSize(), len(buf))
	}

	got := DecodeSuffix(buf)
	if !bytes.Equal(got.Raw, k.Raw) || got.Ts != k.Ts {
		t.Fatalf("round trip mismatch: got %q@%d", got.Raw, got.Ts)
	}
}

func TestCloneDetachesFromBuffer(t *testing.T) {
	buf := []byte("key")
	k := New(buf, 1)
	c := k.Clone()

	buf[0] = 'x'
	if !bytes.Equal(c.Raw, []byte("key")) {
		t.Fatalf("clone shares the source buffer: %q", c.Raw)
	}
}
