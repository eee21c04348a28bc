package codec

import (
	"bytes"
	"testing"
)

type nested struct {
	ID     uint32
	Levels []pair
}

type pair struct {
	A, B uint32
}

func TestBody_StorePositional(t *testing.T) {
	raw, err := EncodeValues(uint32(3), int32(-1), []byte{1, 2, 3}, nested{ID: 9, Levels: []pair{{1, 2}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body := Body(raw)
	if body.Len() != 4 {
		t.Fatalf("expected 4 values, got %d", body.Len())
	}

	var (
		seq    uint32
		status int32
		data   []byte
		n      nested
	)
	if err := body.Store(&seq, &status, &data, &n); err != nil {
		t.Fatalf("store: %v", err)
	}
	if seq != 3 || status != -1 {
		t.Fatalf("unexpected scalars: seq=%d status=%d", seq, status)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Fatalf("unexpected data: %v", data)
	}
	if n.ID != 9 || len(n.Levels) != 1 || n.Levels[0].B != 2 {
		t.Fatalf("unexpected nested value: %+v", n)
	}
}

func TestBody_StorePrefix(t *testing.T) {
	raw, _ := EncodeValues(uint32(1), "two")
	var first uint32
	if err := Body(raw).Store(&first); err != nil {
		t.Fatalf("prefix store: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected 1, got %d", first)
	}
}

func TestBody_StoreTooMany(t *testing.T) {
	raw, _ := EncodeValues(uint32(1))
	var a, b uint32
	if err := Body(raw).Store(&a, &b); err == nil {
		t.Fatal("expected error when requesting more values than present")
	}
}

func TestBody_StoreTypeMismatch(t *testing.T) {
	raw, _ := EncodeValues("not a number")
	var n uint32
	if err := Body(raw).Store(&n); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBody_ByteSliceDoesNotAlias(t *testing.T) {
	raw, _ := EncodeValues([]byte{5, 6, 7})
	var out []byte
	if err := Body(raw).Store(&out); err != nil {
		t.Fatalf("store: %v", err)
	}
	for i := range raw[0] {
		raw[0][i] = 0
	}
	if !bytes.Equal(out, []byte{5, 6, 7}) {
		t.Fatalf("decoded bytes changed with the source buffer: %v", out)
	}
}
