package common

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBytesToHash(t *testing.T) {
	h := BytesToHash([]byte{1, 2, 3})
	if h[HashLength-1] != 3 || h[HashLength-2] != 2 || h[HashLength-3] != 1 {
		t.Errorf("short input not right-aligned: %x", h)
	}
	long := make([]byte, HashLength+4)
	for i := range long {
		long[i] = byte(i)
	}
	h = BytesToHash(long)
	if h[0] != 4 {
		t.Errorf("long input not cropped from the left: %x", h)
	}
}

func TestHexToHash(t *testing.T) {
	want := strings.Repeat("ab", HashLength)
	for _, in := range []string{want, "0x" + want, "0X" + want} {
		h, err := HexToHash(in)
		if err != nil {
			t.Fatalf("HexToHash(%q): %v", in, err)
		}
		if h.Hex() != want {
			t.Errorf("HexToHash(%q) = %s, want %s", in, h.Hex(), want)
		}
	}
	for _, in := range []string{"", "abcd", want + "00", strings.Repeat("zz", HashLength)} {
		if _, err := HexToHash(in); err == nil {
			t.Errorf("HexToHash(%q): expected error", in)
		}
	}
}

func TestHashIsZero(t *testing.T) {
	if !ZeroHash.IsZero() {
		t.Error("ZeroHash.IsZero() = false")
	}
	if BytesToHash([]byte{1}).IsZero() {
		t.Error("non-zero hash reported zero")
	}
}

func TestHashCmp(t *testing.T) {
	a := BytesToHash([]byte{1})
	b := BytesToHash([]byte{2})
	if a.Cmp(b) >= 0 {
		t.Error("expected a < b")
	}
	if b.Cmp(a) <= 0 {
		t.Error("expected b > a")
	}
	if a.Cmp(a) != 0 {
		t.Error("expected a == a")
	}
}

func TestHashJSON(t *testing.T) {
	h := BytesToHash([]byte{0xde, 0xad, 0xbe, 0xef})
	enc, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	var dec Hash
	if err := json.Unmarshal(enc, &dec); err != nil {
		t.Fatal(err)
	}
	if dec != h {
		t.Errorf("round trip mismatch: %s != %s", dec, h)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &dec); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestBytesToKey(t *testing.T) {
	k := BytesToKey([]byte{7})
	if k[KeyLength-1] != 7 {
		t.Errorf("short input not right-aligned: %x", k)
	}
	long := make([]byte, KeyLength+2)
	long[0], long[1], long[2] = 9, 9, 1
	k = BytesToKey(long)
	if k[0] != 1 {
		t.Errorf("long input not cropped from the left: %x", k)
	}
	if len(k.Hex()) != KeyLength*2 {
		t.Errorf("Hex length = %d, want %d", len(k.Hex()), KeyLength*2)
	}
}
