// Package common contains the base data types shared by every layer of the
// node: 32-byte hashes, 20-byte account keys and their hex helpers.
package common

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// HashLength is the expected length of a hash in bytes.
	HashLength = 32
	// KeyLength is the expected length of a decoded account key in bytes.
	KeyLength = 20
)

// Hash represents the 32-byte digest of a transaction, slice, block or commit.
type Hash [HashLength]byte

// ZeroHash denotes "no parent": the lastHash of a genesis block and the base
// of a root environment commit.
var ZeroHash = Hash{}

// BytesToHash sets b to hash. If b is larger than HashLength, b will be
// cropped from the left.
func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// HexToHash parses a 64-character hex string into a Hash.
func HexToHash(s string) (Hash, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s) != HashLength*2 {
		return Hash{}, fmt.Errorf("invalid hash length: %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash encoding: %v", err)
	}
	return BytesToHash(b), nil
}

// SetBytes sets the hash to the value of b.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// Bytes returns a copy of the underlying bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashLength)
	copy(out, h[:])
	return out
}

// Hex renders the hash as a 64-character lowercase hex string without prefix.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// String implements fmt.Stringer.
func (h Hash) String() string { return h.Hex() }

// IsZero reports whether the hash equals ZeroHash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Cmp compares two hashes lexicographically.
func (h Hash) Cmp(other Hash) int { return bytes.Compare(h[:], other[:]) }

// TerminalString implements log.TerminalStringer, formatting a hash for
// console output during logging.
func (h Hash) TerminalString() string {
	return fmt.Sprintf("%x..%x", h[:3], h[29:])
}

// MarshalJSON renders the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON parses a hex string into the hash.
func (h *Hash) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	parsed, err := HexToHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Key is the 20-byte payload decoded from a BWS address.
type Key [KeyLength]byte

// BytesToKey sets b to key, cropping from the left when b is too long.
func BytesToKey(b []byte) Key {
	var k Key
	if len(b) > KeyLength {
		b = b[len(b)-KeyLength:]
	}
	copy(k[KeyLength-len(b):], b)
	return k
}

// Bytes returns a copy of the underlying bytes.
func (k Key) Bytes() []byte {
	out := make([]byte, KeyLength)
	copy(out, k[:])
	return out
}

// Hex renders the key as a 40-character lowercase hex string.
func (k Key) Hex() string { return hex.EncodeToString(k[:]) }
