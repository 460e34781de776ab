// Package bwsaddr implements the BWS account address codec.
//
// An address is a self-describing string:
//
//	BWS 1 <tag> <body> <checksum>
//
// where "BWS" is the scheme, '1' the codec version, <tag> a two-character
// account type, <body> the 40-hex-character 20-byte account key and
// <checksum> the first three hex characters of keccak256 over everything
// before it. Total length is always 49 characters.
package bwsaddr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/crypto"
)

const (
	// Prefix opens every address of this codec version.
	Prefix = "BWS1"

	// AddressLength is the exact length of an encoded address.
	AddressLength = len(Prefix) + 2 + 2*common.KeyLength + 3

	checksumLength = 3
)

// AddressType identifies what an address points at.
type AddressType string

const (
	// TypeUser marks an externally controlled wallet.
	TypeUser AddressType = "MU"
	// TypeContract marks a deployed contract account.
	TypeContract AddressType = "MC"
)

var (
	// ErrInvalidLength is returned when an address is not exactly
	// AddressLength characters.
	ErrInvalidLength = errors.New("invalid address length")

	// ErrInvalidPrefix is returned when an address does not open with the
	// BWS1 scheme marker.
	ErrInvalidPrefix = errors.New("invalid address prefix")

	// ErrInvalidType is returned for an unknown account type tag.
	ErrInvalidType = errors.New("invalid address type")

	// ErrInvalidChecksum is returned when the trailing checksum does not
	// match the address body.
	ErrInvalidChecksum = errors.New("invalid address checksum")

	// ErrInvalidBody is returned when the key section is not valid hex.
	ErrInvalidBody = errors.New("invalid address body")
)

// Address is a decoded BWS address.
type Address struct {
	kind AddressType
	key  common.Key
}

// New builds an address from an account type and key.
func New(kind AddressType, key common.Key) Address {
	return Address{kind: kind, key: key}
}

// FromKey builds a user address from an account key.
func FromKey(key common.Key) Address {
	return New(TypeUser, key)
}

// ContractFromKey builds a contract address from an account key.
func ContractFromKey(key common.Key) Address {
	return New(TypeContract, key)
}

// Type returns the account type tag.
func (a Address) Type() AddressType { return a.kind }

// Key returns the decoded 20-byte account key.
func (a Address) Key() common.Key { return a.key }

// IsContract reports whether the address points at a contract account.
func (a Address) IsContract() bool { return a.kind == TypeContract }

// String encodes the address, checksum included.
func (a Address) String() string {
	body := Prefix + string(a.kind) + a.key.Hex()
	return body + checksum(body)
}

// Decode parses and validates an encoded address.
func Decode(address string) (Address, error) {
	if len(address) != AddressLength {
		return Address{}, fmt.Errorf("%w: got %d, want %d", ErrInvalidLength, len(address), AddressLength)
	}
	if !strings.HasPrefix(address, Prefix) {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidPrefix, address[:len(Prefix)])
	}
	body := address[:len(address)-checksumLength]
	if checksum(body) != address[len(address)-checksumLength:] {
		return Address{}, ErrInvalidChecksum
	}
	kind := AddressType(address[len(Prefix) : len(Prefix)+2])
	switch kind {
	case TypeUser, TypeContract:
	default:
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidType, string(kind))
	}
	raw, err := hex.DecodeString(strings.ToLower(address[len(Prefix)+2 : len(address)-checksumLength]))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return Address{kind: kind, key: common.BytesToKey(raw)}, nil
}

// DecodeKey is a convenience wrapper returning just the 20-byte key.
func DecodeKey(address string) (common.Key, error) {
	a, err := Decode(address)
	if err != nil {
		return common.Key{}, err
	}
	return a.key, nil
}

// Valid reports whether address parses and checksums correctly.
func Valid(address string) bool {
	_, err := Decode(address)
	return err == nil
}

func checksum(body string) string {
	sum := crypto.Keccak256([]byte(body))
	return hex.EncodeToString(sum)[:checksumLength]
}
