// Package crypto wraps the hashing and signature primitives used across the
// node: keccak256 digests and compact secp256k1 signatures with public key
// recovery.
package crypto

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/bywise/go-bywise/common"
)

// SignatureLength is the byte length of a compact recoverable signature.
const SignatureLength = 65

var (
	// ErrInvalidSignature is returned when a signature fails structural
	// checks before verification is even attempted.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidPrivateKey is returned for malformed private key material.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// Keccak256 calculates and returns the Keccak256 hash of the input data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates and returns the Keccak256 hash of the input data,
// converting it to an internal Hash data structure.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// PrivateKey is a secp256k1 private key.
type PrivateKey struct {
	k *btcec.PrivateKey
}

// GenerateKey creates a new random private key.
func GenerateKey() (*PrivateKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{k: k}, nil
}

// PrivateKeyFromBytes interprets b as a big-endian scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidPrivateKey, len(b))
	}
	k, _ := btcec.PrivKeyFromBytes(b)
	return &PrivateKey{k: k}, nil
}

// Bytes returns the 32-byte big-endian scalar.
func (p *PrivateKey) Bytes() []byte {
	return p.k.Serialize()
}

// PublicKey returns the compressed 33-byte public key.
func (p *PrivateKey) PublicKey() []byte {
	return p.k.PubKey().SerializeCompressed()
}

// PublicKeyHash returns the 20-byte account key derived from the public key:
// the low 20 bytes of keccak256 over the uncompressed point.
func (p *PrivateKey) PublicKeyHash() common.Key {
	return PubkeyToKey(p.k.PubKey().SerializeUncompressed())
}

// PubkeyToKey derives the 20-byte account key from an uncompressed or
// compressed encoded public key.
func PubkeyToKey(pub []byte) common.Key {
	if len(pub) == 65 {
		pub = pub[1:] // drop the 0x04 point marker
	}
	return common.BytesToKey(Keccak256(pub)[12:])
}

// Sign produces a 65-byte compact recoverable signature over digest.
func (p *PrivateKey) Sign(digest common.Hash) ([]byte, error) {
	sig, err := btcecdsa.SignCompact(p.k, digest[:], false)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Recover returns the uncompressed public key that produced the given
// compact signature over digest.
func Recover(digest common.Hash, sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	pub, _, err := btcecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pub.SerializeUncompressed(), nil
}

// VerifyKey reports whether sig over digest was produced by the holder of the
// account key.
func VerifyKey(key common.Key, digest common.Hash, sig []byte) bool {
	pub, err := Recover(digest, sig)
	if err != nil {
		return false
	}
	return PubkeyToKey(pub) == key
}
