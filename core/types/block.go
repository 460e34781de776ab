package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
)

var (
	// ErrBlockMalformed is returned when structural validation fails.
	ErrBlockMalformed = errors.New("malformed block")

	// ErrBlockHashMismatch is returned when the declared hash does not
	// match the canonical digest.
	ErrBlockHashMismatch = errors.New("block hash mismatch")

	// ErrBlockBadSignature is returned when the proposer signature does
	// not verify.
	ErrBlockBadSignature = errors.New("invalid block signature")
)

// Block closes one interval of the chain. LastHash links the parent block;
// the genesis block carries common.ZeroHash there.
type Block struct {
	Chain             string        `json:"chain"`
	Version           string        `json:"version"`
	Height            uint64        `json:"height"`
	Slices            []common.Hash `json:"slices"`
	From              string        `json:"from"`
	Created           int64         `json:"created"`
	LastHash          common.Hash   `json:"lastHash"`
	TransactionsCount int           `json:"transactionsCount"`
	ExternalTxID      []string      `json:"externalTxID,omitempty"`
	Hash              common.Hash   `json:"hash"`
	Sign              string        `json:"sign"`
}

type blockDigest struct {
	Chain             string        `json:"chain"`
	Version           string        `json:"version"`
	Height            uint64        `json:"height"`
	Slices            []common.Hash `json:"slices"`
	From              string        `json:"from"`
	Created           int64         `json:"created"`
	LastHash          common.Hash   `json:"lastHash"`
	TransactionsCount int           `json:"transactionsCount"`
	ExternalTxID      []string      `json:"externalTxID"`
}

// CanonicalBytes returns the deterministic encoding the digest is computed over.
func (b *Block) CanonicalBytes() ([]byte, error) {
	slices := b.Slices
	if slices == nil {
		slices = []common.Hash{}
	}
	ext := b.ExternalTxID
	if ext == nil {
		ext = []string{}
	}
	return json.Marshal(&blockDigest{
		Chain:             b.Chain,
		Version:           b.Version,
		Height:            b.Height,
		Slices:            slices,
		From:              b.From,
		Created:           b.Created,
		LastHash:          b.LastHash,
		TransactionsCount: b.TransactionsCount,
		ExternalTxID:      ext,
	})
}

// ComputeHash returns the canonical digest of the block.
func (b *Block) ComputeHash() (common.Hash, error) {
	enc, err := b.CanonicalBytes()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// SignWith seals the block and attaches the proposer signature.
func (b *Block) SignWith(key *crypto.PrivateKey) error {
	h, err := b.ComputeHash()
	if err != nil {
		return err
	}
	b.Hash = h
	sig, err := key.Sign(b.Hash)
	if err != nil {
		return err
	}
	b.Sign = encodeSig(sig)
	return nil
}

// IsGenesis reports whether the block opens its chain.
func (b *Block) IsGenesis() bool {
	return b.Height == 0 && b.LastHash.IsZero()
}

// ValidateStructure checks field syntax, hash and the proposer signature.
// Genesis blocks are exempt from the parent-hash check by construction.
func (b *Block) ValidateStructure() error {
	if b.Chain == "" {
		return fmt.Errorf("%w: missing chain", ErrBlockMalformed)
	}
	if !bwsaddr.Valid(b.From) {
		return fmt.Errorf("%w: bad proposer address %q", ErrBlockMalformed, b.From)
	}
	if b.Height == 0 && !b.LastHash.IsZero() {
		return fmt.Errorf("%w: height 0 with non-zero lastHash", ErrBlockMalformed)
	}
	if b.Height > 0 && b.LastHash.IsZero() {
		return fmt.Errorf("%w: non-genesis block without parent", ErrBlockMalformed)
	}
	want, err := b.ComputeHash()
	if err != nil {
		return err
	}
	if want != b.Hash {
		return ErrBlockHashMismatch
	}
	key, err := bwsaddr.DecodeKey(b.From)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockMalformed, err)
	}
	sig, err := decodeSig(b.Sign)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockBadSignature, err)
	}
	if !crypto.VerifyKey(key, b.Hash, sig) {
		return fmt.Errorf("%w: signature does not match %s", ErrBlockBadSignature, b.From)
	}
	return nil
}
