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
	// ErrSliceMalformed is returned when structural validation fails.
	ErrSliceMalformed = errors.New("malformed slice")

	// ErrSliceHashMismatch is returned when the declared hash does not
	// match the canonical digest.
	ErrSliceHashMismatch = errors.New("slice hash mismatch")

	// ErrSliceBadSignature is returned when the proposer signature does
	// not verify.
	ErrSliceBadSignature = errors.New("invalid slice signature")
)

// Slice is a micro-batch of transactions belonging to a forming block.
// Slices of one proposer for one block height form a consecutive sequence
// starting at zero, with exactly one End marker.
type Slice struct {
	Chain             string        `json:"chain"`
	Version           string        `json:"version"`
	Height            uint64        `json:"height"`
	BlockHeight       uint64        `json:"blockHeight"`
	TransactionsCount int           `json:"transactionsCount"`
	Transactions      []common.Hash `json:"transactions"`
	From              string        `json:"from"`
	Created           int64         `json:"created"`
	End               bool          `json:"end"`
	Hash              common.Hash   `json:"hash"`
	Sign              string        `json:"sign"`
}

type sliceDigest struct {
	Chain             string        `json:"chain"`
	Version           string        `json:"version"`
	Height            uint64        `json:"height"`
	BlockHeight       uint64        `json:"blockHeight"`
	TransactionsCount int           `json:"transactionsCount"`
	Transactions      []common.Hash `json:"transactions"`
	From              string        `json:"from"`
	Created           int64         `json:"created"`
	End               bool          `json:"end"`
}

// CanonicalBytes returns the deterministic encoding the digest is computed over.
func (s *Slice) CanonicalBytes() ([]byte, error) {
	txs := s.Transactions
	if txs == nil {
		txs = []common.Hash{}
	}
	return json.Marshal(&sliceDigest{
		Chain:             s.Chain,
		Version:           s.Version,
		Height:            s.Height,
		BlockHeight:       s.BlockHeight,
		TransactionsCount: s.TransactionsCount,
		Transactions:      txs,
		From:              s.From,
		Created:           s.Created,
		End:               s.End,
	})
}

// ComputeHash returns the canonical digest of the slice.
func (s *Slice) ComputeHash() (common.Hash, error) {
	enc, err := s.CanonicalBytes()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// SignWith seals the slice and attaches the proposer signature.
func (s *Slice) SignWith(key *crypto.PrivateKey) error {
	h, err := s.ComputeHash()
	if err != nil {
		return err
	}
	s.Hash = h
	sig, err := key.Sign(s.Hash)
	if err != nil {
		return err
	}
	s.Sign = encodeSig(sig)
	return nil
}

// ValidateStructure checks field syntax, the transaction count invariant,
// hash and the proposer signature.
func (s *Slice) ValidateStructure() error {
	if s.Chain == "" {
		return fmt.Errorf("%w: missing chain", ErrSliceMalformed)
	}
	if !bwsaddr.Valid(s.From) {
		return fmt.Errorf("%w: bad proposer address %q", ErrSliceMalformed, s.From)
	}
	if s.TransactionsCount != len(s.Transactions) {
		return fmt.Errorf("%w: transactionsCount %d != %d transactions", ErrSliceMalformed, s.TransactionsCount, len(s.Transactions))
	}
	want, err := s.ComputeHash()
	if err != nil {
		return err
	}
	if want != s.Hash {
		return ErrSliceHashMismatch
	}
	key, err := bwsaddr.DecodeKey(s.From)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSliceMalformed, err)
	}
	sig, err := decodeSig(s.Sign)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSliceBadSignature, err)
	}
	if !crypto.VerifyKey(key, s.Hash, sig) {
		return fmt.Errorf("%w: signature does not match %s", ErrSliceBadSignature, s.From)
	}
	return nil
}
