// Package types contains the wire-level data model of the chain: transactions,
// slices and blocks, their canonical encodings, digests and signatures.
package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
)

// TxType discriminates how a transaction is executed.
type TxType string

const (
	// TxNone is a plain value transfer.
	TxNone TxType = "NONE"
	// TxCommand invokes a named chain builtin, admin signed.
	TxCommand TxType = "COMMAND"
	// TxContract deploys a contract.
	TxContract TxType = "CONTRACT"
	// TxContractExe calls methods on deployed contracts.
	TxContractExe TxType = "CONTRACT_EXE"
	// TxBlockchainCommand is reserved for genesis bootstrap commands and is
	// ignored anywhere else.
	TxBlockchainCommand TxType = "BLOCKCHAIN_COMMAND"
)

var (
	// ErrTxMalformed is returned when structural validation fails.
	ErrTxMalformed = errors.New("malformed transaction")

	// ErrTxHashMismatch is returned when the declared hash does not match
	// the canonical digest.
	ErrTxHashMismatch = errors.New("transaction hash mismatch")

	// ErrTxBadSignature is returned when any sign[i] does not verify
	// against from[i].
	ErrTxBadSignature = errors.New("invalid transaction signature")
)

// Tx is a single transaction. From, To, Amount and Sign run in lockstep:
// sign[i] is from[i]'s signature over the canonical digest, amount[i] is
// credited to to[i].
type Tx struct {
	Chain       string      `json:"chain"`
	Version     string      `json:"version"`
	From        []string    `json:"from"`
	To          []string    `json:"to"`
	Amount      []string    `json:"amount"`
	Fee         string      `json:"fee"`
	Type        TxType      `json:"type"`
	ForeignKeys []string    `json:"foreignKeys,omitempty"`
	Data        TxData      `json:"data"`
	Created     int64       `json:"created"`
	Hash        common.Hash `json:"hash"`
	Sign        []string    `json:"sign"`

	// Output is attached after simulation or execution; it is not part of
	// the signed digest.
	Output *TxOutput `json:"output,omitempty"`
}

// TxOutput records the result of executing a transaction.
type TxOutput struct {
	Cost    uint64      `json:"cost"`
	FeeUsed string      `json:"feeUsed"`
	Logs    []string    `json:"logs,omitempty"`
	Events  []Event     `json:"events,omitempty"`
	Error   string      `json:"error,omitempty"`
	Payload interface{} `json:"output,omitempty"`
}

// Event is emitted by a contract during execution and indexed on finality.
type Event struct {
	Contract string      `json:"contractAddress"`
	Name     string      `json:"eventName"`
	Entries  []EventItem `json:"entries,omitempty"`
	Hash     common.Hash `json:"hash"`
}

// EventItem is one key/value pair of an emitted event.
type EventItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// txDigest is the canonical view hashed and signed. Field order is fixed;
// Hash, Sign and Output never participate.
type txDigest struct {
	Chain       string          `json:"chain"`
	Version     string          `json:"version"`
	From        []string        `json:"from"`
	To          []string        `json:"to"`
	Amount      []string        `json:"amount"`
	Fee         string          `json:"fee"`
	Type        TxType          `json:"type"`
	ForeignKeys []string        `json:"foreignKeys"`
	Data        json.RawMessage `json:"data"`
	Created     int64           `json:"created"`
}

// CanonicalBytes returns the deterministic encoding the digest is computed
// over. Two transactions with equal fields always encode identically.
func (tx *Tx) CanonicalBytes() ([]byte, error) {
	data, err := tx.Data.canonical(tx.Type)
	if err != nil {
		return nil, err
	}
	fks := tx.ForeignKeys
	if fks == nil {
		fks = []string{}
	}
	return json.Marshal(&txDigest{
		Chain:       tx.Chain,
		Version:     tx.Version,
		From:        tx.From,
		To:          tx.To,
		Amount:      tx.Amount,
		Fee:         tx.Fee,
		Type:        tx.Type,
		ForeignKeys: fks,
		Data:        data,
		Created:     tx.Created,
	})
}

// ComputeHash returns the canonical digest of the transaction.
func (tx *Tx) ComputeHash() (common.Hash, error) {
	enc, err := tx.CanonicalBytes()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// Seal computes and stores the canonical hash.
func (tx *Tx) Seal() error {
	h, err := tx.ComputeHash()
	if err != nil {
		return err
	}
	tx.Hash = h
	return nil
}

// SizeBytes is the canonical byte size used by the fee formula.
func (tx *Tx) SizeBytes() (int64, error) {
	enc, err := tx.CanonicalBytes()
	if err != nil {
		return 0, err
	}
	return int64(len(enc)), nil
}

// TotalAmount sums the amount column as a decimal.
func (tx *Tx) TotalAmount() (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range tx.Amount {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: bad amount %q", ErrTxMalformed, a)
		}
		if d.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: negative amount %q", ErrTxMalformed, a)
		}
		total = total.Add(d)
	}
	return total, nil
}

// ValidateStructure checks the lockstep invariant, field syntax, hash and
// all signatures. BLOCKCHAIN_COMMAND txs in a genesis block are unsigned and
// validated by the caller instead.
func (tx *Tx) ValidateStructure() error {
	if tx.Chain == "" {
		return fmt.Errorf("%w: missing chain", ErrTxMalformed)
	}
	if len(tx.From) == 0 {
		return fmt.Errorf("%w: empty from", ErrTxMalformed)
	}
	if len(tx.From) != len(tx.To) || len(tx.From) != len(tx.Amount) || len(tx.From) != len(tx.Sign) {
		return fmt.Errorf("%w: from/to/amount/sign length mismatch", ErrTxMalformed)
	}
	switch tx.Type {
	case TxNone, TxCommand, TxContract, TxContractExe, TxBlockchainCommand:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrTxMalformed, tx.Type)
	}
	for _, addr := range tx.From {
		if !bwsaddr.Valid(addr) {
			return fmt.Errorf("%w: bad from address %q", ErrTxMalformed, addr)
		}
	}
	for _, addr := range tx.To {
		if !bwsaddr.Valid(addr) {
			return fmt.Errorf("%w: bad to address %q", ErrTxMalformed, addr)
		}
	}
	if _, err := tx.TotalAmount(); err != nil {
		return err
	}
	if _, err := decimal.NewFromString(tx.Fee); err != nil {
		return fmt.Errorf("%w: bad fee %q", ErrTxMalformed, tx.Fee)
	}
	want, err := tx.ComputeHash()
	if err != nil {
		return err
	}
	if want != tx.Hash {
		return ErrTxHashMismatch
	}
	return tx.verifySignatures()
}

func (tx *Tx) verifySignatures() error {
	for i, from := range tx.From {
		key, err := bwsaddr.DecodeKey(from)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTxMalformed, err)
		}
		sig, err := decodeSig(tx.Sign[i])
		if err != nil {
			return fmt.Errorf("%w: sign[%d]: %v", ErrTxBadSignature, i, err)
		}
		if !crypto.VerifyKey(key, tx.Hash, sig) {
			return fmt.Errorf("%w: sign[%d] does not match %s", ErrTxBadSignature, i, from)
		}
	}
	return nil
}

// SignWith seals the transaction and attaches one signature per from entry
// using the supplied keys, which must align with From.
func (tx *Tx) SignWith(keys ...*crypto.PrivateKey) error {
	if len(keys) != len(tx.From) {
		return fmt.Errorf("%w: want %d keys, got %d", ErrTxMalformed, len(tx.From), len(keys))
	}
	if err := tx.Seal(); err != nil {
		return err
	}
	tx.Sign = make([]string, len(keys))
	for i, key := range keys {
		sig, err := key.Sign(tx.Hash)
		if err != nil {
			return err
		}
		tx.Sign[i] = encodeSig(sig)
	}
	return nil
}

// Expired reports whether the transaction has outlived the mempool TTL at
// the given unix time.
func (tx *Tx) Expired(now, ttlSeconds int64) bool {
	return tx.Created+ttlSeconds < now
}
