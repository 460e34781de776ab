package core

import (
	"testing"
	"time"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
)

const testChain = "testnet"

func newAccount(t *testing.T) (*crypto.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key, bwsaddr.FromKey(key.PublicKeyHash()).String()
}

// signedTx builds a minimal valid transaction from key's account to `to`.
func signedTx(t *testing.T, key *crypto.PrivateKey, to, amount, fee string, created int64) *types.Tx {
	t.Helper()
	from := bwsaddr.FromKey(key.PublicKeyHash()).String()
	tx := &types.Tx{
		Chain:   testChain,
		Version: "2",
		From:    []string{from},
		To:      []string{to},
		Amount:  []string{amount},
		Fee:     fee,
		Type:    types.TxNone,
		Created: created,
	}
	if err := tx.SignWith(key); err != nil {
		t.Fatal(err)
	}
	return tx
}

// signedSlice builds a signed slice over the given tx hashes.
func signedSlice(t *testing.T, key *crypto.PrivateKey, blockHeight, height uint64, txs []common.Hash, end bool, created int64) *types.Slice {
	t.Helper()
	from := bwsaddr.FromKey(key.PublicKeyHash()).String()
	s := &types.Slice{
		Chain:             testChain,
		Version:           "2",
		Height:            height,
		BlockHeight:       blockHeight,
		TransactionsCount: len(txs),
		Transactions:      txs,
		From:              from,
		Created:           created,
		End:               end,
	}
	if err := s.SignWith(key); err != nil {
		t.Fatal(err)
	}
	return s
}

// signedBlock builds a signed block referencing the given slices.
func signedBlock(t *testing.T, key *crypto.PrivateKey, height uint64, parent common.Hash, slices []common.Hash, txCount int, created int64) *types.Block {
	t.Helper()
	from := bwsaddr.FromKey(key.PublicKeyHash()).String()
	b := &types.Block{
		Chain:             testChain,
		Version:           "2",
		Height:            height,
		Slices:            slices,
		From:              from,
		Created:           created,
		LastHash:          parent,
		TransactionsCount: txCount,
	}
	if err := b.SignWith(key); err != nil {
		t.Fatal(err)
	}
	return b
}

func nowUnix() int64 { return time.Now().Unix() }
