package core

import (
	"errors"
	"testing"
	"time"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/params"
)

func TestMempoolAdd(t *testing.T) {
	pool := NewMempool(testChain)
	key, _ := newAccount(t)
	tx := signedTx(t, key, mustAddr(t), "1", "0", nowUnix())

	ch := make(chan NewTxEvent, 1)
	sub := pool.SubscribeNewTx(ch)
	defer sub.Unsubscribe()

	if err := pool.Add(tx); err != nil {
		t.Fatal(err)
	}
	if !pool.Has(tx.Hash) || pool.Len() != 1 {
		t.Error("tx not pooled")
	}
	if got := pool.Get(tx.Hash); got == nil || got.Hash != tx.Hash {
		t.Error("Get returned the wrong tx")
	}
	select {
	case ev := <-ch:
		if ev.Tx.Hash != tx.Hash {
			t.Error("feed delivered the wrong tx")
		}
	case <-time.After(time.Second):
		t.Error("no feed event for accepted tx")
	}

	if err := pool.Add(tx); !errors.Is(err, ErrKnownTx) {
		t.Errorf("got %v, want %v", err, ErrKnownTx)
	}
}

func TestMempoolRejects(t *testing.T) {
	pool := NewMempool(testChain)
	key, _ := newAccount(t)

	t.Run("wrong chain", func(t *testing.T) {
		tx := signedTx(t, key, mustAddr(t), "1", "0", nowUnix())
		tx.Chain = "othernet"
		if err := pool.Add(tx); !errors.Is(err, ErrWrongChain) {
			t.Errorf("got %v, want %v", err, ErrWrongChain)
		}
	})
	t.Run("tampered", func(t *testing.T) {
		tx := signedTx(t, key, mustAddr(t), "1", "0", nowUnix())
		tx.Amount[0] = "999"
		if err := pool.Add(tx); !errors.Is(err, types.ErrTxHashMismatch) {
			t.Errorf("got %v, want %v", err, types.ErrTxHashMismatch)
		}
	})
	t.Run("expired", func(t *testing.T) {
		tx := signedTx(t, key, mustAddr(t), "1", "0", nowUnix()-params.MempoolTxTTLSeconds-10)
		if err := pool.Add(tx); !errors.Is(err, ErrTxExpired) {
			t.Errorf("got %v, want %v", err, ErrTxExpired)
		}
	})
}

func TestMempoolClaimOrder(t *testing.T) {
	pool := NewMempool(testChain)
	key, _ := newAccount(t)
	to := mustAddr(t)

	base := nowUnix()
	older := signedTx(t, key, to, "1", "0", base-10)
	newer := signedTx(t, key, to, "2", "0", base)
	newest := signedTx(t, key, to, "3", "0", base+10)

	// Insertion order deliberately scrambled.
	for _, tx := range []*types.Tx{newest, older, newer} {
		if err := pool.Add(tx); err != nil {
			t.Fatal(err)
		}
	}

	claimed := pool.Claim(2)
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}
	if claimed[0].Hash != older.Hash || claimed[1].Hash != newer.Hash {
		t.Error("claim order is not by creation time")
	}

	// A second claim skips what the first took.
	claimed = pool.Claim(10)
	if len(claimed) != 1 || claimed[0].Hash != newest.Hash {
		t.Errorf("second claim = %d txs", len(claimed))
	}
	if claimed := pool.Claim(10); len(claimed) != 0 {
		t.Errorf("third claim = %d txs, want 0", len(claimed))
	}
}

func TestMempoolClaimTieBreaksByHash(t *testing.T) {
	pool := NewMempool(testChain)
	key, _ := newAccount(t)
	to := mustAddr(t)
	created := nowUnix()

	a := signedTx(t, key, to, "1", "0", created)
	b := signedTx(t, key, to, "2", "0", created)
	for _, tx := range []*types.Tx{a, b} {
		if err := pool.Add(tx); err != nil {
			t.Fatal(err)
		}
	}
	claimed := pool.Claim(2)
	if len(claimed) != 2 {
		t.Fatalf("claimed %d", len(claimed))
	}
	if claimed[0].Hash.Cmp(claimed[1].Hash) >= 0 {
		t.Error("equal timestamps not ordered by hash")
	}
}

func TestMempoolReleaseAndMarkSliced(t *testing.T) {
	pool := NewMempool(testChain)
	key, _ := newAccount(t)
	tx := signedTx(t, key, mustAddr(t), "1", "0", nowUnix())
	if err := pool.Add(tx); err != nil {
		t.Fatal(err)
	}

	if claimed := pool.Claim(10); len(claimed) != 1 {
		t.Fatalf("claimed %d", len(claimed))
	}
	// Released txs become claimable again.
	pool.Release([]common.Hash{tx.Hash})
	if claimed := pool.Claim(10); len(claimed) != 1 {
		t.Error("released tx not claimable")
	}

	// MarkSliced excludes txs referenced by a foreign slice.
	pool.Release([]common.Hash{tx.Hash})
	pool.MarkSliced([]common.Hash{tx.Hash})
	if claimed := pool.Claim(10); len(claimed) != 0 {
		t.Error("marked tx was claimed")
	}
}

func TestMempoolRemove(t *testing.T) {
	pool := NewMempool(testChain)
	key, _ := newAccount(t)
	tx := signedTx(t, key, mustAddr(t), "1", "0", nowUnix())
	if err := pool.Add(tx); err != nil {
		t.Fatal(err)
	}
	pool.Remove([]common.Hash{tx.Hash})
	if pool.Has(tx.Hash) || pool.Len() != 0 {
		t.Error("removed tx still pooled")
	}
	// A removed tx may be re-added, e.g. after a deep reorg.
	if err := pool.Add(tx); err != nil {
		t.Fatal(err)
	}
}

func TestMempoolEvictExpired(t *testing.T) {
	pool := NewMempool(testChain)
	key, _ := newAccount(t)
	fresh := signedTx(t, key, mustAddr(t), "1", "0", nowUnix())
	if err := pool.Add(fresh); err != nil {
		t.Fatal(err)
	}

	// Stale entries enter through the back door to simulate aging in place.
	stale := signedTx(t, key, mustAddr(t), "2", "0", nowUnix()-params.MempoolTxTTLSeconds-10)
	pool.pending[stale.Hash] = stale
	pool.sliced[stale.Hash] = true

	if evicted := pool.EvictExpired(); evicted != 1 {
		t.Errorf("evicted %d, want 1", evicted)
	}
	if pool.Has(stale.Hash) {
		t.Error("stale tx survived eviction")
	}
	if !pool.Has(fresh.Hash) {
		t.Error("fresh tx evicted")
	}
}
