package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/event"
	"github.com/bywise/go-bywise/log"
	"github.com/bywise/go-bywise/params"
)

var (
	// ErrKnownTx is returned when a transaction hash is already pooled.
	ErrKnownTx = errors.New("known transaction")

	// ErrTxExpired rejects transactions past the pool TTL on arrival.
	ErrTxExpired = errors.New("transaction expired")

	// ErrWrongChain rejects transactions addressed to another chain.
	ErrWrongChain = errors.New("transaction for another chain")
)

// NewTxEvent is posted on the pool feed for every accepted transaction.
type NewTxEvent struct {
	Tx *types.Tx
}

// Mempool holds validated transactions waiting for a slice. Entries leave
// the pool when their enclosing block turns immutable, or when their TTL
// runs out.
type Mempool struct {
	chain string
	ttl   time.Duration
	log   log.Logger

	mu      sync.RWMutex
	pending map[common.Hash]*types.Tx
	// sliced tracks hashes already claimed by a local slice under
	// construction, so consecutive slices never double-spend a tx.
	sliced map[common.Hash]bool

	txFeed event.Feed[NewTxEvent]
}

// NewMempool creates an empty pool for one chain.
func NewMempool(chain string) *Mempool {
	return &Mempool{
		chain:   chain,
		ttl:     time.Duration(params.MempoolTxTTLSeconds) * time.Second,
		log:     log.New("chain", chain, "module", "mempool"),
		pending: make(map[common.Hash]*types.Tx),
		sliced:  make(map[common.Hash]bool),
	}
}

// SubscribeNewTx delivers every accepted transaction to ch.
func (m *Mempool) SubscribeNewTx(ch chan<- NewTxEvent) event.Subscription {
	return m.txFeed.Subscribe(ch)
}

// Add validates and pools a transaction. Structure, hash and signatures are
// checked here so nothing malformed ever crosses into a slice.
func (m *Mempool) Add(tx *types.Tx) error {
	if tx.Chain != m.chain {
		return fmt.Errorf("%w: %q", ErrWrongChain, tx.Chain)
	}
	if err := tx.ValidateStructure(); err != nil {
		return err
	}
	if tx.Expired(time.Now().Unix(), params.MempoolTxTTLSeconds) {
		return fmt.Errorf("%w: created %d", ErrTxExpired, tx.Created)
	}

	m.mu.Lock()
	if _, ok := m.pending[tx.Hash]; ok {
		m.mu.Unlock()
		return ErrKnownTx
	}
	m.pending[tx.Hash] = tx
	size := len(m.pending)
	m.mu.Unlock()

	m.log.Trace("Pooled transaction", "hash", tx.Hash, "pending", size)
	m.txFeed.Send(NewTxEvent{Tx: tx})
	return nil
}

// Get returns a pooled transaction, or nil.
func (m *Mempool) Get(hash common.Hash) *types.Tx {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending[hash]
}

// Has reports whether the hash is pooled.
func (m *Mempool) Has(hash common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pending[hash]
	return ok
}

// Len returns the number of pooled transactions.
func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Claim hands out up to max unclaimed transactions in arrival order
// (created, then hash for stability) and marks them claimed so the next
// slice starts past them.
func (m *Mempool) Claim(max int) []*types.Tx {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Tx
	for hash, tx := range m.pending {
		if !m.sliced[hash] {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].Hash.Cmp(out[j].Hash) < 0
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	for _, tx := range out {
		m.sliced[tx.Hash] = true
	}
	return out
}

// MarkSliced flags hashes already referenced by an accepted slice so local
// slice building skips them.
func (m *Mempool) MarkSliced(hashes []common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		if _, ok := m.pending[h]; ok {
			m.sliced[h] = true
		}
	}
}

// Release puts claimed hashes back into circulation, used when the block
// they were sliced into loses the fork choice.
func (m *Mempool) Release(hashes []common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		if _, ok := m.pending[h]; ok {
			delete(m.sliced, h)
		}
	}
}

// Remove drops transactions that reached an immutable block.
func (m *Mempool) Remove(hashes []common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		delete(m.pending, h)
		delete(m.sliced, h)
	}
}

// EvictExpired drops transactions older than the TTL and returns how many
// went.
func (m *Mempool) EvictExpired() int {
	now := time.Now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for hash, tx := range m.pending {
		if tx.Expired(now, int64(m.ttl/time.Second)) {
			delete(m.pending, hash)
			delete(m.sliced, hash)
			evicted++
		}
	}
	if evicted > 0 {
		m.log.Debug("Evicted expired transactions", "count", evicted, "pending", len(m.pending))
	}
	return evicted
}
