package network

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/bywise/go-bywise/common"
)

// maxKnownObjects bounds the per-peer known sets; older entries are only
// approximately forgotten, which merely costs a redundant gossip.
const maxKnownObjects = 4096

// Peer is one live connection of the overlay. The known sets suppress
// gossip echo: objects a peer sent us, or that we sent it, are never pushed
// back.
type Peer struct {
	info  NodeInfo
	token string // token the peer issued to us during the handshake

	knownTxs    mapset.Set
	knownSlices mapset.Set
	knownBlocks mapset.Set

	mu       sync.Mutex
	lastSeen time.Time
	failures int
}

func newPeer(info NodeInfo, token string) *Peer {
	return &Peer{
		info:        info,
		token:       token,
		knownTxs:    mapset.NewSet(),
		knownSlices: mapset.NewSet(),
		knownBlocks: mapset.NewSet(),
		lastSeen:    time.Now(),
	}
}

// Host returns the peer's base URL.
func (p *Peer) Host() string { return p.info.Host }

// Info returns the handshake info of the peer.
func (p *Peer) Info() NodeInfo { return p.info }

// ServesChain reports whether the peer announced the chain.
func (p *Peer) ServesChain(chain string) bool {
	for _, c := range p.info.Chains {
		if c == chain {
			return true
		}
	}
	return false
}

// MarkTx remembers that the peer knows a transaction.
func (p *Peer) MarkTx(hash common.Hash) {
	markKnown(p.knownTxs, hash)
}

// KnowsTx reports whether the peer is known to hold the transaction.
func (p *Peer) KnowsTx(hash common.Hash) bool {
	return p.knownTxs.Contains(hash)
}

// MarkSlice remembers that the peer knows a slice.
func (p *Peer) MarkSlice(hash common.Hash) {
	markKnown(p.knownSlices, hash)
}

// KnowsSlice reports whether the peer is known to hold the slice.
func (p *Peer) KnowsSlice(hash common.Hash) bool {
	return p.knownSlices.Contains(hash)
}

// MarkBlock remembers that the peer knows a block.
func (p *Peer) MarkBlock(hash common.Hash) {
	markKnown(p.knownBlocks, hash)
}

// KnowsBlock reports whether the peer is known to hold the block.
func (p *Peer) KnowsBlock(hash common.Hash) bool {
	return p.knownBlocks.Contains(hash)
}

func markKnown(set mapset.Set, hash common.Hash) {
	for set.Cardinality() >= maxKnownObjects {
		set.Pop()
	}
	set.Add(hash)
}

// touch records a successful exchange.
func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.failures = 0
	p.mu.Unlock()
}

// fail records a failed exchange and returns the consecutive failure count.
func (p *Peer) fail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	return p.failures
}

// LastSeen returns the time of the last successful exchange.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}
