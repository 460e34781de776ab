package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/bywise/go-bywise/core"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/log"
	"github.com/bywise/go-bywise/params"
)

var (
	// ErrTooManyPeers is returned when the connection cap is reached.
	ErrTooManyPeers = errors.New("too many peers")

	// ErrSelfConnect is returned when a node handshakes with itself.
	ErrSelfConnect = errors.New("refusing to connect to self")

	// ErrUnknownChain is returned for objects of chains this node does not
	// serve.
	ErrUnknownChain = errors.New("unknown chain")
)

// Overlay connects the local pipelines to the peer network: it gossips
// accepted objects, answers the pipelines' requests for missing ones and
// keeps the peer set alive through discovery.
type Overlay struct {
	self   NodeInfo
	token  string
	client *Client
	log    log.Logger

	pipelines map[string]*core.Pipeline

	mu    sync.RWMutex
	peers map[string]*Peer // by host

	// seen suppresses reprocessing of gossip that arrives through several
	// peers at once.
	seen *lru.Cache

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewOverlay creates the overlay for a set of chain pipelines. host is the
// public base URL peers can reach us at.
func NewOverlay(host, address string, pipelines map[string]*core.Pipeline) *Overlay {
	chains := make([]string, 0, len(pipelines))
	for chain := range pipelines {
		chains = append(chains, chain)
	}
	seen, _ := lru.New(params.GossipSeenCacheSize)
	return &Overlay{
		self: NodeInfo{
			Host:    host,
			Address: address,
			Version: params.NodeVersion,
			Chains:  chains,
		},
		token:     uuid.NewString(),
		client:    NewClient(host),
		log:       log.New("module", "network"),
		pipelines: pipelines,
		peers:     make(map[string]*Peer),
		seen:      seen,
		quit:      make(chan struct{}),
	}
}

// Self returns the local node info as sent in handshakes.
func (o *Overlay) Self() NodeInfo { return o.self }

// ValidToken reports whether an inbound Authorization token was issued by
// this node.
func (o *Overlay) ValidToken(token string) bool {
	return token != "" && token == o.token
}

// PeerCount returns the number of live peers.
func (o *Overlay) PeerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.peers)
}

// Peers returns the info of every live peer.
func (o *Overlay) Peers() []NodeInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]NodeInfo, 0, len(o.peers))
	for _, p := range o.peers {
		out = append(out, p.Info())
	}
	return out
}

// Start connects the bootnodes, launches discovery and wires the pipeline
// feeds into gossip.
func (o *Overlay) Start(bootnodes []string) {
	for _, host := range bootnodes {
		if err := o.Connect(host); err != nil {
			o.log.Warn("Bootnode handshake failed", "host", host, "err", err)
		}
	}
	o.wg.Add(1)
	go o.discoveryLoop()
	for chain, pipeline := range o.pipelines {
		o.wg.Add(1)
		go o.chainLoop(chain, pipeline)
	}
	o.log.Info("Network overlay started", "host", o.self.Host, "chains", len(o.pipelines), "peers", o.PeerCount())
}

// Stop disconnects the overlay and waits for its loops.
func (o *Overlay) Stop() {
	close(o.quit)
	o.wg.Wait()
}

// Connect performs an outbound handshake and registers the peer.
func (o *Overlay) Connect(host string) error {
	if host == o.self.Host {
		return ErrSelfConnect
	}
	o.mu.RLock()
	_, known := o.peers[host]
	full := len(o.peers) >= params.MaxConnections
	o.mu.RUnlock()
	if known {
		return nil
	}
	if full {
		return ErrTooManyPeers
	}

	intro := o.self
	intro.Token = o.token
	info, err := o.client.Handshake(host, intro)
	if err != nil {
		return err
	}
	if info.Host == "" {
		info.Host = host
	}
	o.addPeer(info, info.Token)
	o.log.Debug("Connected to peer", "host", info.Host, "chains", info.Chains)
	return nil
}

// AcceptHandshake registers an inbound peer and returns the local info with
// a token the peer must present on subsequent calls.
func (o *Overlay) AcceptHandshake(info NodeInfo) (NodeInfo, error) {
	if info.Host == o.self.Host {
		return NodeInfo{}, ErrSelfConnect
	}
	o.mu.RLock()
	_, known := o.peers[info.Host]
	full := len(o.peers) >= params.MaxConnections
	o.mu.RUnlock()
	if !known && full {
		return NodeInfo{}, ErrTooManyPeers
	}
	o.addPeer(info, info.Token)

	reply := o.self
	reply.Token = o.token
	o.log.Debug("Accepted peer handshake", "host", info.Host, "chains", info.Chains)
	return reply, nil
}

func (o *Overlay) addPeer(info NodeInfo, token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.peers[info.Host]; ok {
		existing.info = info
		existing.token = token
		existing.touch()
	} else {
		o.peers[info.Host] = newPeer(info, token)
	}
}

func (o *Overlay) dropPeer(host string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.peers, host)
}

// peersForChain snapshots the live peers serving a chain.
func (o *Overlay) peersForChain(chain string) []*Peer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*Peer
	for _, p := range o.peers {
		if p.ServesChain(chain) {
			out = append(out, p)
		}
	}
	return out
}

// discoveryLoop periodically asks a bounded sample of peers for their own
// peer lists and connects to newcomers until the connection cap.
func (o *Overlay) discoveryLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(time.Duration(params.DiscoveryIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.discoverOnce()
		case <-o.quit:
			return
		}
	}
}

func (o *Overlay) discoverOnce() {
	o.mu.RLock()
	sample := make([]*Peer, 0, len(o.peers))
	for _, p := range o.peers {
		sample = append(sample, p)
	}
	o.mu.RUnlock()

	asked := 0
	for _, peer := range sample {
		if asked >= params.MaxPeersToAsk {
			break
		}
		nodes, err := o.client.ListNodes(peer.Host(), peer.token)
		if err != nil {
			if peer.fail() >= 3 {
				o.log.Debug("Dropping unresponsive peer", "host", peer.Host())
				o.dropPeer(peer.Host())
			}
			continue
		}
		peer.touch()
		asked++
		for _, node := range nodes {
			if node.Host == "" || node.Host == o.self.Host {
				continue
			}
			if o.PeerCount() >= params.MaxConnections {
				return
			}
			if err := o.Connect(node.Host); err != nil && !errors.Is(err, ErrTooManyPeers) {
				o.log.Trace("Discovery connect failed", "host", node.Host, "err", err)
			}
		}
	}
}

// chainLoop wires one pipeline's feeds to gossip and retrieval.
func (o *Overlay) chainLoop(chain string, pipeline *core.Pipeline) {
	defer o.wg.Done()

	txCh := make(chan core.NewTxEvent, 256)
	txSub := pipeline.Mempool().SubscribeNewTx(txCh)
	defer txSub.Unsubscribe()

	sliceCh := make(chan core.NewSliceEvent, 64)
	sliceSub := pipeline.SubscribeNewSlice(sliceCh)
	defer sliceSub.Unsubscribe()

	blockCh := make(chan core.NewBlockEvent, 16)
	blockSub := pipeline.SubscribeNewBlock(blockCh)
	defer blockSub.Unsubscribe()

	wantCh := make(chan core.WantEvent, 256)
	wantSub := pipeline.SubscribeWant(wantCh)
	defer wantSub.Unsubscribe()

	for {
		select {
		case ev := <-txCh:
			o.broadcastTx(chain, ev.Tx)
		case ev := <-sliceCh:
			o.broadcastSlice(chain, ev.Slice)
		case ev := <-blockCh:
			o.broadcastBlock(chain, ev.Block)
		case ev := <-wantCh:
			o.fetch(chain, pipeline, ev)
		case <-o.quit:
			return
		}
	}
}

func (o *Overlay) broadcastTx(chain string, tx *types.Tx) {
	for _, peer := range o.peersForChain(chain) {
		if peer.KnowsTx(tx.Hash) {
			continue
		}
		peer.MarkTx(tx.Hash)
		if err := o.client.SendTx(peer.Host(), peer.token, tx); err != nil {
			o.log.Trace("Tx gossip failed", "peer", peer.Host(), "hash", tx.Hash, "err", err)
		}
	}
}

func (o *Overlay) broadcastSlice(chain string, s *types.Slice) {
	for _, peer := range o.peersForChain(chain) {
		if peer.KnowsSlice(s.Hash) {
			continue
		}
		peer.MarkSlice(s.Hash)
		if err := o.client.SendSlice(peer.Host(), peer.token, s); err != nil {
			o.log.Trace("Slice gossip failed", "peer", peer.Host(), "hash", s.Hash, "err", err)
		}
	}
}

func (o *Overlay) broadcastBlock(chain string, b *types.Block) {
	for _, peer := range o.peersForChain(chain) {
		if peer.KnowsBlock(b.Hash) {
			continue
		}
		peer.MarkBlock(b.Hash)
		if err := o.client.SendBlock(peer.Host(), peer.token, b); err != nil {
			o.log.Trace("Block gossip failed", "peer", peer.Host(), "hash", b.Hash, "err", err)
		}
	}
}

// fetch asks up to MaxPeersPerQuery peers for a missing object and feeds the
// first hit back into the pipeline. Repeated requests for the same hash are
// coalesced through the seen cache.
func (o *Overlay) fetch(chain string, pipeline *core.Pipeline, want core.WantEvent) {
	key := fmt.Sprintf("want:%s:%s:%s", chain, want.Kind, want.Hash.Hex())
	if found, _ := o.seen.ContainsOrAdd(key, time.Now()); found {
		return
	}
	asked := 0
	for _, peer := range o.peersForChain(chain) {
		if asked >= params.MaxPeersPerQuery {
			break
		}
		asked++
		if o.fetchFrom(peer, pipeline, want) {
			o.seen.Remove(key)
			return
		}
	}
	// Nobody delivered; allow a later retry.
	o.seen.Remove(key)
}

func (o *Overlay) fetchFrom(peer *Peer, pipeline *core.Pipeline, want core.WantEvent) bool {
	switch want.Kind {
	case core.WantTx:
		tx, err := o.client.GetTx(peer.Host(), peer.token, want.Hash)
		if err != nil {
			return false
		}
		peer.MarkTx(want.Hash)
		if err := pipeline.AddTx(tx); err != nil && !errors.Is(err, core.ErrKnownTx) {
			o.log.Debug("Fetched tx rejected", "hash", want.Hash, "err", err)
			return false
		}
		return true
	case core.WantSlice:
		s, err := o.client.GetSlice(peer.Host(), peer.token, want.Hash)
		if err != nil {
			return false
		}
		peer.MarkSlice(want.Hash)
		if err := pipeline.AddSlice(s); err != nil && !errors.Is(err, core.ErrDuplicateSlice) {
			o.log.Debug("Fetched slice rejected", "hash", want.Hash, "err", err)
			return false
		}
		return true
	case core.WantBlock:
		b, err := o.client.GetBlock(peer.Host(), peer.token, want.Hash)
		if err != nil {
			return false
		}
		peer.MarkBlock(want.Hash)
		if err := pipeline.AddBlock(b); err != nil && !errors.Is(err, core.ErrDuplicateBlock) {
			o.log.Debug("Fetched block rejected", "hash", want.Hash, "err", err)
			return false
		}
		return true
	}
	return false
}

// HandleTx ingests a transaction received over the web API. The seen cache
// keeps gossip storms from revalidating the same object.
func (o *Overlay) HandleTx(fromHost string, tx *types.Tx) error {
	pipeline, ok := o.pipelines[tx.Chain]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChain, tx.Chain)
	}
	o.markSender(fromHost, func(p *Peer) { p.MarkTx(tx.Hash) })
	if found, _ := o.seen.ContainsOrAdd("tx:"+tx.Hash.Hex(), time.Now()); found {
		return nil
	}
	err := pipeline.AddTx(tx)
	if errors.Is(err, core.ErrKnownTx) {
		return nil
	}
	return err
}

// HandleSlice ingests a slice received over the web API.
func (o *Overlay) HandleSlice(fromHost string, s *types.Slice) error {
	pipeline, ok := o.pipelines[s.Chain]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChain, s.Chain)
	}
	o.markSender(fromHost, func(p *Peer) { p.MarkSlice(s.Hash) })
	if found, _ := o.seen.ContainsOrAdd("slice:"+s.Hash.Hex(), time.Now()); found {
		return nil
	}
	err := pipeline.AddSlice(s)
	if errors.Is(err, core.ErrDuplicateSlice) || errors.Is(err, core.ErrStaleSlice) {
		return nil
	}
	return err
}

// HandleBlock ingests a block received over the web API.
func (o *Overlay) HandleBlock(fromHost string, b *types.Block) error {
	pipeline, ok := o.pipelines[b.Chain]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChain, b.Chain)
	}
	o.markSender(fromHost, func(p *Peer) { p.MarkBlock(b.Hash) })
	if found, _ := o.seen.ContainsOrAdd("block:"+b.Hash.Hex(), time.Now()); found {
		return nil
	}
	err := pipeline.AddBlock(b)
	if errors.Is(err, core.ErrDuplicateBlock) {
		return nil
	}
	return err
}

func (o *Overlay) markSender(host string, mark func(*Peer)) {
	if host == "" {
		return
	}
	o.mu.RLock()
	peer := o.peers[host]
	o.mu.RUnlock()
	if peer != nil {
		mark(peer)
		peer.touch()
	}
}

// SyncChain pulls persisted history from peers until none has more, feeding
// every block into the pipeline. Used once at startup before minting.
func (o *Overlay) SyncChain(chain string) error {
	pipeline, ok := o.pipelines[chain]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChain, chain)
	}
	from := uint64(0)
	if tip := pipeline.Tree().BestMinedBlock(); tip != nil {
		from = tip.Block.Height + 1
	}
	for {
		progressed := false
		for _, peer := range o.peersForChain(chain) {
			blocks, err := o.client.GetBlocksPack(peer.Host(), peer.token, chain, from)
			if err != nil || len(blocks) == 0 {
				continue
			}
			for _, b := range blocks {
				if err := pipeline.AddBlock(b); err != nil && !errors.Is(err, core.ErrDuplicateBlock) {
					o.log.Warn("Sync block rejected", "chain", chain, "hash", b.Hash, "err", err)
				}
				if b.Height >= from {
					from = b.Height + 1
				}
				progressed = true
			}
			break
		}
		if !progressed {
			return nil
		}
	}
}
