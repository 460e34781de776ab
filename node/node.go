package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bywise/go-bywise/bywisedb"
	"github.com/bywise/go-bywise/bywisedb/leveldb"
	"github.com/bywise/go-bywise/bywisedb/memorydb"
	"github.com/bywise/go-bywise/core"
	"github.com/bywise/go-bywise/core/vm"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
	"github.com/bywise/go-bywise/internal/bywiseapi"
	"github.com/bywise/go-bywise/log"
	"github.com/bywise/go-bywise/miner"
	"github.com/bywise/go-bywise/network"
	"github.com/bywise/go-bywise/params"
)

// ErrNodeRunning is returned when Start is called twice.
var ErrNodeRunning = errors.New("node already running")

// Node ties the components of a running instance together.
type Node struct {
	config Config
	log    log.Logger

	db        bywisedb.Database
	vmPool    *vm.Pool
	pipelines map[string]*core.Pipeline
	overlay   *network.Overlay
	api       *bywiseapi.Server
	workers   []*miner.Worker
	key       *crypto.PrivateKey

	mu      sync.Mutex
	running bool
}

// New builds a node from its configuration. Nothing runs until Start.
func New(config Config) (*Node, error) {
	if err := config.Sanitize(); err != nil {
		return nil, err
	}

	var (
		db  bywisedb.Database
		err error
	)
	if config.DataDir == "" {
		db = memorydb.New()
	} else {
		db, err = leveldb.New(filepath.Join(config.DataDir, "chaindata"), config.DatabaseCache, config.DatabaseHandles, false)
		if err != nil {
			return nil, fmt.Errorf("open database: %v", err)
		}
	}

	var key *crypto.PrivateKey
	address := ""
	if config.KeyHex != "" {
		raw, err := hex.DecodeString(config.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet key: %v", err)
		}
		key, err = crypto.PrivateKeyFromBytes(raw)
		if err != nil {
			return nil, err
		}
		address = bwsaddr.FromKey(key.PublicKeyHash()).String()
	}

	vmPool := vm.NewPool(params.VMPoolSize)
	pipelines := make(map[string]*core.Pipeline, len(config.Chains))
	for _, chain := range config.Chains {
		pipelines[chain] = core.NewPipeline(chain, db, vmPool)
	}
	overlay := network.NewOverlay(config.PublicHost(), address, pipelines)

	n := &Node{
		config:    config,
		log:       log.New("module", "node"),
		db:        db,
		vmPool:    vmPool,
		pipelines: pipelines,
		overlay:   overlay,
		api:       bywiseapi.NewServer(overlay, pipelines),
		key:       key,
	}
	if key != nil {
		for _, pipeline := range pipelines {
			n.workers = append(n.workers, miner.New(pipeline, key))
		}
	}
	return n, nil
}

// Pipelines exposes the per-chain pipelines.
func (n *Node) Pipelines() map[string]*core.Pipeline { return n.pipelines }

// Pipeline returns one chain's pipeline, or nil.
func (n *Node) Pipeline(chain string) *core.Pipeline { return n.pipelines[chain] }

// Overlay exposes the network overlay.
func (n *Node) Overlay() *network.Overlay { return n.overlay }

// Key returns the wallet key, nil on relay-only nodes.
func (n *Node) Key() *crypto.PrivateKey { return n.key }

// InitChain creates a fresh genesis on one of the node's chains, signed by
// the node wallet.
func (n *Node) InitChain(chain string, opts core.GenesisOptions) error {
	if n.key == nil {
		return errors.New("cannot create a chain without a wallet key")
	}
	pipeline, ok := n.pipelines[chain]
	if !ok {
		return fmt.Errorf("chain %q not configured", chain)
	}
	block, err := pipeline.InitChain(n.key, opts)
	if err != nil {
		return err
	}
	n.log.Info("Created genesis block", "chain", chain, "hash", block.Hash)
	return nil
}

// Start brings the node up: restore or sync chains, connect peers, serve
// the API and begin minting.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrNodeRunning
	}
	n.running = true
	n.mu.Unlock()

	for chain, pipeline := range n.pipelines {
		if pipeline.Bootstrap() {
			n.log.Info("Chain restored from disk", "chain", chain)
		}
		pipeline.Start()
	}
	n.overlay.Start(n.config.Bootnodes)
	for chain := range n.pipelines {
		if err := n.overlay.SyncChain(chain); err != nil {
			n.log.Warn("Initial sync failed", "chain", chain, "err", err)
		}
	}

	certFile, keyFile := "", ""
	if n.config.EnableHTTPS {
		certFile, keyFile = n.config.CertPath, n.config.KeyPath
	}
	n.api.Start(n.config.ListenAddr(), certFile, keyFile)

	for _, w := range n.workers {
		w.Start()
	}
	n.log.Info("Node started", "host", n.config.PublicHost(), "chains", len(n.pipelines), "minting", len(n.workers) > 0)
	return nil
}

// Stop tears the node down in reverse start order.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	for _, w := range n.workers {
		w.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := n.api.Stop(ctx); err != nil {
		n.log.Warn("API shutdown incomplete", "err", err)
	}
	cancel()
	n.overlay.Stop()
	for _, pipeline := range n.pipelines {
		pipeline.Stop()
	}
	n.vmPool.Close()
	if err := n.db.Close(); err != nil {
		n.log.Warn("Database close failed", "err", err)
	}
	n.log.Info("Node stopped")
}
