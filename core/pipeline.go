package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bywise/go-bywise/bywisedb"
	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/rawdb"
	"github.com/bywise/go-bywise/core/state"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/core/vm"
	"github.com/bywise/go-bywise/event"
	"github.com/bywise/go-bywise/log"
	"github.com/bywise/go-bywise/params"
)

var (
	// ErrInvalidBlock is returned when a block fails execution and is dropped
	// from the canonical path.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrOutputMismatch marks a transaction whose attached output disagrees
	// with the local re-execution.
	ErrOutputMismatch = errors.New("transaction output mismatch")
)

// ChainHeadEvent is posted when the canonical tip advances, including
// through a reorganization.
type ChainHeadEvent struct {
	Block *types.Block
}

// NewSliceEvent announces a slice accepted into the tree.
type NewSliceEvent struct {
	Slice *types.Slice
}

// NewBlockEvent announces a block accepted into the tree.
type NewBlockEvent struct {
	Block *types.Block
}

// WantKind names the object class of a WantEvent.
type WantKind string

const (
	WantTx    WantKind = "tx"
	WantSlice WantKind = "slice"
	WantBlock WantKind = "block"
)

// WantEvent asks the network overlay to locate a missing object.
type WantEvent struct {
	Kind WantKind
	Hash common.Hash
}

// Pipeline drives every known block of one chain through its lifecycle:
// arrival, completion, execution, fork choice and immutability. It is the
// single writer of the block tree and the environment store.
type Pipeline struct {
	chain string
	db    bywisedb.Database
	tree  *BlockTree
	pool  *Mempool
	store *state.Store
	fees  *FeeConfig
	proc  *StateProcessor
	log   log.Logger

	headFeed  event.Feed[ChainHeadEvent]
	sliceFeed event.Feed[NewSliceEvent]
	blockFeed event.Feed[NewBlockEvent]
	wantFeed  event.Feed[WantEvent]

	mu sync.Mutex
	// executed transactions per block, carrying their outputs until the
	// block is persisted or abandoned.
	executedTxs map[common.Hash][]*types.Tx

	immutableHeight uint64
	haveImmutable   bool
	maxSeenHeight   uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPipeline assembles the pipeline of one chain.
func NewPipeline(chain string, db bywisedb.Database, vmPool *vm.Pool) *Pipeline {
	store := state.NewStore(db, chain)
	fees := NewFeeConfig(store)
	return &Pipeline{
		chain:       chain,
		db:          db,
		tree:        NewBlockTree(chain),
		pool:        NewMempool(chain),
		store:       store,
		fees:        fees,
		proc:        NewStateProcessor(chain, store, fees, vmPool),
		log:         log.New("chain", chain, "module", "pipeline"),
		executedTxs: make(map[common.Hash][]*types.Tx),
		quit:        make(chan struct{}),
	}
}

// Chain returns the chain this pipeline serves.
func (p *Pipeline) Chain() string { return p.chain }

// Tree returns the block tree.
func (p *Pipeline) Tree() *BlockTree { return p.tree }

// Mempool returns the transaction pool.
func (p *Pipeline) Mempool() *Mempool { return p.pool }

// Processor returns the execution engine.
func (p *Pipeline) Processor() *StateProcessor { return p.proc }

// Store returns the environment store.
func (p *Pipeline) Store() *state.Store { return p.store }

// Fees returns the fee/config engine.
func (p *Pipeline) Fees() *FeeConfig { return p.fees }

// SubscribeChainHead delivers canonical tip changes to ch.
func (p *Pipeline) SubscribeChainHead(ch chan<- ChainHeadEvent) event.Subscription {
	return p.headFeed.Subscribe(ch)
}

// SubscribeNewSlice delivers accepted slices to ch.
func (p *Pipeline) SubscribeNewSlice(ch chan<- NewSliceEvent) event.Subscription {
	return p.sliceFeed.Subscribe(ch)
}

// SubscribeNewBlock delivers accepted blocks to ch.
func (p *Pipeline) SubscribeNewBlock(ch chan<- NewBlockEvent) event.Subscription {
	return p.blockFeed.Subscribe(ch)
}

// SubscribeWant delivers missing-object requests to ch.
func (p *Pipeline) SubscribeWant(ch chan<- WantEvent) event.Subscription {
	return p.wantFeed.Subscribe(ch)
}

// Bootstrap restores the pipeline from the persisted store: the last
// immutable block becomes the tree anchor and the canonical tip. Returns
// false when the chain has no persisted history.
func (p *Pipeline) Bootstrap() bool {
	raw := rawdb.ReadMeta(p.db, p.chain, rawdb.MetaLastBlockHash)
	if len(raw) == 0 {
		return false
	}
	hash := common.BytesToHash(raw)
	b := rawdb.ReadBlock(p.db, p.chain, hash)
	if b == nil {
		p.log.Warn("Meta points at a missing block", "hash", hash)
		return false
	}
	p.tree.Seed(b)
	p.mu.Lock()
	p.immutableHeight = b.Height
	p.haveImmutable = true
	p.maxSeenHeight = b.Height
	p.mu.Unlock()
	p.log.Info("Restored chain from store", "head", b.Hash, "height", b.Height)
	return true
}

// Start launches the processing loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop terminates the processing loop and waits for it.
func (p *Pipeline) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Pipeline) loop() {
	defer p.wg.Done()

	process := time.NewTicker(500 * time.Millisecond)
	defer process.Stop()
	housekeep := time.NewTicker(30 * time.Second)
	defer housekeep.Stop()

	for {
		select {
		case <-process.C:
			p.Process()
		case <-housekeep.C:
			p.pool.EvictExpired()
			for _, h := range p.tree.ExpireOrphans(time.Duration(params.OrphanBlockTTLSeconds) * time.Second) {
				p.log.Debug("Expired orphan block", "hash", h)
			}
		case <-p.quit:
			return
		}
	}
}

// AddTx pools a transaction after full validation.
func (p *Pipeline) AddTx(tx *types.Tx) error {
	return p.pool.Add(tx)
}

// AddSlice validates and indexes a slice, announcing it and requesting any
// transactions it references that are not yet local.
func (p *Pipeline) AddSlice(s *types.Slice) error {
	if s.Chain != p.chain {
		return fmt.Errorf("%w: %q", ErrWrongChain, s.Chain)
	}
	if err := s.ValidateStructure(); err != nil {
		return err
	}
	if err := p.tree.AddSlice(s); err != nil {
		return err
	}
	haveAll := true
	for _, txHash := range s.Transactions {
		if p.LookupTx(txHash) == nil {
			p.wantFeed.Send(WantEvent{Kind: WantTx, Hash: txHash})
			haveAll = false
		}
	}
	if haveAll {
		p.tree.MarkSliceComplete(s.Hash)
	}
	p.pool.MarkSliced(s.Transactions)
	p.sliceFeed.Send(NewSliceEvent{Slice: s})
	return nil
}

// AddBlock validates and indexes a block. Orphans are parked and their
// parent requested from the network.
func (p *Pipeline) AddBlock(b *types.Block) error {
	if b.Chain != p.chain {
		return fmt.Errorf("%w: %q", ErrWrongChain, b.Chain)
	}
	if err := b.ValidateStructure(); err != nil {
		return err
	}
	added, wantParent, err := p.tree.AddBlock(b)
	if err != nil {
		return err
	}
	if wantParent != nil {
		p.wantFeed.Send(WantEvent{Kind: WantBlock, Hash: *wantParent})
		return nil
	}
	if added {
		p.mu.Lock()
		if b.Height > p.maxSeenHeight {
			p.maxSeenHeight = b.Height
		}
		p.mu.Unlock()
		p.blockFeed.Send(NewBlockEvent{Block: b})
	}
	return nil
}

// LookupTx finds a transaction in the mempool, among executed-but-volatile
// blocks, or in the persisted store.
func (p *Pipeline) LookupTx(hash common.Hash) *types.Tx {
	if tx := p.pool.Get(hash); tx != nil {
		return tx
	}
	p.mu.Lock()
	for _, txs := range p.executedTxs {
		for _, tx := range txs {
			if tx.Hash == hash {
				p.mu.Unlock()
				return tx
			}
		}
	}
	p.mu.Unlock()
	return rawdb.ReadTx(p.db, p.chain, hash)
}

// LookupSlice finds a slice in the tree or the persisted store.
func (p *Pipeline) LookupSlice(hash common.Hash) *types.Slice {
	if node := p.tree.GetSlice(hash); node != nil {
		return node.Slice
	}
	return rawdb.ReadSlice(p.db, p.chain, hash)
}

// LookupBlock finds a block in the tree or the persisted store.
func (p *Pipeline) LookupBlock(hash common.Hash) *types.Block {
	if node := p.tree.GetBlock(hash); node != nil {
		return node.Block
	}
	return rawdb.ReadBlock(p.db, p.chain, hash)
}

// LastSlices returns the slices of the canonical tip block.
func (p *Pipeline) LastSlices() []*types.Slice {
	tip := p.tree.BestMinedBlock()
	if tip == nil {
		return nil
	}
	out := make([]*types.Slice, 0, len(tip.Block.Slices))
	for _, hash := range tip.Block.Slices {
		if s := p.LookupSlice(hash); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// LastTxs returns the transactions of the canonical tip block, in slice
// order.
func (p *Pipeline) LastTxs() []*types.Tx {
	var out []*types.Tx
	for _, s := range p.LastSlices() {
		for _, hash := range s.Transactions {
			if tx := p.LookupTx(hash); tx != nil {
				out = append(out, tx)
			}
		}
	}
	return out
}

// TipContext opens a read context on the canonical tip's state, falling
// back to the persisted snapshot when the tip commit is consolidated.
func (p *Pipeline) TipContext() (*state.Context, error) {
	base := common.ZeroHash
	if tip := p.tree.BestMinedBlock(); tip != nil && p.store.HasCommit(tip.CommitHash) {
		base = tip.CommitHash
	}
	return p.store.NewContext(base)
}

// TipCommit returns the canonical tip's usable state commit.
func (p *Pipeline) TipCommit() common.Hash {
	if tip := p.tree.BestMinedBlock(); tip != nil && p.store.HasCommit(tip.CommitHash) {
		return tip.CommitHash
	}
	return common.ZeroHash
}

// NextHeight returns the height the forming block will close at.
func (p *Pipeline) NextHeight() uint64 {
	if tip := p.tree.BestMinedBlock(); tip != nil {
		return tip.Block.Height + 1
	}
	return 0
}

// PersistedBlocks returns up to limit immutable blocks starting at from.
func (p *Pipeline) PersistedBlocks(from uint64, limit int) []*types.Block {
	p.mu.Lock()
	have, imm := p.haveImmutable, p.immutableHeight
	p.mu.Unlock()
	if !have || from > imm {
		return nil
	}
	to := imm
	if limit > 0 && from+uint64(limit)-1 < to {
		to = from + uint64(limit) - 1
	}
	return rawdb.ReadBlocksRange(p.db, p.chain, from, to)
}

// Events returns finalized events of a contract, optionally filtered by one
// entry key/value pair.
func (p *Pipeline) Events(contract, name, key, value string) []types.Event {
	if key != "" {
		return rawdb.ReadEventsByEntry(p.db, p.chain, contract, name, key, value)
	}
	return rawdb.ReadEvents(p.db, p.chain, contract, name)
}

// Process advances every block it can: completion, execution, fork choice,
// immutability. Called periodically and after notable arrivals; safe to call
// at any time.
func (p *Pipeline) Process() {
	p.mu.Lock()
	start := uint64(0)
	if p.haveImmutable {
		start = p.immutableHeight + 1
	}
	max := p.maxSeenHeight
	p.mu.Unlock()

	for h := start; h <= max; h++ {
		for _, hash := range p.tree.BlocksAtHeight(h) {
			p.advanceBlock(hash)
		}
	}
	p.promoteImmutable()
}

func (p *Pipeline) advanceBlock(hash common.Hash) {
	node := p.tree.GetBlock(hash)
	if node == nil {
		return
	}
	switch node.Status {
	case StatusMempool:
		if p.tryComplete(node) {
			p.advanceBlock(hash)
		}
	case StatusComplete:
		if p.tryExecute(node) {
			p.advanceBlock(hash)
		}
	case StatusExecuted:
		p.tryMine(node)
	}
}

// tryComplete checks that every slice and transaction the block references
// is local, requesting what is missing.
func (p *Pipeline) tryComplete(node *BlockNode) bool {
	complete := true
	for _, sliceHash := range node.Block.Slices {
		sliceNode := p.tree.GetSlice(sliceHash)
		if sliceNode == nil {
			p.wantFeed.Send(WantEvent{Kind: WantSlice, Hash: sliceHash})
			complete = false
			continue
		}
		if sliceNode.Complete {
			continue
		}
		haveAll := true
		for _, txHash := range sliceNode.Slice.Transactions {
			if p.LookupTx(txHash) == nil {
				p.wantFeed.Send(WantEvent{Kind: WantTx, Hash: txHash})
				haveAll = false
			}
		}
		if haveAll {
			p.tree.MarkSliceComplete(sliceHash)
		} else {
			complete = false
		}
	}
	if !complete {
		return false
	}
	if err := p.tree.SetStatus(node.Block.Hash, StatusComplete); err != nil {
		return false
	}
	return true
}

// tryExecute applies the block on an overlay based at its parent's commit.
// The parent must itself be executed first; genesis blocks base directly on
// the persisted snapshot.
func (p *Pipeline) tryExecute(node *BlockNode) bool {
	b := node.Block
	base := common.ZeroHash
	if !b.IsGenesis() {
		parent := p.tree.GetBlock(b.LastHash)
		if parent == nil {
			return false
		}
		switch parent.Status {
		case StatusInvalid:
			p.invalidate(b.Hash, fmt.Errorf("%w: parent %s invalid", ErrInvalidBlock, b.LastHash))
			return false
		case StatusMempool, StatusComplete:
			return false
		}
		base = parent.CommitHash
		if !base.IsZero() && !p.store.HasCommit(base) {
			// Parent already consolidated; base on the persisted snapshot.
			base = common.ZeroHash
		}
	}

	ctx, err := p.store.NewContext(base)
	if err != nil {
		p.log.Warn("Cannot open execution context", "block", b.Hash, "base", base, "err", err)
		return false
	}

	executed, commit, err := p.executeBlock(ctx, b)
	if err != nil {
		p.store.Discard(ctx)
		p.invalidate(b.Hash, err)
		return false
	}

	p.mu.Lock()
	p.executedTxs[b.Hash] = executed
	p.mu.Unlock()

	if err := p.tree.SetCommit(b.Hash, commit); err != nil {
		return false
	}
	if err := p.tree.SetStatus(b.Hash, StatusExecuted); err != nil {
		return false
	}
	p.log.Debug("Executed block", "hash", b.Hash, "height", b.Height, "txs", len(executed), "commit", commit)
	return true
}

// executeBlock runs every slice of the block in order, committing per slice
// and finally per block. It returns the transactions with their outputs
// attached and the block commit.
func (p *Pipeline) executeBlock(ctx *state.Context, b *types.Block) ([]*types.Tx, common.Hash, error) {
	genesis := b.IsGenesis()

	if !genesis {
		validator, err := IsValidator(p.store, ctx, b.From)
		if err != nil {
			return nil, common.Hash{}, err
		}
		if !validator {
			return nil, common.Hash{}, fmt.Errorf("%w: proposer %s is not a validator", ErrInvalidBlock, b.From)
		}
	}

	slices := make([]*types.Slice, 0, len(b.Slices))
	for _, sliceHash := range b.Slices {
		sliceNode := p.tree.GetSlice(sliceHash)
		if sliceNode == nil {
			return nil, common.Hash{}, fmt.Errorf("%w: missing slice %s", ErrInvalidBlock, sliceHash)
		}
		slices = append(slices, sliceNode.Slice)
	}
	if err := validateSliceTrains(b, slices); err != nil {
		return nil, common.Hash{}, err
	}

	var executed []*types.Tx
	for _, s := range slices {
		if !genesis {
			validator, err := IsValidator(p.store, ctx, s.From)
			if err != nil {
				return nil, common.Hash{}, err
			}
			if !validator {
				return nil, common.Hash{}, fmt.Errorf("%w: slice proposer %s is not a validator", ErrInvalidBlock, s.From)
			}
		}
		for _, txHash := range s.Transactions {
			orig := p.LookupTx(txHash)
			if orig == nil {
				return nil, common.Hash{}, fmt.Errorf("%w: missing tx %s", ErrInvalidBlock, txHash)
			}
			tx := *orig
			attached := orig.Output
			tx.Output = nil

			output, err := p.proc.ExecuteTx(ctx, &tx, ExecOpts{
				Height:   b.Height,
				Proposer: s.From,
				Genesis:  genesis,
			})
			if err != nil {
				return nil, common.Hash{}, fmt.Errorf("%w: tx %s: %v", ErrInvalidBlock, txHash, err)
			}
			if attached != nil && !outputsAgree(attached, output) {
				return nil, common.Hash{}, fmt.Errorf("%w: tx %s", ErrOutputMismatch, txHash)
			}
			tx.Output = output
			executed = append(executed, &tx)
		}
		sliceCommit, err := p.store.Commit(ctx, s.Hash.Hex())
		if err != nil {
			return nil, common.Hash{}, err
		}
		p.tree.MarkSliceExecuted(s.Hash, sliceCommit)
	}

	blockCommit, err := p.store.Commit(ctx, b.Hash.Hex())
	if err != nil {
		return nil, common.Hash{}, err
	}
	return executed, blockCommit, nil
}

// validateSliceTrains checks the block's slice layout: every slice targets
// the block's height and, per proposer, slice heights run consecutively
// from 0 with exactly one end marker on the last slice.
func validateSliceTrains(b *types.Block, slices []*types.Slice) error {
	next := make(map[string]uint64)
	ended := make(map[string]bool)
	for _, s := range slices {
		if s.BlockHeight != b.Height {
			return fmt.Errorf("%w: slice %s targets height %d, block closes %d", ErrInvalidBlock, s.Hash, s.BlockHeight, b.Height)
		}
		if ended[s.From] {
			return fmt.Errorf("%w: slice %s follows the end marker of %s", ErrInvalidBlock, s.Hash, s.From)
		}
		if s.Height != next[s.From] {
			return fmt.Errorf("%w: slice train of %s jumps to %d, want %d", ErrInvalidBlock, s.From, s.Height, next[s.From])
		}
		next[s.From] = s.Height + 1
		if s.End {
			ended[s.From] = true
		}
	}
	for proposer := range next {
		if !ended[proposer] {
			return fmt.Errorf("%w: slice train of %s has no end marker", ErrInvalidBlock, proposer)
		}
	}
	return nil
}

// outputsAgree compares the deterministic core of two outputs: execution
// cost, fee and error. Logs and payloads follow from those on honest nodes.
func outputsAgree(a, b *types.TxOutput) bool {
	return a.Cost == b.Cost && a.FeeUsed == b.FeeUsed && a.Error == b.Error
}

// invalidate marks a block invalid and releases its claims.
func (p *Pipeline) invalidate(hash common.Hash, cause error) {
	p.log.Warn("Block failed execution", "hash", hash, "err", cause)
	_ = p.tree.SetStatus(hash, StatusInvalid)
	p.mu.Lock()
	delete(p.executedTxs, hash)
	p.mu.Unlock()
}

// tryMine runs the fork choice for an executed block whose parent is on the
// canonical path.
func (p *Pipeline) tryMine(node *BlockNode) {
	b := node.Block
	if !b.IsGenesis() {
		parent := p.tree.GetBlock(b.LastHash)
		if parent == nil || (parent.Status != StatusMined && parent.Status != StatusImmutable) {
			return
		}
	}

	current := p.tree.BestMinedBlockHash()
	if current.IsZero() {
		p.promote(b.Hash)
		return
	}
	if current == b.Hash {
		return
	}
	currentNode := p.tree.GetBlock(current)
	if currentNode != nil && b.Height <= currentNode.Block.Height {
		// Same-height challenger: only a fork-choice win displaces the tip.
		if b.Height < currentNode.Block.Height {
			return
		}
		winner, err := p.tree.CompareBlocks(current, b.Hash)
		if err != nil || winner == current {
			return
		}
	}
	p.reorgTo(current, b.Hash)
}

// promote marks the path from the last canonical ancestor to tip as mined
// and announces the new head.
func (p *Pipeline) promote(tip common.Hash) {
	node := p.tree.GetBlock(tip)
	if node == nil {
		return
	}
	if err := p.tree.SetStatus(tip, StatusMined); err != nil {
		return
	}
	p.log.Info("New canonical head", "hash", tip, "height", node.Block.Height)
	p.headFeed.Send(ChainHeadEvent{Block: node.Block})
}

// reorgTo switches the canonical tip, demoting the abandoned suffix and
// promoting the winning one.
func (p *Pipeline) reorgTo(oldTip, newTip common.Hash) {
	ancestor, err := p.tree.LowestCommonAncestor(oldTip, newTip)
	if err != nil {
		p.log.Warn("Reorg without common ancestor", "old", oldTip, "new", newTip, "err", err)
		return
	}
	demoted, err := p.tree.PathBetween(ancestor, oldTip)
	if err != nil {
		return
	}
	promoted, err := p.tree.PathBetween(ancestor, newTip)
	if err != nil {
		return
	}
	for _, node := range demoted {
		_ = p.tree.SetStatus(node.Block.Hash, StatusExecuted)
		p.mu.Lock()
		txs := p.executedTxs[node.Block.Hash]
		p.mu.Unlock()
		hashes := make([]common.Hash, len(txs))
		for i, tx := range txs {
			hashes[i] = tx.Hash
		}
		p.pool.Release(hashes)
	}
	for _, node := range promoted {
		_ = p.tree.SetStatus(node.Block.Hash, StatusMined)
	}
	tipNode := p.tree.GetBlock(newTip)
	if tipNode != nil {
		p.log.Info("Chain reorganized", "old", oldTip, "new", newTip, "height", tipNode.Block.Height, "demoted", len(demoted), "promoted", len(promoted))
		p.headFeed.Send(ChainHeadEvent{Block: tipNode.Block})
	}
}

// promoteImmutable finalizes every canonical block that fell out of the
// reorg window: consolidate its environment commit, persist block, slices,
// transactions and events, and evict its transactions from the pool.
func (p *Pipeline) promoteImmutable() {
	tip := p.tree.BestMinedBlock()
	if tip == nil || tip.Block.Height < params.DefaultReorgWindow {
		return
	}
	cutoff := tip.Block.Height - params.DefaultReorgWindow

	p.mu.Lock()
	start := uint64(0)
	if p.haveImmutable {
		start = p.immutableHeight + 1
	}
	p.mu.Unlock()

	for h := start; h <= cutoff; h++ {
		node := p.tree.CanonicalAt(h)
		if node == nil || node.Status != StatusMined {
			return
		}
		if err := p.finalizeBlock(node); err != nil {
			p.log.Error("Failed to finalize block", "hash", node.Block.Hash, "height", h, "err", err)
			return
		}
		p.mu.Lock()
		p.immutableHeight = h
		p.haveImmutable = true
		p.mu.Unlock()
	}
}

func (p *Pipeline) finalizeBlock(node *BlockNode) error {
	b := node.Block

	if err := p.store.Consolidate(node.CommitHash); err != nil {
		return err
	}

	p.mu.Lock()
	txs := p.executedTxs[b.Hash]
	delete(p.executedTxs, b.Hash)
	p.mu.Unlock()

	batch := p.db.NewBatch()
	if err := rawdb.WriteBlock(batch, b); err != nil {
		return err
	}
	for _, sliceHash := range b.Slices {
		if sliceNode := p.tree.GetSlice(sliceHash); sliceNode != nil {
			if err := rawdb.WriteSlice(batch, sliceNode.Slice); err != nil {
				return err
			}
		}
	}
	hashes := make([]common.Hash, 0, len(txs))
	for _, tx := range txs {
		if err := rawdb.WriteTx(batch, tx); err != nil {
			return err
		}
		if tx.Output != nil && len(tx.Output.Events) > 0 {
			if err := rawdb.WriteEvents(batch, p.chain, tx.Hash, tx.Output.Events); err != nil {
				return err
			}
		}
		hashes = append(hashes, tx.Hash)
	}
	if err := rawdb.WriteMeta(batch, p.chain, rawdb.MetaLastBlockHash, b.Hash.Bytes()); err != nil {
		return err
	}
	if err := rawdb.WriteMeta(batch, p.chain, rawdb.MetaImmutableHeight, []byte(fmt.Sprintf("%d", b.Height))); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}

	p.pool.Remove(hashes)
	_ = p.tree.SetStatus(b.Hash, StatusImmutable)

	// Abandoned forks below the immutability line can never win again.
	p.dropStaleState(b.Height)
	p.log.Info("Block immutable", "hash", b.Hash, "height", b.Height, "txs", len(txs))
	return nil
}

// dropStaleState prunes losing siblings at and below the immutable height
// and forgets environment commits no live head can reach.
func (p *Pipeline) dropStaleState(height uint64) {
	canonical := p.tree.CanonicalAt(height)
	for _, hash := range p.tree.BlocksAtHeight(height) {
		if canonical != nil && hash == canonical.Block.Hash {
			continue
		}
		p.mu.Lock()
		txs := p.executedTxs[hash]
		delete(p.executedTxs, hash)
		p.mu.Unlock()
		released := make([]common.Hash, len(txs))
		for i, tx := range txs {
			released[i] = tx.Hash
		}
		p.pool.Release(released)
		p.tree.Prune(hash)
	}

	var heads []common.Hash
	p.mu.Lock()
	for blockHash := range p.executedTxs {
		if node := p.tree.GetBlock(blockHash); node != nil && !node.CommitHash.IsZero() {
			heads = append(heads, node.CommitHash)
		}
	}
	p.mu.Unlock()
	p.store.DropUnreachable(heads...)
}
