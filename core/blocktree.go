// Package core implements the per-chain consensus and execution pipeline:
// the block tree, the mempool, the fee/config engine, the execution engine
// and the state machine that drives blocks from mempool to immutability.
package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/consensus/distance"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/log"
)

// BlockStatus is the lifecycle state of a block inside the tree.
type BlockStatus int

const (
	// StatusMempool: block known, slices or transactions still missing.
	StatusMempool BlockStatus = iota
	// StatusComplete: every referenced slice and transaction is local.
	StatusComplete
	// StatusExecuted: state transition applied on an overlay.
	StatusExecuted
	// StatusMined: canonical winner at its height.
	StatusMined
	// StatusImmutable: beyond the reorg window, consolidated.
	StatusImmutable
	// StatusInvalid: failed execution, dropped from the canonical path.
	StatusInvalid
)

// String implements fmt.Stringer.
func (s BlockStatus) String() string {
	switch s {
	case StatusMempool:
		return "MEMPOOL"
	case StatusComplete:
		return "COMPLETE"
	case StatusExecuted:
		return "EXECUTED"
	case StatusMined:
		return "MINED"
	case StatusImmutable:
		return "IMMUTABLE"
	case StatusInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("BlockStatus(%d)", int(s))
	}
}

var (
	// ErrUnknownBlock is returned when a hash is not in the tree.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrDuplicateBlock is returned when a block hash is already indexed.
	ErrDuplicateBlock = errors.New("duplicate block")

	// ErrDuplicateSlice is returned when the identical slice is re-added.
	ErrDuplicateSlice = errors.New("duplicate slice")

	// ErrStaleSlice is returned when a competing slice loses the
	// supersede rule against the one already held.
	ErrStaleSlice = errors.New("stale slice")

	// ErrNoCommonAncestor is returned when two blocks do not share history.
	ErrNoCommonAncestor = errors.New("no common ancestor")
)

// BlockNode is a block plus its tree-local execution state. Children hold
// their parent by hash only; the tree owns all nodes.
type BlockNode struct {
	Block  *types.Block
	Status BlockStatus

	// CommitHash is the environment commit capturing this block's effects,
	// set when the block reaches EXECUTED.
	CommitHash common.Hash
}

// SliceNode is a slice plus its materialization state.
type SliceNode struct {
	Slice    *types.Slice
	Complete bool // every referenced tx is local
	Executed bool // effects committed on an overlay

	// CommitHash is the environment commit capturing this slice's effects.
	CommitHash common.Hash
}

type sliceChainKey struct {
	proposer    string
	blockHeight uint64
}

// BlockTree is the in-memory DAG of all known blocks and slices of one
// chain. It is single-writer: only the chain's pipeline mutates it; other
// tasks read through the lock.
type BlockTree struct {
	chain string
	log   log.Logger

	mu sync.RWMutex

	blocks   map[common.Hash]*BlockNode
	byHeight map[uint64][]common.Hash

	// orphans wait for their parent, requested via find_block.
	orphans     map[common.Hash]*types.Block
	orphanSince map[common.Hash]time.Time

	slices      map[common.Hash]*SliceNode
	sliceChains map[sliceChainKey][]*SliceNode

	zeroBlockHash  common.Hash
	bestMinedBlock common.Hash
}

// NewBlockTree creates an empty tree for a chain.
func NewBlockTree(chain string) *BlockTree {
	return &BlockTree{
		chain:       chain,
		log:         log.New("chain", chain),
		blocks:      make(map[common.Hash]*BlockNode),
		byHeight:    make(map[uint64][]common.Hash),
		orphans:     make(map[common.Hash]*types.Block),
		orphanSince: make(map[common.Hash]time.Time),
		slices:      make(map[common.Hash]*SliceNode),
		sliceChains: make(map[sliceChainKey][]*SliceNode),
	}
}

// Chain returns the chain name this tree serves.
func (t *BlockTree) Chain() string { return t.chain }

// ZeroBlockHash returns the genesis hash, zero until the genesis block is added.
func (t *BlockTree) ZeroBlockHash() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.zeroBlockHash
}

// BestMinedBlockHash returns the tip of the currently canonical chain.
func (t *BlockTree) BestMinedBlockHash() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bestMinedBlock
}

// BestMinedBlock returns the canonical tip node, or nil before genesis.
func (t *BlockTree) BestMinedBlock() *BlockNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blocks[t.bestMinedBlock]
}

// AddBlock indexes a block. The second return is the parent hash to request
// via find_block when the block had to be parked as an orphan.
func (t *BlockTree) AddBlock(b *types.Block) (added bool, wantParent *common.Hash, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.blocks[b.Hash]; ok {
		return false, nil, ErrDuplicateBlock
	}
	if _, ok := t.orphans[b.Hash]; ok {
		return false, nil, ErrDuplicateBlock
	}

	if !b.IsGenesis() {
		if _, parentKnown := t.blocks[b.LastHash]; !parentKnown {
			t.orphans[b.Hash] = b
			t.orphanSince[b.Hash] = time.Now()
			want := b.LastHash
			return false, &want, nil
		}
	}
	t.link(b)
	t.adoptOrphansOf(b.Hash)
	return true, nil, nil
}

// link indexes a block whose parent is resolvable. Caller holds the lock.
func (t *BlockTree) link(b *types.Block) {
	node := &BlockNode{Block: b, Status: StatusMempool}
	t.blocks[b.Hash] = node
	t.byHeight[b.Height] = append(t.byHeight[b.Height], b.Hash)
	if b.IsGenesis() && t.zeroBlockHash.IsZero() {
		t.zeroBlockHash = b.Hash
	}
}

// adoptOrphansOf repeatedly links any orphans whose parent just arrived.
func (t *BlockTree) adoptOrphansOf(parent common.Hash) {
	for {
		var adopted *types.Block
		for hash, orphan := range t.orphans {
			if orphan.LastHash == parent {
				adopted = orphan
				delete(t.orphans, hash)
				delete(t.orphanSince, hash)
				break
			}
		}
		if adopted == nil {
			return
		}
		t.link(adopted)
		t.adoptOrphansOf(adopted.Hash)
	}
}

// Seed links an already-final block without a parent lookup, anchoring the
// tree on restart. The block becomes the canonical tip; its state is the
// persisted snapshot.
func (t *BlockTree) Seed(b *types.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := &BlockNode{Block: b, Status: StatusImmutable}
	t.blocks[b.Hash] = node
	t.byHeight[b.Height] = append(t.byHeight[b.Height], b.Hash)
	if b.IsGenesis() {
		t.zeroBlockHash = b.Hash
	}
	t.bestMinedBlock = b.Hash
}

// ExpireOrphans drops orphans older than ttl and returns their hashes.
func (t *BlockTree) ExpireOrphans(ttl time.Duration) []common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []common.Hash
	now := time.Now()
	for hash, since := range t.orphanSince {
		if now.Sub(since) > ttl {
			delete(t.orphans, hash)
			delete(t.orphanSince, hash)
			dropped = append(dropped, hash)
		}
	}
	return dropped
}

// GetBlock returns the node for a hash, or nil.
func (t *BlockTree) GetBlock(hash common.Hash) *BlockNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blocks[hash]
}

// HasBlock reports whether the hash is indexed or parked as orphan.
func (t *BlockTree) HasBlock(hash common.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.blocks[hash]; ok {
		return true
	}
	_, ok := t.orphans[hash]
	return ok
}

// BlocksAtHeight returns the hashes of all indexed blocks at a height.
func (t *BlockTree) BlocksAtHeight(height uint64) []common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]common.Hash, len(t.byHeight[height]))
	copy(out, t.byHeight[height])
	return out
}

// SetStatus transitions a block's lifecycle state.
func (t *BlockTree) SetStatus(hash common.Hash, status BlockStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.blocks[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}
	node.Status = status
	if status >= StatusMined && status != StatusInvalid {
		current := t.blocks[t.bestMinedBlock]
		if current == nil || node.Block.Height >= current.Block.Height {
			t.bestMinedBlock = hash
		}
	}
	return nil
}

// SetCommit records the environment commit of an executed block.
func (t *BlockTree) SetCommit(hash, commit common.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.blocks[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}
	node.CommitHash = commit
	return nil
}

// AddSlice indexes a slice into its (proposer, blockHeight) chain. Exact
// duplicates are rejected; a competing slice at an occupied height wins only
// by the supersede rule: greater transactionsCount, then greater created,
// then smaller hash.
func (t *BlockTree) AddSlice(s *types.Slice) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.slices[s.Hash]; ok {
		return ErrDuplicateSlice
	}
	key := sliceChainKey{proposer: s.From, blockHeight: s.BlockHeight}
	chain := t.sliceChains[key]

	for i, held := range chain {
		if held.Slice.Height != s.Height {
			continue
		}
		if !supersedes(s, held.Slice) {
			return ErrStaleSlice
		}
		delete(t.slices, held.Slice.Hash)
		node := &SliceNode{Slice: s}
		chain[i] = node
		t.slices[s.Hash] = node
		return nil
	}

	node := &SliceNode{Slice: s}
	t.slices[s.Hash] = node
	// Insert keeping the chain sorted by slice height.
	pos := len(chain)
	for i, held := range chain {
		if held.Slice.Height > s.Height {
			pos = i
			break
		}
	}
	chain = append(chain, nil)
	copy(chain[pos+1:], chain[pos:])
	chain[pos] = node
	t.sliceChains[key] = chain
	return nil
}

// supersedes decides whether a newcomer replaces the held slice at the same
// (proposer, blockHeight, height).
func supersedes(newcomer, held *types.Slice) bool {
	if newcomer.TransactionsCount != held.TransactionsCount {
		return newcomer.TransactionsCount > held.TransactionsCount
	}
	if newcomer.Created != held.Created {
		return newcomer.Created > held.Created
	}
	return newcomer.Hash.Cmp(held.Hash) < 0
}

// GetSlice returns the node for a slice hash, or nil.
func (t *BlockTree) GetSlice(hash common.Hash) *SliceNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slices[hash]
}

// HasSlice reports whether the slice hash is indexed.
func (t *BlockTree) HasSlice(hash common.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.slices[hash]
	return ok
}

// MarkSliceComplete flags a slice as fully materialized.
func (t *BlockTree) MarkSliceComplete(hash common.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.slices[hash]; ok {
		node.Complete = true
	}
}

// MarkSliceExecuted flags a slice as executed with its commit.
func (t *BlockTree) MarkSliceExecuted(hash, commit common.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.slices[hash]; ok {
		node.Executed = true
		node.CommitHash = commit
	}
}

// GetBestSlice returns the longest prefix of consecutively numbered,
// fully materialized slices of one proposer for one block height. The
// prefix stops at the first gap, the first unmaterialized slice, or just
// after the end marker.
func (t *BlockTree) GetBestSlice(proposer string, blockHeight uint64) []*types.Slice {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chain := t.sliceChains[sliceChainKey{proposer: proposer, blockHeight: blockHeight}]
	var out []*types.Slice
	next := uint64(0)
	for _, node := range chain {
		if node.Slice.Height != next {
			break // gap
		}
		if !node.Complete {
			break
		}
		out = append(out, node.Slice)
		next++
		if node.Slice.End {
			break
		}
	}
	return out
}

// SliceChain returns all held slices of one proposer for one block height,
// sorted by height, regardless of materialization.
func (t *BlockTree) SliceChain(proposer string, blockHeight uint64) []*types.Slice {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chain := t.sliceChains[sliceChainKey{proposer: proposer, blockHeight: blockHeight}]
	out := make([]*types.Slice, len(chain))
	for i, node := range chain {
		out[i] = node.Slice
	}
	return out
}

// SliceProposersAt returns every proposer with at least one slice parked for
// the given block height.
func (t *BlockTree) SliceProposersAt(blockHeight uint64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for key := range t.sliceChains {
		if key.blockHeight == blockHeight {
			out = append(out, key.proposer)
		}
	}
	return out
}

// CompareBlocks decides the fork-choice winner between two indexed blocks.
// A longer chain wins outright; equal-height forks are compared over their
// suffixes back to the lowest common ancestor by total address distance.
func (t *BlockTree) CompareBlocks(a, b common.Hash) (common.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	na, nb := t.blocks[a], t.blocks[b]
	if na == nil {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownBlock, a)
	}
	if nb == nil {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownBlock, b)
	}
	if na.Block.Height != nb.Block.Height {
		if na.Block.Height > nb.Block.Height {
			return a, nil
		}
		return b, nil
	}
	ancestor, err := t.lowestCommonAncestorLocked(a, b)
	if err != nil {
		return common.Hash{}, err
	}
	linksA, err := t.suffixLinksLocked(a, ancestor)
	if err != nil {
		return common.Hash{}, err
	}
	linksB, err := t.suffixLinksLocked(b, ancestor)
	if err != nil {
		return common.Hash{}, err
	}
	aWins, err := distance.CompareChains(linksA, linksB)
	if err != nil {
		return common.Hash{}, err
	}
	if aWins {
		return a, nil
	}
	return b, nil
}

// LowestCommonAncestor returns the deepest block both hashes descend from.
func (t *BlockTree) LowestCommonAncestor(a, b common.Hash) (common.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lowestCommonAncestorLocked(a, b)
}

func (t *BlockTree) lowestCommonAncestorLocked(a, b common.Hash) (common.Hash, error) {
	seen := make(map[common.Hash]bool)
	for cursor := a; ; {
		seen[cursor] = true
		node := t.blocks[cursor]
		if node == nil || node.Block.IsGenesis() {
			break
		}
		cursor = node.Block.LastHash
	}
	for cursor := b; ; {
		if seen[cursor] {
			return cursor, nil
		}
		node := t.blocks[cursor]
		if node == nil || node.Block.IsGenesis() {
			break
		}
		cursor = node.Block.LastHash
	}
	return common.Hash{}, ErrNoCommonAncestor
}

// suffixLinksLocked builds the distance links from just above ancestor up
// to tip, in ascending height order.
func (t *BlockTree) suffixLinksLocked(tip, ancestor common.Hash) ([]distance.Link, error) {
	var links []distance.Link
	for cursor := tip; cursor != ancestor; {
		node := t.blocks[cursor]
		if node == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, cursor)
		}
		links = append(links, distance.Link{
			ParentHash: node.Block.LastHash,
			Proposer:   node.Block.From,
			Hash:       node.Block.Hash,
		})
		if node.Block.IsGenesis() {
			break
		}
		cursor = node.Block.LastHash
	}
	// Reverse into ascending order.
	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}
	return links, nil
}

// PathBetween returns the blocks strictly above ancestor up to and including
// tip, ascending by height.
func (t *BlockTree) PathBetween(ancestor, tip common.Hash) ([]*BlockNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var path []*BlockNode
	for cursor := tip; cursor != ancestor; {
		node := t.blocks[cursor]
		if node == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, cursor)
		}
		path = append(path, node)
		if node.Block.IsGenesis() {
			break
		}
		cursor = node.Block.LastHash
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// CanonicalAt returns the mined-or-better block at a height on the path
// ending at the best mined tip, or nil.
func (t *BlockTree) CanonicalAt(height uint64) *BlockNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cursor := t.bestMinedBlock
	for !cursor.IsZero() {
		node := t.blocks[cursor]
		if node == nil {
			return nil
		}
		if node.Block.Height == height {
			return node
		}
		if node.Block.Height < height || node.Block.IsGenesis() {
			return nil
		}
		cursor = node.Block.LastHash
	}
	return nil
}

// Prune forgets an invalid or abandoned block. The caller re-homes its
// transactions first.
func (t *BlockTree) Prune(hash common.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.blocks[hash]
	if !ok {
		return
	}
	delete(t.blocks, hash)
	siblings := t.byHeight[node.Block.Height]
	for i, h := range siblings {
		if h == hash {
			t.byHeight[node.Block.Height] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	t.log.Debug("Pruned block", "hash", hash, "height", node.Block.Height, "status", node.Status)
}
