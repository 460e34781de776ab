// Package miner runs the minting loop of a validator: it batches pooled
// transactions into slices over the block interval, closes the interval
// with an end slice and proposes the block when the proposer election
// falls on the local wallet.
package miner

import (
	"time"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/consensus/distance"
	"github.com/bywise/go-bywise/core"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
	"github.com/bywise/go-bywise/log"
	"github.com/bywise/go-bywise/params"
)

// Worker mints slices and blocks for one chain with one wallet key.
type Worker struct {
	pipeline *core.Pipeline
	key      *crypto.PrivateKey
	address  string
	log      log.Logger

	quit chan struct{}
	done chan struct{}
}

// New creates a minting worker. The wallet address is derived from the key.
func New(pipeline *core.Pipeline, key *crypto.PrivateKey) *Worker {
	address := bwsaddr.FromKey(key.PublicKeyHash()).String()
	return &Worker{
		pipeline: pipeline,
		key:      key,
		address:  address,
		log:      log.New("chain", pipeline.Chain(), "module", "miner", "address", address),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Address returns the minting wallet address.
func (w *Worker) Address() string { return w.address }

// Start launches the minting loop.
func (w *Worker) Start() {
	go w.loop()
}

// Stop terminates the minting loop and waits for the current round to end.
func (w *Worker) Stop() {
	close(w.quit)
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	w.log.Info("Minting loop started")
	for {
		select {
		case <-w.quit:
			return
		default:
		}
		w.mintRound()
	}
}

// sleep waits d, returning false when the worker is shutting down.
func (w *Worker) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.quit:
		return false
	}
}

// mintRound runs one block interval: slice emission while the interval is
// open, then the proposer election and possibly the block proposal.
func (w *Worker) mintRound() {
	tree := w.pipeline.Tree()
	tip := tree.BestMinedBlock()
	if tip == nil {
		// No genesis yet; wait for one to arrive or be created.
		w.sleep(time.Second)
		return
	}
	parent := tip.Block
	height := parent.Height + 1

	ctx, err := w.pipeline.Store().NewContext(w.usableCommit(tip.CommitHash))
	if err != nil {
		w.sleep(time.Second)
		return
	}
	defer w.pipeline.Store().Discard(ctx)

	isValidator, err := core.IsValidator(w.pipeline.Store(), ctx, w.address)
	if err != nil || !isValidator {
		// Not eligible; check again next interval.
		w.sleep(time.Duration(params.DefaultBlockTimeSeconds) * time.Second)
		return
	}
	blockTime, err := w.pipeline.Fees().BlockTime(ctx, height)
	if err != nil {
		blockTime = params.DefaultBlockTimeSeconds
	}
	deadline := parent.Created + blockTime

	sliceHeight := uint64(len(tree.SliceChain(w.address, height)))
	ended := w.hasEndSlice(height)
	var claimed []common.Hash

	for time.Now().Unix() < deadline {
		if !w.sleep(time.Duration(params.SliceIntervalSeconds) * time.Second) {
			w.pipeline.Mempool().Release(claimed)
			return
		}
		if tree.BestMinedBlockHash() != parent.Hash {
			// Another block closed the interval; the round is over.
			w.pipeline.Mempool().Release(claimed)
			return
		}
		if ended {
			continue
		}
		txs := w.pipeline.Mempool().Claim(params.MaxTxPerSlice)
		if len(txs) == 0 {
			continue
		}
		hashes := make([]common.Hash, len(txs))
		for i, tx := range txs {
			hashes[i] = tx.Hash
		}
		claimed = append(claimed, hashes...)
		if err := w.emitSlice(height, sliceHeight, hashes, false); err != nil {
			w.log.Warn("Failed to emit slice", "height", height, "slice", sliceHeight, "err", err)
			w.pipeline.Mempool().Release(hashes)
			continue
		}
		sliceHeight++
	}

	if !ended {
		if err := w.emitSlice(height, sliceHeight, nil, true); err != nil {
			w.log.Warn("Failed to emit end slice", "height", height, "err", err)
			w.pipeline.Mempool().Release(claimed)
			return
		}
	}

	winner := w.electProposer(parent.Hash, height)
	if winner != w.address {
		w.log.Debug("Lost proposer election", "height", height, "winner", winner)
		// Give the winner one interval to deliver before minting over it.
		if w.waitForBlock(parent.Hash, time.Duration(blockTime)*time.Second) {
			return
		}
		w.log.Debug("Elected proposer went silent, closing the round", "height", height, "winner", winner)
	}
	w.proposeBlock(parent, height)
}

// usableCommit falls back to the persisted snapshot when the tip's commit
// has been consolidated away.
func (w *Worker) usableCommit(commit common.Hash) common.Hash {
	if commit.IsZero() || !w.pipeline.Store().HasCommit(commit) {
		return common.ZeroHash
	}
	return commit
}

func (w *Worker) hasEndSlice(height uint64) bool {
	for _, s := range w.pipeline.Tree().SliceChain(w.address, height) {
		if s.End {
			return true
		}
	}
	return false
}

func (w *Worker) emitSlice(blockHeight, height uint64, txs []common.Hash, end bool) error {
	s := &types.Slice{
		Chain:             w.pipeline.Chain(),
		Version:           params.NodeVersion,
		Height:            height,
		BlockHeight:       blockHeight,
		TransactionsCount: len(txs),
		Transactions:      txs,
		From:              w.address,
		Created:           time.Now().Unix(),
		End:               end,
	}
	if err := s.SignWith(w.key); err != nil {
		return err
	}
	if err := w.pipeline.AddSlice(s); err != nil {
		return err
	}
	w.log.Debug("Emitted slice", "blockHeight", blockHeight, "height", height, "txs", len(txs), "end", end)
	return nil
}

// electProposer picks the participating proposer closest to the parent hash.
func (w *Worker) electProposer(parentHash common.Hash, height uint64) string {
	winner := w.address
	for _, candidate := range w.pipeline.Tree().SliceProposersAt(height) {
		if candidate == winner {
			continue
		}
		closer, err := distance.CompareAddress(parentHash, winner, candidate)
		if err != nil {
			continue
		}
		winner = closer
	}
	return winner
}

// waitForBlock sleeps until a block extends parent, the grace period runs
// out or the worker shuts down. It reports whether the round is over; a
// false return means the grace expired with the tip unchanged and the
// caller must close the round itself.
func (w *Worker) waitForBlock(parent common.Hash, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !w.sleep(time.Second) {
			return true
		}
		if w.pipeline.Tree().BestMinedBlockHash() != parent {
			return true
		}
	}
	return false
}

// proposeBlock assembles the local slice sequence into a block and submits
// it to the pipeline, which gossips it on acceptance.
func (w *Worker) proposeBlock(parent *types.Block, height uint64) {
	slices := w.pipeline.Tree().GetBestSlice(w.address, height)
	hashes := make([]common.Hash, len(slices))
	txCount := 0
	for i, s := range slices {
		hashes[i] = s.Hash
		txCount += s.TransactionsCount
	}
	b := &types.Block{
		Chain:             w.pipeline.Chain(),
		Version:           params.NodeVersion,
		Height:            height,
		Slices:            hashes,
		From:              w.address,
		Created:           time.Now().Unix(),
		LastHash:          parent.Hash,
		TransactionsCount: txCount,
	}
	if err := b.SignWith(w.key); err != nil {
		w.log.Error("Failed to sign block", "height", height, "err", err)
		return
	}
	if err := w.pipeline.AddBlock(b); err != nil {
		w.log.Warn("Block rejected by pipeline", "height", height, "err", err)
		return
	}
	w.log.Info("Proposed block", "hash", b.Hash, "height", height, "slices", len(hashes), "txs", txCount)
}
