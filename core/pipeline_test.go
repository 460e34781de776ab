package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bywise/go-bywise/bywisedb"
	"github.com/bywise/go-bywise/bywisedb/memorydb"
	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/rawdb"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/core/vm"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/params"
)

func newPipelineFixture(t *testing.T) (*Pipeline, bywisedb.Database, *crypto.PrivateKey, string) {
	t.Helper()
	pool := vm.NewPool(2)
	t.Cleanup(pool.Close)
	db := memorydb.New()
	key, addr := newAccount(t)
	return NewPipeline(testChain, db, pool), db, key, addr
}

// initGenesis seeds the chain and drives the genesis block to the canonical
// tip.
func initGenesis(t *testing.T, p *Pipeline, key *crypto.PrivateKey, opts GenesisOptions) *types.Block {
	t.Helper()
	gb, err := p.InitChain(key, opts)
	if err != nil {
		t.Fatal(err)
	}
	p.Process()
	node := p.Tree().GetBlock(gb.Hash)
	if node == nil {
		t.Fatal("genesis block not in tree")
	}
	if node.Status != StatusMined {
		t.Fatalf("genesis status = %v, want %v", node.Status, StatusMined)
	}
	return gb
}

// addEmptyBlock appends a block carrying a single empty end slice.
func addEmptyBlock(t *testing.T, p *Pipeline, key *crypto.PrivateKey, height uint64, parent common.Hash, created int64) *types.Block {
	t.Helper()
	s := signedSlice(t, key, height, 0, nil, true, created)
	b := signedBlock(t, key, height, parent, []common.Hash{s.Hash}, 0, created)
	if err := p.AddSlice(s); err != nil {
		t.Fatal(err)
	}
	if err := p.AddBlock(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPipelineRejectsMalformedSliceTrain(t *testing.T) {
	cases := []struct {
		name   string
		slices func(t *testing.T, key *crypto.PrivateKey, created int64) []*types.Slice
	}{
		{"slice for another height", func(t *testing.T, key *crypto.PrivateKey, created int64) []*types.Slice {
			return []*types.Slice{signedSlice(t, key, 2, 0, nil, true, created)}
		}},
		{"no end marker", func(t *testing.T, key *crypto.PrivateKey, created int64) []*types.Slice {
			return []*types.Slice{signedSlice(t, key, 1, 0, nil, false, created)}
		}},
		{"height gap", func(t *testing.T, key *crypto.PrivateKey, created int64) []*types.Slice {
			return []*types.Slice{
				signedSlice(t, key, 1, 0, nil, false, created),
				signedSlice(t, key, 1, 2, nil, true, created),
			}
		}},
		{"slice after end marker", func(t *testing.T, key *crypto.PrivateKey, created int64) []*types.Slice {
			return []*types.Slice{
				signedSlice(t, key, 1, 0, nil, true, created),
				signedSlice(t, key, 1, 1, nil, true, created+1),
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _, key, _ := newPipelineFixture(t)
			gb := initGenesis(t, p, key, GenesisOptions{InitialBalance: "100"})

			created := nowUnix() + 1
			slices := tc.slices(t, key, created)
			hashes := make([]common.Hash, len(slices))
			for i, s := range slices {
				hashes[i] = s.Hash
				if err := p.AddSlice(s); err != nil {
					t.Fatal(err)
				}
			}
			b := signedBlock(t, key, 1, gb.Hash, hashes, 0, created)
			if err := p.AddBlock(b); err != nil {
				t.Fatal(err)
			}
			p.Process()

			node := p.Tree().GetBlock(b.Hash)
			if node == nil {
				t.Fatal("block not in tree")
			}
			if node.Status != StatusInvalid {
				t.Errorf("status = %v, want %v", node.Status, StatusInvalid)
			}
			if tip := p.Tree().BestMinedBlock(); tip == nil || tip.Block.Hash != gb.Hash {
				t.Error("tip moved past the malformed block")
			}
		})
	}
}

func TestPipelineGenesis(t *testing.T) {
	p, _, key, creator := newPipelineFixture(t)

	heads := make(chan ChainHeadEvent, 8)
	sub := p.SubscribeChainHead(heads)
	defer sub.Unsubscribe()

	gb := initGenesis(t, p, key, GenesisOptions{InitialBalance: "100"})

	select {
	case ev := <-heads:
		if ev.Block.Hash != gb.Hash {
			t.Errorf("head = %s, want genesis %s", ev.Block.Hash, gb.Hash)
		}
	case <-time.After(time.Second):
		t.Fatal("no head event for genesis")
	}

	if got := p.Tree().BestMinedBlockHash(); got != gb.Hash {
		t.Errorf("tip = %s, want %s", got, gb.Hash)
	}
	if p.NextHeight() != 1 {
		t.Errorf("NextHeight = %d, want 1", p.NextHeight())
	}
	if p.TipCommit().IsZero() {
		t.Error("tip commit is zero after genesis execution")
	}

	ctx, err := p.TipContext()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Store().Discard(ctx)

	if ok, err := IsAdmin(p.Store(), ctx, creator); err != nil || !ok {
		t.Errorf("creator admin = %v, %v", ok, err)
	}
	if ok, err := IsValidator(p.Store(), ctx, creator); err != nil || !ok {
		t.Errorf("creator validator = %v, %v", ok, err)
	}
	balance, err := GetBalance(p.Store(), ctx, creator)
	if err != nil {
		t.Fatal(err)
	}
	if !balance.Equal(decimal.RequireFromString("100")) {
		t.Errorf("creator balance = %s, want 100", balance)
	}
	secs, err := p.Fees().BlockTime(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if secs != params.DefaultBlockTimeSeconds {
		t.Errorf("blockTime = %d, want %d", secs, params.DefaultBlockTimeSeconds)
	}
}

func TestPipelineTransferBlock(t *testing.T) {
	p, _, key, creator := newPipelineFixture(t)
	gb := initGenesis(t, p, key, GenesisOptions{InitialBalance: "100"})

	_, other := newAccount(t)
	tx := signedTx(t, key, other, "10", "0", nowUnix())
	if err := p.AddTx(tx); err != nil {
		t.Fatal(err)
	}

	created := nowUnix()
	s := signedSlice(t, key, 1, 0, []common.Hash{tx.Hash}, true, created)
	b := signedBlock(t, key, 1, gb.Hash, []common.Hash{s.Hash}, 1, created)
	if err := p.AddSlice(s); err != nil {
		t.Fatal(err)
	}
	if err := p.AddBlock(b); err != nil {
		t.Fatal(err)
	}
	p.Process()

	if got := p.Tree().BestMinedBlockHash(); got != b.Hash {
		t.Fatalf("tip = %s, want block 1 %s", got, b.Hash)
	}
	if p.NextHeight() != 2 {
		t.Errorf("NextHeight = %d, want 2", p.NextHeight())
	}

	ctx, err := p.TipContext()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Store().Discard(ctx)

	from, err := GetBalance(p.Store(), ctx, creator)
	if err != nil {
		t.Fatal(err)
	}
	if !from.Equal(decimal.RequireFromString("90")) {
		t.Errorf("sender balance = %s, want 90", from)
	}
	to, err := GetBalance(p.Store(), ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if !to.Equal(decimal.RequireFromString("10")) {
		t.Errorf("recipient balance = %s, want 10", to)
	}
}

func TestPipelineOutputMismatchInvalidatesBlock(t *testing.T) {
	p, _, key, _ := newPipelineFixture(t)
	gb := initGenesis(t, p, key, GenesisOptions{InitialBalance: "100"})

	_, other := newAccount(t)
	tx := signedTx(t, key, other, "10", "0", nowUnix())
	if err := p.AddTx(tx); err != nil {
		t.Fatal(err)
	}
	// An attached output that disagrees with local re-execution.
	tx.Output = &types.TxOutput{Cost: 7, FeeUsed: "0"}

	created := nowUnix()
	s := signedSlice(t, key, 1, 0, []common.Hash{tx.Hash}, true, created)
	b := signedBlock(t, key, 1, gb.Hash, []common.Hash{s.Hash}, 1, created)
	if err := p.AddSlice(s); err != nil {
		t.Fatal(err)
	}
	if err := p.AddBlock(b); err != nil {
		t.Fatal(err)
	}
	p.Process()

	node := p.Tree().GetBlock(b.Hash)
	if node == nil {
		t.Fatal("block not in tree")
	}
	if node.Status != StatusInvalid {
		t.Fatalf("block status = %v, want %v", node.Status, StatusInvalid)
	}
	if got := p.Tree().BestMinedBlockHash(); got != gb.Hash {
		t.Errorf("tip moved to %s despite invalid block", got)
	}
}

func TestPipelineForkChoice(t *testing.T) {
	p, _, key, _ := newPipelineFixture(t)
	gb := initGenesis(t, p, key, GenesisOptions{})

	// Two competing blocks at height 1 over the same slice.
	created := nowUnix()
	s := signedSlice(t, key, 1, 0, nil, true, created)
	if err := p.AddSlice(s); err != nil {
		t.Fatal(err)
	}
	b1 := signedBlock(t, key, 1, gb.Hash, []common.Hash{s.Hash}, 0, created)
	b2 := signedBlock(t, key, 1, gb.Hash, []common.Hash{s.Hash}, 0, created+1)
	if err := p.AddBlock(b1); err != nil {
		t.Fatal(err)
	}
	if err := p.AddBlock(b2); err != nil {
		t.Fatal(err)
	}
	p.Process()

	want, err := p.Tree().CompareBlocks(b1.Hash, b2.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Tree().BestMinedBlockHash(); got != want {
		t.Errorf("tip = %s, fork choice winner = %s", got, want)
	}
	if node := p.Tree().GetBlock(want); node.Status != StatusMined {
		t.Errorf("winner status = %v, want %v", node.Status, StatusMined)
	}
}

func TestPipelineImmutability(t *testing.T) {
	p, db, key, creator := newPipelineFixture(t)
	gb := initGenesis(t, p, key, GenesisOptions{InitialBalance: "100"})

	base := nowUnix()
	parent := gb.Hash
	for h := uint64(1); h <= params.DefaultReorgWindow; h++ {
		parent = addEmptyBlock(t, p, key, h, parent, base+int64(h)).Hash
	}
	p.Process()

	if got := p.NextHeight(); got != params.DefaultReorgWindow+1 {
		t.Fatalf("NextHeight = %d, want %d", got, params.DefaultReorgWindow+1)
	}
	node := p.Tree().GetBlock(gb.Hash)
	if node.Status != StatusImmutable {
		t.Fatalf("genesis status = %v, want %v", node.Status, StatusImmutable)
	}

	// Genesis block, slice and transactions hit the store.
	if rawdb.ReadBlock(db, testChain, gb.Hash) == nil {
		t.Error("finalized block not persisted")
	}
	if rawdb.ReadSlice(db, testChain, gb.Slices[0]) == nil {
		t.Error("finalized slice not persisted")
	}
	if raw := rawdb.ReadMeta(db, testChain, rawdb.MetaLastBlockHash); common.BytesToHash(raw) != gb.Hash {
		t.Errorf("meta last block = %x, want %s", raw, gb.Hash)
	}

	persisted := p.PersistedBlocks(0, 10)
	if len(persisted) != 1 || persisted[0].Hash != gb.Hash {
		t.Errorf("PersistedBlocks = %d blocks", len(persisted))
	}
	if p.Mempool().Len() != 0 {
		t.Errorf("mempool holds %d txs after finalization", p.Mempool().Len())
	}

	// A fresh pipeline over the same database restores from the meta marker.
	vmPool := vm.NewPool(1)
	t.Cleanup(vmPool.Close)
	p2 := NewPipeline(testChain, db, vmPool)
	if !p2.Bootstrap() {
		t.Fatal("Bootstrap found no history")
	}
	if p2.NextHeight() != 1 {
		t.Errorf("restored NextHeight = %d, want 1", p2.NextHeight())
	}
	ctx, err := p2.TipContext()
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Store().Discard(ctx)
	if ok, err := IsAdmin(p2.Store(), ctx, creator); err != nil || !ok {
		t.Errorf("restored admin = %v, %v", ok, err)
	}
	balance, err := GetBalance(p2.Store(), ctx, creator)
	if err != nil {
		t.Fatal(err)
	}
	if !balance.Equal(decimal.RequireFromString("100")) {
		t.Errorf("restored balance = %s, want 100", balance)
	}
}

func TestPipelineBootstrapEmpty(t *testing.T) {
	p, _, _, _ := newPipelineFixture(t)
	if p.Bootstrap() {
		t.Error("Bootstrap succeeded on an empty database")
	}
}

func TestPipelineWantFeed(t *testing.T) {
	p, _, key, _ := newPipelineFixture(t)

	wants := make(chan WantEvent, 8)
	sub := p.SubscribeWant(wants)
	defer sub.Unsubscribe()

	missingTx := common.BytesToHash([]byte("missing-tx"))
	s := signedSlice(t, key, 1, 0, []common.Hash{missingTx}, true, nowUnix())
	if err := p.AddSlice(s); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-wants:
		if ev.Kind != WantTx || ev.Hash != missingTx {
			t.Errorf("want = %s %s", ev.Kind, ev.Hash)
		}
	case <-time.After(time.Second):
		t.Fatal("no want event for missing tx")
	}
	if node := p.Tree().GetSlice(s.Hash); node == nil || node.Complete {
		t.Error("slice with missing tx marked complete")
	}

	parent := common.BytesToHash([]byte("missing-parent"))
	b := signedBlock(t, key, 2, parent, []common.Hash{s.Hash}, 1, nowUnix())
	if err := p.AddBlock(b); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-wants:
		if ev.Kind != WantBlock || ev.Hash != parent {
			t.Errorf("want = %s %s", ev.Kind, ev.Hash)
		}
	case <-time.After(time.Second):
		t.Fatal("no want event for orphan parent")
	}
	if !p.Tree().HasBlock(b.Hash) {
		t.Error("orphan not parked")
	}
	if p.Tree().GetBlock(b.Hash) != nil {
		t.Error("orphan linked without its parent")
	}
}

func TestPipelineRejectsForeignChain(t *testing.T) {
	p, _, key, _ := newPipelineFixture(t)

	s := signedSlice(t, key, 1, 0, nil, true, nowUnix())
	s.Chain = "othernet"
	if err := p.AddSlice(s); err == nil {
		t.Error("foreign slice accepted")
	}
	b := signedBlock(t, key, 0, common.ZeroHash, []common.Hash{s.Hash}, 0, nowUnix())
	b.Chain = "othernet"
	if err := p.AddBlock(b); err == nil {
		t.Error("foreign block accepted")
	}
}
