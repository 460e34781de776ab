package rawdb

import (
	"testing"

	"github.com/bywise/go-bywise/bywisedb/memorydb"
	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/crypto"
)

const testChain = "testnet"

func hashOf(s string) common.Hash {
	return crypto.Keccak256Hash([]byte(s))
}

func TestBlockStorage(t *testing.T) {
	db := memorydb.New()
	b := &types.Block{
		Chain:             testChain,
		Version:           "2",
		Height:            5,
		Slices:            []common.Hash{hashOf("s1")},
		From:              "BWS1MUproposer",
		Created:           1700000000,
		LastHash:          hashOf("parent"),
		TransactionsCount: 3,
		Hash:              hashOf("block"),
	}

	if got := ReadBlock(db, testChain, b.Hash); got != nil {
		t.Fatal("non-existent block returned")
	}
	if err := WriteBlock(db, b); err != nil {
		t.Fatal(err)
	}
	got := ReadBlock(db, testChain, b.Hash)
	if got == nil {
		t.Fatal("stored block not found")
	}
	if got.Hash != b.Hash || got.Height != b.Height || got.LastHash != b.LastHash {
		t.Errorf("block round trip mismatch: %+v", got)
	}

	hashes := ReadBlockHashesAtHeight(db, testChain, 5)
	if len(hashes) != 1 || hashes[0] != b.Hash {
		t.Errorf("height index = %v, want [%s]", hashes, b.Hash)
	}
	if hashes := ReadBlockHashesAtHeight(db, testChain, 6); len(hashes) != 0 {
		t.Errorf("empty height returned %v", hashes)
	}

	if err := DeleteBlock(db, testChain, b.Hash, b.Height); err != nil {
		t.Fatal(err)
	}
	if got := ReadBlock(db, testChain, b.Hash); got != nil {
		t.Error("deleted block still readable")
	}
	if hashes := ReadBlockHashesAtHeight(db, testChain, 5); len(hashes) != 0 {
		t.Error("deleted block still indexed by height")
	}
}

func TestBlockHeightSiblings(t *testing.T) {
	db := memorydb.New()
	for _, name := range []string{"a", "b"} {
		b := &types.Block{Chain: testChain, Height: 9, Hash: hashOf(name)}
		if err := WriteBlock(db, b); err != nil {
			t.Fatal(err)
		}
	}
	if hashes := ReadBlockHashesAtHeight(db, testChain, 9); len(hashes) != 2 {
		t.Errorf("want 2 siblings at height 9, got %d", len(hashes))
	}
}

func TestBlocksRange(t *testing.T) {
	db := memorydb.New()
	for h := uint64(0); h < 4; h++ {
		b := &types.Block{Chain: testChain, Height: h, Hash: hashOf(heightIndex(h))}
		if err := WriteBlock(db, b); err != nil {
			t.Fatal(err)
		}
	}
	blocks := ReadBlocksRange(db, testChain, 1, 2)
	if len(blocks) != 2 {
		t.Fatalf("range [1,2] returned %d blocks", len(blocks))
	}
	if blocks[0].Height != 1 || blocks[1].Height != 2 {
		t.Errorf("range not ascending: %d, %d", blocks[0].Height, blocks[1].Height)
	}
}

func TestTxStorage(t *testing.T) {
	db := memorydb.New()
	tx := &types.Tx{
		Chain:       testChain,
		From:        []string{"addr-from"},
		To:          []string{"addr-to"},
		Amount:      []string{"1"},
		Fee:         "0",
		Type:        types.TxNone,
		ForeignKeys: []string{"order-42"},
		Created:     1700000000,
		Hash:        hashOf("tx"),
	}

	if err := WriteTx(db, tx); err != nil {
		t.Fatal(err)
	}
	got := ReadTx(db, testChain, tx.Hash)
	if got == nil {
		t.Fatal("stored tx not found")
	}
	if got.Hash != tx.Hash || got.From[0] != tx.From[0] {
		t.Errorf("tx round trip mismatch: %+v", got)
	}

	if hashes := ReadTxHashesByFrom(db, testChain, "addr-from"); len(hashes) != 1 || hashes[0] != tx.Hash {
		t.Errorf("from index = %v", hashes)
	}
	if hashes := ReadTxHashesByTo(db, testChain, "addr-to"); len(hashes) != 1 || hashes[0] != tx.Hash {
		t.Errorf("to index = %v", hashes)
	}
	if hashes := ReadTxHashesByForeignKey(db, testChain, "order-42"); len(hashes) != 1 || hashes[0] != tx.Hash {
		t.Errorf("foreign key index = %v", hashes)
	}
	if hashes := ReadTxHashesByFrom(db, testChain, "nobody"); len(hashes) != 0 {
		t.Errorf("unknown sender index = %v", hashes)
	}

	if err := DeleteTx(db, tx); err != nil {
		t.Fatal(err)
	}
	if got := ReadTx(db, testChain, tx.Hash); got != nil {
		t.Error("deleted tx still readable")
	}
	if hashes := ReadTxHashesByFrom(db, testChain, "addr-from"); len(hashes) != 0 {
		t.Error("deleted tx still indexed by sender")
	}
}

func TestTxOutputPersisted(t *testing.T) {
	db := memorydb.New()
	tx := &types.Tx{
		Chain: testChain,
		Hash:  hashOf("tx-out"),
		Output: &types.TxOutput{
			Cost:    21,
			FeeUsed: "0.001",
			Error:   "",
		},
	}
	if err := WriteTx(db, tx); err != nil {
		t.Fatal(err)
	}
	got := ReadTx(db, testChain, tx.Hash)
	if got == nil || got.Output == nil {
		t.Fatal("output not persisted")
	}
	if got.Output.Cost != 21 || got.Output.FeeUsed != "0.001" {
		t.Errorf("output round trip mismatch: %+v", got.Output)
	}
}

func TestSliceStorage(t *testing.T) {
	db := memorydb.New()
	s := &types.Slice{
		Chain:             testChain,
		Height:            2,
		BlockHeight:       7,
		TransactionsCount: 1,
		Transactions:      []common.Hash{hashOf("tx")},
		From:              "proposer",
		End:               true,
		Hash:              hashOf("slice"),
	}
	if err := WriteSlice(db, s); err != nil {
		t.Fatal(err)
	}
	got := ReadSlice(db, testChain, s.Hash)
	if got == nil {
		t.Fatal("stored slice not found")
	}
	if got.Hash != s.Hash || !got.End || got.BlockHeight != 7 {
		t.Errorf("slice round trip mismatch: %+v", got)
	}
	if err := DeleteSlice(db, testChain, s.Hash); err != nil {
		t.Fatal(err)
	}
	if got := ReadSlice(db, testChain, s.Hash); got != nil {
		t.Error("deleted slice still readable")
	}
}

func TestEventIndexes(t *testing.T) {
	db := memorydb.New()
	txHash := hashOf("tx")
	events := []types.Event{
		{
			Contract: "contract-a",
			Name:     "Transfer",
			Entries: []types.EventItem{
				{Key: "to", Value: "alice"},
				{Key: "amount", Value: "10"},
			},
			Hash: hashOf("ev0"),
		},
		{
			Contract: "contract-a",
			Name:     "Transfer",
			Entries:  []types.EventItem{{Key: "to", Value: "bob"}},
			Hash:     hashOf("ev1"),
		},
		{
			Contract: "contract-a",
			Name:     "Approval",
			Hash:     hashOf("ev2"),
		},
	}
	if err := WriteEvents(db, testChain, txHash, events); err != nil {
		t.Fatal(err)
	}

	got := ReadEvents(db, testChain, "contract-a", "Transfer")
	if len(got) != 2 {
		t.Fatalf("Transfer events = %d, want 2", len(got))
	}
	got = ReadEvents(db, testChain, "contract-a", "Approval")
	if len(got) != 1 {
		t.Fatalf("Approval events = %d, want 1", len(got))
	}
	got = ReadEvents(db, testChain, "contract-b", "Transfer")
	if len(got) != 0 {
		t.Fatalf("foreign contract events = %d, want 0", len(got))
	}

	got = ReadEventsByEntry(db, testChain, "contract-a", "Transfer", "to", "alice")
	if len(got) != 1 || got[0].Hash != hashOf("ev0") {
		t.Errorf("entry scan = %+v", got)
	}
	got = ReadEventsByEntry(db, testChain, "contract-a", "Transfer", "to", "nobody")
	if len(got) != 0 {
		t.Errorf("unmatched entry scan = %+v", got)
	}
}

func TestMetaMarkers(t *testing.T) {
	db := memorydb.New()
	if data := ReadMeta(db, testChain, MetaLastBlockHash); len(data) != 0 {
		t.Errorf("unset marker = %q", data)
	}
	want := hashOf("tip")
	if err := WriteMeta(db, testChain, MetaLastBlockHash, want[:]); err != nil {
		t.Fatal(err)
	}
	if got := common.BytesToHash(ReadMeta(db, testChain, MetaLastBlockHash)); got != want {
		t.Errorf("marker = %s, want %s", got, want)
	}
	// Markers are per chain.
	if data := ReadMeta(db, "other", MetaLastBlockHash); len(data) != 0 {
		t.Errorf("marker leaked across chains: %q", data)
	}
}

func TestHeightIndexOrder(t *testing.T) {
	if heightIndex(2) >= heightIndex(10) {
		t.Error("lexicographic order diverges from numeric order")
	}
	if heightIndex(999) >= heightIndex(1000) {
		t.Error("lexicographic order diverges from numeric order")
	}
}
