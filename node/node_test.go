package node

import (
	"encoding/hex"
	"testing"

	"github.com/bywise/go-bywise/core"
	"github.com/bywise/go-bywise/crypto"
)

func testKeyHex(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(key.Bytes())
}

func TestNewNode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chains = []string{"alpha", "beta"}
	cfg.KeyHex = testKeyHex(t)

	n, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer n.vmPool.Close()

	if len(n.Pipelines()) != 2 {
		t.Errorf("pipelines = %d, want 2", len(n.Pipelines()))
	}
	if n.Pipeline("alpha") == nil || n.Pipeline("gamma") != nil {
		t.Error("pipeline lookup broken")
	}
	if n.Key() == nil {
		t.Error("wallet key not loaded")
	}
	if len(n.workers) != 2 {
		t.Errorf("workers = %d, want one per chain", len(n.workers))
	}
}

func TestNewNodeRelayOnly(t *testing.T) {
	cfg := DefaultConfig()
	n, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer n.vmPool.Close()

	if n.Key() != nil || len(n.workers) != 0 {
		t.Error("relay-only node configured a miner")
	}
	if err := n.InitChain("mainnet", core.GenesisOptions{}); err == nil {
		t.Error("chain created without a wallet key")
	}
}

func TestNewNodeRejectsBadKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeyHex = "zz"
	if _, err := New(cfg); err == nil {
		t.Error("bad wallet key accepted")
	}
}

func TestNodeInitChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeyHex = testKeyHex(t)
	n, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer n.vmPool.Close()

	if err := n.InitChain("othernet", core.GenesisOptions{}); err == nil {
		t.Error("unconfigured chain accepted")
	}
	if err := n.InitChain("mainnet", core.GenesisOptions{InitialBalance: "100"}); err != nil {
		t.Fatal(err)
	}
	p := n.Pipeline("mainnet")
	p.Process()
	if p.NextHeight() != 1 {
		t.Errorf("NextHeight = %d, want 1 after genesis", p.NextHeight())
	}
}
