package core

import (
	"sort"
	"time"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
	"github.com/bywise/go-bywise/params"
)

// GenesisOptions parameterizes a new chain.
type GenesisOptions struct {
	// InitialBalance is credited to the creator wallet; empty or "0" skips
	// the credit.
	InitialBalance string

	// Configs overrides the chain parameter defaults; unset names keep
	// params.ConfigDefaults.
	Configs map[string]string
}

// NewGenesis builds the first block of a chain: a single end slice of
// bootstrap commands that install the creator as admin and validator, set
// the chain parameters and optionally fund the creator. Everything is
// signed by the creator key.
func NewGenesis(chain string, key *crypto.PrivateKey, opts GenesisOptions) (*types.Block, *types.Slice, []*types.Tx, error) {
	creator := bwsaddr.FromKey(key.PublicKeyHash()).String()
	created := time.Now().Unix()

	configs := make(map[string]string, len(params.ConfigDefaults))
	for name, value := range params.ConfigDefaults {
		configs[name] = value
	}
	for name, value := range opts.Configs {
		configs[name] = value
	}
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var commands []types.TxData
	commands = append(commands,
		types.NewCommandData("addAdmin", creator),
		types.NewCommandData("addValidator", creator),
	)
	for _, name := range names {
		commands = append(commands, types.NewCommandData("setConfig", name, configs[name]))
	}
	if opts.InitialBalance != "" && opts.InitialBalance != "0" {
		commands = append(commands, types.NewCommandData("setBalance", creator, opts.InitialBalance))
	}

	txs := make([]*types.Tx, 0, len(commands))
	txHashes := make([]common.Hash, 0, len(commands))
	for i, data := range commands {
		tx := &types.Tx{
			Chain:   chain,
			Version: params.NodeVersion,
			From:    []string{creator},
			To:      []string{creator},
			Amount:  []string{"0"},
			Fee:     "0",
			Type:    types.TxBlockchainCommand,
			Data:    data,
			// Spread creation times so hashes stay unique across identical
			// command sets.
			Created: created + int64(i),
		}
		if err := tx.SignWith(key); err != nil {
			return nil, nil, nil, err
		}
		txs = append(txs, tx)
		txHashes = append(txHashes, tx.Hash)
	}

	slice := &types.Slice{
		Chain:             chain,
		Version:           params.NodeVersion,
		Height:            0,
		BlockHeight:       0,
		TransactionsCount: len(txHashes),
		Transactions:      txHashes,
		From:              creator,
		Created:           created,
		End:               true,
	}
	if err := slice.SignWith(key); err != nil {
		return nil, nil, nil, err
	}

	block := &types.Block{
		Chain:             chain,
		Version:           params.NodeVersion,
		Height:            0,
		Slices:            []common.Hash{slice.Hash},
		From:              creator,
		Created:           created,
		LastHash:          common.ZeroHash,
		TransactionsCount: len(txHashes),
	}
	if err := block.SignWith(key); err != nil {
		return nil, nil, nil, err
	}
	return block, slice, txs, nil
}

// InitChain seeds a pipeline with a freshly built genesis. The transactions
// enter the mempool, then the slice and block, so the pipeline can complete
// and execute the block on its next pass.
func (p *Pipeline) InitChain(key *crypto.PrivateKey, opts GenesisOptions) (*types.Block, error) {
	block, slice, txs, err := NewGenesis(p.chain, key, opts)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if err := p.pool.Add(tx); err != nil {
			return nil, err
		}
	}
	if err := p.AddSlice(slice); err != nil {
		return nil, err
	}
	if err := p.AddBlock(block); err != nil {
		return nil, err
	}
	return block, nil
}
