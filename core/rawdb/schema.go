// Package rawdb contains the typed views over the ordered key/value store.
// Every persisted record lives under a key of the form
//
//	<table>-<chain>-<secondaryIndex>-<id>
//
// so that range scans over a table, a chain or a secondary index reduce to
// lexicographic prefix iteration.
package rawdb

import (
	"fmt"

	"github.com/bywise/go-bywise/common"
)

// Table names. Keep these short, they prefix every key.
const (
	tableBlock       = "blk"
	tableBlockHeight = "blkh"
	tableTx          = "tx"
	tableTxFrom      = "txf"
	tableTxTo        = "txt"
	tableTxFK        = "txk"
	tableSlice       = "slc"
	tableEvent       = "evt"
	tableEventKV     = "evk"
	tableEnv         = "env"
	tableMeta        = "meta"
)

// heightIndex renders a block height so lexicographic order equals numeric
// order across the full uint64 range.
func heightIndex(height uint64) string {
	return fmt.Sprintf("%020d", height)
}

func key(table, chain, index, id string) []byte {
	return []byte(table + "-" + chain + "-" + index + "-" + id)
}

func prefix(table, chain, index string) []byte {
	return []byte(table + "-" + chain + "-" + index + "-")
}

// blockKey = blk-<chain>--<hash>
func blockKey(chain string, hash common.Hash) []byte {
	return key(tableBlock, chain, "", hash.Hex())
}

// blockHeightKey = blkh-<chain>-<height>-<hash>; the value is empty, the
// id carries the hash so competing blocks at one height coexist.
func blockHeightKey(chain string, height uint64, hash common.Hash) []byte {
	return key(tableBlockHeight, chain, heightIndex(height), hash.Hex())
}

func blockHeightPrefix(chain string, height uint64) []byte {
	return prefix(tableBlockHeight, chain, heightIndex(height))
}

// txKey = tx-<chain>--<hash>
func txKey(chain string, hash common.Hash) []byte {
	return key(tableTx, chain, "", hash.Hex())
}

// txFromKey = txf-<chain>-<addr>-<hash>
func txFromKey(chain, addr string, hash common.Hash) []byte {
	return key(tableTxFrom, chain, addr, hash.Hex())
}

func txFromPrefix(chain, addr string) []byte {
	return prefix(tableTxFrom, chain, addr)
}

// txToKey = txt-<chain>-<addr>-<hash>
func txToKey(chain, addr string, hash common.Hash) []byte {
	return key(tableTxTo, chain, addr, hash.Hex())
}

func txToPrefix(chain, addr string) []byte {
	return prefix(tableTxTo, chain, addr)
}

// txFKKey = txk-<chain>-<foreignKey>-<hash>
func txFKKey(chain, fk string, hash common.Hash) []byte {
	return key(tableTxFK, chain, fk, hash.Hex())
}

func txFKPrefix(chain, fk string) []byte {
	return prefix(tableTxFK, chain, fk)
}

// sliceKey = slc-<chain>--<hash>
func sliceKey(chain string, hash common.Hash) []byte {
	return key(tableSlice, chain, "", hash.Hex())
}

// eventKey = evt-<chain>-<contract>:<event>-<txhash>:<n>
func eventKey(chain, contract, name string, txHash common.Hash, n int) []byte {
	return key(tableEvent, chain, contract+":"+name, fmt.Sprintf("%s:%04d", txHash.Hex(), n))
}

func eventPrefix(chain, contract, name string) []byte {
	return prefix(tableEvent, chain, contract+":"+name)
}

// eventKVKey = evk-<chain>-<contract>:<event>:<key>:<value>-<txhash>:<n>
func eventKVKey(chain, contract, name, k, v string, txHash common.Hash, n int) []byte {
	return key(tableEventKV, chain, contract+":"+name+":"+k+":"+v, fmt.Sprintf("%s:%04d", txHash.Hex(), n))
}

func eventKVPrefix(chain, contract, name, k, v string) []byte {
	return prefix(tableEventKV, chain, contract+":"+name+":"+k+":"+v)
}

// EnvKey = env-<chain>--<storeKey>; holds consolidated environment values.
func EnvKey(chain, storeKey string) []byte {
	return key(tableEnv, chain, "", storeKey)
}

// EnvPrefix bounds a range scan over a chain's consolidated environment.
func EnvPrefix(chain string) []byte {
	return prefix(tableEnv, chain, "")
}

// metaKey = meta-<chain>--<name>
func metaKey(chain, name string) []byte {
	return key(tableMeta, chain, "", name)
}
