package rawdb

import (
	"encoding/json"

	"github.com/bywise/go-bywise/bywisedb"
	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/log"
)

// ReadBlock retrieves a block by hash, or nil when absent.
func ReadBlock(db bywisedb.KeyValueReader, chain string, hash common.Hash) *types.Block {
	data, _ := db.Get(blockKey(chain, hash))
	if len(data) == 0 {
		return nil
	}
	var b types.Block
	if err := json.Unmarshal(data, &b); err != nil {
		log.Error("Invalid block JSON in store", "chain", chain, "hash", hash, "err", err)
		return nil
	}
	return &b
}

// WriteBlock stores a block and its height index entry.
func WriteBlock(db bywisedb.KeyValueWriter, b *types.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := db.Put(blockKey(b.Chain, b.Hash), data); err != nil {
		return err
	}
	return db.Put(blockHeightKey(b.Chain, b.Height, b.Hash), b.Hash[:])
}

// DeleteBlock removes a block and its height index entry.
func DeleteBlock(db bywisedb.KeyValueWriter, chain string, hash common.Hash, height uint64) error {
	if err := db.Delete(blockKey(chain, hash)); err != nil {
		return err
	}
	return db.Delete(blockHeightKey(chain, height, hash))
}

// ReadBlockHashesAtHeight returns every stored block hash at a height.
func ReadBlockHashesAtHeight(db bywisedb.Iteratee, chain string, height uint64) []common.Hash {
	it := db.NewIterator(blockHeightPrefix(chain, height), nil)
	defer it.Release()

	var hashes []common.Hash
	for it.Next() {
		hashes = append(hashes, common.BytesToHash(it.Value()))
	}
	return hashes
}

// ReadBlocksRange returns all canonical blocks with height in [from, to],
// ascending. Non-canonical siblings are skipped when canonicalOnly is set,
// using the meta canonical marker written at immutability.
func ReadBlocksRange(db bywisedb.Database, chain string, from, to uint64) []*types.Block {
	var out []*types.Block
	for h := from; h <= to; h++ {
		for _, hash := range ReadBlockHashesAtHeight(db, chain, h) {
			if b := ReadBlock(db, chain, hash); b != nil {
				out = append(out, b)
			}
		}
	}
	return out
}

// ReadTx retrieves a transaction by hash, or nil when absent.
func ReadTx(db bywisedb.KeyValueReader, chain string, hash common.Hash) *types.Tx {
	data, _ := db.Get(txKey(chain, hash))
	if len(data) == 0 {
		return nil
	}
	var tx types.Tx
	if err := json.Unmarshal(data, &tx); err != nil {
		log.Error("Invalid tx JSON in store", "chain", chain, "hash", hash, "err", err)
		return nil
	}
	return &tx
}

// WriteTx stores a transaction and its from/to/foreignKey secondary indexes.
func WriteTx(db bywisedb.KeyValueWriter, tx *types.Tx) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if err := db.Put(txKey(tx.Chain, tx.Hash), data); err != nil {
		return err
	}
	for _, from := range tx.From {
		if err := db.Put(txFromKey(tx.Chain, from, tx.Hash), tx.Hash[:]); err != nil {
			return err
		}
	}
	for _, to := range tx.To {
		if err := db.Put(txToKey(tx.Chain, to, tx.Hash), tx.Hash[:]); err != nil {
			return err
		}
	}
	for _, fk := range tx.ForeignKeys {
		if err := db.Put(txFKKey(tx.Chain, fk, tx.Hash), tx.Hash[:]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTx removes a transaction and its secondary index entries.
func DeleteTx(db bywisedb.KeyValueWriter, tx *types.Tx) error {
	if err := db.Delete(txKey(tx.Chain, tx.Hash)); err != nil {
		return err
	}
	for _, from := range tx.From {
		if err := db.Delete(txFromKey(tx.Chain, from, tx.Hash)); err != nil {
			return err
		}
	}
	for _, to := range tx.To {
		if err := db.Delete(txToKey(tx.Chain, to, tx.Hash)); err != nil {
			return err
		}
	}
	for _, fk := range tx.ForeignKeys {
		if err := db.Delete(txFKKey(tx.Chain, fk, tx.Hash)); err != nil {
			return err
		}
	}
	return nil
}

// ReadTxHashesByFrom range-scans the sender index.
func ReadTxHashesByFrom(db bywisedb.Iteratee, chain, addr string) []common.Hash {
	return scanHashes(db, txFromPrefix(chain, addr))
}

// ReadTxHashesByTo range-scans the recipient index.
func ReadTxHashesByTo(db bywisedb.Iteratee, chain, addr string) []common.Hash {
	return scanHashes(db, txToPrefix(chain, addr))
}

// ReadTxHashesByForeignKey range-scans the foreign key index.
func ReadTxHashesByForeignKey(db bywisedb.Iteratee, chain, fk string) []common.Hash {
	return scanHashes(db, txFKPrefix(chain, fk))
}

func scanHashes(db bywisedb.Iteratee, pfx []byte) []common.Hash {
	it := db.NewIterator(pfx, nil)
	defer it.Release()

	var hashes []common.Hash
	for it.Next() {
		hashes = append(hashes, common.BytesToHash(it.Value()))
	}
	return hashes
}

// ReadSlice retrieves a slice by hash, or nil when absent.
func ReadSlice(db bywisedb.KeyValueReader, chain string, hash common.Hash) *types.Slice {
	data, _ := db.Get(sliceKey(chain, hash))
	if len(data) == 0 {
		return nil
	}
	var s types.Slice
	if err := json.Unmarshal(data, &s); err != nil {
		log.Error("Invalid slice JSON in store", "chain", chain, "hash", hash, "err", err)
		return nil
	}
	return &s
}

// WriteSlice stores a slice.
func WriteSlice(db bywisedb.KeyValueWriter, s *types.Slice) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return db.Put(sliceKey(s.Chain, s.Hash), data)
}

// DeleteSlice removes a slice.
func DeleteSlice(db bywisedb.KeyValueWriter, chain string, hash common.Hash) error {
	return db.Delete(sliceKey(chain, hash))
}

// WriteEvents indexes the events a transaction emitted, by (contract,event)
// and by every (contract,event,key,value) pair.
func WriteEvents(db bywisedb.KeyValueWriter, chain string, txHash common.Hash, events []types.Event) error {
	for n, ev := range events {
		data, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		if err := db.Put(eventKey(chain, ev.Contract, ev.Name, txHash, n), data); err != nil {
			return err
		}
		for _, item := range ev.Entries {
			if err := db.Put(eventKVKey(chain, ev.Contract, ev.Name, item.Key, item.Value, txHash, n), data); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadEvents range-scans events by contract and event name.
func ReadEvents(db bywisedb.Iteratee, chain, contract, name string) []types.Event {
	return scanEvents(db, eventPrefix(chain, contract, name))
}

// ReadEventsByEntry range-scans events by contract, event name and one
// key/value pair.
func ReadEventsByEntry(db bywisedb.Iteratee, chain, contract, name, key, value string) []types.Event {
	return scanEvents(db, eventKVPrefix(chain, contract, name, key, value))
}

func scanEvents(db bywisedb.Iteratee, pfx []byte) []types.Event {
	it := db.NewIterator(pfx, nil)
	defer it.Release()

	var out []types.Event
	for it.Next() {
		var ev types.Event
		if err := json.Unmarshal(it.Value(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Meta markers maintained per chain.
const (
	MetaLastBlockHash   = "lastBlockHash"
	MetaImmutableHeight = "immutableHeight"
)

// ReadMeta returns the raw value of a per-chain meta marker.
func ReadMeta(db bywisedb.KeyValueReader, chain, name string) []byte {
	data, _ := db.Get(metaKey(chain, name))
	return data
}

// WriteMeta stores a per-chain meta marker.
func WriteMeta(db bywisedb.KeyValueWriter, chain, name string, value []byte) error {
	return db.Put(metaKey(chain, name), value)
}
