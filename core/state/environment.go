// Package state implements the per-chain environment store: a chain of
// copy-on-write key/value overlays, content-addressed by commit hash. Every
// slice and block execution produces one commit; the canonical chain of
// commits is consolidated into the persistent store once its block leaves
// the reorg window.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bywise/go-bywise/bywisedb"
	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/rawdb"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/log"
)

var (
	// ErrCorruptCommitChain is fatal: a commit references a base that is
	// neither known in memory nor the persisted root. The chain must resync.
	ErrCorruptCommitChain = errors.New("corrupt commit chain")

	// ErrUnknownCommit is returned when a context is opened on a commit
	// hash the store has never seen.
	ErrUnknownCommit = errors.New("unknown commit")
)

// tombstone marks a deleted key inside a diff, distinguishing "deleted"
// from "unset".
const tombstone = "\x00__absent__"

// Context is a stacked overlay: reads fall through localWrites, then the
// commit chain below base, then the persisted snapshot; writes stay local
// until Commit.
type Context struct {
	chain string
	base  common.Hash
	local map[string]string
}

// Base returns the commit hash the context reads through.
func (c *Context) Base() common.Hash { return c.base }

// commit is one sealed overlay.
type commit struct {
	hash common.Hash
	base common.Hash
	diff map[string]string
	tag  string
}

// Store owns the commit graph of a single chain. It is single-writer; the
// pipeline drives all commits and consolidations.
type Store struct {
	chain string
	db    bywisedb.Database
	log   log.Logger

	mu      sync.RWMutex
	commits map[common.Hash]*commit
}

// NewStore opens the environment store of a chain over the given database.
func NewStore(db bywisedb.Database, chain string) *Store {
	return &Store{
		chain:   chain,
		db:      db,
		log:     log.New("chain", chain),
		commits: make(map[common.Hash]*commit),
	}
}

// NewContext opens an overlay on top of base. common.ZeroHash bases directly
// on the persisted snapshot.
func (s *Store) NewContext(base common.Hash) (*Context, error) {
	if !base.IsZero() {
		s.mu.RLock()
		_, ok := s.commits[base]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, base)
		}
	}
	return &Context{
		chain: s.chain,
		base:  base,
		local: make(map[string]string),
	}, nil
}

// Get resolves key through the overlay chain. Missing keys read as the empty
// string, NOT_FOUND is not an error.
func (s *Store) Get(ctx *Context, key string) (string, error) {
	if v, ok := ctx.local[key]; ok {
		if v == tombstone {
			return "", nil
		}
		return v, nil
	}
	return s.getFrom(ctx.base, key)
}

// Has reports whether key resolves to a live value.
func (s *Store) Has(ctx *Context, key string) (bool, error) {
	if v, ok := ctx.local[key]; ok {
		return v != tombstone, nil
	}
	return s.hasFrom(ctx.base, key)
}

func (s *Store) getFrom(base common.Hash, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for !base.IsZero() {
		c, ok := s.commits[base]
		if !ok {
			return "", fmt.Errorf("%w: missing commit %s", ErrCorruptCommitChain, base)
		}
		if v, hit := c.diff[key]; hit {
			if v == tombstone {
				return "", nil
			}
			return v, nil
		}
		base = c.base
	}
	data, _ := s.db.Get(rawdb.EnvKey(s.chain, key))
	return string(data), nil
}

func (s *Store) hasFrom(base common.Hash, key string) (bool, error) {
	v, err := s.getFrom(base, key)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// Set stores a local write on the context.
func (s *Store) Set(ctx *Context, key, value string) {
	ctx.local[key] = value
}

// Delete records a tombstone for key on the context.
func (s *Store) Delete(ctx *Context, key string) {
	ctx.local[key] = tombstone
}

// Discard drops the context's local writes.
func (s *Store) Discard(ctx *Context) {
	ctx.local = make(map[string]string)
}

// Snapshot captures the context's local writes so a failing transaction can
// be rolled back without touching the commits below it.
type Snapshot map[string]string

// Snapshot copies the context's uncommitted writes.
func (s *Store) Snapshot(ctx *Context) Snapshot {
	snap := make(Snapshot, len(ctx.local))
	for k, v := range ctx.local {
		snap[k] = v
	}
	return snap
}

// Revert restores the context's local writes to a snapshot.
func (s *Store) Revert(ctx *Context, snap Snapshot) {
	local := make(map[string]string, len(snap))
	for k, v := range snap {
		local[k] = v
	}
	ctx.local = local
}

// Commit seals the context's writes into a content-addressed overlay and
// rebases the context on it. Identical diffs on identical bases always
// produce identical hashes, keyed additionally by the context tag (the slice
// or block whose effects the commit captures).
func (s *Store) Commit(ctx *Context, tag string) (common.Hash, error) {
	diff := ctx.local
	ctx.local = make(map[string]string)

	hash := commitHash(ctx.base, diff, tag)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commits[hash]; !exists {
		s.commits[hash] = &commit{hash: hash, base: ctx.base, diff: diff, tag: tag}
	}
	ctx.base = hash
	return hash, nil
}

// commitHash digests (base, sorted key/value diff, tag).
func commitHash(base common.Hash, diff map[string]string, tag string) common.Hash {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	enc := make([]byte, 0, 64)
	enc = append(enc, base[:]...)
	for _, k := range keys {
		enc = append(enc, byte(0))
		enc = append(enc, k...)
		enc = append(enc, byte(1))
		enc = append(enc, diff[k]...)
	}
	enc = append(enc, byte(2))
	enc = append(enc, tag...)
	return crypto.Keccak256Hash(enc)
}

// Consolidate persists the overlay chain ending at head into the database
// and forgets the consolidated commits. It is idempotent: re-consolidating
// an already flushed chain rewrites the same values.
func (s *Store) Consolidate(head common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect the chain root-first.
	var chain []*commit
	for cursor := head; !cursor.IsZero(); {
		c, ok := s.commits[cursor]
		if !ok {
			// Already consolidated chains vanish from memory; hitting the
			// persisted root is the normal stop.
			break
		}
		chain = append(chain, c)
		cursor = c.base
	}
	if len(chain) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].diff {
			if v == tombstone {
				if err := batch.Delete(rawdb.EnvKey(s.chain, k)); err != nil {
					return err
				}
				continue
			}
			if err := batch.Put(rawdb.EnvKey(s.chain, k), []byte(v)); err != nil {
				return err
			}
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	for _, c := range chain {
		delete(s.commits, c.hash)
	}
	s.log.Debug("Consolidated environment commits", "head", head, "commits", len(chain))
	return nil
}

// DropUnreachable forgets every in-memory commit that is not reachable from
// one of the given heads. Called after a losing fork is abandoned.
func (s *Store) DropUnreachable(heads ...common.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[common.Hash]bool)
	for _, head := range heads {
		for cursor := head; !cursor.IsZero(); {
			c, ok := s.commits[cursor]
			if !ok {
				break
			}
			keep[cursor] = true
			cursor = c.base
		}
	}
	dropped := 0
	for h := range s.commits {
		if !keep[h] {
			delete(s.commits, h)
			dropped++
		}
	}
	if dropped > 0 {
		s.log.Debug("Dropped unreachable environment commits", "dropped", dropped)
	}
	return dropped
}

// HasCommit reports whether the store still holds a commit in memory.
func (s *Store) HasCommit(hash common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.commits[hash]
	return ok
}
