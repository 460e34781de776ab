package state

import (
	"errors"
	"testing"

	"github.com/bywise/go-bywise/bywisedb/memorydb"
	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/rawdb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(memorydb.New(), "testnet")
}

func mustContext(t *testing.T, s *Store, base common.Hash) *Context {
	t.Helper()
	ctx, err := s.NewContext(base)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func mustGet(t *testing.T, s *Store, ctx *Context, key string) string {
	t.Helper()
	v, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestOverlayReads(t *testing.T) {
	s := newTestStore(t)
	ctx := mustContext(t, s, common.ZeroHash)

	if got := mustGet(t, s, ctx, "missing"); got != "" {
		t.Errorf("missing key = %q, want empty", got)
	}
	s.Set(ctx, "a", "1")
	if got := mustGet(t, s, ctx, "a"); got != "1" {
		t.Errorf("local write = %q, want 1", got)
	}
	has, err := s.Has(ctx, "a")
	if err != nil || !has {
		t.Errorf("Has(a) = %v, %v", has, err)
	}
	has, err = s.Has(ctx, "missing")
	if err != nil || has {
		t.Errorf("Has(missing) = %v, %v", has, err)
	}
}

func TestCommitChainReads(t *testing.T) {
	s := newTestStore(t)
	ctx := mustContext(t, s, common.ZeroHash)

	s.Set(ctx, "a", "1")
	s.Set(ctx, "b", "2")
	c1, err := s.Commit(ctx, "slice-1")
	if err != nil {
		t.Fatal(err)
	}

	// The context rebased onto the commit; reads fall through.
	if got := mustGet(t, s, ctx, "a"); got != "1" {
		t.Errorf("a = %q after commit, want 1", got)
	}
	s.Set(ctx, "a", "10")
	if got := mustGet(t, s, ctx, "a"); got != "10" {
		t.Errorf("a = %q, local write must win", got)
	}
	c2, err := s.Commit(ctx, "slice-2")
	if err != nil {
		t.Fatal(err)
	}
	if c1 == c2 {
		t.Error("distinct diffs produced the same commit hash")
	}

	// A sibling context on the first commit does not see the second.
	sibling := mustContext(t, s, c1)
	if got := mustGet(t, s, sibling, "a"); got != "1" {
		t.Errorf("sibling a = %q, want 1", got)
	}
}

func TestCommitDeterminism(t *testing.T) {
	s1 := newTestStore(t)
	s2 := newTestStore(t)

	ctx1 := mustContext(t, s1, common.ZeroHash)
	ctx2 := mustContext(t, s2, common.ZeroHash)

	// Same writes in different order, same tag.
	s1.Set(ctx1, "x", "1")
	s1.Set(ctx1, "y", "2")
	s2.Set(ctx2, "y", "2")
	s2.Set(ctx2, "x", "1")

	h1, err := s1.Commit(ctx1, "tag")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s2.Commit(ctx2, "tag")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("identical diffs committed to different hashes")
	}

	// A different tag changes the hash even with an identical diff.
	ctx3 := mustContext(t, s1, common.ZeroHash)
	s1.Set(ctx3, "x", "1")
	s1.Set(ctx3, "y", "2")
	h3, err := s1.Commit(ctx3, "other")
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Error("tag not part of the commit hash")
	}
}

func TestTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := mustContext(t, s, common.ZeroHash)

	s.Set(ctx, "a", "1")
	base, err := s.Commit(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	s.Delete(ctx, "a")
	if got := mustGet(t, s, ctx, "a"); got != "" {
		t.Errorf("deleted key = %q, want empty", got)
	}
	has, err := s.Has(ctx, "a")
	if err != nil || has {
		t.Errorf("Has(deleted) = %v, %v", has, err)
	}
	if _, err := s.Commit(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, s, ctx, "a"); got != "" {
		t.Errorf("deleted key = %q through committed tombstone", got)
	}

	// The parent commit still sees the live value.
	parent := mustContext(t, s, base)
	if got := mustGet(t, s, parent, "a"); got != "1" {
		t.Errorf("parent a = %q, want 1", got)
	}
}

func TestSnapshotRevert(t *testing.T) {
	s := newTestStore(t)
	ctx := mustContext(t, s, common.ZeroHash)

	s.Set(ctx, "a", "1")
	snap := s.Snapshot(ctx)

	s.Set(ctx, "a", "99")
	s.Set(ctx, "b", "2")
	s.Revert(ctx, snap)

	if got := mustGet(t, s, ctx, "a"); got != "1" {
		t.Errorf("a = %q after revert, want 1", got)
	}
	has, err := s.Has(ctx, "b")
	if err != nil || has {
		t.Errorf("b survived the revert: %v, %v", has, err)
	}
}

func TestConsolidate(t *testing.T) {
	db := memorydb.New()
	s := NewStore(db, "testnet")
	ctx := mustContext(t, s, common.ZeroHash)

	s.Set(ctx, "a", "1")
	if _, err := s.Commit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	s.Set(ctx, "a", "2")
	s.Set(ctx, "b", "3")
	s.Delete(ctx, "never-existed")
	head, err := s.Commit(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Consolidate(head); err != nil {
		t.Fatal(err)
	}
	if s.HasCommit(head) {
		t.Error("consolidated commit still in memory")
	}

	// The flushed values are visible from a fresh root context.
	fresh := mustContext(t, s, common.ZeroHash)
	if got := mustGet(t, s, fresh, "a"); got != "2" {
		t.Errorf("a = %q after consolidation, want 2", got)
	}
	if got := mustGet(t, s, fresh, "b"); got != "3" {
		t.Errorf("b = %q after consolidation, want 3", got)
	}
	if raw, _ := db.Get(rawdb.EnvKey("testnet", "a")); string(raw) != "2" {
		t.Errorf("persisted a = %q, want 2", raw)
	}

	// Re-consolidating a flushed head is a no-op.
	if err := s.Consolidate(head); err != nil {
		t.Fatal(err)
	}
}

func TestConsolidateAppliesRootFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := mustContext(t, s, common.ZeroHash)

	s.Set(ctx, "k", "old")
	if _, err := s.Commit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	s.Set(ctx, "k", "new")
	head, err := s.Commit(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Consolidate(head); err != nil {
		t.Fatal(err)
	}
	fresh := mustContext(t, s, common.ZeroHash)
	if got := mustGet(t, s, fresh, "k"); got != "new" {
		t.Errorf("k = %q, the newer overlay must win", got)
	}
}

func TestDropUnreachable(t *testing.T) {
	s := newTestStore(t)

	winner := mustContext(t, s, common.ZeroHash)
	s.Set(winner, "w", "1")
	w1, err := s.Commit(winner, "w1")
	if err != nil {
		t.Fatal(err)
	}
	s.Set(winner, "w", "2")
	w2, err := s.Commit(winner, "w2")
	if err != nil {
		t.Fatal(err)
	}

	loser := mustContext(t, s, common.ZeroHash)
	s.Set(loser, "l", "1")
	l1, err := s.Commit(loser, "l1")
	if err != nil {
		t.Fatal(err)
	}

	dropped := s.DropUnreachable(w2)
	if dropped != 1 {
		t.Errorf("dropped %d commits, want 1", dropped)
	}
	if !s.HasCommit(w1) || !s.HasCommit(w2) {
		t.Error("reachable commits were dropped")
	}
	if s.HasCommit(l1) {
		t.Error("abandoned fork commit survived")
	}
}

func TestNewContextUnknownBase(t *testing.T) {
	s := newTestStore(t)
	var bogus common.Hash
	bogus[0] = 0xaa
	if _, err := s.NewContext(bogus); !errors.Is(err, ErrUnknownCommit) {
		t.Errorf("got %v, want %v", err, ErrUnknownCommit)
	}
}

func TestChainKeyspaceIsolation(t *testing.T) {
	db := memorydb.New()
	a := NewStore(db, "chain-a")
	b := NewStore(db, "chain-b")

	ctxA := mustContext(t, a, common.ZeroHash)
	a.Set(ctxA, "k", "va")
	head, err := a.Commit(ctxA, "t")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Consolidate(head); err != nil {
		t.Fatal(err)
	}

	ctxB := mustContext(t, b, common.ZeroHash)
	if got := mustGet(t, b, ctxB, "k"); got != "" {
		t.Errorf("chain-b sees chain-a's key: %q", got)
	}
}
