// Package dbtest exercises a bywisedb backend against the behavior the rest
// of the node assumes: ordered iteration, prefix scans and batch replay.
package dbtest

import (
	"bytes"
	"sort"
	"testing"

	"github.com/bywise/go-bywise/bywisedb"
)

// TestDatabaseSuite runs the backend contract tests against the databases
// produced by newDB.
func TestDatabaseSuite(t *testing.T, newDB func() bywisedb.Database) {
	t.Run("KeyValue", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		key, value := []byte("key"), []byte("value")
		if has, _ := db.Has(key); has {
			t.Fatal("empty database reports key")
		}
		if err := db.Put(key, value); err != nil {
			t.Fatalf("put: %v", err)
		}
		if has, _ := db.Has(key); !has {
			t.Fatal("stored key not reported")
		}
		got, err := db.Get(key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("got %q, want %q", got, value)
		}
		if err := db.Delete(key); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if has, _ := db.Has(key); has {
			t.Fatal("deleted key still reported")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		if err := db.Put([]byte("key"), []byte("first")); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := db.Put([]byte("key"), []byte("second")); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		got, _ := db.Get([]byte("key"))
		if !bytes.Equal(got, []byte("second")) {
			t.Fatalf("got %q, want %q", got, "second")
		}
	})

	t.Run("IteratorOrder", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		keys := []string{"b", "a", "d", "c", "ab"}
		for _, k := range keys {
			if err := db.Put([]byte(k), []byte("v-"+k)); err != nil {
				t.Fatalf("put %q: %v", k, err)
			}
		}
		sort.Strings(keys)

		it := db.NewIterator(nil, nil)
		defer it.Release()
		var got []string
		for it.Next() {
			got = append(got, string(it.Key()))
			want := "v-" + string(it.Key())
			if !bytes.Equal(it.Value(), []byte(want)) {
				t.Fatalf("value for %q: got %q, want %q", it.Key(), it.Value(), want)
			}
		}
		if err := it.Error(); err != nil {
			t.Fatalf("iterator: %v", err)
		}
		if len(got) != len(keys) {
			t.Fatalf("iterated %d keys, want %d", len(got), len(keys))
		}
		for i, k := range keys {
			if got[i] != k {
				t.Fatalf("position %d: got %q, want %q", i, got[i], k)
			}
		}
	})

	t.Run("IteratorPrefix", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		for _, k := range []string{"aa-1", "aa-2", "ab-1", "b-1"} {
			if err := db.Put([]byte(k), []byte{1}); err != nil {
				t.Fatalf("put %q: %v", k, err)
			}
		}
		it := db.NewIterator([]byte("aa-"), nil)
		defer it.Release()
		count := 0
		for it.Next() {
			if !bytes.HasPrefix(it.Key(), []byte("aa-")) {
				t.Fatalf("key %q outside prefix", it.Key())
			}
			count++
		}
		if count != 2 {
			t.Fatalf("prefix scan returned %d keys, want 2", count)
		}
	})

	t.Run("IteratorStart", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		for _, k := range []string{"k1", "k2", "k3"} {
			if err := db.Put([]byte(k), []byte{1}); err != nil {
				t.Fatalf("put %q: %v", k, err)
			}
		}
		it := db.NewIterator(nil, []byte("k2"))
		defer it.Release()
		var got []string
		for it.Next() {
			got = append(got, string(it.Key()))
		}
		if len(got) != 2 || got[0] != "k2" || got[1] != "k3" {
			t.Fatalf("start scan returned %v", got)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		if err := db.Put([]byte("doomed"), []byte{1}); err != nil {
			t.Fatalf("put: %v", err)
		}
		batch := db.NewBatch()
		if err := batch.Put([]byte("k1"), []byte("v1")); err != nil {
			t.Fatalf("batch put: %v", err)
		}
		if err := batch.Put([]byte("k2"), []byte("v2")); err != nil {
			t.Fatalf("batch put: %v", err)
		}
		if err := batch.Delete([]byte("doomed")); err != nil {
			t.Fatalf("batch delete: %v", err)
		}
		// Nothing lands before Write.
		if has, _ := db.Has([]byte("k1")); has {
			t.Fatal("batch write leaked before Write")
		}
		if err := batch.Write(); err != nil {
			t.Fatalf("batch write: %v", err)
		}
		if has, _ := db.Has([]byte("k1")); !has {
			t.Fatal("batch put missing after Write")
		}
		if has, _ := db.Has([]byte("doomed")); has {
			t.Fatal("batch delete missing after Write")
		}

		batch.Reset()
		if batch.ValueSize() != 0 {
			t.Fatalf("reset batch reports size %d", batch.ValueSize())
		}
	})

	t.Run("BatchReplay", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		batch := db.NewBatch()
		if err := batch.Put([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("batch put: %v", err)
		}
		if err := batch.Delete([]byte("gone")); err != nil {
			t.Fatalf("batch delete: %v", err)
		}
		mirror := db.NewBatch()
		if err := batch.Replay(mirror); err != nil {
			t.Fatalf("replay: %v", err)
		}
		if err := mirror.Write(); err != nil {
			t.Fatalf("mirror write: %v", err)
		}
		got, _ := db.Get([]byte("k"))
		if !bytes.Equal(got, []byte("v")) {
			t.Fatalf("replayed value %q, want %q", got, "v")
		}
	})
}
