package blite

import (
	"bytes"
	"fmt"
	"testing"
)

func newTestBTree(t *testing.T, unique bool) (*BTree, *testKernel, *Txn) {
	t.Helper()
	k := newTestKernel(t)
	txn, err := k.mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	bt, err := CreateBTree(k.pf, txn, unique)
	if err != nil {
		t.Fatalf("CreateBTree: %v", err)
	}
	return bt, k, txn
}

func TestBTreeInsertFind(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	loc := DocumentLocation{Page: 5, Slot: 1}
	if err := bt.Insert([]byte("alice"), loc, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok, err := bt.Find([]byte("alice"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !ok || got != loc {
		t.Fatalf("Find mismatch: %+v", got)
	}
	k.mgr.Commit(txn)
}

func TestBTreeUniqueViolation(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	loc1 := DocumentLocation{Page: 1, Slot: 0}
	loc2 := DocumentLocation{Page: 2, Slot: 0}
	if err := bt.Insert([]byte("dup"), loc1, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := bt.Insert([]byte("dup"), loc2, 0); err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	k.mgr.Abort(txn)
}

func TestBTreeNonUniqueAllowsMultiple(t *testing.T) {
	bt, k, txn := newTestBTree(t, false)
	loc1 := DocumentLocation{Page: 1, Slot: 0}
	loc2 := DocumentLocation{Page: 2, Slot: 0}
	if err := bt.Insert([]byte("shared"), loc1, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := bt.Insert([]byte("shared"), loc2, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Idempotent re-insert of the same (key, location) pair.
	if err := bt.Insert([]byte("shared"), loc1, 0); err != nil {
		t.Fatalf("expected idempotent no-op, got %v", err)
	}

	results, err := bt.Range([]byte("shared"), []byte("shared"), Forward)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 entries for shared key, got %d", len(results))
	}
	k.mgr.Commit(txn)
}

func TestBTreeDelete(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	loc := DocumentLocation{Page: 1, Slot: 0}
	if err := bt.Insert([]byte("bob"), loc, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ok, err := bt.Delete([]byte("bob"), loc)
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	_, found, err := bt.Find([]byte("bob"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found {
		t.Fatal("expected key gone after delete")
	}
	k.mgr.Commit(txn)
}

func TestBTreeRangeOrdering(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	keys := []string{"m", "a", "z", "c", "q"}
	for i, key := range keys {
		if err := bt.Insert([]byte(key), DocumentLocation{Page: PageID(i + 1)}, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	results, err := bt.Range(nil, nil, Forward)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(results) != len(keys) {
		t.Fatalf("expected %d results, got %d", len(keys), len(results))
	}
	for i := 1; i < len(results); i++ {
		if bytes.Compare(results[i-1].Key, results[i].Key) > 0 {
			t.Fatalf("range scan not ordered: %q before %q", results[i-1].Key, results[i].Key)
		}
	}
	k.mgr.Commit(txn)
}

func TestBTreeSplitsAcrossManyInserts(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		if err := bt.Insert(key, DocumentLocation{Page: PageID(i + 1)}, 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	results, err := bt.Range(nil, nil, Forward)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(results) != n {
		t.Fatalf("expected %d entries after splits, got %d", n, len(results))
	}
	for i := 1; i < len(results); i++ {
		if bytes.Compare(results[i-1].Key, results[i].Key) > 0 {
			t.Fatalf("order violated after split at index %d", i)
		}
	}
	k.mgr.Commit(txn)
}

func TestBTreeDeletesAcrossManyCausesMerges(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		if err := bt.Insert(key, DocumentLocation{Page: PageID(i + 1)}, 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	for i := 0; i < n-10; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		if _, err := bt.Delete(key, DocumentLocation{Page: PageID(i + 1)}); err != nil {
			t.Fatalf("Delete %d: %v", i, err)
		}
	}

	results, err := bt.Range(nil, nil, Forward)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("expected 10 remaining entries, got %d", len(results))
	}
	k.mgr.Commit(txn)
}

func TestBTreeStartsWith(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	for _, key := range []string{"app", "apple", "application", "banana"} {
		if err := bt.Insert([]byte(key), DocumentLocation{Page: 1}, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	results, err := bt.StartsWith([]byte("app"))
	if err != nil {
		t.Fatalf("StartsWith: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 matches for prefix 'app', got %d", len(results))
	}
	k.mgr.Commit(txn)
}

func TestBTreeLikeWildcards(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	for _, key := range []string{"cat", "cot", "cart", "dog"} {
		if err := bt.Insert([]byte(key), DocumentLocation{Page: 1}, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	results, err := bt.Like([]byte("c_t"))
	if err != nil {
		t.Fatalf("Like: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 matches for 'c_t', got %d: %v", len(results), results)
	}
	k.mgr.Commit(txn)
}

func TestBTreeIn(t *testing.T) {
	bt, k, txn := newTestBTree(t, true)
	for _, key := range []string{"a", "b", "c", "d"} {
		if err := bt.Insert([]byte(key), DocumentLocation{Page: 1}, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	results, err := bt.In([][]byte{[]byte("b"), []byte("d")})
	if err != nil {
		t.Fatalf("In: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(results))
	}
	k.mgr.Commit(txn)
}
