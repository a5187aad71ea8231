package blite

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir, "test", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesNewDatabase(t *testing.T) {
	db := openTestDB(t)
	if db.dict == nil || db.cat == nil {
		t.Fatal("expected dictionary and catalog initialised after Open")
	}
}

func TestCreateCollectionAndInsertFind(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	doc := NewDocument()
	doc.Set("name", "alice", TypeString)
	id, err := coll.Insert(doc)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	txn, err := db.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer db.Abort(txn)

	got, ok, err := coll.FindByID(txn, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !ok {
		t.Fatal("expected document to be found")
	}
	name, _ := got.Get("name")
	if name != "alice" {
		t.Fatalf("expected name alice, got %v", name)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	doc := NewDocument()
	doc.Set("name", "bob", TypeString)
	id, err := coll.Insert(doc)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	updated := NewDocument()
	updated.Set("name", "bobby", TypeString)
	if err := coll.Update(id, updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	txn, err := db.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, ok, err := coll.FindByID(txn, id)
	if err != nil || !ok {
		t.Fatalf("FindByID after update: ok=%v err=%v", ok, err)
	}
	name, _ := got.Get("name")
	if name != "bobby" {
		t.Fatalf("expected updated name bobby, got %v", name)
	}
	db.Abort(txn)

	if err := coll.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	txn2, err := db.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer db.Abort(txn2)
	_, ok, err := coll.FindByID(txn2, id)
	if err != nil {
		t.Fatalf("FindByID after delete: %v", err)
	}
	if ok {
		t.Fatal("expected document gone after delete")
	}
}

func TestCreateIndexAndRangeQuery(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection("products")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	for _, sku := range []string{"b-100", "a-100", "c-100"} {
		doc := NewDocument()
		doc.Set("sku", sku, TypeString)
		if _, err := coll.Insert(doc); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if err := coll.CreateIndex("by_sku", "sku", true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	txn, err := db.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer db.Abort(txn)

	docs, err := coll.RangeQuery(txn, "by_sku", []byte("a-100"), []byte("b-100"))
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs in range, got %d", len(docs))
	}
}

func TestDropIndex(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection("products")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := coll.CreateIndex("by_sku", "sku", false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := coll.DropIndex("by_sku"); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	if len(coll.ListIndexes()) != 0 {
		t.Fatal("expected no indexes after drop")
	}
	if err := coll.DropIndex("by_sku"); err != ErrUnknownIndex {
		t.Fatalf("expected ErrUnknownIndex on second drop, got %v", err)
	}
}

func TestScanWithPredicate(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection("items")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	for i := 0; i < 5; i++ {
		doc := NewDocument()
		doc.Set("n", int32(i), TypeInt32)
		if _, err := coll.Insert(doc); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	txn, err := db.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer db.Abort(txn)

	all, err := coll.FindAll(txn)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 documents, got %d", len(all))
	}

	count, err := coll.Count(txn)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected count 5, got %d", count)
	}
}

func TestCheckpointAndReopenRecovers(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "test", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	doc := NewDocument()
	doc.Set("name", "carol", TypeString)
	id, err := coll.Insert(doc)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, "test", Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	coll2, err := db2.Collection("users")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	txn, err := db2.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer db2.Abort(txn)
	got, ok, err := coll2.FindByID(txn, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !ok {
		t.Fatal("expected document to survive checkpoint + reopen")
	}
	name, _ := got.Get("name")
	if name != "carol" {
		t.Fatalf("expected name carol, got %v", name)
	}
}

func TestBackupProducesStandaloneCopy(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "test", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	doc := NewDocument()
	doc.Set("name", "dave", TypeString)
	if _, err := coll.Insert(doc); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := db.Backup(dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	backupDir := filepath.Dir(dest)
	restored, err := OpenPageFile(backupDir, filepath.Base(dest), 0)
	if err != nil {
		t.Fatalf("open backup page file: %v", err)
	}
	defer restored.Close()
	if restored.CatalogRoot() == 0 {
		t.Fatal("expected backup to carry over a populated catalog root")
	}
}
