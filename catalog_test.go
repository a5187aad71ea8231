package blite

import "testing"

func TestCatalogPutGetRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	txn, err := k.mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cat, err := OpenCatalog(k.pf, txn)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}

	m := &CollectionMetadata{
		Name:            "widgets",
		PrimaryRootPage: 7,
		Indexes: []IndexDescriptor{
			{Name: "by_sku", FieldPath: "sku", Kind: IndexOrdered, Unique: true, RootPage: 9},
		},
	}
	if err := cat.Put(txn, m); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := cat.Get(txn, "widgets")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected widgets to be found")
	}
	if got.PrimaryRootPage != 7 || len(got.Indexes) != 1 || got.Indexes[0].Name != "by_sku" {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	k.mgr.Commit(txn)
}

func TestCatalogPutReplacesExisting(t *testing.T) {
	k := newTestKernel(t)
	txn, err := k.mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cat, err := OpenCatalog(k.pf, txn)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}

	if err := cat.Put(txn, &CollectionMetadata{Name: "things", PrimaryRootPage: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cat.Put(txn, &CollectionMetadata{Name: "things", PrimaryRootPage: 2}); err != nil {
		t.Fatalf("Put replace: %v", err)
	}

	got, ok, err := cat.Get(txn, "things")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.PrimaryRootPage != 2 {
		t.Fatalf("expected replaced root page 2, got %d", got.PrimaryRootPage)
	}

	all, err := cat.List(txn)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one entry after replace, got %d", len(all))
	}
	k.mgr.Commit(txn)
}

func TestCatalogDelete(t *testing.T) {
	k := newTestKernel(t)
	txn, err := k.mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cat, err := OpenCatalog(k.pf, txn)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	if err := cat.Put(txn, &CollectionMetadata{Name: "gone", PrimaryRootPage: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cat.Delete(txn, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := cat.Get(txn, "gone")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected collection gone after Delete")
	}
	k.mgr.Commit(txn)
}

func TestCatalogListOrderedByName(t *testing.T) {
	k := newTestKernel(t)
	txn, err := k.mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cat, err := OpenCatalog(k.pf, txn)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	for _, name := range []string{"zebra", "apple", "mango"} {
		if err := cat.Put(txn, &CollectionMetadata{Name: name, PrimaryRootPage: 1}); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	all, err := cat.List(txn)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Name != "apple" || all[1].Name != "mango" || all[2].Name != "zebra" {
		t.Fatalf("expected lexicographic order, got %v %v %v", all[0].Name, all[1].Name, all[2].Name)
	}
	k.mgr.Commit(txn)
}

func TestKeyDictionarySaveLoadRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	txn, err := k.mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	d := newKeyDict()
	d.register("name")
	d.register("email")
	d.register("address.city")

	if err := SaveKeyDictionary(k.pf, txn, d); err != nil {
		t.Fatalf("SaveKeyDictionary: %v", err)
	}
	if err := k.mgr.Commit(txn); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, err := k.mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	loaded, err := LoadKeyDictionary(k.pf, txn2)
	if err != nil {
		t.Fatalf("LoadKeyDictionary: %v", err)
	}
	if loaded.name(d.register("name")) != "name" {
		t.Fatal("expected name field to round-trip")
	}
	if got := loaded.register("email"); got != d.register("email") {
		t.Fatalf("expected stable id for email, got %d vs %d", got, d.register("email"))
	}
	k.mgr.Commit(txn2)
}

func TestKeyDictionaryLoadEmptyWhenNoChain(t *testing.T) {
	k := newTestKernel(t)
	txn, err := k.mgr.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	d, err := LoadKeyDictionary(k.pf, txn)
	if err != nil {
		t.Fatalf("LoadKeyDictionary: %v", err)
	}
	if d.name(0) != "_id" {
		t.Fatalf("expected reserved _id field, got %q", d.name(0))
	}
	k.mgr.Commit(txn)
}
