package blite

import "testing"

func TestSlottedPageInsertGet(t *testing.T) {
	sp := newSlottedPage(defaultPageSize, 1)
	slot, err := sp.Insert([]byte("hello"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := sp.Get(slot)
	if !ok {
		t.Fatal("expected record present")
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestSlottedPageDeleteTombstones(t *testing.T) {
	sp := newSlottedPage(defaultPageSize, 1)
	slot, err := sp.Insert([]byte("hello"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sp.Delete(slot); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := sp.Get(slot); ok {
		t.Fatal("expected tombstoned slot to resolve to not-found")
	}
	if err := sp.Delete(slot); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestSlottedPageEncodeDecodeRoundTrip(t *testing.T) {
	sp := newSlottedPage(defaultPageSize, 3)
	sp.Insert([]byte("a"))
	sp.Insert([]byte("bb"))
	buf := sp.Bytes(0)

	loaded, err := loadSlottedPage(buf)
	if err != nil {
		t.Fatalf("loadSlottedPage: %v", err)
	}
	v0, ok := loaded.Get(0)
	if !ok || string(v0) != "a" {
		t.Fatalf("slot 0 mismatch: %q", v0)
	}
	v1, ok := loaded.Get(1)
	if !ok || string(v1) != "bb" {
		t.Fatalf("slot 1 mismatch: %q", v1)
	}
}

func TestSlottedPageTooLarge(t *testing.T) {
	sp := newSlottedPage(4096, 1)
	big := make([]byte, 4096)
	if _, err := sp.Insert(big); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestSlottedPageVacuumPreservesSlotIndices(t *testing.T) {
	sp := newSlottedPage(defaultPageSize, 1)
	s0, _ := sp.Insert([]byte("keep0"))
	s1, _ := sp.Insert([]byte("gone"))
	s2, _ := sp.Insert([]byte("keep2"))

	if err := sp.Delete(s1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	sp.Vacuum()

	v0, ok := sp.Get(s0)
	if !ok || string(v0) != "keep0" {
		t.Fatalf("slot0 mismatch after vacuum: %q", v0)
	}
	v2, ok := sp.Get(s2)
	if !ok || string(v2) != "keep2" {
		t.Fatalf("slot2 mismatch after vacuum: %q", v2)
	}
	if _, ok := sp.Get(s1); ok {
		t.Fatal("expected deleted slot to stay absent after vacuum")
	}
}

func TestSlottedPageInsertReusesTombstonedSlot(t *testing.T) {
	sp := newSlottedPage(defaultPageSize, 1)
	s0, _ := sp.Insert([]byte("x"))
	sp.Delete(s0)
	sp.Vacuum()

	s1, err := sp.Insert([]byte("y"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if s1 != s0 {
		t.Fatalf("expected reuse of tombstoned slot %d, got %d", s0, s1)
	}
	v, ok := sp.Get(s1)
	if !ok || string(v) != "y" {
		t.Fatalf("reused slot mismatch: %q", v)
	}
}
