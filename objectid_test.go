package blite

import "testing"

func TestIDGeneratorMonotonic(t *testing.T) {
	g := newIDGenerator()
	prev := g.New()
	for i := 0; i < 100; i++ {
		next := g.New()
		if next.Compare(prev) <= 0 {
			t.Fatalf("ObjectId not strictly increasing: %s -> %s", prev, next)
		}
		prev = next
	}
}

func TestIDKindDiscriminantOrder(t *testing.T) {
	none := ID{Kind: IDNone}
	oid := NewObjectIDValue(ObjectId{})
	i32 := NewInt32ID(0)
	i64 := NewInt64ID(0)
	str := NewStringID("")

	order := []ID{none, oid, i32, i64, str}
	for i := 0; i < len(order)-1; i++ {
		if order[i].Compare(order[i+1]) >= 0 {
			t.Fatalf("expected %v < %v by discriminant", order[i].Kind, order[i+1].Kind)
		}
	}
}

func TestIDCompareSameKindNumeric(t *testing.T) {
	a := NewInt64ID(5)
	b := NewInt64ID(10)
	if a.Compare(b) >= 0 {
		t.Fatal("expected 5 < 10")
	}
	if b.Compare(a) <= 0 {
		t.Fatal("expected 10 > 5")
	}
}

func TestEncodeOrderedKeyPreservesNegativeOrder(t *testing.T) {
	neg := NewInt32ID(-5)
	pos := NewInt32ID(5)
	negKey := neg.encodeOrderedKey()
	posKey := pos.encodeOrderedKey()

	less := false
	for i := range negKey {
		if negKey[i] != posKey[i] {
			less = negKey[i] < posKey[i]
			break
		}
	}
	if !less {
		t.Fatal("expected encoded negative key to sort before positive key")
	}
}
