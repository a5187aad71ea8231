package blite

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dict := newKeyDict()
	doc := NewDocument()
	doc.Set("name", "ada", TypeString)
	doc.Set("age", int32(36), TypeInt32)
	doc.Set("active", true, TypeBoolean)
	doc.Set("score", 3.5, TypeDouble)

	encoded := Encode(dict, doc)
	decoded, err := Decode(dict, encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if v, ok := decoded.Get("name"); !ok || v.(string) != "ada" {
		t.Fatalf("name mismatch: %#v", v)
	}
	if v, ok := decoded.Get("age"); !ok || v.(int32) != 36 {
		t.Fatalf("age mismatch: %#v", v)
	}
	if v, ok := decoded.Get("active"); !ok || v.(bool) != true {
		t.Fatalf("active mismatch: %#v", v)
	}
}

func TestIDFieldOrderedFirst(t *testing.T) {
	dict := newKeyDict()
	doc := NewDocument()
	doc.Set("name", "ada", TypeString)
	doc.Set("_id", int64(7), TypeInt64)

	if doc.Elements[0].Key != "_id" {
		t.Fatalf("expected _id first, got %q", doc.Elements[0].Key)
	}

	encoded := Encode(dict, doc)
	decoded, err := Decode(dict, encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Elements[0].Key != "_id" {
		t.Fatalf("decoded order lost _id-first invariant")
	}
}

func TestArrayElementsBypassDictionary(t *testing.T) {
	dict := newKeyDict()
	doc := NewDocument()
	doc.Set("tags", []any{"a", "b", "c"}, TypeArray)

	encoded := Encode(dict, doc)
	decoded, err := Decode(dict, encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	v, ok := decoded.Get("tags")
	if !ok {
		t.Fatal("tags missing")
	}
	arr := v.([]any)
	if len(arr) != 3 || arr[0].(string) != "a" || arr[2].(string) != "c" {
		t.Fatalf("array mismatch: %#v", arr)
	}
}

func TestNestedDocument(t *testing.T) {
	dict := newKeyDict()
	inner := NewDocument()
	inner.Set("city", "paris", TypeString)

	outer := NewDocument()
	outer.Set("address", inner, TypeDocument)

	encoded := Encode(dict, outer)
	decoded, err := Decode(dict, encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	v, ok := decoded.Get("address")
	if !ok {
		t.Fatal("address missing")
	}
	sub := v.(*Document)
	city, ok := sub.Get("city")
	if !ok || city.(string) != "paris" {
		t.Fatalf("city mismatch: %#v", city)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	dict := newKeyDict()
	doc := NewDocument()
	doc.Set("name", "ada", TypeString)
	encoded := Encode(dict, doc)

	_, err := Decode(dict, encoded[:len(encoded)-3])
	if err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestUnregisteredKeyIDFallsBackToDecimal(t *testing.T) {
	dict := newKeyDict()
	if got := dict.name(999); got != "999" {
		t.Fatalf("expected decimal fallback, got %q", got)
	}
}
