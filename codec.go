// Document wire format (§4.A, §6.1).
//
// [ total_len: u32_le ] [ element* ] [ 0x00 ]
// Each element is [ type: u8 ] [ key_id: u16_le ] [ value ]. Array element
// keys are the positional index encoded as a raw u16, not resolved
// through the dictionary. The reader never allocates per field and never
// takes ownership of the buffer — decode holds only a borrowed slice and
// a cursor position (§9's "ref-style, stack-only reader/writer cursors").
package blite

import (
	"encoding/binary"
	"math"
)

// Type tags, bit-exact per §4.A / §6.1.
const (
	TypeEnd        byte = 0x00
	TypeDouble     byte = 0x01
	TypeString     byte = 0x02
	TypeDocument   byte = 0x03
	TypeArray      byte = 0x04
	TypeBinary     byte = 0x05
	TypeObjectID   byte = 0x07
	TypeBoolean    byte = 0x08
	TypeDateTime   byte = 0x09
	TypeNull       byte = 0x0A
	TypeInt32      byte = 0x10
	TypeTimestamp  byte = 0x11
	TypeInt64      byte = 0x12
	TypeDecimal128 byte = 0x13
)

// Decimal128 is BLite's private 16-byte fixed-point layout. Round-trip
// fidelity is guaranteed only within BLite; it is not IEEE-754-2008
// conformant (open question in §9, resolved in SPEC_FULL.md: external
// interop is not required).
type Decimal128 [16]byte

// Binary is a tagged byte blob (§4.A).
type Binary struct {
	Subtype byte
	Data    []byte
}

// Element is one field of a decoded Document, in on-disk order — "_id"
// first when present, per §3.
type Element struct {
	Key   string
	Type  byte
	Value any
}

// Document is a decoded, in-memory self-describing record. Array and
// nested Document values are represented as []any and *Document
// respectively inside Value.
type Document struct {
	Elements []Element
}

// Get returns the first element matching name, linear-scanning in
// on-disk order and stopping at the first match (§4.A reader guarantee).
func (d *Document) Get(name string) (any, bool) {
	for _, e := range d.Elements {
		if e.Key == name {
			return e.Value, true
		}
	}
	return nil, false
}

// Set appends or replaces a field. If name is "_id" it is moved to the
// front, preserving the "_id appears first" invariant (§3).
func (d *Document) Set(name string, value any, typ byte) {
	for i, e := range d.Elements {
		if e.Key == name {
			d.Elements[i].Value = value
			d.Elements[i].Type = typ
			return
		}
	}
	d.Elements = append(d.Elements, Element{Key: name, Type: typ, Value: value})
	if name == idFieldName {
		last := len(d.Elements) - 1
		copy(d.Elements[1:last+1], d.Elements[0:last])
		d.Elements[0] = Element{Key: name, Type: typ, Value: value}
	}
}

// NewDocument returns an empty document.
func NewDocument() *Document { return &Document{} }

// encoder serialises a Document using a dictionary to resolve field
// names to IDs for the top-level and nested-document envelopes (array
// element keys bypass the dictionary, per §4.A).
type encoder struct {
	dict *keyDict
	buf  []byte
}

// Encode serialises doc to the §6.1 wire format.
func Encode(dict *keyDict, doc *Document) []byte {
	e := &encoder{dict: dict}
	e.buf = append(e.buf, 0, 0, 0, 0) // placeholder total_len
	for _, el := range doc.Elements {
		e.writeNamedElement(el)
	}
	e.buf = append(e.buf, TypeEnd)
	binary.LittleEndian.PutUint32(e.buf[0:4], uint32(len(e.buf)))
	return e.buf
}

func (e *encoder) writeNamedElement(el Element) {
	e.buf = append(e.buf, el.Type)
	var kidBuf [2]byte
	binary.LittleEndian.PutUint16(kidBuf[:], e.dict.register(el.Key))
	e.buf = append(e.buf, kidBuf[:]...)
	e.writeValue(el.Type, el.Value)
}

// writePositionalElement writes an array element whose key is a raw
// positional index, never resolved through the dictionary (§4.A).
func (e *encoder) writePositionalElement(idx int, typ byte, value any) {
	e.buf = append(e.buf, typ)
	var kidBuf [2]byte
	binary.LittleEndian.PutUint16(kidBuf[:], uint16(idx))
	e.buf = append(e.buf, kidBuf[:]...)
	e.writeValue(typ, value)
}

func (e *encoder) writeValue(typ byte, value any) {
	switch typ {
	case TypeDouble:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(value.(float64)))
		e.buf = append(e.buf, b[:]...)
	case TypeString:
		s := value.(string)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)+1))
		e.buf = append(e.buf, lenBuf[:]...)
		e.buf = append(e.buf, s...)
		e.buf = append(e.buf, 0)
	case TypeDocument:
		sub := value.(*Document)
		e.buf = append(e.buf, Encode(e.dict, sub)...)
	case TypeArray:
		arr := value.([]any)
		inner := &encoder{dict: e.dict}
		inner.buf = append(inner.buf, 0, 0, 0, 0)
		for i, v := range arr {
			t, converted := inferArrayType(v)
			inner.writePositionalElement(i, t, converted)
		}
		inner.buf = append(inner.buf, TypeEnd)
		binary.LittleEndian.PutUint32(inner.buf[0:4], uint32(len(inner.buf)))
		e.buf = append(e.buf, inner.buf...)
	case TypeBinary:
		b := value.(Binary)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b.Data)))
		e.buf = append(e.buf, lenBuf[:]...)
		e.buf = append(e.buf, b.Subtype)
		e.buf = append(e.buf, b.Data...)
	case TypeObjectID:
		oid := value.(ObjectId)
		e.buf = append(e.buf, oid[:]...)
	case TypeBoolean:
		if value.(bool) {
			e.buf = append(e.buf, 1)
		} else {
			e.buf = append(e.buf, 0)
		}
	case TypeDateTime:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], value.(uint64))
		e.buf = append(e.buf, b[:]...)
	case TypeNull:
		// zero-length value
	case TypeInt32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(value.(int32)))
		e.buf = append(e.buf, b[:]...)
	case TypeTimestamp:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], value.(uint64))
		e.buf = append(e.buf, b[:]...)
	case TypeInt64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(value.(int64)))
		e.buf = append(e.buf, b[:]...)
	case TypeDecimal128:
		d := value.(Decimal128)
		e.buf = append(e.buf, d[:]...)
	}
}

// inferArrayType maps a Go value stored in an array to its wire type tag.
// Nested arrays/documents are passed through as-is.
func inferArrayType(v any) (byte, any) {
	switch val := v.(type) {
	case float64:
		return TypeDouble, val
	case string:
		return TypeString, val
	case *Document:
		return TypeDocument, val
	case []any:
		return TypeArray, val
	case Binary:
		return TypeBinary, val
	case ObjectId:
		return TypeObjectID, val
	case bool:
		return TypeBoolean, val
	case nil:
		return TypeNull, nil
	case int32:
		return TypeInt32, val
	case int64:
		return TypeInt64, val
	case Decimal128:
		return TypeDecimal128, val
	default:
		return TypeNull, nil
	}
}

// decoder is a borrowed-slice, allocation-free-per-field cursor over an
// encoded document (§9's stack-only reader/writer cursor note).
type decoder struct {
	dict *keyDict
	buf  []byte
	pos  int
}

// Decode parses an encoded document. Returns ErrCorrupt if length
// prefixes are inconsistent, a string lacks its terminator, or the
// envelope's trailing zero byte is missing.
func Decode(dict *keyDict, data []byte) (*Document, error) {
	if len(data) < 5 {
		return nil, ErrCorrupt
	}
	total := binary.LittleEndian.Uint32(data[0:4])
	if int(total) != len(data) {
		return nil, ErrCorrupt
	}
	d := &decoder{dict: dict, buf: data, pos: 4}
	doc := &Document{}
	for {
		if d.pos >= len(d.buf) {
			return nil, ErrCorrupt
		}
		typ := d.buf[d.pos]
		d.pos++
		if typ == TypeEnd {
			break
		}
		if d.pos+2 > len(d.buf) {
			return nil, ErrCorrupt
		}
		keyID := binary.LittleEndian.Uint16(d.buf[d.pos : d.pos+2])
		d.pos += 2
		value, err := d.readValue(typ)
		if err != nil {
			return nil, err
		}
		doc.Elements = append(doc.Elements, Element{Key: dict.name(keyID), Type: typ, Value: value})
	}
	if d.pos != len(d.buf) {
		return nil, ErrCorrupt
	}
	return doc, nil
}

func (d *decoder) readValue(typ byte) (any, error) {
	switch typ {
	case TypeDouble:
		if d.pos+8 > len(d.buf) {
			return nil, ErrCorrupt
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8]))
		d.pos += 8
		return v, nil
	case TypeString:
		if d.pos+4 > len(d.buf) {
			return nil, ErrCorrupt
		}
		n := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
		d.pos += 4
		if n == 0 || d.pos+int(n) > len(d.buf) {
			return nil, ErrCorrupt
		}
		raw := d.buf[d.pos : d.pos+int(n)]
		if raw[n-1] != 0 {
			return nil, ErrCorrupt
		}
		s := string(raw[:n-1])
		d.pos += int(n)
		return s, nil
	case TypeDocument:
		if d.pos+4 > len(d.buf) {
			return nil, ErrCorrupt
		}
		n := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
		if n == 0 || d.pos+int(n) > len(d.buf) {
			return nil, ErrCorrupt
		}
		sub, err := Decode(d.dict, d.buf[d.pos:d.pos+int(n)])
		if err != nil {
			return nil, err
		}
		d.pos += int(n)
		return sub, nil
	case TypeArray:
		if d.pos+4 > len(d.buf) {
			return nil, ErrCorrupt
		}
		n := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
		if n == 0 || d.pos+int(n) > len(d.buf) {
			return nil, ErrCorrupt
		}
		inner := d.buf[d.pos : d.pos+int(n)]
		d.pos += int(n)
		arr, err := decodeArray(d.dict, inner)
		if err != nil {
			return nil, err
		}
		return arr, nil
	case TypeBinary:
		if d.pos+5 > len(d.buf) {
			return nil, ErrCorrupt
		}
		n := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
		subtype := d.buf[d.pos+4]
		d.pos += 5
		if d.pos+int(n) > len(d.buf) {
			return nil, ErrCorrupt
		}
		data := make([]byte, n)
		copy(data, d.buf[d.pos:d.pos+int(n)])
		d.pos += int(n)
		return Binary{Subtype: subtype, Data: data}, nil
	case TypeObjectID:
		if d.pos+12 > len(d.buf) {
			return nil, ErrCorrupt
		}
		var oid ObjectId
		copy(oid[:], d.buf[d.pos:d.pos+12])
		d.pos += 12
		return oid, nil
	case TypeBoolean:
		if d.pos+1 > len(d.buf) {
			return nil, ErrCorrupt
		}
		v := d.buf[d.pos] != 0
		d.pos++
		return v, nil
	case TypeDateTime:
		if d.pos+8 > len(d.buf) {
			return nil, ErrCorrupt
		}
		v := binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8])
		d.pos += 8
		return v, nil
	case TypeNull:
		return nil, nil
	case TypeInt32:
		if d.pos+4 > len(d.buf) {
			return nil, ErrCorrupt
		}
		v := int32(binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4]))
		d.pos += 4
		return v, nil
	case TypeTimestamp:
		if d.pos+8 > len(d.buf) {
			return nil, ErrCorrupt
		}
		v := binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8])
		d.pos += 8
		return v, nil
	case TypeInt64:
		if d.pos+8 > len(d.buf) {
			return nil, ErrCorrupt
		}
		v := int64(binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8]))
		d.pos += 8
		return v, nil
	case TypeDecimal128:
		if d.pos+16 > len(d.buf) {
			return nil, ErrCorrupt
		}
		var v Decimal128
		copy(v[:], d.buf[d.pos:d.pos+16])
		d.pos += 16
		return v, nil
	default:
		// Unknown type: skip using the fixed-length table where possible.
		n, ok := skipLength(typ, d.buf[d.pos:])
		if !ok {
			return nil, ErrCorrupt
		}
		d.pos += n
		return nil, nil
	}
}

// decodeArray parses an array envelope: same shape as a document but
// positional u16 keys are ignored (order is preserved by append order).
func decodeArray(dict *keyDict, data []byte) ([]any, error) {
	if len(data) < 5 {
		return nil, ErrCorrupt
	}
	total := binary.LittleEndian.Uint32(data[0:4])
	if int(total) != len(data) {
		return nil, ErrCorrupt
	}
	d := &decoder{dict: dict, buf: data, pos: 4}
	var arr []any
	for {
		if d.pos >= len(d.buf) {
			return nil, ErrCorrupt
		}
		typ := d.buf[d.pos]
		d.pos++
		if typ == TypeEnd {
			break
		}
		if d.pos+2 > len(d.buf) {
			return nil, ErrCorrupt
		}
		d.pos += 2 // positional index, not needed to reconstruct order
		v, err := d.readValue(typ)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	if d.pos != len(d.buf) {
		return nil, ErrCorrupt
	}
	return arr, nil
}

// skipLength implements the §6.1 skip table for forward-compatible
// reading of unknown type tags. Returns false if the value's declared
// length would run past the end of buf.
func skipLength(typ byte, buf []byte) (int, bool) {
	switch typ {
	case TypeDouble, TypeInt64, TypeDateTime, TypeTimestamp:
		return 8, len(buf) >= 8
	case TypeInt32:
		return 4, len(buf) >= 4
	case TypeBoolean:
		return 1, len(buf) >= 1
	case TypeNull:
		return 0, true
	case TypeObjectID:
		return 12, len(buf) >= 12
	case TypeDecimal128:
		return 16, len(buf) >= 16
	case TypeString:
		if len(buf) < 4 {
			return 0, false
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		total := 4 + n
		return total, len(buf) >= total
	case TypeBinary:
		if len(buf) < 5 {
			return 0, false
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		total := 4 + 1 + n
		return total, len(buf) >= total
	case TypeDocument, TypeArray:
		if len(buf) < 4 {
			return 0, false
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		return n, len(buf) >= n
	default:
		return 0, false
	}
}
