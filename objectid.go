// Polymorphic primary key and the ObjectId variant (§3).
//
// ObjectId is a 12-byte value: 4-byte big-endian seconds-since-epoch,
// followed by 5 bytes of machine/process randomness fixed for the life of
// the process, followed by a 3-byte big-endian counter seeded randomly at
// startup and incremented monotonically. Each collection handle owns its
// own idGenerator (created by CreateCollection and DB.Collection); there
// is no process-wide singleton, and generators in the same process do not
// share a counter.
package blite

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ObjectId is a 12-byte monotonically increasing opaque identifier.
type ObjectId [12]byte

// String renders the ObjectId as 24 lowercase hex characters.
func (o ObjectId) String() string {
	return fmt.Sprintf("%x", o[:])
}

// Compare orders ObjectIds byte-lexicographically.
func (o ObjectId) Compare(other ObjectId) int {
	return bytes.Compare(o[:], other[:])
}

// idGenerator produces ObjectIds for one collection handle. machine is derived
// once per process from the hostname and PID via blake2b so that two
// processes on the same host (or the same process run twice) are very
// unlikely to collide, without requiring a config-time machine ID.
type idGenerator struct {
	machine [5]byte
	counter atomic.Uint32 // low 24 bits used; seeded randomly at construction
}

// newIDGenerator seeds the machine component from host identity and the
// counter from crypto/rand, per §3's "seeded randomly at startup".
func newIDGenerator() *idGenerator {
	g := &idGenerator{}

	host, _ := os.Hostname()
	seed := fmt.Sprintf("%s:%d", host, os.Getpid())
	sum := blake2b.Sum512([]byte(seed))
	copy(g.machine[:], sum[:5])

	var seedBuf [4]byte
	_, _ = rand.Read(seedBuf[:])
	g.counter.Store(binary.BigEndian.Uint32(seedBuf[:]) & 0x00FFFFFF)

	return g
}

// New returns the next ObjectId for this generator. Strictly increasing
// for this generator as long as the wall clock does not go backwards
// across a counter wraparound (§8 property 4).
func (g *idGenerator) New() ObjectId {
	var id ObjectId

	sec := uint32(time.Now().Unix())
	binary.BigEndian.PutUint32(id[0:4], sec)

	copy(id[4:9], g.machine[:])

	c := g.counter.Add(1) & 0x00FFFFFF
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)

	return id
}

// IDKind discriminates the polymorphic primary key's variants. Ordering
// in §3 is "first by discriminant ordinal" — this const order IS that
// ordinal sequence, so do not reorder it.
type IDKind byte

const (
	IDNone IDKind = iota
	IDObjectID
	IDInt32
	IDInt64
	IDString
	IDUUID
)

// ID is the discriminated polymorphic primary key value.
type ID struct {
	Kind   IDKind
	OID    ObjectId
	I32    int32
	I64    int64
	Str    string
	UUID   uuid.UUID
}

// NewObjectIDValue wraps an ObjectId as an ID.
func NewObjectIDValue(o ObjectId) ID { return ID{Kind: IDObjectID, OID: o} }

// NewInt32ID wraps an int32 as an ID.
func NewInt32ID(v int32) ID { return ID{Kind: IDInt32, I32: v} }

// NewInt64ID wraps an int64 as an ID.
func NewInt64ID(v int64) ID { return ID{Kind: IDInt64, I64: v} }

// NewStringID wraps a string as an ID.
func NewStringID(v string) ID { return ID{Kind: IDString, Str: v} }

// NewUUIDID wraps a uuid.UUID as an ID.
func NewUUIDID(v uuid.UUID) ID { return ID{Kind: IDUUID, UUID: v} }

// IsZero reports whether id is the None variant.
func (id ID) IsZero() bool { return id.Kind == IDNone }

// String renders the ID for diagnostics.
func (id ID) String() string {
	switch id.Kind {
	case IDObjectID:
		return id.OID.String()
	case IDInt32:
		return fmt.Sprintf("%d", id.I32)
	case IDInt64:
		return fmt.Sprintf("%d", id.I64)
	case IDString:
		return id.Str
	case IDUUID:
		return id.UUID.String()
	default:
		return "<none>"
	}
}

// Compare implements §3's total order: discriminant ordinal first, then
// the type-specific order (lexicographic for ObjectId/Uuid, numeric for
// ints, codepoint-wise for strings).
func (id ID) Compare(other ID) int {
	if id.Kind != other.Kind {
		if id.Kind < other.Kind {
			return -1
		}
		return 1
	}
	switch id.Kind {
	case IDNone:
		return 0
	case IDObjectID:
		return id.OID.Compare(other.OID)
	case IDInt32:
		switch {
		case id.I32 < other.I32:
			return -1
		case id.I32 > other.I32:
			return 1
		default:
			return 0
		}
	case IDInt64:
		switch {
		case id.I64 < other.I64:
			return -1
		case id.I64 > other.I64:
			return 1
		default:
			return 0
		}
	case IDString:
		return bytes.Compare([]byte(id.Str), []byte(other.Str))
	case IDUUID:
		return bytes.Compare(id.UUID[:], other.UUID[:])
	default:
		return 0
	}
}

// encodeOrderedKey returns the opaque, order-preserving byte key used by
// the primary B+-tree index (§4.G): a one-byte discriminant followed by
// type-specific bytes chosen so that byte-lexicographic order on the
// result equals the ID total order.
func (id ID) encodeOrderedKey() []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, byte(id.Kind))
	switch id.Kind {
	case IDObjectID:
		buf = append(buf, id.OID[:]...)
	case IDInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(id.I32)^0x80000000)
		buf = append(buf, b[:]...)
	case IDInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(id.I64)^0x8000000000000000)
		buf = append(buf, b[:]...)
	case IDString:
		buf = append(buf, []byte(id.Str)...)
	case IDUUID:
		buf = append(buf, id.UUID[:]...)
	}
	return buf
}
