// Package blite is an embedded, single-file document database. It stores
// self-describing binary documents addressed by a polymorphic primary key,
// supports secondary indexes (ordered, vector-similarity, geospatial), and
// provides ACID transactions via a write-ahead log with snapshot isolation.
//
// The storage kernel — paged file, write-ahead log, transaction manager,
// B+-tree secondary indexes, slotted document pages, and the binary
// document codec — is implemented here. Vector and geospatial indexes are
// opaque collaborators consumed only through their insert/search contract.
// Change-data-capture events go to a Publisher; ChannelPublisher is the
// one dispatcher provided here. JSON import/export is external to this
// package.
package blite

import "errors"

// Sentinel errors returned by database operations. Every public engine
// operation that starts work in a transaction it opened aborts that
// transaction before returning one of these.
var (
	// ErrNotFound is returned when a document, collection, or slotted-page
	// record does not exist (a missing index gives ErrUnknownIndex).
	ErrNotFound = errors.New("blite: not found")

	// ErrDuplicateKey is returned when a unique index insert collides with
	// an existing key.
	ErrDuplicateKey = errors.New("blite: duplicate key")

	// ErrConflict is returned on a write-write conflict between two
	// transactions touching the same page. The caller is expected to retry.
	ErrConflict = errors.New("blite: write conflict")

	// ErrCorrupt is returned when a CRC/framing check fails in the WAL, a
	// magic/version mismatch is found in the page file, or a slotted-page
	// or B-tree invariant is violated. Never recovered from silently.
	ErrCorrupt = errors.New("blite: corrupt")

	// ErrTooLarge is returned when a document does not fit in a single
	// data page (overflow pages are not implemented, see SPEC_FULL.md).
	ErrTooLarge = errors.New("blite: document too large")

	// ErrIncompatible is returned when the page file's magic, format
	// version, or page size does not match what the opener expects.
	ErrIncompatible = errors.New("blite: incompatible file")

	// ErrLocked is returned when the file is already held by another
	// opener (cross-process concurrency is out of scope, see §1).
	ErrLocked = errors.New("blite: file locked")

	// ErrFinalised is returned when an operation is attempted on a
	// transaction that has already committed or aborted.
	ErrFinalised = errors.New("blite: transaction finalised")

	// ErrCancelled names the cancellation error kind. No operation in this
	// package accepts a cancellation signal, so none returns it.
	ErrCancelled = errors.New("blite: cancelled")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("blite: database closed")

	// ErrUnknownIndex is returned when an index name does not exist on a
	// collection.
	ErrUnknownIndex = errors.New("blite: unknown index")

	// ErrUnsupportedKey names the error kind for a value that cannot be
	// converted to an ordered-index key (e.g. a document/array value).
	// Collection operations do not return it: such a value is left out of
	// the index, as a missing field is.
	ErrUnsupportedKey = errors.New("blite: unsupported key type")
)
