// Shared field-name dictionary (§3, §4.A).
//
// keyDict maps field names to 16-bit IDs and back. IDs are assigned
// monotonically on first use and never reassigned; ID 0 is reserved for
// "_id". The dictionary is scoped to one open DB (never a process-wide
// singleton, per §9's design notes) and is protected by a reader-writer
// lock so that registrations drain concurrent readers briefly while
// lookups otherwise never block each other (§5(d)).
package blite

import (
	"sort"
	"sync"
)

const idFieldName = "_id"

// keyDict is the bijective name<->u16 mapping described in §3.
type keyDict struct {
	mu      sync.RWMutex
	forward map[string]uint16
	reverse map[uint16]string
	next    uint16
}

// newKeyDict returns a dictionary pre-seeded with the reserved "_id" -> 0
// mapping.
func newKeyDict() *keyDict {
	d := &keyDict{
		forward: make(map[string]uint16),
		reverse: make(map[uint16]string),
		next:    1,
	}
	d.forward[idFieldName] = 0
	d.reverse[0] = idFieldName
	return d
}

// register returns the ID for name, assigning a new one if name has never
// been seen. Idempotent and safe for concurrent use (§4.A contract).
func (d *keyDict) register(name string) uint16 {
	d.mu.RLock()
	if id, ok := d.forward[name]; ok {
		d.mu.RUnlock()
		return id
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	// Re-check: another writer may have registered it while we waited.
	if id, ok := d.forward[name]; ok {
		return id
	}
	id := d.next
	d.next++
	d.forward[name] = id
	d.reverse[id] = name
	return id
}

// name resolves an ID back to a field name. Per §4.A, an ID that was
// never registered (e.g. written by a process that later crashed before
// persisting the dictionary entry, or corruption) does not fail the
// reader — it synthesises the decimal string of the ID so the document
// stays scannable.
func (d *keyDict) name(id uint16) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.reverse[id]; ok {
		return n
	}
	return decimalKeyName(id)
}

func decimalKeyName(id uint16) string {
	if id == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}

// entries returns a stable-ordered snapshot of (id, name) pairs for
// persistence (§4.H: "an append-only chain of pages holding (id, name)
// pairs").
func (d *keyDict) entries() []dictEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]dictEntry, 0, len(d.forward))
	for name, id := range d.forward {
		out = append(out, dictEntry{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// load seeds the dictionary from persisted entries at Open. Entries with
// ID 0 are ignored since "_id" -> 0 is always implicit.
func (d *keyDict) load(entries []dictEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if e.ID == 0 {
			continue
		}
		d.forward[e.Name] = e.ID
		d.reverse[e.ID] = e.Name
		if e.ID >= d.next {
			d.next = e.ID + 1
		}
	}
}

// dictEntry is one persisted (id, name) pair.
type dictEntry struct {
	ID   uint16
	Name string
}
