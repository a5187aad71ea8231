// Collection engine (§4.I): the per-collection CRUD/index surface built
// atop the primary B+-tree, the slotted data pages, and any number of
// secondary indexes. Write operations start their own transaction and
// abort it before returning any error raised inside the engine; read
// operations run inside the transaction the caller passes in.
package blite

import (
	"math"
	"strings"
	"sync"
)

// Collection is one named document collection: a primary index on _id,
// a set of secondary indexes, and the data pages they point into.
type Collection struct {
	db   *DB
	name string

	writerMu sync.Mutex // serialises insert/update/delete (§5(b))

	primaryRoot PageID
	indexes     []IndexDescriptor
	gen         *idGenerator
	bloom       *primaryKeyBloom

	dataPagesMu sync.Mutex
	dataPages   map[PageID]int // page id -> approx residual free bytes
}

// rebuildBloom populates the collection's primary-key Bloom filter from
// the current primary index contents.
func (c *Collection) rebuildBloom(txn *Txn) error {
	primary := OpenBTree(c.db.pf, txn, c.primaryRoot, true)
	results, err := primary.Range(nil, nil, Forward)
	if err != nil {
		return err
	}
	keys := make([][]byte, len(results))
	for i, r := range results {
		keys[i] = r.Key
	}
	c.bloom.rebuild(keys)
	return nil
}

// CreateCollection registers a brand-new, empty collection in the
// catalog.
func (db *DB) CreateCollection(name string) (*Collection, error) {
	db.collMu.Lock()
	defer db.collMu.Unlock()
	if c, ok := db.colls[name]; ok {
		return c, nil
	}

	txn, err := db.Begin(ReadCommitted)
	if err != nil {
		return nil, err
	}
	bt, err := CreateBTree(db.pf, txn, true)
	if err != nil {
		db.Abort(txn)
		return nil, err
	}
	meta := &CollectionMetadata{Name: name, PrimaryRootPage: bt.Root()}
	if err := db.cat.Put(txn, meta); err != nil {
		db.Abort(txn)
		return nil, err
	}
	if err := db.Commit(txn); err != nil {
		return nil, err
	}

	c := &Collection{
		db:          db,
		name:        name,
		primaryRoot: bt.Root(),
		gen:         newIDGenerator(),
		bloom:       newPrimaryKeyBloom(),
		dataPages:   make(map[PageID]int),
	}
	db.colls[name] = c
	return c, nil
}

// Collection returns a handle to an existing collection, loading its
// metadata from the catalog on first access.
func (db *DB) Collection(name string) (*Collection, error) {
	db.collMu.Lock()
	defer db.collMu.Unlock()
	if c, ok := db.colls[name]; ok {
		return c, nil
	}

	txn, err := db.Begin(ReadCommitted)
	if err != nil {
		return nil, err
	}
	defer db.Abort(txn)

	meta, ok, err := db.cat.Get(txn, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	c := &Collection{
		db:          db,
		name:        name,
		primaryRoot: meta.PrimaryRootPage,
		indexes:     meta.Indexes,
		gen:         newIDGenerator(),
		bloom:       newPrimaryKeyBloom(),
		dataPages:   make(map[PageID]int),
	}
	if err := c.rebuildBloom(txn); err != nil {
		return nil, err
	}
	db.colls[name] = c
	return c, nil
}

func (c *Collection) persistMetadata(txn *Txn) error {
	return c.db.cat.Put(txn, &CollectionMetadata{
		Name:            c.name,
		PrimaryRootPage: c.primaryRoot,
		Indexes:         c.indexes,
	})
}

// extractField walks a dotted field path against a decoded document's
// elements (§4.I "extract the configured field path"), descending into
// nested *Document values; it reports false when a segment is missing or
// an intermediate value is not a *Document.
func extractField(doc *Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		d, ok := cur.(*Document)
		if !ok {
			return nil, false
		}
		v, ok := d.Get(p)
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// indexableKey converts an extracted field value into an ordered B+-tree
// key, or (nil, false) if the value isn't indexable under the ordered
// path (nested documents/arrays are not, since they have no scalar
// total order here).
func indexableKey(v any) ([]byte, bool) {
	switch val := v.(type) {
	case string:
		return []byte(val), true
	case int32:
		id := NewInt32ID(val)
		return id.encodeOrderedKey(), true
	case int64:
		id := NewInt64ID(val)
		return id.encodeOrderedKey(), true
	case float64:
		return encodeFloatKey(val), true
	case ObjectId:
		id := NewObjectIDValue(val)
		return id.encodeOrderedKey(), true
	case bool:
		if val {
			return []byte{1}, true
		}
		return []byte{0}, true
	default:
		return nil, false
	}
}

// encodeFloatKey applies the bijective sign/exponent flip transform
// noted in §4.G so IEEE-754 bit patterns sort in numeric order.
func encodeFloatKey(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(bits)
		bits >>= 8
	}
	return buf
}

// documentID resolves the primary key for doc: the existing "_id" field
// if present, else a freshly generated ObjectId prepended to doc.
func (c *Collection) documentID(doc *Document) ID {
	if v, ok := doc.Get(idFieldName); ok {
		switch val := v.(type) {
		case ObjectId:
			return NewObjectIDValue(val)
		case int32:
			return NewInt32ID(val)
		case int64:
			return NewInt64ID(val)
		case string:
			return NewStringID(val)
		}
	}
	oid := c.gen.New()
	doc.Set(idFieldName, oid, TypeObjectID)
	return NewObjectIDValue(oid)
}

// allocRecordPage finds a known data page with enough residual space for
// recordLen, else allocates a fresh one.
func (c *Collection) allocRecordPage(txn *Txn, recordLen int) (*slottedPage, PageID, error) {
	c.dataPagesMu.Lock()
	for id, free := range c.dataPages {
		if free >= recordLen+slotEntrySize+reservedTail {
			c.dataPagesMu.Unlock()
			buf, err := txn.ReadPage(id)
			if err != nil {
				return nil, 0, err
			}
			sp, err := loadSlottedPage(buf)
			if err != nil {
				return nil, 0, err
			}
			return sp, id, nil
		}
	}
	c.dataPagesMu.Unlock()

	id, err := c.db.pf.AllocatePage()
	if err != nil {
		return nil, 0, err
	}
	return newSlottedPage(c.db.pf.PageSize(), id), id, nil
}

func (c *Collection) trackPage(id PageID, sp *slottedPage) {
	c.dataPagesMu.Lock()
	c.dataPages[id] = sp.freeSpace()
	c.dataPagesMu.Unlock()
}

// Insert inserts document, extracting or generating its _id, and
// returns the assigned ID. Runs in an auto-started transaction.
func (c *Collection) Insert(doc *Document) (ID, error) {
	txn, err := c.db.Begin(c.db.config.DefaultIsolation)
	if err != nil {
		return ID{}, err
	}
	id, err := c.insertIn(txn, doc)
	if err != nil {
		c.db.Abort(txn)
		return ID{}, err
	}
	if err := c.db.Commit(txn); err != nil {
		return ID{}, err
	}
	return id, nil
}

func (c *Collection) insertIn(txn *Txn, doc *Document) (ID, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	id := c.documentID(doc)
	encoded := Encode(c.db.dict, doc)

	sp, pageID, err := c.allocRecordPage(txn, len(encoded))
	if err != nil {
		return ID{}, err
	}
	slot, err := sp.Insert(encoded)
	if err != nil {
		return ID{}, err
	}
	if err := txn.WritePage(pageID, sp.Bytes(0)); err != nil {
		return ID{}, err
	}
	c.trackPage(pageID, sp)
	loc := DocumentLocation{Page: pageID, Slot: slot}

	primary := OpenBTree(c.db.pf, txn, c.primaryRoot, true)
	if err := primary.Insert(id.encodeOrderedKey(), loc, 0); err != nil {
		return ID{}, err
	}
	c.primaryRoot = primary.Root()
	c.bloom.Add(id.encodeOrderedKey())

	for i, idx := range c.indexes {
		v, ok := extractField(doc, idx.FieldPath)
		if !ok {
			continue
		}
		key, ok := indexableKey(v)
		if !ok {
			continue
		}
		sec := OpenBTree(c.db.pf, txn, idx.RootPage, idx.Unique)
		if err := sec.Insert(key, loc, 0); err != nil {
			return ID{}, err
		}
		c.indexes[i].RootPage = sec.Root()
	}

	if err := c.persistMetadata(txn); err != nil {
		return ID{}, err
	}
	return id, nil
}

// InsertBulk inserts every document in docs within a single transaction,
// returning the count that actually mutated.
func (c *Collection) InsertBulk(docs []*Document) (int, error) {
	txn, err := c.db.Begin(c.db.config.DefaultIsolation)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if _, err := c.insertIn(txn, doc); err != nil {
			c.db.Abort(txn)
			return 0, err
		}
		n++
	}
	if err := c.db.Commit(txn); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Collection) readDoc(txn *Txn, loc DocumentLocation) (*Document, bool, error) {
	buf, err := txn.ReadPage(loc.Page)
	if err != nil {
		return nil, false, err
	}
	sp, err := loadSlottedPage(buf)
	if err != nil {
		return nil, false, err
	}
	rec, ok := sp.Get(loc.Slot)
	if !ok {
		return nil, false, nil
	}
	doc, err := Decode(c.db.dict, rec)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// FindByID looks up id in the primary index at the reader's snapshot.
// A Bloom-filter pre-check short-circuits a definite miss without
// walking the B+-tree.
func (c *Collection) FindByID(txn *Txn, id ID) (*Document, bool, error) {
	key := id.encodeOrderedKey()
	if !c.bloom.MaybeContains(key) {
		return nil, false, nil
	}
	primary := OpenBTree(c.db.pf, txn, c.primaryRoot, true)
	loc, ok, err := primary.Find(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return c.readDoc(txn, loc)
}

// FindAll returns every live document via a forward scan of the primary
// index.
func (c *Collection) FindAll(txn *Txn) ([]*Document, error) {
	return c.Scan(txn, nil)
}

// Scan forward-scans the primary index, optionally filtering raw record
// bytes with predicate before materialising a Document (§4.I).
func (c *Collection) Scan(txn *Txn, predicate func(raw []byte) bool) ([]*Document, error) {
	primary := OpenBTree(c.db.pf, txn, c.primaryRoot, true)
	results, err := primary.Range(nil, nil, Forward)
	if err != nil {
		return nil, err
	}

	var out []*Document
	for _, r := range results {
		buf, err := txn.ReadPage(r.Location.Page)
		if err != nil {
			return nil, err
		}
		sp, err := loadSlottedPage(buf)
		if err != nil {
			return nil, err
		}
		rec, ok := sp.Get(r.Location.Slot)
		if !ok {
			continue
		}
		if predicate != nil && !predicate(rec) {
			continue
		}
		doc, err := Decode(c.db.dict, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Count returns the number of live documents.
func (c *Collection) Count(txn *Txn) (int, error) {
	primary := OpenBTree(c.db.pf, txn, c.primaryRoot, true)
	results, err := primary.Range(nil, nil, Forward)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// RangeQuery returns documents whose key in the named index falls
// between low and high inclusive (§6.3 range_query).
func (c *Collection) RangeQuery(txn *Txn, indexName string, low, high []byte) ([]*Document, error) {
	var desc *IndexDescriptor
	for i := range c.indexes {
		if c.indexes[i].Name == indexName {
			desc = &c.indexes[i]
			break
		}
	}
	if desc == nil {
		return nil, ErrUnknownIndex
	}
	bt := OpenBTree(c.db.pf, txn, desc.RootPage, desc.Unique)
	results, err := bt.Range(low, high, Forward)
	if err != nil {
		return nil, err
	}
	out := make([]*Document, 0, len(results))
	for _, r := range results {
		doc, ok, err := c.readDoc(txn, r.Location)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Update replaces the document identified by id with newDoc: tombstones
// the old slot, inserts the new one, and re-threads every index entry
// (§4.I).
func (c *Collection) Update(id ID, newDoc *Document) error {
	txn, err := c.db.Begin(c.db.config.DefaultIsolation)
	if err != nil {
		return err
	}
	if err := c.updateIn(txn, id, newDoc); err != nil {
		c.db.Abort(txn)
		return err
	}
	return c.db.Commit(txn)
}

func (c *Collection) updateIn(txn *Txn, id ID, newDoc *Document) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	primary := OpenBTree(c.db.pf, txn, c.primaryRoot, true)
	key := id.encodeOrderedKey()
	oldLoc, ok, err := primary.Find(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	oldDoc, ok, err := c.readDoc(txn, oldLoc)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	oldBuf, err := txn.ReadPage(oldLoc.Page)
	if err != nil {
		return err
	}
	oldSP, err := loadSlottedPage(oldBuf)
	if err != nil {
		return err
	}
	if err := oldSP.Delete(oldLoc.Slot); err != nil {
		return err
	}
	if err := txn.WritePage(oldLoc.Page, oldSP.Bytes(0)); err != nil {
		return err
	}
	c.trackPage(oldLoc.Page, oldSP)

	newDoc.Set(idFieldName, idValue(id), idType(id))
	encoded := Encode(c.db.dict, newDoc)
	newSP, newPageID, err := c.allocRecordPage(txn, len(encoded))
	if err != nil {
		return err
	}
	slot, err := newSP.Insert(encoded)
	if err != nil {
		return err
	}
	if err := txn.WritePage(newPageID, newSP.Bytes(0)); err != nil {
		return err
	}
	c.trackPage(newPageID, newSP)
	newLoc := DocumentLocation{Page: newPageID, Slot: slot}

	if _, err := primary.Delete(key, oldLoc); err != nil {
		return err
	}
	if err := primary.Insert(key, newLoc, 0); err != nil {
		return err
	}
	c.primaryRoot = primary.Root()

	for i, idx := range c.indexes {
		oldVal, oldOK := extractField(oldDoc, idx.FieldPath)
		newVal, newOK := extractField(newDoc, idx.FieldPath)
		sec := OpenBTree(c.db.pf, txn, idx.RootPage, idx.Unique)
		if oldOK {
			if oldKey, ok := indexableKey(oldVal); ok {
				if _, err := sec.Delete(oldKey, oldLoc); err != nil {
					return err
				}
			}
		}
		if newOK {
			if newKey, ok := indexableKey(newVal); ok {
				if err := sec.Insert(newKey, newLoc, 0); err != nil {
					return err
				}
			}
		}
		c.indexes[i].RootPage = sec.Root()
	}

	return c.persistMetadata(txn)
}

func idValue(id ID) any {
	switch id.Kind {
	case IDObjectID:
		return id.OID
	case IDInt32:
		return id.I32
	case IDInt64:
		return id.I64
	case IDString:
		return id.Str
	default:
		return nil
	}
}

func idType(id ID) byte {
	switch id.Kind {
	case IDObjectID:
		return TypeObjectID
	case IDInt32:
		return TypeInt32
	case IDInt64:
		return TypeInt64
	case IDString:
		return TypeString
	default:
		return TypeNull
	}
}

// UpdateBulk applies updates in a single transaction, returning the
// count that actually mutated.
func (c *Collection) UpdateBulk(updates map[ID]*Document) (int, error) {
	txn, err := c.db.Begin(c.db.config.DefaultIsolation)
	if err != nil {
		return 0, err
	}
	n := 0
	for id, doc := range updates {
		if err := c.updateIn(txn, id, doc); err != nil {
			c.db.Abort(txn)
			return 0, err
		}
		n++
	}
	if err := c.db.Commit(txn); err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes the document identified by id from every index and
// tombstones its slot.
func (c *Collection) Delete(id ID) error {
	txn, err := c.db.Begin(c.db.config.DefaultIsolation)
	if err != nil {
		return err
	}
	if err := c.deleteIn(txn, id); err != nil {
		c.db.Abort(txn)
		return err
	}
	return c.db.Commit(txn)
}

func (c *Collection) deleteIn(txn *Txn, id ID) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	primary := OpenBTree(c.db.pf, txn, c.primaryRoot, true)
	key := id.encodeOrderedKey()
	loc, ok, err := primary.Find(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	doc, _, err := c.readDoc(txn, loc)
	if err != nil {
		return err
	}

	if _, err := primary.Delete(key, loc); err != nil {
		return err
	}
	c.primaryRoot = primary.Root()

	for i, idx := range c.indexes {
		v, ok := extractField(doc, idx.FieldPath)
		if !ok {
			continue
		}
		fkey, ok := indexableKey(v)
		if !ok {
			continue
		}
		sec := OpenBTree(c.db.pf, txn, idx.RootPage, idx.Unique)
		if _, err := sec.Delete(fkey, loc); err != nil {
			return err
		}
		c.indexes[i].RootPage = sec.Root()
	}

	buf, err := txn.ReadPage(loc.Page)
	if err != nil {
		return err
	}
	sp, err := loadSlottedPage(buf)
	if err != nil {
		return err
	}
	if err := sp.Delete(loc.Slot); err != nil {
		return err
	}
	if err := txn.WritePage(loc.Page, sp.Bytes(0)); err != nil {
		return err
	}
	c.trackPage(loc.Page, sp)

	return c.persistMetadata(txn)
}

// DeleteBulk deletes every id in ids within a single transaction,
// returning the count that actually mutated.
func (c *Collection) DeleteBulk(ids []ID) (int, error) {
	txn, err := c.db.Begin(c.db.config.DefaultIsolation)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := c.deleteIn(txn, id); err != nil {
			if err == ErrNotFound {
				continue
			}
			c.db.Abort(txn)
			return 0, err
		}
		n++
	}
	if err := c.db.Commit(txn); err != nil {
		return 0, err
	}
	return n, nil
}

// CreateIndex allocates a new ordered secondary index rooted on
// fieldPath, back-fills it from the current primary snapshot, and
// persists the descriptor in the catalog — all within one transaction
// (§4.I).
func (c *Collection) CreateIndex(name, fieldPath string, unique bool) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	txn, err := c.db.Begin(c.db.config.DefaultIsolation)
	if err != nil {
		return err
	}

	bt, err := CreateBTree(c.db.pf, txn, unique)
	if err != nil {
		c.db.Abort(txn)
		return err
	}

	primary := OpenBTree(c.db.pf, txn, c.primaryRoot, true)
	results, err := primary.Range(nil, nil, Forward)
	if err != nil {
		c.db.Abort(txn)
		return err
	}
	for _, r := range results {
		doc, ok, err := c.readDoc(txn, r.Location)
		if err != nil {
			c.db.Abort(txn)
			return err
		}
		if !ok {
			continue
		}
		v, ok := extractField(doc, fieldPath)
		if !ok {
			continue
		}
		key, ok := indexableKey(v)
		if !ok {
			continue
		}
		if err := bt.Insert(key, r.Location, 0); err != nil {
			c.db.Abort(txn)
			return err
		}
	}

	c.indexes = append(c.indexes, IndexDescriptor{
		Name:      name,
		FieldPath: fieldPath,
		Kind:      IndexOrdered,
		Unique:    unique,
		RootPage:  bt.Root(),
	})
	if err := c.persistMetadata(txn); err != nil {
		c.db.Abort(txn)
		return err
	}
	return c.db.Commit(txn)
}

// DropIndex removes name's descriptor and frees its pages.
func (c *Collection) DropIndex(name string) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	txn, err := c.db.Begin(c.db.config.DefaultIsolation)
	if err != nil {
		return err
	}

	found := -1
	for i, idx := range c.indexes {
		if idx.Name == name {
			found = i
			break
		}
	}
	if found == -1 {
		c.db.Abort(txn)
		return ErrUnknownIndex
	}

	root := c.indexes[found].RootPage
	if err := freeSubtree(c.db.pf, txn, root); err != nil {
		c.db.Abort(txn)
		return err
	}

	c.indexes = append(c.indexes[:found], c.indexes[found+1:]...)
	if err := c.persistMetadata(txn); err != nil {
		c.db.Abort(txn)
		return err
	}
	return c.db.Commit(txn)
}

// ListIndexes returns the collection's secondary index descriptors.
func (c *Collection) ListIndexes() []IndexDescriptor {
	return append([]IndexDescriptor(nil), c.indexes...)
}

// freeSubtree walks an index tree rooted at id and frees every page in
// it, used by DropIndex.
func freeSubtree(pf *PageFile, txn *Txn, id PageID) error {
	buf, err := txn.ReadPage(id)
	if err != nil {
		return err
	}
	n, err := decodeBtreeNode(buf, pf.PageSize())
	if err != nil {
		return err
	}
	if !n.leaf {
		for _, child := range n.children {
			if err := freeSubtree(pf, txn, child); err != nil {
				return err
			}
		}
	}
	return pf.FreePage(id)
}

// Vacuum compacts every known data page's slot directory/heap, reclaiming
// tombstoned record bytes (supplemented feature, §4.F "compaction is
// optional").
func (c *Collection) Vacuum(txn *Txn) error {
	c.dataPagesMu.Lock()
	pages := make([]PageID, 0, len(c.dataPages))
	for id := range c.dataPages {
		pages = append(pages, id)
	}
	c.dataPagesMu.Unlock()

	for _, id := range pages {
		buf, err := txn.ReadPage(id)
		if err != nil {
			return err
		}
		sp, err := loadSlottedPage(buf)
		if err != nil {
			return err
		}
		sp.Vacuum()
		if err := txn.WritePage(id, sp.Bytes(0)); err != nil {
			return err
		}
		c.trackPage(id, sp)
	}
	return nil
}
