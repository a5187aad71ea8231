// Catalog & metadata (§4.H): a small ordered index keyed by collection
// name, rooted at the page file's catalog_root_page, plus the key
// dictionary's append-only persistence chain rooted at
// key_dictionary_root_page.
//
// Each catalog entry's value is a location pointing at a slotted-page
// record holding a zstd-compressed, goccy/go-json-encoded
// CollectionMetadata blob — catalog entries reuse the same document-page
// and ordered-index machinery as user data rather than inventing a
// second on-disk format.
package blite

import (
	"encoding/binary"

	"github.com/goccy/go-json"
)

// IndexKind distinguishes the ordered B+-tree path (fully specified)
// from the opaque vector/spatial paths, which are used only through
// their {insert, search} capability interface (§4.I).
type IndexKind byte

const (
	IndexOrdered IndexKind = iota
	IndexVector
	IndexSpatial
)

// IndexDescriptor is one secondary (or primary) index's catalog entry.
type IndexDescriptor struct {
	Name      string
	FieldPath string
	Kind      IndexKind
	Unique    bool
	RootPage  PageID
}

// CollectionMetadata is one collection's catalog entry (§3).
type CollectionMetadata struct {
	Name            string
	PrimaryRootPage PageID
	Indexes         []IndexDescriptor
}

// Catalog is the collection-name -> CollectionMetadata index, backed by
// an ordered index over collection-name keys plus slotted data pages
// (not linked to each other) holding the serialised entries.
type Catalog struct {
	pf       *PageFile
	root     PageID
	dataPage PageID // current page new entries are appended to
}

// OpenCatalog loads the catalog rooted at pf's persisted catalog root,
// creating an empty one (and a first data page) if none exists yet.
// Structural catalog changes must run inside the caller's transaction so
// that a new root page is recorded in the file header within the same
// transaction that created it (§4.H).
func OpenCatalog(pf *PageFile, txn *Txn) (*Catalog, error) {
	root := pf.CatalogRoot()
	c := &Catalog{pf: pf}
	if root == 0 {
		bt, err := CreateBTree(pf, txn, true)
		if err != nil {
			return nil, err
		}
		dp, err := pf.AllocatePage()
		if err != nil {
			return nil, err
		}
		if err := txn.WritePage(dp, newSlottedPage(pf.PageSize(), dp).Bytes(0)); err != nil {
			return nil, err
		}
		c.root = bt.Root()
		c.dataPage = dp
		if err := pf.SetCatalogRoot(c.root); err != nil {
			return nil, err
		}
		return c, nil
	}
	c.root = root
	// dataPage is left at 0 for an existing catalog: the first entry
	// appended after reopening goes to a freshly allocated data page.
	return c, nil
}

func (c *Catalog) index(txn *Txn) *BTree {
	return OpenBTree(c.pf, txn, c.root, true)
}

func serialiseMetadata(m *CollectionMetadata) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return compressSchema(raw), nil
}

func deserialiseMetadata(blob []byte) (*CollectionMetadata, error) {
	raw, err := decompressSchema(blob)
	if err != nil {
		return nil, err
	}
	var m CollectionMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Get returns the metadata for name, or (nil, false) if no such
// collection exists.
func (c *Catalog) Get(txn *Txn, name string) (*CollectionMetadata, bool, error) {
	key := []byte(name)
	loc, ok, err := c.index(txn).Find(key)
	if err != nil || !ok {
		return nil, false, err
	}
	page, err := txn.ReadPage(loc.Page)
	if err != nil {
		return nil, false, err
	}
	sp, err := loadSlottedPage(page)
	if err != nil {
		return nil, false, err
	}
	blob, ok := sp.Get(loc.Slot)
	if !ok {
		return nil, false, nil
	}
	m, err := deserialiseMetadata(blob)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Put inserts or replaces the metadata entry for m.Name. Any change to a
// collection's primary_root_page or an index's root_page must travel
// through Put within the same transaction as the structural change that
// caused it (§4.H).
func (c *Catalog) Put(txn *Txn, m *CollectionMetadata) error {
	blob, err := serialiseMetadata(m)
	if err != nil {
		return err
	}

	bt := c.index(txn)
	key := []byte(m.Name)

	if loc, ok, err := bt.Find(key); err == nil && ok {
		if _, err := bt.Delete(key, loc); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	loc, err := c.appendRecord(txn, blob)
	if err != nil {
		return err
	}
	if err := bt.Insert(key, loc, 0); err != nil {
		return err
	}
	c.root = bt.Root()
	return c.pf.SetCatalogRoot(c.root)
}

// Delete removes name's catalog entry.
func (c *Catalog) Delete(txn *Txn, name string) error {
	bt := c.index(txn)
	key := []byte(name)
	loc, ok, err := bt.Find(key)
	if err != nil || !ok {
		return err
	}
	if _, err := bt.Delete(key, loc); err != nil {
		return err
	}
	page, err := txn.ReadPage(loc.Page)
	if err != nil {
		return err
	}
	sp, err := loadSlottedPage(page)
	if err != nil {
		return err
	}
	if err := sp.Delete(loc.Slot); err != nil {
		return err
	}
	if err := txn.WritePage(loc.Page, sp.Bytes(0)); err != nil {
		return err
	}
	c.root = bt.Root()
	return c.pf.SetCatalogRoot(c.root)
}

// List returns every collection's metadata, ordered by name.
func (c *Catalog) List(txn *Txn) ([]*CollectionMetadata, error) {
	results, err := c.index(txn).Range(nil, nil, Forward)
	if err != nil {
		return nil, err
	}
	out := make([]*CollectionMetadata, 0, len(results))
	for _, r := range results {
		page, err := txn.ReadPage(r.Location.Page)
		if err != nil {
			return nil, err
		}
		sp, err := loadSlottedPage(page)
		if err != nil {
			return nil, err
		}
		blob, ok := sp.Get(r.Location.Slot)
		if !ok {
			continue
		}
		m, err := deserialiseMetadata(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// appendRecord writes blob into the catalog's tail data page, allocating
// a fresh one if the tail is full.
func (c *Catalog) appendRecord(txn *Txn, blob []byte) (DocumentLocation, error) {
	if c.dataPage != 0 {
		page, err := txn.ReadPage(c.dataPage)
		if err == nil {
			sp, err := loadSlottedPage(page)
			if err == nil && sp.fits(len(blob)) {
				slot, err := sp.Insert(blob)
				if err != nil {
					return DocumentLocation{}, err
				}
				if err := txn.WritePage(c.dataPage, sp.Bytes(0)); err != nil {
					return DocumentLocation{}, err
				}
				return DocumentLocation{Page: c.dataPage, Slot: slot}, nil
			}
		}
	}

	id, err := c.pf.AllocatePage()
	if err != nil {
		return DocumentLocation{}, err
	}
	sp := newSlottedPage(c.pf.PageSize(), id)
	slot, err := sp.Insert(blob)
	if err != nil {
		return DocumentLocation{}, err
	}
	if err := txn.WritePage(id, sp.Bytes(0)); err != nil {
		return DocumentLocation{}, err
	}
	c.dataPage = id
	return DocumentLocation{Page: id, Slot: slot}, nil
}

// --- Key dictionary persistence chain (§4.H) ---
//
// An append-only chain of fixed-layout pages, each holding as many
// (id, name) entries as fit, linked by a next-page pointer at a fixed
// offset. Truncated only via full-file export/import, never compacted
// in place.

const (
	dictChainHeaderOff  = pageHeaderSize
	dictChainNextOff    = dictChainHeaderOff     // u32 next page
	dictChainCountOff   = dictChainNextOff + 4    // u16 entry count
	dictChainEntriesOff = dictChainCountOff + 2
)

// SaveKeyDictionary persists every entry of d as a fresh chain of pages,
// replacing whatever chain the file header previously pointed at. The
// new root is written to the file header within txn.
func SaveKeyDictionary(pf *PageFile, txn *Txn, d *keyDict) error {
	entries := d.entries()
	pageSize := int(pf.PageSize())

	var pages []PageID
	i := 0
	for i < len(entries) || len(pages) == 0 {
		id, err := pf.AllocatePage()
		if err != nil {
			return err
		}
		pages = append(pages, id)

		buf := make([]byte, pageSize)
		hdr := pageHeader{PageType: PageTypeIndexMeta, PageID: id}
		hdr.encode(buf)

		off := dictChainEntriesOff
		count := uint16(0)
		for i < len(entries) {
			e := entries[i]
			need := 2 + 2 + len(e.Name)
			if off+need > pageSize {
				break
			}
			binary.LittleEndian.PutUint16(buf[off:off+2], e.ID)
			binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(len(e.Name)))
			copy(buf[off+4:], e.Name)
			off += 4 + len(e.Name)
			count++
			i++
		}
		binary.LittleEndian.PutUint16(buf[dictChainCountOff:dictChainCountOff+2], count)
		binary.LittleEndian.PutUint32(buf[dictChainNextOff:dictChainNextOff+4], 0)

		hdr.Checksum = pageChecksum(buf)
		hdr.encode(buf)
		if err := txn.WritePage(id, buf); err != nil {
			return err
		}
		if i >= len(entries) {
			break
		}
	}

	for k := 0; k < len(pages)-1; k++ {
		buf, err := txn.ReadPage(pages[k])
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf[dictChainNextOff:dictChainNextOff+4], uint32(pages[k+1]))
		hdr, _ := decodePageHeader(buf)
		hdr.Checksum = pageChecksum(buf)
		hdr.encode(buf)
		if err := txn.WritePage(pages[k], buf); err != nil {
			return err
		}
	}

	return pf.SetKeyDictionaryRoot(pages[0])
}

// LoadKeyDictionary walks the persisted chain rooted at pf's
// key_dictionary_root_page and returns a populated keyDict. Returns an
// empty (but reserved-"_id") dictionary if no chain exists yet.
func LoadKeyDictionary(pf *PageFile, txn *Txn) (*keyDict, error) {
	d := newKeyDict()
	root := pf.KeyDictionaryRoot()
	if root == 0 {
		return d, nil
	}

	var entries []dictEntry
	id := root
	seen := make(map[PageID]bool)
	for id != 0 && !seen[id] {
		seen[id] = true
		buf, err := txn.ReadPage(id)
		if err != nil {
			return nil, err
		}
		hdr, err := decodePageHeader(buf)
		if err != nil {
			return nil, err
		}
		if hdr.PageType != PageTypeIndexMeta || hdr.Checksum != pageChecksum(buf) {
			return nil, ErrCorrupt
		}
		count := binary.LittleEndian.Uint16(buf[dictChainCountOff : dictChainCountOff+2])
		off := dictChainEntriesOff
		for k := uint16(0); k < count; k++ {
			eid := binary.LittleEndian.Uint16(buf[off : off+2])
			n := binary.LittleEndian.Uint16(buf[off+2 : off+4])
			name := string(buf[off+4 : off+4+int(n)])
			entries = append(entries, dictEntry{ID: eid, Name: name})
			off += 4 + int(n)
		}
		id = PageID(binary.LittleEndian.Uint32(buf[dictChainNextOff : dictChainNextOff+4]))
	}

	d.load(entries)
	return d, nil
}
