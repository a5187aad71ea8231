// Ordered (B+-tree) secondary-index engine (§4.G). Keys are opaque byte
// strings with a documented total order: internal nodes hold
// {separator_key, child_page} pairs, leaves hold {key, location, version}
// triples and are linked in a doubly-linked chain for bidirectional range
// scans. Every structural mutation (split, merge, root change) is part of
// the caller's transaction write-set, so root pointer changes recover
// atomically with the rest of the transaction.
package blite

import (
	"bytes"
	"encoding/binary"
)

// Direction selects forward or backward range iteration.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// btreeLeafEntry is one (key, location, version) triple.
type btreeLeafEntry struct {
	Key      []byte
	Location DocumentLocation
	Version  uint64
}

// btreeNode is the decoded in-memory form of one index page.
type btreeNode struct {
	id       PageID
	leaf     bool
	pageSize uint32

	// internal node fields
	children []PageID
	seps     [][]byte // len(children)-1

	// leaf node fields
	entries []btreeLeafEntry
	prev    PageID
	next    PageID
}

const (
	idxHeaderOff = pageHeaderSize
	// leaf: count u16, prev u32, next u32
	idxLeafFixed = 2 + 4 + 4
	// internal: count u16 (count of children)
	idxInternalFixed = 2
)

func encodeKey(k []byte) []byte {
	buf := make([]byte, 2+len(k))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(k)))
	copy(buf[2:], k)
	return buf
}

func decodeKeyAt(buf []byte, off int) ([]byte, int) {
	n := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	return buf[off+2 : off+2+n], off + 2 + n
}

func (n *btreeNode) encode() []byte {
	buf := make([]byte, n.pageSize)
	pt := PageTypeIndexInternal
	if n.leaf {
		pt = PageTypeIndexLeaf
	}
	hdr := pageHeader{PageType: pt, PageID: n.id}
	hdr.encode(buf)

	off := idxHeaderOff
	if n.leaf {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(n.entries)))
		binary.LittleEndian.PutUint32(buf[off+2:off+6], uint32(n.prev))
		binary.LittleEndian.PutUint32(buf[off+6:off+10], uint32(n.next))
		off += idxLeafFixed
		for _, e := range n.entries {
			kb := encodeKey(e.Key)
			copy(buf[off:], kb)
			off += len(kb)
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(e.Location.Page))
			binary.LittleEndian.PutUint16(buf[off+4:off+6], e.Location.Slot)
			binary.LittleEndian.PutUint64(buf[off+6:off+14], e.Version)
			off += 14
		}
	} else {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(n.children)))
		off += idxInternalFixed
		for _, c := range n.children {
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c))
			off += 4
		}
		for _, s := range n.seps {
			kb := encodeKey(s)
			copy(buf[off:], kb)
			off += len(kb)
		}
	}
	return buf
}

func decodeBtreeNode(buf []byte, pageSize uint32) (*btreeNode, error) {
	hdr, err := decodePageHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.Checksum != pageChecksum(buf) {
		return nil, ErrCorrupt
	}
	n := &btreeNode{id: hdr.PageID, pageSize: pageSize}
	off := idxHeaderOff
	switch hdr.PageType {
	case PageTypeIndexLeaf:
		n.leaf = true
		count := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		n.prev = PageID(binary.LittleEndian.Uint32(buf[off+2 : off+6]))
		n.next = PageID(binary.LittleEndian.Uint32(buf[off+6 : off+10]))
		off += idxLeafFixed
		n.entries = make([]btreeLeafEntry, 0, count)
		for i := 0; i < count; i++ {
			var key []byte
			key, off = decodeKeyAt(buf, off)
			loc := DocumentLocation{
				Page: PageID(binary.LittleEndian.Uint32(buf[off : off+4])),
				Slot: binary.LittleEndian.Uint16(buf[off+4 : off+6]),
			}
			ver := binary.LittleEndian.Uint64(buf[off+6 : off+14])
			off += 14
			n.entries = append(n.entries, btreeLeafEntry{Key: append([]byte(nil), key...), Location: loc, Version: ver})
		}
	case PageTypeIndexInternal:
		count := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += idxInternalFixed
		n.children = make([]PageID, count)
		for i := 0; i < count; i++ {
			n.children[i] = PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
		}
		n.seps = make([][]byte, count-1)
		for i := 0; i < count-1; i++ {
			var key []byte
			key, off = decodeKeyAt(buf, off)
			n.seps[i] = append([]byte(nil), key...)
		}
	default:
		return nil, ErrCorrupt
	}
	return n, nil
}

// approxSize estimates the encoded size of n, used to decide when an
// insert would overflow the page.
func (n *btreeNode) approxSize() int {
	size := idxHeaderOff
	if n.leaf {
		size += idxLeafFixed
		for _, e := range n.entries {
			size += 2 + len(e.Key) + 14
		}
	} else {
		size += idxInternalFixed
		size += 4 * len(n.children)
		for _, s := range n.seps {
			size += 2 + len(s)
		}
	}
	return size
}

// BTree is one ordered secondary (or primary) index, unique or not.
type BTree struct {
	pf     *PageFile
	txn    *Txn
	unique bool
	root   PageID
}

// OpenBTree wraps an existing index rooted at root.
func OpenBTree(pf *PageFile, txn *Txn, root PageID, unique bool) *BTree {
	return &BTree{pf: pf, txn: txn, unique: unique, root: root}
}

// CreateBTree allocates a brand-new, empty index and returns it with its
// root page ID.
func CreateBTree(pf *PageFile, txn *Txn, unique bool) (*BTree, error) {
	id, err := pf.AllocatePage()
	if err != nil {
		return nil, err
	}
	leaf := &btreeNode{id: id, leaf: true, pageSize: pf.PageSize()}
	if err := writeNode(txn, leaf); err != nil {
		return nil, err
	}
	return &BTree{pf: pf, txn: txn, unique: unique, root: id}, nil
}

// Root returns the index's current root page ID, to be persisted by the
// caller in the owning catalog entry's same transaction.
func (bt *BTree) Root() PageID { return bt.root }

func readNode(txn *Txn, pf *PageFile, id PageID) (*btreeNode, error) {
	buf, err := txn.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return decodeBtreeNode(buf, pf.PageSize())
}

func writeNode(txn *Txn, n *btreeNode) error {
	return txn.WritePage(n.id, n.encode())
}

// findLeaf walks from root to the leaf that would hold key, recording
// the path of (node, child index) taken for split/merge propagation.
func (bt *BTree) findLeaf(key []byte) (*btreeNode, []*btreeNode, []int, error) {
	var path []*btreeNode
	var idxs []int
	id := bt.root
	for {
		n, err := readNode(bt.txn, bt.pf, id)
		if err != nil {
			return nil, nil, nil, err
		}
		if n.leaf {
			return n, path, idxs, nil
		}
		i := 0
		for i < len(n.seps) && bytes.Compare(key, n.seps[i]) >= 0 {
			i++
		}
		path = append(path, n)
		idxs = append(idxs, i)
		id = n.children[i]
	}
}

// Find returns the first matching location for key (unique indexes have
// at most one; non-unique return the first in location order).
func (bt *BTree) Find(key []byte) (DocumentLocation, bool, error) {
	leaf, _, _, err := bt.findLeaf(key)
	if err != nil {
		return DocumentLocation{}, false, err
	}
	for _, e := range leaf.entries {
		if bytes.Equal(e.Key, key) {
			return e.Location, true, nil
		}
	}
	return DocumentLocation{}, false, nil
}

// Insert adds (key, location). Unique indexes reject a duplicate key
// with ErrDuplicateKey; non-unique indexes treat an identical
// (key, location) pair already present as a no-op.
func (bt *BTree) Insert(key []byte, loc DocumentLocation, version uint64) error {
	leaf, path, idxs, err := bt.findLeaf(key)
	if err != nil {
		return err
	}

	pos := 0
	for pos < len(leaf.entries) && bytes.Compare(leaf.entries[pos].Key, key) < 0 {
		pos++
	}
	for i := pos; i < len(leaf.entries) && bytes.Equal(leaf.entries[i].Key, key); i++ {
		if bt.unique {
			return ErrDuplicateKey
		}
		if leaf.entries[i].Location == loc {
			return nil
		}
		// Equal keys stay ordered by location (page, then slot).
		if e := leaf.entries[i].Location; e.Page < loc.Page || (e.Page == loc.Page && e.Slot < loc.Slot) {
			pos = i + 1
		}
	}

	entry := btreeLeafEntry{Key: append([]byte(nil), key...), Location: loc, Version: version}
	leaf.entries = append(leaf.entries, btreeLeafEntry{})
	copy(leaf.entries[pos+1:], leaf.entries[pos:])
	leaf.entries[pos] = entry

	if leaf.approxSize() <= int(bt.pf.PageSize())-reservedTail {
		return writeNode(bt.txn, leaf)
	}
	return bt.splitLeaf(leaf, path, idxs)
}

// splitLeaf splits an overflowing leaf at the median, propagating a new
// separator to the parent (recursively splitting internal nodes too),
// and creating a new root if the split reaches the top of the tree.
func (bt *BTree) splitLeaf(leaf *btreeNode, path []*btreeNode, idxs []int) error {
	mid := len(leaf.entries) / 2
	rightID, err := bt.pf.AllocatePage()
	if err != nil {
		return err
	}
	right := &btreeNode{id: rightID, leaf: true, pageSize: bt.pf.PageSize(), next: leaf.next, prev: leaf.id}
	right.entries = append([]btreeLeafEntry(nil), leaf.entries[mid:]...)
	leaf.entries = leaf.entries[:mid]

	if leaf.next != 0 {
		oldNext, err := readNode(bt.txn, bt.pf, leaf.next)
		if err != nil {
			return err
		}
		oldNext.prev = rightID
		if err := writeNode(bt.txn, oldNext); err != nil {
			return err
		}
	}
	leaf.next = rightID

	if err := writeNode(bt.txn, leaf); err != nil {
		return err
	}
	if err := writeNode(bt.txn, right); err != nil {
		return err
	}

	sep := append([]byte(nil), right.entries[0].Key...)
	return bt.insertIntoParent(leaf.id, sep, rightID, path, idxs)
}

// insertIntoParent inserts a new (separator, right-child) pair into the
// parent named by the end of path/idxs, splitting internal nodes
// recursively and creating a new root if path is empty.
func (bt *BTree) insertIntoParent(leftID PageID, sep []byte, rightID PageID, path []*btreeNode, idxs []int) error {
	if len(path) == 0 {
		newRootID, err := bt.pf.AllocatePage()
		if err != nil {
			return err
		}
		root := &btreeNode{
			id:       newRootID,
			leaf:     false,
			pageSize: bt.pf.PageSize(),
			children: []PageID{leftID, rightID},
			seps:     [][]byte{sep},
		}
		if err := writeNode(bt.txn, root); err != nil {
			return err
		}
		bt.root = newRootID
		return nil
	}

	parent := path[len(path)-1]
	ci := idxs[len(idxs)-1]

	parent.children = append(parent.children, 0)
	copy(parent.children[ci+2:], parent.children[ci+1:])
	parent.children[ci+1] = rightID

	parent.seps = append(parent.seps, nil)
	copy(parent.seps[ci+1:], parent.seps[ci:])
	parent.seps[ci] = sep

	if parent.approxSize() <= int(bt.pf.PageSize())-reservedTail {
		return writeNode(bt.txn, parent)
	}
	return bt.splitInternal(parent, path[:len(path)-1], idxs[:len(idxs)-1])
}

func (bt *BTree) splitInternal(n *btreeNode, path []*btreeNode, idxs []int) error {
	mid := len(n.seps) / 2
	upSep := n.seps[mid]

	rightID, err := bt.pf.AllocatePage()
	if err != nil {
		return err
	}
	right := &btreeNode{
		id:       rightID,
		leaf:     false,
		pageSize: bt.pf.PageSize(),
		children: append([]PageID(nil), n.children[mid+1:]...),
		seps:     append([][]byte(nil), n.seps[mid+1:]...),
	}
	n.children = n.children[:mid+1]
	n.seps = n.seps[:mid]

	if err := writeNode(bt.txn, n); err != nil {
		return err
	}
	if err := writeNode(bt.txn, right); err != nil {
		return err
	}
	return bt.insertIntoParent(n.id, upSep, rightID, path, idxs)
}

// Delete removes (key, location). Returns false if no such entry exists.
// Underflowing leaves/internal nodes borrow from a sibling with surplus,
// else merge, propagating upward (§4.G).
func (bt *BTree) Delete(key []byte, loc DocumentLocation) (bool, error) {
	leaf, path, idxs, err := bt.findLeaf(key)
	if err != nil {
		return false, err
	}
	pos := -1
	for i, e := range leaf.entries {
		if bytes.Equal(e.Key, key) && e.Location == loc {
			pos = i
			break
		}
	}
	if pos == -1 {
		return false, nil
	}
	leaf.entries = append(leaf.entries[:pos], leaf.entries[pos+1:]...)
	if err := writeNode(bt.txn, leaf); err != nil {
		return false, err
	}

	minOccupancy := (bt.maxLeafEntries() + 1) / 2
	if len(leaf.entries) < minOccupancy && len(path) > 0 {
		return true, bt.fixUnderflow(leaf, path, idxs)
	}
	return true, nil
}

// maxLeafEntries is a coarse fanout estimate used only to size minimum
// occupancy (§3 "minimum occupancy >= ceil(fanout/2) except the root").
func (bt *BTree) maxLeafEntries() int {
	avg := 24 // rough average encoded leaf entry size
	return int(bt.pf.PageSize()) / avg
}

// fixUnderflow borrows from an adjacent sibling (via the parent) if it
// has surplus, else merges with one, propagating the removal of a
// separator upward.
func (bt *BTree) fixUnderflow(n *btreeNode, path []*btreeNode, idxs []int) error {
	parent := path[len(path)-1]
	ci := idxs[len(idxs)-1]

	if ci > 0 {
		leftSibID := parent.children[ci-1]
		leftSib, err := readNode(bt.txn, bt.pf, leftSibID)
		if err != nil {
			return err
		}
		if bt.canBorrow(leftSib) {
			return bt.borrowFromLeft(n, leftSib, parent, ci)
		}
	}
	if ci < len(parent.children)-1 {
		rightSibID := parent.children[ci+1]
		rightSib, err := readNode(bt.txn, bt.pf, rightSibID)
		if err != nil {
			return err
		}
		if bt.canBorrow(rightSib) {
			return bt.borrowFromRight(n, rightSib, parent, ci)
		}
	}

	if ci > 0 {
		leftSibID := parent.children[ci-1]
		leftSib, err := readNode(bt.txn, bt.pf, leftSibID)
		if err != nil {
			return err
		}
		return bt.mergeNodes(leftSib, n, parent, ci-1, path[:len(path)-1], idxs[:len(idxs)-1])
	}
	rightSibID := parent.children[ci+1]
	rightSib, err := readNode(bt.txn, bt.pf, rightSibID)
	if err != nil {
		return err
	}
	return bt.mergeNodes(n, rightSib, parent, ci, path[:len(path)-1], idxs[:len(idxs)-1])
}

func (bt *BTree) canBorrow(sib *btreeNode) bool {
	min := bt.maxLeafEntries()/2 + 1
	if sib.leaf {
		return len(sib.entries) > min
	}
	return len(sib.children) > (min/2 + 1)
}

func (bt *BTree) borrowFromLeft(n, left *btreeNode, parent *btreeNode, ci int) error {
	if n.leaf {
		last := left.entries[len(left.entries)-1]
		left.entries = left.entries[:len(left.entries)-1]
		n.entries = append([]btreeLeafEntry{last}, n.entries...)
		parent.seps[ci-1] = append([]byte(nil), n.entries[0].Key...)
	} else {
		n.seps = append([][]byte{parent.seps[ci-1]}, n.seps...)
		parent.seps[ci-1] = left.seps[len(left.seps)-1]
		left.seps = left.seps[:len(left.seps)-1]
		movedChild := left.children[len(left.children)-1]
		left.children = left.children[:len(left.children)-1]
		n.children = append([]PageID{movedChild}, n.children...)
	}
	return writeAll(bt.txn, left, n, parent)
}

func (bt *BTree) borrowFromRight(n, right *btreeNode, parent *btreeNode, ci int) error {
	if n.leaf {
		first := right.entries[0]
		right.entries = right.entries[1:]
		n.entries = append(n.entries, first)
		parent.seps[ci] = append([]byte(nil), right.entries[0].Key...)
	} else {
		n.seps = append(n.seps, parent.seps[ci])
		parent.seps[ci] = right.seps[0]
		right.seps = right.seps[1:]
		movedChild := right.children[0]
		right.children = right.children[1:]
		n.children = append(n.children, movedChild)
	}
	return writeAll(bt.txn, n, right, parent)
}

// mergeNodes folds right into left, removes the separator between them
// from parent, and recurses upward if parent now underflows (or drops a
// singleton root).
func (bt *BTree) mergeNodes(left, right *btreeNode, parent *btreeNode, sepIdx int, path []*btreeNode, idxs []int) error {
	if left.leaf {
		left.entries = append(left.entries, right.entries...)
		left.next = right.next
		if right.next != 0 {
			nxt, err := readNode(bt.txn, bt.pf, right.next)
			if err != nil {
				return err
			}
			nxt.prev = left.id
			if err := writeNode(bt.txn, nxt); err != nil {
				return err
			}
		}
	} else {
		left.seps = append(left.seps, parent.seps[sepIdx])
		left.seps = append(left.seps, right.seps...)
		left.children = append(left.children, right.children...)
	}

	parent.children = append(parent.children[:sepIdx+1], parent.children[sepIdx+2:]...)
	parent.seps = append(parent.seps[:sepIdx], parent.seps[sepIdx+1:]...)

	if err := bt.pf.FreePage(right.id); err != nil {
		return err
	}
	if err := writeNode(bt.txn, left); err != nil {
		return err
	}

	if len(path) == 0 {
		if len(parent.children) == 1 {
			bt.root = left.id
			return bt.pf.FreePage(parent.id)
		}
		return writeNode(bt.txn, parent)
	}

	minChildren := bt.maxLeafEntries()/2 + 1
	if len(parent.children) < minChildren {
		return bt.fixUnderflow(parent, path, idxs)
	}
	return writeNode(bt.txn, parent)
}

func writeAll(txn *Txn, nodes ...*btreeNode) error {
	for _, n := range nodes {
		if err := writeNode(txn, n); err != nil {
			return err
		}
	}
	return nil
}

// RangeResult is one (key, location) pair yielded by a range scan.
type RangeResult struct {
	Key      []byte
	Location DocumentLocation
}

// Range returns every entry with low <= key <= high (either bound may be
// nil to mean unbounded), inclusive at both ends, in the requested
// direction. Leaves are walked via their sibling chain once located
// (§4.G).
func (bt *BTree) Range(low, high []byte, dir Direction) ([]RangeResult, error) {
	var start []byte
	if dir == Forward {
		start = low
	} else {
		start = high
	}

	var leaf *btreeNode
	var err error
	if start == nil {
		leaf, err = bt.firstLeaf(dir)
	} else {
		leaf, _, _, err = bt.findLeaf(start)
	}
	if err != nil {
		return nil, err
	}

	var out []RangeResult
	for leaf != nil {
		if dir == Forward {
			for _, e := range leaf.entries {
				if low != nil && bytes.Compare(e.Key, low) < 0 {
					continue
				}
				if high != nil && bytes.Compare(e.Key, high) > 0 {
					return out, nil
				}
				out = append(out, RangeResult{Key: e.Key, Location: e.Location})
			}
			if leaf.next == 0 {
				break
			}
			leaf, err = readNode(bt.txn, bt.pf, leaf.next)
		} else {
			for i := len(leaf.entries) - 1; i >= 0; i-- {
				e := leaf.entries[i]
				if high != nil && bytes.Compare(e.Key, high) > 0 {
					continue
				}
				if low != nil && bytes.Compare(e.Key, low) < 0 {
					return out, nil
				}
				out = append(out, RangeResult{Key: e.Key, Location: e.Location})
			}
			if leaf.prev == 0 {
				break
			}
			leaf, err = readNode(bt.txn, bt.pf, leaf.prev)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (bt *BTree) firstLeaf(dir Direction) (*btreeNode, error) {
	id := bt.root
	for {
		n, err := readNode(bt.txn, bt.pf, id)
		if err != nil {
			return nil, err
		}
		if n.leaf {
			return n, nil
		}
		if dir == Forward {
			id = n.children[0]
		} else {
			id = n.children[len(n.children)-1]
		}
	}
}

// StartsWith returns every entry whose key has prefix as a byte prefix,
// by seeking to the prefix-equal range and scanning forward (§4.G).
func (bt *BTree) StartsWith(prefix []byte) ([]RangeResult, error) {
	high := prefixUpperBound(prefix)
	results, err := bt.Range(prefix, high, Forward)
	if err != nil {
		return nil, err
	}
	// Range is inclusive, so drop a key equal to the upper bound itself.
	out := results[:0]
	for _, r := range results {
		if bytes.HasPrefix(r.Key, prefix) {
			out = append(out, r)
		}
	}
	return out, nil
}

// prefixUpperBound returns the smallest key strictly greater than every
// key with the given prefix, or nil if prefix is all 0xFF bytes (meaning
// unbounded above).
func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

// Like matches keys against a pattern supporting '%' (any run of bytes)
// and '_' (any single byte), by seeking to the literal-prefix range
// before the first wildcard and filtering the rest in-process (§4.G).
func (bt *BTree) Like(pattern []byte) ([]RangeResult, error) {
	prefix := literalPrefix(pattern)
	var candidates []RangeResult
	var err error
	if len(prefix) == len(pattern) {
		candidates, err = bt.Range(pattern, pattern, Forward)
	} else {
		candidates, err = bt.StartsWith(prefix)
	}
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, c := range candidates {
		if likeMatch(c.Key, pattern) {
			out = append(out, c)
		}
	}
	return out, nil
}

func literalPrefix(pattern []byte) []byte {
	for i, b := range pattern {
		if b == '%' || b == '_' {
			return pattern[:i]
		}
	}
	return pattern
}

func likeMatch(key, pattern []byte) bool {
	return likeMatchAt(key, pattern)
}

func likeMatchAt(key, pattern []byte) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case '%':
		if likeMatchAt(key, pattern[1:]) {
			return true
		}
		for i := 0; i < len(key); i++ {
			if likeMatchAt(key[i+1:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(key) == 0 {
			return false
		}
		return likeMatchAt(key[1:], pattern[1:])
	default:
		if len(key) == 0 || key[0] != pattern[0] {
			return false
		}
		return likeMatchAt(key[1:], pattern[1:])
	}
}

// In returns every entry whose key matches one of keys, concatenating
// each key's Range results in the order keys was given — callers after
// a single canonical ordering across keys should sort the result
// themselves.
func (bt *BTree) In(keys [][]byte) ([]RangeResult, error) {
	var out []RangeResult
	for _, k := range keys {
		r, err := bt.Range(k, k, Forward)
		if err != nil {
			return nil, err
		}
		out = append(out, r...)
	}
	return out, nil
}
