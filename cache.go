// Buffered, MVCC-aware page cache (§4.E).
//
// read_page(page_id, snapshot_lsn) returns the newest committed
// after-image with LSN <= snapshot_lsn if one is buffered, else falls
// back to the on-disk page. Uncommitted after-images are held keyed by
// (page_id, txn_id) until commit, then promoted into the committed
// overlay. Eviction is LRU within a bounded budget; an overlay entry that
// has not yet been written through to the page file by a checkpoint
// ("dirty") is never evicted, since evicting it would make reads fall
// back to a stale on-disk page.
package blite

import (
	"container/list"
	"sync"
)

type pageTxnKey struct {
	Page PageID
	Txn  uint64
}

// committedImage is one committed version of a page buffered in the
// overlay. Clean is set once a checkpoint has written this exact image
// through to the page file — only then is it eligible for eviction.
type committedImage struct {
	Content []byte
	LSN     uint64
	Clean   bool
}

// PageCache is the MVCC read-path overlay in front of a PageFile.
type PageCache struct {
	pf *PageFile

	mu          sync.RWMutex
	committed   map[PageID][]*committedImage // newest-first per page
	uncommitted map[pageTxnKey][]byte

	lruMu    sync.Mutex
	lru      *list.List
	lruElems map[PageID]*list.Element
	budget   int
}

// NewPageCache returns a cache over pf bounded to budget committed pages
// (0 means unbounded).
func NewPageCache(pf *PageFile, budget int) *PageCache {
	return &PageCache{
		pf:          pf,
		committed:   make(map[PageID][]*committedImage),
		uncommitted: make(map[pageTxnKey][]byte),
		lru:         list.New(),
		lruElems:    make(map[PageID]*list.Element),
		budget:      budget,
	}
}

// ReadPage returns the page content visible to a reader at snapshotLSN,
// preferring the newest committed overlay image with LSN <= snapshotLSN,
// falling back to the on-disk page file.
func (c *PageCache) ReadPage(id PageID, snapshotLSN uint64) ([]byte, error) {
	c.mu.RLock()
	versions := c.committed[id]
	for _, v := range versions {
		if v.LSN <= snapshotLSN {
			out := append([]byte(nil), v.Content...)
			c.mu.RUnlock()
			c.touch(id)
			return out, nil
		}
	}
	c.mu.RUnlock()
	return c.pf.ReadRaw(id)
}

// ReadUncommitted returns a transaction's own buffered after-image for a
// page, if it wrote one, so that later reads in the same transaction
// observe its own earlier writes (§5 ordering guarantee 3).
func (c *PageCache) ReadUncommitted(id PageID, txnID uint64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf, ok := c.uncommitted[pageTxnKey{Page: id, Txn: txnID}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf...), true
}

// BufferWrite stashes a transaction's not-yet-committed after-image.
func (c *PageCache) BufferWrite(id PageID, txnID uint64, after []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uncommitted[pageTxnKey{Page: id, Txn: txnID}] = append([]byte(nil), after...)
}

// DiscardWrite drops a transaction's buffered after-image (used on
// abort).
func (c *PageCache) DiscardWrite(id PageID, txnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.uncommitted, pageTxnKey{Page: id, Txn: txnID})
}

// Promote moves a transaction's buffered after-image into the committed
// overlay at commitLSN, newest-first, then evicts clean pages in
// least-recently-used order while over budget, stopping at the first
// page that still holds a dirty image.
func (c *PageCache) Promote(id PageID, txnID uint64, commitLSN uint64) {
	c.mu.Lock()
	buf, ok := c.uncommitted[pageTxnKey{Page: id, Txn: txnID}]
	delete(c.uncommitted, pageTxnKey{Page: id, Txn: txnID})
	if ok {
		img := &committedImage{Content: buf, LSN: commitLSN}
		c.committed[id] = append([]*committedImage{img}, c.committed[id]...)
	}
	c.mu.Unlock()
	c.touch(id)
	c.evictIfNeeded()
}

// MarkClean records that a checkpoint has written through every
// committed image for id up to upToLSN, making them eligible for
// eviction.
func (c *PageCache) MarkClean(id PageID, upToLSN uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.committed[id] {
		if v.LSN <= upToLSN {
			v.Clean = true
		}
	}
}

// DirtyPages returns the set of page IDs holding at least one
// not-yet-clean committed image, for the checkpointer to flush.
func (c *PageCache) DirtyPages() []PageID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []PageID
	for id, versions := range c.committed {
		for _, v := range versions {
			if !v.Clean {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// NewestCommitted returns the newest committed image for id, if any.
func (c *PageCache) NewestCommitted(id PageID) ([]byte, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.committed[id]
	if len(versions) == 0 {
		return nil, 0, false
	}
	return append([]byte(nil), versions[0].Content...), versions[0].LSN, true
}

func (c *PageCache) touch(id PageID) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if el, ok := c.lruElems[id]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.lruElems[id] = c.lru.PushFront(id)
}

func (c *PageCache) evictIfNeeded() {
	if c.budget <= 0 {
		return
	}
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	for c.lru.Len() > c.budget {
		back := c.lru.Back()
		if back == nil {
			return
		}
		id := back.Value.(PageID)
		if !c.evictOne(id) {
			// Cannot evict a dirty page; move it to the front so a
			// younger clean page is considered next time.
			c.lru.MoveToFront(back)
			return
		}
		c.lru.Remove(back)
		delete(c.lruElems, id)
	}
}

// evictOne drops committed images for id that are clean. Returns true if
// the page's overlay entries were fully dropped (nothing dirty remains).
func (c *PageCache) evictOne(id PageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	versions := c.committed[id]
	var kept []*committedImage
	for _, v := range versions {
		if !v.Clean {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(c.committed, id)
		return true
	}
	c.committed[id] = kept
	return false
}
