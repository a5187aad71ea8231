// Transaction manager (§4.D): MVCC transactions over the page cache and
// WAL. Writers take an exclusive per-page lock for the lifetime of the
// transaction; a lock held by another live transaction fails the writer
// immediately with ErrConflict rather than queueing or detecting
// deadlocks (§5(b): "no wait-die, no deadlock graph").
package blite

import (
	"sync"
)

// IsolationLevel selects how a transaction's reads are snapshotted (§4.D).
type IsolationLevel int

const (
	// ReadCommitted observes whatever was the latest committed page image
	// at the moment of each individual read. This is the default.
	ReadCommitted IsolationLevel = iota
	// Snapshot pins reads to the committed LSN watermark observed at
	// Begin, giving a single consistent view for the life of the
	// transaction.
	Snapshot
)

type txnState int32

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// pageWrite buffers one page's before/after images for a transaction's
// write set, so Abort can log the before image and Commit can log the
// after image.
type pageWrite struct {
	Before []byte
	After  []byte
}

// Txn is a single in-flight (or finished) transaction.
type Txn struct {
	ID         uint64
	SnapshotID uint64
	Isolation  IsolationLevel

	mgr *TxnManager

	mu       sync.Mutex
	state    txnState
	writeSet map[PageID]*pageWrite
}

// Publisher receives change events as each transaction commits (§9
// supplemented CDC hook). Notify must not block the caller for long;
// slow consumers should buffer internally.
type Publisher interface {
	Notify(ev ChangeEvent)
}

// TxnManager owns transaction lifecycle, page locking and recovery.
type TxnManager struct {
	wal   *WAL
	pf    *PageFile
	cache *PageCache
	pub   Publisher

	idMu  sync.Mutex
	nextID uint64

	watermarkMu  sync.RWMutex
	committedLSN uint64

	locksMu sync.Mutex
	locks   map[PageID]uint64 // page id -> holding txn id

	activeMu sync.Mutex
	active   map[uint64]*Txn
}

// NewTxnManager wires a transaction manager over an already-open WAL,
// page file and cache. pub may be nil.
func NewTxnManager(wal *WAL, pf *PageFile, cache *PageCache, pub Publisher) *TxnManager {
	return &TxnManager{
		wal:    wal,
		pf:     pf,
		cache:  cache,
		pub:    pub,
		nextID: 1,
		locks:  make(map[PageID]uint64),
		active: make(map[uint64]*Txn),
	}
}

// CommittedLSN returns the current commit watermark, used as the
// snapshot id for new Snapshot-isolation transactions and as the
// visibility bound for ReadCommitted reads.
func (m *TxnManager) CommittedLSN() uint64 {
	m.watermarkMu.RLock()
	defer m.watermarkMu.RUnlock()
	return m.committedLSN
}

func (m *TxnManager) advanceWatermark(lsn uint64) {
	m.watermarkMu.Lock()
	if lsn > m.committedLSN {
		m.committedLSN = lsn
	}
	m.watermarkMu.Unlock()
}

// Begin starts a new transaction under the given isolation level.
func (m *TxnManager) Begin(isolation IsolationLevel) (*Txn, error) {
	m.idMu.Lock()
	id := m.nextID
	m.nextID++
	m.idMu.Unlock()

	t := &Txn{
		ID:         id,
		SnapshotID: m.CommittedLSN(),
		Isolation:  isolation,
		mgr:        m,
		writeSet:   make(map[PageID]*pageWrite),
	}

	if _, err := m.wal.Append(&WALRecord{Type: WALBegin, TxnID: id}); err != nil {
		return nil, err
	}

	m.activeMu.Lock()
	m.active[id] = t
	m.activeMu.Unlock()
	return t, nil
}

// visibilityBound returns the LSN up to which this transaction's reads
// should see committed images: the pinned snapshot for Snapshot
// isolation, or the live watermark for ReadCommitted.
func (t *Txn) visibilityBound() uint64 {
	if t.Isolation == Snapshot {
		return t.SnapshotID
	}
	return t.mgr.CommittedLSN()
}

// ReadPage returns the content a transaction should see for id: its own
// buffered write if any, else the newest committed image visible under
// its isolation level, else the on-disk page.
func (t *Txn) ReadPage(id PageID) ([]byte, error) {
	t.mu.Lock()
	if w, ok := t.writeSet[id]; ok {
		t.mu.Unlock()
		return append([]byte(nil), w.After...), nil
	}
	t.mu.Unlock()
	return t.mgr.cache.ReadPage(id, t.visibilityBound())
}

// WritePage buffers an after-image for id within this transaction, first
// acquiring the page's exclusive lock. Returns ErrConflict immediately if
// another live transaction already holds it.
func (t *Txn) WritePage(id PageID, after []byte) error {
	if err := t.mgr.acquireLock(id, t.ID); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writeSet[id]
	if !ok {
		before, err := t.mgr.cache.ReadPage(id, t.mgr.CommittedLSN())
		if err != nil {
			return err
		}
		w = &pageWrite{Before: before}
		t.writeSet[id] = w
	}
	w.After = append([]byte(nil), after...)
	t.mgr.cache.BufferWrite(id, t.ID, w.After)
	return nil
}

func (m *TxnManager) acquireLock(id PageID, txnID uint64) error {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if holder, ok := m.locks[id]; ok && holder != txnID {
		return ErrConflict
	}
	m.locks[id] = txnID
	return nil
}

func (m *TxnManager) releaseLocks(txnID uint64, pages []PageID) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	for _, id := range pages {
		if m.locks[id] == txnID {
			delete(m.locks, id)
		}
	}
}

// Commit durably commits t following the five-step protocol: append the
// Commit record, flush the WAL, advance the watermark, release locks,
// then publish change events. CDC is never published before the flush
// completes.
func (m *TxnManager) Commit(t *Txn) error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return ErrFinalised
	}
	writes := t.writeSet
	t.state = txnCommitted
	t.mu.Unlock()

	pages := make([]PageID, 0, len(writes))
	for id, w := range writes {
		pages = append(pages, id)
		if _, err := m.wal.Append(&WALRecord{Type: WALWrite, TxnID: t.ID, PageID: id, Before: w.Before, After: w.After}); err != nil {
			return err
		}
	}

	lsn, err := m.wal.Append(&WALRecord{Type: WALCommit, TxnID: t.ID})
	if err != nil {
		return err
	}
	if err := m.wal.Flush(); err != nil {
		return err
	}

	m.advanceWatermark(lsn)

	for _, id := range pages {
		m.cache.Promote(id, t.ID, lsn)
	}
	m.releaseLocks(t.ID, pages)

	m.activeMu.Lock()
	delete(m.active, t.ID)
	m.activeMu.Unlock()

	if m.pub != nil {
		for _, id := range pages {
			m.pub.Notify(ChangeEvent{TxnID: t.ID, LSN: lsn, PageID: id, After: writes[id].After})
		}
	}
	return nil
}

// Abort discards t's write set, logs an Abort record and releases locks.
func (m *TxnManager) Abort(t *Txn) error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return ErrFinalised
	}
	writes := t.writeSet
	t.state = txnAborted
	t.mu.Unlock()

	if _, err := m.wal.Append(&WALRecord{Type: WALAbort, TxnID: t.ID}); err != nil {
		return err
	}

	pages := make([]PageID, 0, len(writes))
	for id := range writes {
		pages = append(pages, id)
		m.cache.DiscardWrite(id, t.ID)
	}
	m.releaseLocks(t.ID, pages)

	m.activeMu.Lock()
	delete(m.active, t.ID)
	m.activeMu.Unlock()
	return nil
}

// ChangeEvent describes one committed page write, delivered to a
// Publisher after the owning transaction's WAL flush completes.
type ChangeEvent struct {
	TxnID  uint64
	LSN    uint64
	PageID PageID
	After  []byte
}

// Recover replays the WAL at Open: committed transactions' after-images
// are redone in LSN order, then uncommitted transactions' before-images
// are undone in reverse LSN order (§4.D, §7).
func (m *TxnManager) Recover() error {
	records, err := m.wal.IterFrom(0)
	if err != nil {
		return err
	}

	committed := make(map[uint64]bool)
	for _, r := range records {
		if r.Type == WALCommit {
			committed[r.TxnID] = true
		}
	}

	for _, r := range records {
		if r.Type != WALWrite || !committed[r.TxnID] {
			continue
		}
		if err := m.pf.WriteRaw(r.PageID, r.After); err != nil {
			return err
		}
	}

	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Type != WALWrite || committed[r.TxnID] {
			continue
		}
		// Covers both explicitly aborted transactions and ones left
		// in-flight by a crash (no terminal record at all).
		if err := m.pf.WriteRaw(r.PageID, r.Before); err != nil {
			return err
		}
	}

	var maxLSN uint64
	for _, r := range records {
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
	}
	m.advanceWatermark(maxLSN)
	if maxLSN >= m.wal.nextLSN.Load() {
		m.wal.nextLSN.Store(maxLSN + 1)
	}
	return nil
}

// Checkpoint flushes every dirty committed page through to the page
// file, fsyncs it, appends and fsyncs a Checkpoint record, then
// truncates the WAL (§4.C "Truncation").
func (m *TxnManager) Checkpoint() error {
	dirty := m.cache.DirtyPages()
	for _, id := range dirty {
		content, lsn, ok := m.cache.NewestCommitted(id)
		if !ok {
			continue
		}
		if err := m.pf.WriteRaw(id, content); err != nil {
			return err
		}
		m.cache.MarkClean(id, lsn)
	}
	if err := m.pf.Fsync(); err != nil {
		return err
	}

	lsn, err := m.wal.Append(&WALRecord{Type: WALCheckpoint})
	if err != nil {
		return err
	}
	if err := m.wal.Flush(); err != nil {
		return err
	}
	if err := m.pf.SetLastCheckpointLSN(lsn); err != nil {
		return err
	}
	return m.wal.Truncate()
}
