// Core database type and lifecycle operations.
//
// DB ties together the page file, WAL, transaction manager, page cache
// and catalog into the single embedded-database handle the rest of the
// package's public API hangs off. It manages file handles, tracks state
// for concurrency control, and coordinates recovery at Open.
package blite

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for concurrency control. Checkpoint and Backup wait on
// db.cond while the state excludes them; Begin refuses only StateClosed,
// so transactions are not held back by StateRead or StateNone.
const (
	StateAll    = 0 // No checkpoint or backup running
	StateRead   = 1 // Backup copying the page file; checkpoints wait
	StateNone   = 2 // Checkpoint running; backups and other checkpoints wait
	StateClosed = 3 // Database closed
)

// Config holds database configuration options. Zero values are filled
// with defaults at Open.
type Config struct {
	PageSize            uint32        // Page size in bytes, 4KiB-64KiB power of two (default 8KiB)
	CacheBudget         int           // Committed pages held in the buffer overlay (0 = default 1024, negative = unbounded)
	CheckpointInterval  time.Duration // Background checkpoint period, 0 disables the ticker
	DefaultIsolation    IsolationLevel
	Publisher           Publisher // Optional CDC sink; nil disables event publishing
}

const defaultCacheBudget = 1024

func (c *Config) fillDefaults() {
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.CacheBudget == 0 {
		c.CacheBudget = defaultCacheBudget
	}
}

// DB represents an open database: one page file plus its WAL, wired to
// a transaction manager and an MVCC cache.
type DB struct {
	dir  string
	name string

	pf    *PageFile
	wal   *WAL
	cache *PageCache
	txm   *TxnManager
	dict  *keyDict
	cat   *Catalog

	collMu sync.Mutex
	colls  map[string]*Collection

	config Config
	state  atomic.Int32
	cond   *sync.Cond

	stopCheckpoint chan struct{}
	checkpointDone chan struct{}
}

// Open opens or creates the database pair `<name>.db` / `<name>.wal` in
// dir (§6.2).
func Open(dir, name string, config Config) (*DB, error) {
	config.fillDefaults()

	pf, err := OpenPageFile(dir, name+".db", config.PageSize)
	if err != nil {
		return nil, err
	}

	wal, err := OpenWAL(dir, name+".wal", pf.LastCheckpointLSN()+1)
	if err != nil {
		pf.Close()
		return nil, err
	}

	cache := NewPageCache(pf, config.CacheBudget)
	txm := NewTxnManager(wal, pf, cache, config.Publisher)

	if err := txm.Recover(); err != nil {
		wal.Close()
		pf.Close()
		return nil, err
	}

	db := &DB{
		dir:    dir,
		name:   name,
		pf:     pf,
		wal:    wal,
		cache:  cache,
		txm:    txm,
		colls:  make(map[string]*Collection),
		config: config,
		cond:   sync.NewCond(&sync.Mutex{}),
	}

	bootstrap, err := txm.Begin(ReadCommitted)
	if err != nil {
		wal.Close()
		pf.Close()
		return nil, err
	}
	dict, err := LoadKeyDictionary(pf, bootstrap)
	if err != nil {
		txm.Abort(bootstrap)
		wal.Close()
		pf.Close()
		return nil, err
	}
	cat, err := OpenCatalog(pf, bootstrap)
	if err != nil {
		txm.Abort(bootstrap)
		wal.Close()
		pf.Close()
		return nil, err
	}
	if err := txm.Commit(bootstrap); err != nil {
		wal.Close()
		pf.Close()
		return nil, err
	}
	db.dict = dict
	db.cat = cat

	if config.CheckpointInterval > 0 {
		db.startCheckpointLoop(config.CheckpointInterval)
	}

	return db, nil
}

// startCheckpointLoop runs the optional background checkpoint ticker, a
// convenience on top of the mandatory on-demand Checkpoint.
func (db *DB) startCheckpointLoop(interval time.Duration) {
	db.stopCheckpoint = make(chan struct{})
	db.checkpointDone = make(chan struct{})
	go func() {
		defer close(db.checkpointDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = db.Checkpoint()
			case <-db.stopCheckpoint:
				return
			}
		}
	}()
}

// Checkpoint persists the key dictionary (when it holds names not yet
// saved), flushes dirty committed pages through to the page file and
// truncates the WAL (§4.D). It waits while a backup or another
// checkpoint is running.
func (db *DB) Checkpoint() error {
	db.cond.L.Lock()
	for s := db.state.Load(); s == StateNone || s == StateRead; s = db.state.Load() {
		db.cond.Wait()
	}
	if db.state.Load() == StateClosed {
		db.cond.L.Unlock()
		return ErrClosed
	}
	db.state.Store(StateNone)
	db.cond.L.Unlock()

	txn, err := db.txm.Begin(ReadCommitted)
	if err == nil {
		var saved *keyDict
		if saved, err = LoadKeyDictionary(db.pf, txn); err == nil && len(saved.entries()) != len(db.dict.entries()) {
			err = SaveKeyDictionary(db.pf, txn, db.dict)
		}
		if err != nil {
			db.txm.Abort(txn)
		} else if err = db.txm.Commit(txn); err == nil {
			err = db.txm.Checkpoint()
		}
	}

	db.cond.L.Lock()
	db.state.Store(StateAll)
	db.cond.Broadcast()
	db.cond.L.Unlock()
	return err
}

// Begin starts a new transaction under the given isolation level, used
// as passed; config.DefaultIsolation is not applied here.
func (db *DB) Begin(isolation IsolationLevel) (*Txn, error) {
	if db.state.Load() == StateClosed {
		return nil, ErrClosed
	}
	return db.txm.Begin(isolation)
}

// Commit commits t.
func (db *DB) Commit(t *Txn) error { return db.txm.Commit(t) }

// Abort aborts t.
func (db *DB) Abort(t *Txn) error { return db.txm.Abort(t) }

// Backup checkpoints the database, then copies the page file to
// destPath, producing a standalone, internally consistent database
// (§6.3).
func (db *DB) Backup(destPath string) error {
	if err := db.Checkpoint(); err != nil {
		return err
	}

	db.cond.L.Lock()
	for s := db.state.Load(); s == StateNone || s == StateRead; s = db.state.Load() {
		db.cond.Wait()
	}
	if db.state.Load() == StateClosed {
		db.cond.L.Unlock()
		return ErrClosed
	}
	prev := db.state.Load()
	db.state.Store(StateRead)
	db.cond.L.Unlock()
	defer func() {
		db.cond.L.Lock()
		db.state.Store(prev)
		db.cond.Broadcast()
		db.cond.L.Unlock()
	}()

	src, err := os.Open(db.dir + "/" + db.name + ".db")
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	buf := make([]byte, 256*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return rerr
		}
	}
	return dst.Sync()
}

// Close stops the background checkpointer, closes the WAL and page
// file.
func (db *DB) Close() error {
	db.cond.L.Lock()
	db.state.Store(StateClosed)
	db.cond.Broadcast()
	db.cond.L.Unlock()

	if db.stopCheckpoint != nil {
		close(db.stopCheckpoint)
		<-db.checkpointDone
	}

	var errs []error
	if err := db.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.pf.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
