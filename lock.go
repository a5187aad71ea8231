// OS-level file locking for cross-process coordination.
//
// BLite takes exactly one lock per open page file: a single exclusive
// flock/LockFileEx held for the file's entire lifetime, released on
// Close. fileLock wraps that with a mutex guarding the handle so Fd()
// cannot race with the file being closed out from under it.
package blite

import (
	"os"
	"sync"
)

// fileLock coordinates the page file's OS-level exclusive lock.
type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

// Lock acquires the exclusive flock.
func (l *fileLock) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock()
}

// Unlock releases the flock.
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlock()
}
