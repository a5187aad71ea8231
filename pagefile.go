// Paged file container (§4.B): fixed-size pages, a free list, and the
// file header. Durability of page content is owned by the WAL, not by
// this layer — write_raw is best-effort atomic at page granularity on
// whatever guarantee the OS gives a single pwrite of PageSize bytes.
package blite

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/zeebo/xxh3"
)

// PageID identifies a page. 0 is reserved for the file header.
type PageID uint32

const (
	fileMagic        = "BLITEDB1"
	formatVersion    = 1
	fileHeaderSize   = 64 // physically occupies the first bytes of page 0
	pageHeaderSize   = 32
	minPageSize      = 4096
	maxPageSize      = 64 * 1024
	defaultPageSize  = 8192
	freeListNextOff  = pageHeaderSize // u32 "next free page" stored right after the page header
)

// Page type tags (§3).
const (
	PageTypeHeader        byte = 1
	PageTypeFreeList      byte = 2
	PageTypeCatalog       byte = 3
	PageTypeData          byte = 4
	PageTypeIndexInternal byte = 5
	PageTypeIndexLeaf     byte = 6
	PageTypeOverflow      byte = 7
	PageTypeIndexMeta     byte = 8
)

// fileHeader is the page-0 file header (§6.2), bit-exact layout.
type fileHeader struct {
	FormatVersion         uint32
	PageSize              uint32
	PageCount             uint64
	FirstFreePage         uint32
	CatalogRootPage       uint32
	KeyDictionaryRootPage uint32
	LastCheckpointLSN     uint64
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:8], fileMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.FormatVersion)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.PageCount)
	binary.LittleEndian.PutUint32(buf[24:28], h.FirstFreePage)
	binary.LittleEndian.PutUint32(buf[28:32], h.CatalogRootPage)
	binary.LittleEndian.PutUint32(buf[32:36], h.KeyDictionaryRootPage)
	binary.LittleEndian.PutUint64(buf[36:44], h.LastCheckpointLSN)
	return buf
}

func decodeFileHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < fileHeaderSize || string(buf[0:8]) != fileMagic {
		return nil, ErrIncompatible
	}
	h := &fileHeader{
		FormatVersion:         binary.LittleEndian.Uint32(buf[8:12]),
		PageSize:              binary.LittleEndian.Uint32(buf[12:16]),
		PageCount:             binary.LittleEndian.Uint64(buf[16:24]),
		FirstFreePage:         binary.LittleEndian.Uint32(buf[24:28]),
		CatalogRootPage:       binary.LittleEndian.Uint32(buf[28:32]),
		KeyDictionaryRootPage: binary.LittleEndian.Uint32(buf[32:36]),
		LastCheckpointLSN:     binary.LittleEndian.Uint64(buf[36:44]),
	}
	if h.FormatVersion != formatVersion {
		return nil, ErrIncompatible
	}
	return h, nil
}

// pageHeader is the 32-byte header present on every page.
type pageHeader struct {
	PageType byte
	PageID   PageID
	LSN      uint64
	Checksum uint64
	Flags    uint16
}

func (h *pageHeader) encode(buf []byte) {
	buf[0] = 'B'
	buf[1] = 'L'
	buf[2] = 'p'
	buf[3] = 'g'
	buf[4] = h.PageType
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.PageID))
	binary.LittleEndian.PutUint64(buf[12:20], h.LSN)
	binary.LittleEndian.PutUint64(buf[20:28], h.Checksum)
	binary.LittleEndian.PutUint16(buf[28:30], h.Flags)
}

func decodePageHeader(buf []byte) (*pageHeader, error) {
	if len(buf) < pageHeaderSize || buf[0] != 'B' || buf[1] != 'L' || buf[2] != 'p' || buf[3] != 'g' {
		return nil, ErrCorrupt
	}
	return &pageHeader{
		PageType: buf[4],
		PageID:   PageID(binary.LittleEndian.Uint32(buf[8:12])),
		LSN:      binary.LittleEndian.Uint64(buf[12:20]),
		Checksum: binary.LittleEndian.Uint64(buf[20:28]),
		Flags:    binary.LittleEndian.Uint16(buf[28:30]),
	}, nil
}

// pageChecksum hashes everything past the header so the header's own
// checksum field doesn't need to special-case itself.
func pageChecksum(content []byte) uint64 {
	return xxh3.Hash(content[pageHeaderSize:])
}

// PageFile manages the single on-disk page container.
type PageFile struct {
	mu        sync.Mutex
	root      *os.Root
	f         *os.File
	lock      *fileLock
	pageSize  uint32
	header    fileHeader
	freeBits  *bitset.BitSet // in-memory mirror of free pages, indexed by page id
}

// OpenPageFile opens or creates the page file at dir/name. On create, the
// header and page 0 are written with pageSize (defaulting to 8KiB).
func OpenPageFile(dir, name string, pageSize uint32) (*PageFile, error) {
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if pageSize < minPageSize || pageSize > maxPageSize || pageSize&(pageSize-1) != 0 {
		return nil, ErrIncompatible
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}

	_, statErr := root.Stat(name)
	creating := os.IsNotExist(statErr)

	f, err := root.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		root.Close()
		return nil, err
	}

	flock := &fileLock{f: f}
	if err := flock.Lock(); err != nil {
		f.Close()
		root.Close()
		return nil, ErrLocked
	}

	pf := &PageFile{root: root, f: f, lock: flock, pageSize: pageSize}

	if creating {
		pf.header = fileHeader{FormatVersion: formatVersion, PageSize: pageSize, PageCount: 1}
		if err := pf.writeFileHeader(); err != nil {
			flock.Unlock()
			f.Close()
			root.Close()
			return nil, err
		}
		pf.freeBits = bitset.New(1)
	} else {
		buf := make([]byte, fileHeaderSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			flock.Unlock()
			f.Close()
			root.Close()
			return nil, err
		}
		hdr, err := decodeFileHeader(buf)
		if err != nil {
			flock.Unlock()
			f.Close()
			root.Close()
			return nil, err
		}
		if hdr.PageSize != pageSize {
			flock.Unlock()
			f.Close()
			root.Close()
			return nil, ErrIncompatible
		}
		pf.header = *hdr
		pf.freeBits = bitset.New(uint(hdr.PageCount))
		pf.rebuildFreeBits()
	}

	return pf, nil
}

// rebuildFreeBits walks the on-disk free list to populate the in-memory
// allocation bitmap used for O(1) membership queries (DOMAIN STACK:
// bits-and-blooms/bitset), without changing the authoritative linked
// list on disk.
func (pf *PageFile) rebuildFreeBits() {
	id := PageID(pf.header.FirstFreePage)
	seen := make(map[PageID]bool)
	for id != 0 && !seen[id] {
		seen[id] = true
		pf.freeBits.Set(uint(id))
		buf, err := pf.readRawLocked(id)
		if err != nil {
			return
		}
		id = PageID(binary.LittleEndian.Uint32(buf[freeListNextOff : freeListNextOff+4]))
	}
}

func (pf *PageFile) writeFileHeader() error {
	buf := pf.header.encode()
	_, err := pf.f.WriteAt(buf, 0)
	return err
}

// AllocatePage returns the head of the free list, else grows the file by
// one page. The returned page content is zeroed.
func (pf *PageFile) AllocatePage() (PageID, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	var id PageID
	if pf.header.FirstFreePage != 0 {
		id = PageID(pf.header.FirstFreePage)
		buf, err := pf.readRawLocked(id)
		if err != nil {
			return 0, err
		}
		next := binary.LittleEndian.Uint32(buf[freeListNextOff : freeListNextOff+4])
		pf.header.FirstFreePage = next
		pf.freeBits.Clear(uint(id))
	} else {
		id = PageID(pf.header.PageCount)
		pf.header.PageCount++
	}

	zero := make([]byte, pf.pageSize)
	if err := pf.writeRawLocked(id, zero); err != nil {
		return 0, err
	}
	if err := pf.writeFileHeader(); err != nil {
		return 0, err
	}
	return id, nil
}

// FreePage links id onto the head of the free list. Content is wiped
// lazily, on next AllocatePage reuse, per §4.B.
func (pf *PageFile) FreePage(id PageID) error {
	if id == 0 {
		return ErrCorrupt
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()

	buf, err := pf.readRawLocked(id)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[freeListNextOff:freeListNextOff+4], pf.header.FirstFreePage)
	if err := pf.writeRawLocked(id, buf); err != nil {
		return err
	}
	pf.header.FirstFreePage = uint32(id)
	pf.freeBits.Set(uint(id))
	return pf.writeFileHeader()
}

// IsFree reports whether id is currently on the free list, per the
// in-memory bitmap mirror.
func (pf *PageFile) IsFree(id PageID) bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return uint(id) < pf.freeBits.Len() && pf.freeBits.Test(uint(id))
}

// ReadRaw reads page id's full PageSize content.
func (pf *PageFile) ReadRaw(id PageID) ([]byte, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.readRawLocked(id)
}

func (pf *PageFile) readRawLocked(id PageID) ([]byte, error) {
	buf := make([]byte, pf.pageSize)
	off := int64(id) * int64(pf.pageSize)
	if _, err := pf.f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteRaw writes page id's content. Content must be exactly PageSize
// bytes.
func (pf *PageFile) WriteRaw(id PageID, content []byte) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.writeRawLocked(id, content)
}

func (pf *PageFile) writeRawLocked(id PageID, content []byte) error {
	if uint32(len(content)) != pf.pageSize {
		return ErrCorrupt
	}
	off := int64(id) * int64(pf.pageSize)
	_, err := pf.f.WriteAt(content, off)
	return err
}

// PageSize returns the fixed page size for this file.
func (pf *PageFile) PageSize() uint32 { return pf.pageSize }

// PageCount returns the current number of pages, including freed ones.
func (pf *PageFile) PageCount() uint64 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.header.PageCount
}

// SetCatalogRoot persists the catalog root page ID in the file header.
func (pf *PageFile) SetCatalogRoot(id PageID) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.header.CatalogRootPage = uint32(id)
	return pf.writeFileHeader()
}

// CatalogRoot returns the persisted catalog root page ID (0 if none).
func (pf *PageFile) CatalogRoot() PageID {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return PageID(pf.header.CatalogRootPage)
}

// SetKeyDictionaryRoot persists the key dictionary chain's root page ID.
func (pf *PageFile) SetKeyDictionaryRoot(id PageID) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.header.KeyDictionaryRootPage = uint32(id)
	return pf.writeFileHeader()
}

// KeyDictionaryRoot returns the persisted key dictionary root page ID.
func (pf *PageFile) KeyDictionaryRoot() PageID {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return PageID(pf.header.KeyDictionaryRootPage)
}

// SetLastCheckpointLSN records the LSN of the most recent checkpoint.
func (pf *PageFile) SetLastCheckpointLSN(lsn uint64) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.header.LastCheckpointLSN = lsn
	return pf.writeFileHeader()
}

// LastCheckpointLSN returns the most recently recorded checkpoint LSN.
func (pf *PageFile) LastCheckpointLSN() uint64 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.header.LastCheckpointLSN
}

// Fsync forces metadata and data to stable storage.
func (pf *PageFile) Fsync() error {
	return pf.f.Sync()
}

// Close releases the OS lock and closes the underlying file.
func (pf *PageFile) Close() error {
	pf.lock.Unlock()
	if err := pf.f.Close(); err != nil {
		pf.root.Close()
		return err
	}
	return pf.root.Close()
}
