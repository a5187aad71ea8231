// Write-ahead log (§4.C): an append-only, length- and CRC-framed journal
// of page-level before/after images. A commit is durable once its Commit
// record has been written and flush() has fsync'd the log file.
//
// Record layout on disk (length-prefixed, CRC-protected):
//
//	[ total_len: u32_le ] [ type: u8 ] [ lsn: u64_le ] [ txn_id: u64_le ]
//	[ page_id: u32_le ] [ before_len: u32_le ] [ before bytes ]
//	[ after_len: u32_le ] [ after bytes ] [ crc32: u32_le ]
//
// total_len covers everything after itself, crc32 included. CRC32 is a
// stdlib, bit-exact requirement of §4.C — no third-party hash substitutes
// for it (see DESIGN.md).
package blite

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// WALRecordType enumerates WAL record kinds (§3).
type WALRecordType byte

const (
	WALBegin WALRecordType = iota + 1
	WALWrite
	WALCommit
	WALAbort
	WALCheckpoint
)

// WALRecord is one journal entry.
type WALRecord struct {
	Type   WALRecordType
	LSN    uint64
	TxnID  uint64
	PageID PageID
	Before []byte
	After  []byte
}

const walRecordFixedSize = 4 + 1 + 8 + 8 + 4 + 4 + 4 + 4 // total_len + type + lsn + txn_id + page_id + before_len + after_len + crc32

func (r *WALRecord) encode() []byte {
	size := walRecordFixedSize + len(r.Before) + len(r.After)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size-4))
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:13], r.LSN)
	binary.LittleEndian.PutUint64(buf[13:21], r.TxnID)
	binary.LittleEndian.PutUint32(buf[21:25], uint32(r.PageID))
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(r.Before)))
	off := 29
	copy(buf[off:off+len(r.Before)], r.Before)
	off += len(r.Before)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.After)))
	off += 4
	copy(buf[off:off+len(r.After)], r.After)
	off += len(r.After)
	crc := crc32.ChecksumIEEE(buf[4:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)
	return buf
}

// decodeWALRecord parses one record starting at buf[0]. Returns the
// record, the number of bytes consumed, and an error if the framing or
// CRC does not validate — the caller treats that as a torn tail write.
func decodeWALRecord(buf []byte) (*WALRecord, int, error) {
	if len(buf) < 4 {
		return nil, 0, io.ErrShortBuffer
	}
	size := binary.LittleEndian.Uint32(buf[0:4])
	total := int(size) + 4
	if total < walRecordFixedSize || len(buf) < total {
		return nil, 0, io.ErrShortBuffer
	}
	body := buf[4:total]
	payload := body[:len(body)-4]
	wantCRC := binary.LittleEndian.Uint32(body[len(body)-4:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, ErrCorrupt
	}

	r := &WALRecord{
		Type:   WALRecordType(body[0]),
		LSN:    binary.LittleEndian.Uint64(body[1:9]),
		TxnID:  binary.LittleEndian.Uint64(body[9:17]),
		PageID: PageID(binary.LittleEndian.Uint32(body[17:21])),
	}
	beforeLen := binary.LittleEndian.Uint32(body[21:25])
	off := 25
	if off+int(beforeLen) > len(payload) {
		return nil, 0, ErrCorrupt
	}
	if beforeLen > 0 {
		r.Before = append([]byte(nil), body[off:off+int(beforeLen)]...)
	}
	off += int(beforeLen)
	if off+4 > len(payload) {
		return nil, 0, ErrCorrupt
	}
	afterLen := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	if off+int(afterLen) > len(payload) {
		return nil, 0, ErrCorrupt
	}
	if afterLen > 0 {
		r.After = append([]byte(nil), body[off:off+int(afterLen)]...)
	}
	return r, total, nil
}

// WAL is the append-only log file.
type WAL struct {
	mu      sync.Mutex
	root    *os.Root
	name    string
	f       *os.File
	tail    int64
	nextLSN atomic.Uint64
}

// OpenWAL opens or creates the WAL file. startLSN seeds the monotonic LSN
// counter (typically the page file's last checkpoint LSN + 1 merged with
// any trailing records found by recovery).
func OpenWAL(dir, name string, startLSN uint64) (*WAL, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	f, err := root.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		root.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		root.Close()
		return nil, err
	}
	w := &WAL{root: root, name: name, f: f, tail: info.Size()}
	w.nextLSN.Store(startLSN)
	return w, nil
}

// Append writes record, assigning it the next strictly increasing LSN.
// The record is buffered to the OS (via WriteAt) but not fsync'd — call
// Flush for durability.
func (w *WAL) Append(rec *WALRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN.Add(1) - 1
	rec.LSN = lsn
	buf := rec.encode()
	if _, err := w.f.WriteAt(buf, w.tail); err != nil {
		return 0, err
	}
	w.tail += int64(len(buf))
	return lsn, nil
}

// Flush fsyncs the log file. A commit is durable once its Commit record
// has been written and this has returned nil.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Sync()
}

// IterFrom reads every valid record in LSN order from the start of the
// log, returning those with LSN >= fromLSN. Stops at the first framing or
// CRC failure, treating the remainder as a torn tail write (§4.C, §7).
func (w *WAL) IterFrom(fromLSN uint64) ([]*WALRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := make([]byte, w.tail)
	if _, err := w.f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}

	var out []*WALRecord
	pos := 0
	for pos < len(data) {
		rec, n, err := decodeWALRecord(data[pos:])
		if err != nil {
			break
		}
		if rec.LSN >= fromLSN {
			out = append(out, rec)
		}
		pos += n
	}
	return out, nil
}

// Truncate discards all records, used after a successful checkpoint
// (§4.C "Truncation"). The monotonic LSN counter is not reset.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	w.tail = 0
	return nil
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	if err := w.f.Close(); err != nil {
		w.root.Close()
		return err
	}
	return w.root.Close()
}
