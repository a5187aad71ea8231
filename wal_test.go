package blite

import "testing"

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := OpenWAL(dir, "test.wal", 1)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWALAppendAssignsIncreasingLSNs(t *testing.T) {
	w := openTestWAL(t)
	lsn1, err := w.Append(&WALRecord{Type: WALBegin, TxnID: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	lsn2, err := w.Append(&WALRecord{Type: WALCommit, TxnID: 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if lsn2 <= lsn1 {
		t.Fatalf("expected strictly increasing LSNs, got %d then %d", lsn1, lsn2)
	}
}

func TestWALIterFromRoundTrip(t *testing.T) {
	w := openTestWAL(t)
	before := []byte("before-image")
	after := []byte("after-image")

	if _, err := w.Append(&WALRecord{Type: WALBegin, TxnID: 1}); err != nil {
		t.Fatalf("Append begin: %v", err)
	}
	if _, err := w.Append(&WALRecord{Type: WALWrite, TxnID: 1, PageID: 7, Before: before, After: after}); err != nil {
		t.Fatalf("Append write: %v", err)
	}
	if _, err := w.Append(&WALRecord{Type: WALCommit, TxnID: 1}); err != nil {
		t.Fatalf("Append commit: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	records, err := w.IterFrom(0)
	if err != nil {
		t.Fatalf("IterFrom: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[1].Type != WALWrite || string(records[1].Before) != string(before) || string(records[1].After) != string(after) {
		t.Fatalf("write record mismatch: %+v", records[1])
	}
	if records[2].Type != WALCommit {
		t.Fatalf("expected commit as 3rd record, got %v", records[2].Type)
	}
}

func TestWALTruncateResetsTail(t *testing.T) {
	w := openTestWAL(t)
	if _, err := w.Append(&WALRecord{Type: WALBegin, TxnID: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	records, err := w.IterFrom(0)
	if err != nil {
		t.Fatalf("IterFrom: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty log after truncate, got %d records", len(records))
	}
}

func TestWALDetectsCorruptTail(t *testing.T) {
	w := openTestWAL(t)
	if _, err := w.Append(&WALRecord{Type: WALBegin, TxnID: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Flip a byte inside the first record's CRC-protected payload.
	if _, err := w.f.WriteAt([]byte{0xFF}, 6); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}

	records, err := w.IterFrom(0)
	if err != nil {
		t.Fatalf("IterFrom: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected corrupt record to be dropped, got %d records", len(records))
	}
}
