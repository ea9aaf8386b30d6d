package txn

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// WAL is a single append-only write-ahead-log file. Unlike the paged
// heap/B+Tree files, the log is a flat sequence of length-prefixed
// records, so it is driven directly against an *os.File rather than
// through the file manager's fixed-page abstraction.
//
// The length prefix is 4 bytes, not the 2 bytes named for the wire
// format: UPDATE_PAGE records here carry whole before/after page images
// (see heap/table.go, btreeindex/btree.go), and page size is
// configurable up to pager.MaxPageSize (65536) — a single page image
// already overflows a 2-byte length field at that ceiling, so the
// prefix is 4 bytes wide. The File, Before and After length fields
// inside the record body (record.go) stay 2 bytes wide.
//
// Grounded on tinySQL's pager/wal.go WALFile, which likewise bypasses
// the pager's page cache for the log.
type WAL struct {
	mu     sync.Mutex
	f      *os.File
	fileNo uint32
	offset uint32 // next record's LSN offset within this file
}

// OpenWAL opens (creating if necessary) the WAL file fileNo under dir.
func OpenWAL(dir string, fileNo uint32) (*WAL, error) {
	path := filepath.Join(dir, walName(fileNo))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txn: open WAL %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("txn: stat WAL %q: %w", path, err)
	}
	return &WAL{f: f, fileNo: fileNo, offset: uint32(info.Size())}, nil
}

func walName(fileNo uint32) string { return fmt.Sprintf("wal-%08d.log", fileNo) }

// Append writes rec to the end of the log and returns the LSN it was
// assigned. The record is not guaranteed durable until Sync.
func (w *WAL) Append(rec *Record) (pager.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	body := marshal(rec)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	lsn := pager.LSN{FileNo: w.fileNo, Offset: w.offset, RecordSize: uint32(len(lenPrefix) + len(body))}
	if _, err := w.f.WriteAt(lenPrefix[:], int64(w.offset)); err != nil {
		return pager.LSN{}, fmt.Errorf("txn: append WAL length prefix: %w", err)
	}
	if _, err := w.f.WriteAt(body, int64(w.offset)+int64(len(lenPrefix))); err != nil {
		return pager.LSN{}, fmt.Errorf("txn: append WAL body: %w", err)
	}
	w.offset += lsn.RecordSize
	return lsn, nil
}

// Sync flushes the log to stable storage. forceWAL in txnmgr.go calls this
// before any dirty page may be written to its data file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("txn: sync WAL: %w", err)
	}
	return nil
}

// Tail returns the LSN that the next Append will be assigned — i.e. the
// current durable+buffered end of the log.
func (w *WAL) Tail() pager.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return pager.LSN{FileNo: w.fileNo, Offset: w.offset}
}

// ReadAt decodes the single record whose LSN is lsn.
func (w *WAL) ReadAt(lsn pager.LSN) (*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn.FileNo != w.fileNo {
		return nil, fmt.Errorf("txn: ReadAt fileNo %d does not match WAL fileNo %d", lsn.FileNo, w.fileNo)
	}
	var lenPrefix [4]byte
	if _, err := w.f.ReadAt(lenPrefix[:], int64(lsn.Offset)); err != nil {
		return nil, fmt.Errorf("txn: read WAL length prefix at %s: %w", lsn, err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := w.f.ReadAt(body, int64(lsn.Offset)+4); err != nil {
		return nil, fmt.Errorf("txn: read WAL body at %s: %w", lsn, err)
	}
	rec, err := unmarshal(body)
	if err != nil {
		return nil, err
	}
	rec.LSN = lsn
	rec.LSN.RecordSize = 4 + n
	return rec, nil
}

// ReadAll streams every record from the start of the log in order,
// calling fn for each. It stops (without error) at the first truncated
// or corrupt trailing record, since a torn write at the tail is the
// normal result of a crash mid-append.
func (w *WAL) ReadAll(fn func(*Record) error) error {
	w.mu.Lock()
	f := w.f
	fileNo := w.fileNo
	end := w.offset
	w.mu.Unlock()

	var offset uint32
	for offset < end {
		var lenPrefix [4]byte
		if _, err := f.ReadAt(lenPrefix[:], int64(offset)); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		if n == 0 || offset+4+n > end {
			break
		}
		body := make([]byte, n)
		if _, err := f.ReadAt(body, int64(offset)+4); err != nil {
			break
		}
		rec, err := unmarshal(body)
		if err != nil {
			break
		}
		rec.LSN = pager.LSN{FileNo: fileNo, Offset: offset, RecordSize: 4 + n}
		if err := fn(rec); err != nil {
			return err
		}
		offset += 4 + n
	}
	return nil
}

// Close closes the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
