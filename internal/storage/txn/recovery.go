package txn

import (
	"fmt"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// PageLSNReader lets recovery ask whether a page's on-disk LSN already
// reflects a given WAL record, so the redo pass can skip records whose
// effect is already on disk.
type PageLSNReader interface {
	PageLSN(file string, pageNo uint32) (pager.LSN, error)
}

// Recover runs ARIES-style crash recovery against wal: a full redo pass
// over every record from the log's first LSN (reapplying any UPDATE_PAGE
// or CLR whose target page's on-disk LSN is behind the record's LSN),
// followed by an undo pass that rolls back every transaction which never
// reached COMMIT_TXN, emitting a CLR for each undone update exactly as
// Manager.Rollback does during normal operation.
//
// Generalized from tinySQL's pager/recovery.go, which only redoes
// committed transactions and never undoes losers (the teacher's design
// relies on a transaction's dirty pages never having been flushed before
// commit, which a byte-range WAL with partial eviction cannot guarantee).
//
// Recover also returns the highest transaction ID it observed in the log
// (maxTxnID) and whether it saw any record at all (sawAny), so the
// caller can advance the engine's next-txn-id watermark past every
// txn-id that appears in the log, committed or not, before resuming
// normal operation.
func Recover(wal *WAL, pages PageAccess, lsnReader PageLSNReader) (maxTxnID uint32, sawAny bool, err error) {
	type txnInfo struct {
		committed bool
		lastLSN   pager.LSN
		sawEnd    bool
	}
	txns := make(map[uint32]*txnInfo)

	// Pass 1 (analysis + redo): scan the log forward once, reapplying
	// every physical change and recording each transaction's outcome and
	// last-seen LSN.
	err = wal.ReadAll(func(rec *Record) error {
		sawAny = true
		if rec.TxnID > maxTxnID {
			maxTxnID = rec.TxnID
		}
		info, ok := txns[rec.TxnID]
		if !ok {
			info = &txnInfo{}
			txns[rec.TxnID] = info
		}
		info.lastLSN = rec.LSN

		switch rec.Type {
		case RecordCommitTxn:
			info.committed = true
		case RecordEndTxn:
			info.sawEnd = true
		case RecordUpdatePage, RecordCLR:
			onDisk, err := lsnReader.PageLSN(rec.File, rec.PageNo)
			if err != nil {
				return fmt.Errorf("recovery: read page LSN for %s page %d: %w", rec.File, rec.PageNo, err)
			}
			if onDisk.Less(rec.LSN) {
				if err := pages.WriteRange(rec.File, rec.PageNo, rec.PageOffset, rec.After, rec.LSN); err != nil {
					return fmt.Errorf("recovery: redo %s at %s: %w", rec.Type, rec.LSN, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("recovery: redo pass: %w", err)
	}

	// Pass 2 (undo losers): any transaction that never committed and
	// never reached END_TXN is a loser and must be rolled back, walking
	// its chain backward exactly like Manager.Rollback.
	for txnID, info := range txns {
		if info.committed || info.sawEnd {
			continue
		}
		if err := undoLoser(wal, pages, txnID, info.lastLSN); err != nil {
			return 0, false, fmt.Errorf("recovery: undo txn %d: %w", txnID, err)
		}
	}
	return maxTxnID, sawAny, nil
}

func undoLoser(wal *WAL, pages PageAccess, txnID uint32, lastLSN pager.LSN) error {
	cursor := lastLSN
	for cursor != (pager.LSN{}) {
		rec, err := wal.ReadAt(cursor)
		if err != nil {
			return fmt.Errorf("read %s: %w", cursor, err)
		}
		if rec.Type == RecordUpdatePage {
			if err := pages.WriteRange(rec.File, rec.PageNo, rec.PageOffset, rec.Before, pager.LSN{}); err != nil {
				return fmt.Errorf("apply undo at %s: %w", cursor, err)
			}
			clr := &Record{
				Type:        RecordCLR,
				TxnID:       txnID,
				PrevLSN:     cursor,
				File:        rec.File,
				PageNo:      rec.PageNo,
				PageOffset:  rec.PageOffset,
				After:       rec.Before,
				UndoNextLSN: rec.PrevLSN,
			}
			clrLSN, err := wal.Append(clr)
			if err != nil {
				return fmt.Errorf("log CLR: %w", err)
			}
			if err := pages.WriteRange(rec.File, rec.PageNo, rec.PageOffset, rec.Before, clrLSN); err != nil {
				return fmt.Errorf("stamp undo LSN at %s: %w", clrLSN, err)
			}
		}
		cursor = rec.PrevLSN
	}
	if _, err := wal.Append(&Record{Type: RecordAbortTxn, TxnID: txnID, PrevLSN: lastLSN}); err != nil {
		return fmt.Errorf("log ABORT_TXN: %w", err)
	}
	if _, err := wal.Append(&Record{Type: RecordEndTxn, TxnID: txnID}); err != nil {
		return fmt.Errorf("log END_TXN: %w", err)
	}
	return wal.Sync()
}
