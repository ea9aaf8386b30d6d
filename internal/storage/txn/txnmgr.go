package txn

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// TxnState is the per-session transaction bookkeeping: whether a
// transaction is active, whether the caller explicitly opened it (as
// opposed to an implicit single-statement transaction), and whether its
// START_TXN record has actually been logged yet.
//
// Grounded on the teacher's session-level transaction flags; logging
// START_TXN lazily (only once the first update happens) avoids writing
// a WAL record for every read-only statement.
type TxnState struct {
	TxnID          uint32
	Active         bool
	UserStartedTxn bool
	LoggedTxnStart bool
	LastLSN        pager.LSN
}

// GlobalState is the durable, engine-wide transaction counter and log
// watermark, persisted to a small state file so recovery knows where the
// log begins and what the next transaction ID should be.
type GlobalState struct {
	NextTxnID uint32
	FirstLSN  pager.LSN
	NextLSN   pager.LSN
}

// GlobalStateSize is the on-disk size in bytes of a marshaled GlobalState.
const GlobalStateSize = 4 + 8 + 8

// StatePersister durably writes g to the engine's txn-state file. Manager
// calls it at the end of every Commit so firstLSN/nextLSN (and the
// current txn-id watermark) survive a crash without waiting for the next
// checkpoint.
type StatePersister func(GlobalState) error

// PageAccess is the narrow interface the transaction manager needs onto
// the buffer manager in order to apply undo (CLR) writes during
// rollback and recovery, without depending on buffer's session/pin API.
type PageAccess interface {
	ReadRange(file string, pageNo uint32, offset uint16, length uint16) ([]byte, error)
	WriteRange(file string, pageNo uint32, offset uint16, data []byte, lsn pager.LSN) error
}

// Manager is the Transaction Manager: it owns the WAL, assigns
// transaction IDs, and logs/commits/rolls back transactions.
type Manager struct {
	mu     sync.Mutex
	wal    *WAL
	pages  PageAccess
	global GlobalState

	active map[uint32]*TxnState
	// durableThrough is the highest LSN known to be fsynced.
	durableThrough pager.LSN

	persistState StatePersister
}

// New creates a Manager writing to wal and applying undo through pages.
func New(wal *WAL, pages PageAccess, global GlobalState) *Manager {
	return &Manager{
		wal:    wal,
		pages:  pages,
		global: global,
		active: make(map[uint32]*TxnState),
	}
}

// SetStatePersister installs the callback Commit uses to durably persist
// the txn-state file. Engine wires this to its own txnstate.dat writer
// once it has a file manager to hand Manager.
func (m *Manager) SetStatePersister(p StatePersister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistState = p
}

// BumpNextTxnID raises the next-transaction-id counter to at least min,
// the step crash recovery uses to make sure a restarted engine never
// hands out a txn-id that already appears, committed or not, in the WAL.
func (m *Manager) BumpNextTxnID(min uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if min > m.global.NextTxnID {
		m.global.NextTxnID = min
	}
}

// Forcer returns a buffer.Forcer-compatible callback that ensures the
// WAL is durable at least through targetLSN before a dirty page may be
// flushed — the Write-Ahead-Log rule.
func (m *Manager) Forcer() func(pager.LSN) error {
	return m.forceWAL
}

// forceWAL is idempotent: if the log is already durable through target,
// it does nothing.
func (m *Manager) forceWAL(target pager.LSN) error {
	m.mu.Lock()
	durable := m.durableThrough
	m.mu.Unlock()
	if durable.Greater(target) || durable == target {
		return nil
	}
	if err := m.wal.Sync(); err != nil {
		return err
	}
	m.mu.Lock()
	tail := m.wal.Tail()
	if tail.Greater(m.durableThrough) {
		m.durableThrough = tail
	}
	m.mu.Unlock()
	return nil
}

// Begin starts a transaction for the caller, assigning it a fresh ID.
// explicit marks whether the caller (not the engine) requested it, which
// controls whether a later Commit/Rollback call is a no-op for an
// implicit single-statement transaction already closed by the engine.
func (m *Manager) Begin(explicit bool) *TxnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.global.NextTxnID
	m.global.NextTxnID++
	ts := &TxnState{TxnID: id, Active: true, UserStartedTxn: explicit}
	m.active[id] = ts
	return ts
}

// logStart lazily appends START_TXN the first time ts performs a write.
func (m *Manager) logStart(ts *TxnState) error {
	if ts.LoggedTxnStart {
		return nil
	}
	lsn, err := m.wal.Append(&Record{Type: RecordStartTxn, TxnID: ts.TxnID})
	if err != nil {
		return fmt.Errorf("txn: log START_TXN: %w", err)
	}
	ts.LoggedTxnStart = true
	ts.LastLSN = lsn
	return nil
}

// LogUpdate appends an UPDATE_PAGE record describing a byte-range change
// to a page, chaining it to the transaction's previous record, and
// returns the LSN it was assigned. Callers must set the page's LSN field
// to this value before the page may be evicted or flushed.
func (m *Manager) LogUpdate(ts *TxnState, file string, pageNo uint32, offset uint16, before, after []byte) (pager.LSN, error) {
	if err := m.logStart(ts); err != nil {
		return pager.LSN{}, err
	}
	rec := &Record{
		Type:       RecordUpdatePage,
		TxnID:      ts.TxnID,
		PrevLSN:    ts.LastLSN,
		File:       file,
		PageNo:     pageNo,
		PageOffset: offset,
		Before:     before,
		After:      after,
	}
	lsn, err := m.wal.Append(rec)
	if err != nil {
		return pager.LSN{}, fmt.Errorf("txn: log UPDATE_PAGE: %w", err)
	}
	ts.LastLSN = lsn
	return lsn, nil
}

// Commit forces the WAL through a COMMIT_TXN record (making the
// transaction's effects durable independent of whether its pages have
// been flushed yet), then appends END_TXN and retires the transaction.
func (m *Manager) Commit(ts *TxnState) error {
	if !ts.LoggedTxnStart {
		// Never wrote anything; nothing to make durable.
		m.retire(ts)
		return nil
	}
	lsn, err := m.wal.Append(&Record{Type: RecordCommitTxn, TxnID: ts.TxnID, PrevLSN: ts.LastLSN})
	if err != nil {
		return fmt.Errorf("txn: log COMMIT_TXN: %w", err)
	}
	ts.LastLSN = lsn
	if err := m.forceWAL(lsn); err != nil {
		return fmt.Errorf("txn: force WAL at commit: %w", err)
	}
	endLSN, err := m.wal.Append(&Record{Type: RecordEndTxn, TxnID: ts.TxnID, PrevLSN: ts.LastLSN})
	if err != nil {
		return fmt.Errorf("txn: log END_TXN: %w", err)
	}
	ts.LastLSN = endLSN
	m.retire(ts)

	m.mu.Lock()
	m.global.NextLSN = m.wal.Tail()
	global := m.global
	persist := m.persistState
	m.mu.Unlock()
	if persist != nil {
		if err := persist(global); err != nil {
			return fmt.Errorf("txn: persist txn-state at commit: %w", err)
		}
	}
	return nil
}

// Rollback undoes every UPDATE_PAGE this transaction logged, walking its
// PrevLSN chain backward and restoring each before-image, emitting a CLR
// for each undone update so recovery never has to redo the rollback
// itself.
func (m *Manager) Rollback(ts *TxnState) error {
	if !ts.LoggedTxnStart {
		m.retire(ts)
		return nil
	}
	cursor := ts.LastLSN
	for cursor != (pager.LSN{}) {
		rec, err := m.wal.ReadAt(cursor)
		if err != nil {
			return fmt.Errorf("txn: rollback read %s: %w", cursor, err)
		}
		if rec.Type == RecordUpdatePage {
			if err := m.pages.WriteRange(rec.File, rec.PageNo, rec.PageOffset, rec.Before, pager.LSN{}); err != nil {
				return fmt.Errorf("txn: rollback apply undo at %s: %w", cursor, err)
			}
			clr := &Record{
				Type:        RecordCLR,
				TxnID:       ts.TxnID,
				PrevLSN:     ts.LastLSN,
				File:        rec.File,
				PageNo:      rec.PageNo,
				PageOffset:  rec.PageOffset,
				After:       rec.Before,
				UndoNextLSN: rec.PrevLSN,
			}
			lsn, err := m.wal.Append(clr)
			if err != nil {
				return fmt.Errorf("txn: log CLR: %w", err)
			}
			if err := m.pages.WriteRange(rec.File, rec.PageNo, rec.PageOffset, rec.Before, lsn); err != nil {
				return fmt.Errorf("txn: stamp undo LSN at %s: %w", lsn, err)
			}
			ts.LastLSN = lsn
		}
		cursor = rec.PrevLSN
	}
	lsn, err := m.wal.Append(&Record{Type: RecordAbortTxn, TxnID: ts.TxnID, PrevLSN: ts.LastLSN})
	if err != nil {
		return fmt.Errorf("txn: log ABORT_TXN: %w", err)
	}
	if err := m.forceWAL(lsn); err != nil {
		return err
	}
	if _, err := m.wal.Append(&Record{Type: RecordEndTxn, TxnID: ts.TxnID, PrevLSN: lsn}); err != nil {
		return fmt.Errorf("txn: log END_TXN: %w", err)
	}
	m.retire(ts)
	return nil
}

func (m *Manager) retire(ts *TxnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts.Active = false
	delete(m.active, ts.TxnID)
}

// GlobalState returns a snapshot of the durable engine-wide counters, for
// persisting to the txn-state file on checkpoint/shutdown.
func (m *Manager) GlobalState() GlobalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global
}

// MarshalGlobalState encodes a GlobalState for the txn-state file:
//
//	[0:4]   NextTxnID
//	[4:8]   FirstLSN.FileNo
//	[8:12]  FirstLSN.Offset
//	[12:16] NextLSN.FileNo
//	[16:20] NextLSN.Offset
func MarshalGlobalState(g GlobalState) []byte {
	buf := make([]byte, GlobalStateSize)
	binary.BigEndian.PutUint32(buf[0:4], g.NextTxnID)
	binary.BigEndian.PutUint32(buf[4:8], g.FirstLSN.FileNo)
	binary.BigEndian.PutUint32(buf[8:12], g.FirstLSN.Offset)
	binary.BigEndian.PutUint32(buf[12:16], g.NextLSN.FileNo)
	binary.BigEndian.PutUint32(buf[16:20], g.NextLSN.Offset)
	return buf
}

// UnmarshalGlobalState decodes a GlobalState from the txn-state file.
func UnmarshalGlobalState(buf []byte) GlobalState {
	return GlobalState{
		NextTxnID: binary.BigEndian.Uint32(buf[0:4]),
		FirstLSN: pager.LSN{
			FileNo: binary.BigEndian.Uint32(buf[4:8]),
			Offset: binary.BigEndian.Uint32(buf[8:12]),
		},
		NextLSN: pager.LSN{
			FileNo: binary.BigEndian.Uint32(buf[12:16]),
			Offset: binary.BigEndian.Uint32(buf[16:20]),
		},
	}
}
