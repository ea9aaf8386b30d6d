// Package engine ties the storage layers together into one explicit,
// ownable object: a top-level Engine holds the file manager, buffer
// manager, transaction manager, and a catalog mapping table/index names
// to their open handles, with no process-wide singleton anywhere in the
// call chain.
//
// Grounded on tinySQL's internal/storage.PageBackend (owns a *Pager and
// a *Catalog, constructed once per database directory), generalized to
// own the five split-out managers (filemgr/buffer/txn/heap/btreeindex)
// instead of one monolithic pager, and to hand out explicit *Session
// values instead of a single shared connection state.
package engine

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/avaish/nanodb/internal/storage/btreeindex"
	"github.com/avaish/nanodb/internal/storage/buffer"
	"github.com/avaish/nanodb/internal/storage/filemgr"
	"github.com/avaish/nanodb/internal/storage/heap"
	"github.com/avaish/nanodb/internal/storage/pager"
	"github.com/avaish/nanodb/internal/storage/txn"
)

const (
	txnStateFile = "txnstate.dat"
	catalogFile  = "catalog.dat"
)

// Config configures a new or reopened Engine.
type Config struct {
	BaseDir        string
	PageSize       int
	CacheBytes     int64
	CachePolicy    buffer.ReplacementPolicy
	CheckpointCron string // empty disables the background checkpoint scheduler
}

// Engine is the top-level, explicit owner of one database directory's
// storage stack.
type Engine struct {
	cfg Config

	files  *filemgr.Manager
	bufmgr *buffer.Manager
	txnmgr *txn.Manager
	wal    *txn.WAL

	mu      sync.Mutex
	tables  map[string]*heap.Table
	indexes map[string]*btreeindex.Tree
	catalog *Catalog

	nextSession uint64

	scheduler *Scheduler
}

// Open opens (creating if necessary) the database directory at
// cfg.BaseDir, runs crash recovery against its WAL, and returns a ready
// Engine. Callers should defer Close.
func Open(cfg Config) (*Engine, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = pager.DefaultPageSize
	}
	files, err := filemgr.New(cfg.BaseDir)
	if err != nil {
		return nil, err
	}

	wal, err := txn.OpenWAL(cfg.BaseDir, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: open WAL: %w", err)
	}

	bufmgr := buffer.New(files, buffer.Config{MaxCacheBytes: cfg.CacheBytes, Policy: cfg.CachePolicy})
	pages := &bufferPageAccess{bufmgr: bufmgr, files: files}

	global := txn.GlobalState{}
	if files.Exists(txnStateFile) {
		f, err := files.Open(txnStateFile)
		if err != nil {
			return nil, fmt.Errorf("engine: open %s: %w", txnStateFile, err)
		}
		buf, err := f.LoadPage(1, false)
		if err != nil {
			return nil, fmt.Errorf("engine: load %s: %w", txnStateFile, err)
		}
		global = txn.UnmarshalGlobalState(buf[:txn.GlobalStateSize])
	}

	txnmgr := txn.New(wal, pages, global)
	bufmgr.SetForcer(txnmgr.Forcer())

	maxTxnID, sawAny, err := txn.Recover(wal, pages, &bufferLSNReader{bufmgr: bufmgr, files: files})
	if err != nil {
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}
	if sawAny {
		// The log may name a transaction id that is >= the watermark
		// stored before the crash (or stored nowhere at all, on a fresh
		// database): never hand out an id that already appears in the
		// WAL, committed or not.
		txnmgr.BumpNextTxnID(maxTxnID + 1)
		if err := writeTxnState(files, cfg.PageSize, txnmgr.GlobalState()); err != nil {
			return nil, fmt.Errorf("engine: persist recovered txn state: %w", err)
		}
	}

	e := &Engine{
		cfg:     cfg,
		files:   files,
		bufmgr:  bufmgr,
		txnmgr:  txnmgr,
		wal:     wal,
		tables:  make(map[string]*heap.Table),
		indexes: make(map[string]*btreeindex.Tree),
		// SessionID(0) is reserved for recoverySession below, so real
		// sessions start numbering at 1.
		nextSession: 1,
	}
	txnmgr.SetStatePersister(e.persistTxnState)

	cat, err := OpenCatalog(filepath.Join(cfg.BaseDir, catalogFile), files)
	if err != nil {
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}
	e.catalog = cat

	if cfg.CheckpointCron != "" {
		sched, err := NewScheduler(cfg.CheckpointCron, e.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("engine: checkpoint scheduler: %w", err)
		}
		sched.Start()
		e.scheduler = sched
	}

	return e, nil
}

// NewSession returns a fresh Session bound to this engine.
func (e *Engine) NewSession() *Session {
	e.mu.Lock()
	id := e.nextSession
	e.nextSession++
	e.mu.Unlock()
	return newSession(e, buffer.SessionID(id))
}

// Checkpoint writes every dirty page to its data file, fsyncs the WAL,
// and rewrites and fsyncs the txn-state file, recording the current
// durable state. The table and index data files are not fsynced. It is safe to call
// concurrently with normal operation (writers simply see a slightly
// stale checkpoint watermark).
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.bufmgr.FlushAll(); err != nil {
		return fmt.Errorf("engine: checkpoint: flush: %w", err)
	}
	if err := e.wal.Sync(); err != nil {
		return fmt.Errorf("engine: checkpoint: sync WAL: %w", err)
	}
	if err := writeTxnState(e.files, e.cfg.PageSize, e.txnmgr.GlobalState()); err != nil {
		return fmt.Errorf("engine: checkpoint: %w", err)
	}
	log.Printf("engine: checkpoint complete")
	return nil
}

// persistTxnState is the StatePersister Manager.Commit calls after every
// commit, bound to this Engine's file manager and page size.
func (e *Engine) persistTxnState(g txn.GlobalState) error {
	return writeTxnState(e.files, e.cfg.PageSize, g)
}

// writeTxnState durably writes g to the engine's txn-state file, creating
// it first if this is the database's first commit or checkpoint. It is a
// free function (not an *Engine method) so Open can call it for the
// post-recovery watermark write before *Engine exists yet.
func writeTxnState(files *filemgr.Manager, pageSize int, g txn.GlobalState) error {
	f, err := files.Open(txnStateFile)
	if err != nil && !files.Exists(txnStateFile) {
		f, err = files.Create(txnStateFile, filemgr.FileTypeTxnState, pageSize)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", txnStateFile, err)
	}
	page := make([]byte, pageSize)
	copy(page, txn.MarshalGlobalState(g))
	if err := f.StorePage(1, page); err != nil {
		return err
	}
	return f.Sync()
}

// Close stops the background scheduler (if any), checkpoints, and closes
// every open file.
func (e *Engine) Close() error {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if err := e.Checkpoint(); err != nil {
		return err
	}
	return e.wal.Close()
}

// Files exposes the file manager for table/index creation helpers in
// Session.
func (e *Engine) Files() *filemgr.Manager { return e.files }

// Buffer exposes the buffer manager.
func (e *Engine) Buffer() *buffer.Manager { return e.bufmgr }

// Txn exposes the transaction manager.
func (e *Engine) Txn() *txn.Manager { return e.txnmgr }

// bufferPageAccess adapts buffer.Manager to txn.PageAccess, the narrow
// interface the transaction manager needs for applying undo writes.
type bufferPageAccess struct {
	bufmgr *buffer.Manager
	files  *filemgr.Manager
}

func (p *bufferPageAccess) ReadRange(file string, pageNo uint32, offset, length uint16) ([]byte, error) {
	raw, ok := p.bufmgr.GetPage(recoverySession, file, pageNo)
	if !ok {
		f, err := p.files.Open(file)
		if err != nil {
			return nil, err
		}
		loaded, err := f.LoadPage(pageNo, false)
		if err != nil {
			return nil, err
		}
		raw = loaded
	} else {
		defer p.bufmgr.UnpinPage(recoverySession, file, pageNo, false, pager.LSN{})
	}
	out := make([]byte, length)
	copy(out, raw[offset:int(offset)+int(length)])
	return out, nil
}

func (p *bufferPageAccess) WriteRange(file string, pageNo uint32, offset uint16, data []byte, lsn pager.LSN) error {
	raw, ok := p.bufmgr.GetPage(recoverySession, file, pageNo)
	if !ok {
		f, err := p.files.Open(file)
		if err != nil {
			return err
		}
		loaded, err := f.LoadPage(pageNo, true)
		if err != nil {
			return err
		}
		if err := p.bufmgr.AddPage(recoverySession, file, pageNo, loaded); err != nil {
			return err
		}
		raw = loaded
	}
	copy(raw[offset:int(offset)+len(data)], data)
	dirty := lsn != pager.LSN{}
	p.bufmgr.UnpinPage(recoverySession, file, pageNo, dirty, lsn)
	return nil
}

// recoverySession is the fixed pseudo-session used by the PageAccess
// adapter, which acts on behalf of the transaction manager rather than
// any single user session.
const recoverySession = buffer.SessionID(0)

// bufferLSNReader adapts buffer.Manager (plus a disk fallback) to
// txn.PageLSNReader for the redo pass.
type bufferLSNReader struct {
	bufmgr *buffer.Manager
	files  *filemgr.Manager
}

func (r *bufferLSNReader) PageLSN(file string, pageNo uint32) (pager.LSN, error) {
	if raw, ok := r.bufmgr.GetPage(recoverySession, file, pageNo); ok {
		defer r.bufmgr.UnpinPage(recoverySession, file, pageNo, false, pager.LSN{})
		return pager.PageLSN(raw), nil
	}
	f, err := r.files.Open(file)
	if err != nil {
		if !r.files.Exists(file) {
			return pager.LSN{}, nil
		}
		return pager.LSN{}, err
	}
	raw, err := f.LoadPage(pageNo, true)
	if err != nil {
		return pager.LSN{}, err
	}
	return pager.PageLSN(raw), nil
}
