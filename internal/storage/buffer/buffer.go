// Package buffer implements the Buffer Manager: an in-memory page cache
// sitting on top of the File Manager, with per-session pinning, a
// configurable LRU or FIFO replacement policy, and the Write-Ahead-Log
// rule (no dirty page may reach disk before the WAL is durable through
// that page's LSN).
//
// What: getPage/addPage/pinPage/unpinPage/ensureSpace/writeDirtyPages/
// writeFile/flushFile/flushAll/removeFile.
// How: an insertion-ordered map keyed by (file,pageNo) backs both LRU
// (move-to-front on access) and FIFO (never reordered) eviction; a
// forcer callback supplied by the transaction manager is invoked before
// any dirty page write so the WAL rule holds without the buffer manager
// needing to know about WAL internals.
// Why: isolating eviction policy and WAL-rule enforcement here keeps the
// file manager a dumb byte-mover and the transaction manager free of
// cache bookkeeping.
//
// Grounded on tinySQL's pager.PageBufferPool (doubly linked LRU list +
// map, evictOne, dirtyPages), generalized to add a FIFO mode and
// per-session pin ownership — the teacher tracked only a page-level pin
// count, not which session held it.
package buffer

import (
	"fmt"
	"log"

	"github.com/avaish/nanodb/internal/storage/filemgr"
	"github.com/avaish/nanodb/internal/storage/pager"
)

// ReplacementPolicy selects which cached, unpinned page is evicted first.
type ReplacementPolicy int

const (
	LRU ReplacementPolicy = iota
	FIFO
)

// Key identifies a cached page by the file it belongs to and its page number.
type Key struct {
	File   string
	PageNo uint32
}

type frame struct {
	key   Key
	buf   []byte
	dirty bool
	lsn   pager.LSN
	pins  map[SessionID]int // per-session pin counts
	prev  *frame
	next  *frame
}

func (f *frame) pinCount() int {
	n := 0
	for _, c := range f.pins {
		n += c
	}
	return n
}

// SessionID identifies the session that owns a pin, for per-session
// pin-set bookkeeping (UnpinAllForSession).
type SessionID uint64

// Config configures a Manager.
type Config struct {
	MaxCacheBytes int64
	Policy        ReplacementPolicy
}

// Forcer is called by the buffer manager before writing a dirty page,
// so the caller (the transaction manager) can uphold the WAL rule:
// WAL durable through at least maxLSN before any page at or below that
// LSN hits disk. Implementations must be idempotent.
type Forcer func(maxLSN pager.LSN) error

// Manager is the Buffer Manager.
type Manager struct {
	fm     *filemgr.Manager
	files  map[string]*filemgr.File
	cfg    Config
	forcer Forcer

	frames map[Key]*frame
	head   *frame // most-recently-used / most-recently-inserted
	tail   *frame // least-recently-used / oldest
	bytes  int64
}

// New creates a Manager over fm. forcer may be nil until a transaction
// manager is attached with SetForcer (useful to break the init cycle
// between the buffer manager and the transaction manager, which itself
// needs to read/write pages through the buffer manager).
func New(fm *filemgr.Manager, cfg Config) *Manager {
	if cfg.MaxCacheBytes <= 0 {
		cfg.MaxCacheBytes = 64 * 1024 * 1024
	}
	return &Manager{
		fm:     fm,
		files:  make(map[string]*filemgr.File),
		cfg:    cfg,
		frames: make(map[Key]*frame),
	}
}

// SetForcer attaches the WAL-forcing callback.
func (m *Manager) SetForcer(f Forcer) { m.forcer = f }

// Register associates an already-open *filemgr.File with its name, so
// the buffer manager can serve pages for it and so flushFile/writeFile
// know where to send bytes.
func (m *Manager) Register(f *filemgr.File) { m.files[f.Name()] = f }

func (m *Manager) fileFor(name string) (*filemgr.File, error) {
	if f, ok := m.files[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("buffer: file %q not registered", name)
}

// GetPage returns a cached page, pinning it for sess, or (nil, false) on
// a cache miss. Callers must call UnpinPage when done.
func (m *Manager) GetPage(sess SessionID, file string, pageNo uint32) ([]byte, bool) {
	k := Key{File: file, PageNo: pageNo}
	f, ok := m.frames[k]
	if !ok {
		return nil, false
	}
	if m.cfg.Policy == LRU {
		m.moveToFront(f)
	}
	f.pins[sess]++
	return f.buf, true
}

// AddPage inserts a freshly loaded page into the cache, pinned for sess.
// It fails if the (file,pageNo) pair is already cached.
func (m *Manager) AddPage(sess SessionID, file string, pageNo uint32, buf []byte) error {
	k := Key{File: file, PageNo: pageNo}
	if _, exists := m.frames[k]; exists {
		return fmt.Errorf("buffer: page %v already cached", k)
	}
	if err := m.ensureSpace(int64(len(buf))); err != nil {
		return err
	}
	f := &frame{key: k, buf: buf, lsn: pager.PageLSN(buf), pins: map[SessionID]int{sess: 1}}
	m.pushFront(f)
	m.frames[k] = f
	m.bytes += int64(len(buf))
	return nil
}

// PinPage increments the pin count for an already-cached page.
func (m *Manager) PinPage(sess SessionID, file string, pageNo uint32) {
	if f, ok := m.frames[Key{File: file, PageNo: pageNo}]; ok {
		f.pins[sess]++
	}
}

// UnpinPage decrements the pin count for sess on a cached page. markDirty,
// if true, marks the page dirty and records lsn as its new LSN.
func (m *Manager) UnpinPage(sess SessionID, file string, pageNo uint32, markDirty bool, lsn pager.LSN) {
	f, ok := m.frames[Key{File: file, PageNo: pageNo}]
	if !ok {
		return
	}
	if f.pins[sess] > 0 {
		f.pins[sess]--
		if f.pins[sess] == 0 {
			delete(f.pins, sess)
		}
	}
	if markDirty {
		f.dirty = true
		f.lsn = lsn
		pager.SetPageLSN(f.buf, lsn)
	}
}

// UnpinAllForSession releases every pin sess holds, e.g. at session close.
func (m *Manager) UnpinAllForSession(sess SessionID) {
	for _, f := range m.frames {
		delete(f.pins, sess)
	}
}

// ensureSpace evicts cold (unpinned) pages, oldest/least-recently-used
// first, until there is room for n more bytes or no more pages can be
// evicted. Dirty victims are flushed (WAL-forced first) before eviction.
func (m *Manager) ensureSpace(n int64) error {
	var dirtyVictims []*frame
	for n+m.bytes > m.cfg.MaxCacheBytes {
		victim := m.pickVictim()
		if victim == nil {
			break
		}
		m.unlink(victim)
		delete(m.frames, victim.key)
		m.bytes -= int64(len(victim.buf))
		if victim.dirty {
			dirtyVictims = append(dirtyVictims, victim)
		}
	}
	if len(dirtyVictims) > 0 {
		if err := m.writeFrames(dirtyVictims); err != nil {
			return err
		}
	}
	if n+m.bytes > m.cfg.MaxCacheBytes {
		log.Printf("buffer: cache over budget (%d/%d bytes) after eviction; all remaining pages are pinned", m.bytes+n, m.cfg.MaxCacheBytes)
	}
	return nil
}

// pickVictim returns the coldest unpinned frame under the configured
// policy, or nil if every cached frame is pinned.
func (m *Manager) pickVictim() *frame {
	for f := m.tail; f != nil; f = f.prev {
		if f.pinCount() == 0 {
			return f
		}
	}
	return nil
}

// writeFrames enforces the WAL rule, then stores each frame's bytes via
// the file manager.
func (m *Manager) writeFrames(frames []*frame) error {
	var maxLSN pager.LSN
	any := false
	for _, f := range frames {
		if f.lsn.Greater(maxLSN) {
			maxLSN = f.lsn
		}
		any = true
	}
	if any && m.forcer != nil {
		if err := m.forcer(maxLSN); err != nil {
			return fmt.Errorf("buffer: force WAL before flush: %w", err)
		}
	}
	for _, f := range frames {
		file, err := m.fileFor(f.key.File)
		if err != nil {
			return err
		}
		if err := file.StorePage(f.key.PageNo, f.buf); err != nil {
			return err
		}
		f.dirty = false
	}
	return nil
}

// WriteFile flushes every dirty page belonging to file, leaving clean
// pages cached and un-invalidated. If sync is true, the file is fsynced
// afterwards.
func (m *Manager) WriteFile(file string, sync bool) error {
	var dirty []*frame
	for _, f := range m.frames {
		if f.key.File == file && f.dirty {
			dirty = append(dirty, f)
		}
	}
	if err := m.writeDirty(dirty, false); err != nil {
		return err
	}
	if sync {
		f, err := m.fileFor(file)
		if err != nil {
			return err
		}
		return f.Sync()
	}
	return nil
}

// writeDirty forces the WAL then stores each frame, optionally
// invalidating (removing from cache) afterwards.
func (m *Manager) writeDirty(frames []*frame, invalidate bool) error {
	if len(frames) == 0 {
		return nil
	}
	var maxLSN pager.LSN
	for _, f := range frames {
		if f.lsn.Greater(maxLSN) {
			maxLSN = f.lsn
		}
	}
	if m.forcer != nil {
		if err := m.forcer(maxLSN); err != nil {
			return fmt.Errorf("buffer: force WAL: %w", err)
		}
	}
	for _, f := range frames {
		file, err := m.fileFor(f.key.File)
		if err != nil {
			return err
		}
		if err := file.StorePage(f.key.PageNo, f.buf); err != nil {
			return err
		}
		f.dirty = false
		if invalidate {
			m.unlink(f)
			delete(m.frames, f.key)
			m.bytes -= int64(len(f.buf))
		}
	}
	return nil
}

// FlushFile writes then invalidates every cached page of file.
func (m *Manager) FlushFile(file string) error {
	var all []*frame
	for _, f := range m.frames {
		if f.key.File == file {
			all = append(all, f)
		}
	}
	var dirty []*frame
	for _, f := range all {
		if f.dirty {
			dirty = append(dirty, f)
		}
	}
	if err := m.writeDirty(dirty, false); err != nil {
		return err
	}
	for _, f := range all {
		m.unlink(f)
		delete(m.frames, f.key)
		m.bytes -= int64(len(f.buf))
	}
	return nil
}

// FlushAll writes then invalidates the entire cache.
func (m *Manager) FlushAll() error {
	var dirty []*frame
	for _, f := range m.frames {
		if f.dirty {
			dirty = append(dirty, f)
		}
	}
	if err := m.writeDirty(dirty, true); err != nil {
		return err
	}
	for k, f := range m.frames {
		m.unlink(f)
		delete(m.frames, k)
		m.bytes -= int64(len(f.buf))
	}
	return nil
}

// RemoveFile flushes then forgets file from the cache and file table.
func (m *Manager) RemoveFile(file string) error {
	if err := m.FlushFile(file); err != nil {
		return err
	}
	delete(m.files, file)
	return nil
}

func (m *Manager) pushFront(f *frame) {
	f.prev = nil
	f.next = m.head
	if m.head != nil {
		m.head.prev = f
	}
	m.head = f
	if m.tail == nil {
		m.tail = f
	}
}

func (m *Manager) unlink(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		m.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		m.tail = f.prev
	}
	f.prev, f.next = nil, nil
}

func (m *Manager) moveToFront(f *frame) {
	if m.head == f {
		return
	}
	m.unlink(f)
	m.pushFront(f)
}

// CachedBytes reports the current cache occupancy, for tests and metrics.
func (m *Manager) CachedBytes() int64 { return m.bytes }
