// Package filemgr implements unbuffered, seek-based page I/O over a
// directory of independently named files.
//
// What: create/open/loadPage/storePage/syncFile over files living under a
// single base directory, each file typed and page-sized by its own page 0.
// How: every file's page 0 carries a 1-byte FileType and a 1-byte page-size
// exponent at offsets 0 and 1; every later page is read/written with a
// plain ReadAt/WriteAt at pageNo*pageSize — there is no cache here, that
// is the buffer manager's job.
// Why: keeping file-identity and page-size negotiation separate from
// caching means the buffer manager (and its eviction/WAL-rule logic) can
// stay oblivious to how bytes reach disk.
package filemgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/avaish/nanodb/internal/storage/pager"
)

// FileType identifies the role of a file within the base directory.
type FileType uint8

const (
	FileTypeHeapData   FileType = 1
	FileTypeBTreeIndex FileType = 2
	FileTypeWAL        FileType = 3
	FileTypeTxnState   FileType = 4
)

func (t FileType) String() string {
	switch t {
	case FileTypeHeapData:
		return "HEAP_DATA"
	case FileTypeBTreeIndex:
		return "BTREE_INDEX"
	case FileTypeWAL:
		return "WAL"
	case FileTypeTxnState:
		return "TXN_STATE"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(t))
	}
}

// exponentForSize maps a page size to the exponent p such that size=2^p;
// sizeForExponent maps it back. Only powers of two in [pager.MinPageSize, pager.MaxPageSize]
// are valid.
func exponentForSize(size int) (byte, error) {
	if size < pager.MinPageSize || size > pager.MaxPageSize || size&(size-1) != 0 {
		return 0, fmt.Errorf("%w: %d", pager.ErrInvalidPageSize, size)
	}
	p := byte(0)
	for s := size; s > 1; s >>= 1 {
		p++
	}
	return p, nil
}

func sizeForExponent(p byte) int { return 1 << p }

// File is an open, typed, page-sized file under the manager's base directory.
type File struct {
	mgr      *Manager
	name     string
	f        *os.File
	fileType FileType
	pageSize int

	mu sync.Mutex
}

// Name returns the file's relative name under the base directory.
func (f *File) Name() string { return f.name }

// Type returns the file's declared type.
func (f *File) Type() FileType { return f.fileType }

// PageSize returns the file's page size in bytes.
func (f *File) PageSize() int { return f.pageSize }

// Manager is the File Manager: it creates, opens, and performs raw page
// I/O for every file under a single base directory. It does not cache
// anything — repeated reads of the same page always hit disk.
type Manager struct {
	baseDir string

	mu    sync.Mutex
	files map[string]*File
}

// New returns a Manager rooted at baseDir, creating the directory if needed.
func New(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("filemgr: create base dir: %w", err)
	}
	return &Manager{baseDir: baseDir, files: make(map[string]*File)}, nil
}

func (m *Manager) path(name string) string { return filepath.Join(m.baseDir, name) }

// Create makes a new file of the given type and page size. It fails if the
// file already exists.
func (m *Manager) Create(name string, ft FileType, pageSize int) (*File, error) {
	exp, err := exponentForSize(pageSize)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.files[name]; exists {
		return nil, fmt.Errorf("filemgr: file %q already open", name)
	}
	full := m.path(name)
	if _, err := os.Stat(full); err == nil {
		return nil, fmt.Errorf("filemgr: file %q already exists", name)
	}
	osf, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filemgr: create %q: %w", name, err)
	}
	hdr := make([]byte, pageSize)
	hdr[0] = byte(ft)
	hdr[1] = exp
	if _, err := osf.WriteAt(hdr, 0); err != nil {
		osf.Close()
		return nil, fmt.Errorf("filemgr: write page 0 of %q: %w", name, err)
	}
	f := &File{mgr: m, name: name, f: osf, fileType: ft, pageSize: pageSize}
	m.files[name] = f
	return f, nil
}

// Open opens an existing file, reading its type and page size from page 0.
func (m *Manager) Open(name string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, exists := m.files[name]; exists {
		return f, nil
	}
	full := m.path(name)
	osf, err := os.OpenFile(full, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("filemgr: open %q: %w", name, pager.ErrPageNotFound)
		}
		return nil, fmt.Errorf("filemgr: open %q: %w", name, err)
	}
	var hdr [2]byte
	if _, err := osf.ReadAt(hdr[:], 0); err != nil {
		osf.Close()
		return nil, fmt.Errorf("filemgr: read header of %q: %w", name, err)
	}
	ft := FileType(hdr[0])
	switch ft {
	case FileTypeHeapData, FileTypeBTreeIndex, FileTypeWAL, FileTypeTxnState:
	default:
		osf.Close()
		return nil, fmt.Errorf("filemgr: %q: %w", name, pager.ErrUnknownFileType)
	}
	pageSize := sizeForExponent(hdr[1])
	f := &File{mgr: m, name: name, f: osf, fileType: ft, pageSize: pageSize}
	m.files[name] = f
	return f, nil
}

// Exists reports whether a file with this name exists on disk, without
// opening it.
func (m *Manager) Exists(name string) bool {
	_, err := os.Stat(m.path(name))
	return err == nil
}

// LoadPage reads the pageNo-th page of f. If pageNo is past the current end
// of file: when create is true the file is extended and a zero page is
// returned, otherwise ErrPageNotFound is returned.
func (f *File) LoadPage(pageNo uint32, create bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]byte, f.pageSize)
	off := int64(pageNo) * int64(f.pageSize)
	n, err := f.f.ReadAt(buf, off)
	if err != nil && n < f.pageSize {
		if create {
			if err := f.f.Truncate(off + int64(f.pageSize)); err != nil {
				return nil, fmt.Errorf("filemgr: extend %q for page %d: %w", f.name, pageNo, err)
			}
			return buf, nil
		}
		return nil, fmt.Errorf("filemgr: load page %d of %q: %w", pageNo, f.name, pager.ErrPageNotFound)
	}
	return buf, nil
}

// StorePage writes page at pageNo to disk. Durability is not guaranteed
// until Sync is called.
func (f *File) StorePage(pageNo uint32, page []byte) error {
	if len(page) != f.pageSize {
		return fmt.Errorf("filemgr: store page %d of %q: page is %d bytes, want %d", pageNo, f.name, len(page), f.pageSize)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	off := int64(pageNo) * int64(f.pageSize)
	if _, err := f.f.WriteAt(page, off); err != nil {
		return fmt.Errorf("filemgr: store page %d of %q: %w", pageNo, f.name, err)
	}
	return nil
}

// Sync forces any buffered filesystem writes to stable storage.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("filemgr: sync %q: %w", f.name, err)
	}
	return nil
}

// NumPages returns the current page count of the file, based on its size.
func (f *File) NumPages() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("filemgr: stat %q: %w", f.name, err)
	}
	return uint32(info.Size() / int64(f.pageSize)), nil
}

// Close closes the underlying OS file handle and forgets it in the manager.
func (f *File) Close() error {
	f.mgr.mu.Lock()
	delete(f.mgr.files, f.name)
	f.mgr.mu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}

// Remove closes (if open) and deletes a file from the base directory.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	f, open := m.files[name]
	delete(m.files, name)
	m.mu.Unlock()
	if open {
		_ = f.f.Close()
	}
	if err := os.Remove(m.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filemgr: remove %q: %w", name, err)
	}
	return nil
}

// BaseDir returns the directory this manager is rooted at.
func (m *Manager) BaseDir() string { return m.baseDir }
