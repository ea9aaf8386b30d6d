package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/avaish/nanodb/internal/storage/btreeindex"
	"github.com/avaish/nanodb/internal/storage/filemgr"
	"github.com/avaish/nanodb/internal/storage/heap"
)

// TableEntry is a catalog record naming a table's backing file and schema.
type TableEntry struct {
	Name   string
	File   string
	Schema heap.Schema
}

// IndexEntry is a catalog record naming an index's backing file, the
// table it covers, and its indexed column types.
type IndexEntry struct {
	Name  string
	Table string
	File  string
	Types btreeindex.ColumnTypes
}

// catalogDoc is the on-disk JSON shape of the catalog file.
type catalogDoc struct {
	Tables  []TableEntry
	Indexes []IndexEntry
}

// Catalog is the engine-wide name -> file/schema registry, persisted as
// one JSON document.
//
// Grounded on tinySQL's pager/catalog.go, which stores each table's
// metadata as a JSON-encoded B+Tree value keyed by name; simplified here
// to one JSON document for the whole catalog, since SPEC_FULL's table
// count per database is small and a dedicated B+Tree of catalog entries
// would just be another index to keep consistent with no benefit at
// this scale — the row-storage B+Tree idiom the teacher's catalog.go
// used is kept for real secondary indexes (btreeindex.Tree) instead,
// which is what it is for.
type Catalog struct {
	mu   sync.Mutex
	path string
	doc  catalogDoc
}

// OpenCatalog loads (or creates) the catalog document at path.
func OpenCatalog(path string, _ *filemgr.Manager) (*Catalog, error) {
	c := &Catalog{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, c.save()
		}
		return nil, fmt.Errorf("engine: read catalog: %w", err)
	}
	if err := json.Unmarshal(data, &c.doc); err != nil {
		return nil, fmt.Errorf("engine: parse catalog: %w", err)
	}
	return c, nil
}

func (c *Catalog) save() error {
	data, err := json.MarshalIndent(c.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("engine: encode catalog: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("engine: write catalog: %w", err)
	}
	return nil
}

// RegisterTable adds or replaces a table's catalog entry.
func (c *Catalog) RegisterTable(name, file string, schema heap.Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.doc.Tables {
		if t.Name == name {
			c.doc.Tables[i] = TableEntry{Name: name, File: file, Schema: schema}
			return c.save()
		}
	}
	c.doc.Tables = append(c.doc.Tables, TableEntry{Name: name, File: file, Schema: schema})
	return c.save()
}

// Table looks up a table's catalog entry by name.
func (c *Catalog) Table(name string) (TableEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.doc.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableEntry{}, false
}

// RegisterIndex adds or replaces an index's catalog entry.
func (c *Catalog) RegisterIndex(name, table, file string, types btreeindex.ColumnTypes) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, idx := range c.doc.Indexes {
		if idx.Name == name {
			c.doc.Indexes[i] = IndexEntry{Name: name, Table: table, File: file, Types: types}
			return c.save()
		}
	}
	c.doc.Indexes = append(c.doc.Indexes, IndexEntry{Name: name, Table: table, File: file, Types: types})
	return c.save()
}

// Index looks up an index's catalog entry by name.
func (c *Catalog) Index(name string) (IndexEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.doc.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexEntry{}, false
}

// Tables returns every registered table entry.
func (c *Catalog) Tables() []TableEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TableEntry(nil), c.doc.Tables...)
}
