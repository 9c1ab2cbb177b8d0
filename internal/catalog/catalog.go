// Package catalog implements brook's multi-tenant database registry:
// which named databases exist, which schema each is bound to, and
// where its data file lives on disk. It owns no document, view, or
// key-value state itself — internal/database opens the per-database
// runtime on top of the path this package hands back.
package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cuemby/brook/internal/apperr"
	"github.com/cuemby/brook/internal/codec"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/tree"
)

const databasesTree = "catalog.databases"

// Record is the stored metadata for one created database.
type Record struct {
	Name   string `msgpack:"name"`
	Schema string `msgpack:"schema"`
}

// Catalog is the multi-tenant registry, grounded on the teacher's
// pkg/storage.Store bucket-per-entity idiom (one bucket, one record
// type, get/put/remove/list), generalized to the single entity this
// package owns: database-to-schema bindings. Registered schemas are
// code, not data, so they live only in memory, populated once at
// process startup.
type Catalog struct {
	dataDir string
	meta    *tree.Store

	mu      sync.RWMutex
	schemas map[string]schema.Schema
}

// Open opens or creates the catalog's metadata store under dataDir.
func Open(dataDir string) (*Catalog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperr.Database(err)
	}
	meta, err := tree.Open(filepath.Join(dataDir, "_catalog.db"))
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &Catalog{dataDir: dataDir, meta: meta, schemas: make(map[string]schema.Schema)}, nil
}

// Close releases the catalog's metadata store.
func (c *Catalog) Close() error {
	return c.meta.Close()
}

// RegisterSchema makes sch available to CreateDatabase and reports its
// name from ListAvailableSchemas.
func (c *Catalog) RegisterSchema(sch schema.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[sch.Name] = sch
}

// Schema looks up a registered schema by name.
func (c *Catalog) Schema(name string) (schema.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sch, ok := c.schemas[name]
	return sch, ok
}

// ListAvailableSchemas returns the names of every registered schema,
// sorted for deterministic output.
func (c *Catalog) ListAvailableSchemas() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.schemas))
	for name := range c.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateDatabase registers name against schemaName. If onlyIfNeeded is
// true, an already-registered database of the same name is not an
// error.
func (c *Catalog) CreateDatabase(name, schemaName string, onlyIfNeeded bool) error {
	if err := schema.ValidateDatabaseName(name); err != nil {
		return err
	}
	if _, ok := c.Schema(schemaName); !ok {
		return apperr.Newf(apperr.CodeSchemaNotRegistered, "schema %q is not registered", schemaName)
	}
	t, err := c.meta.Tree(databasesTree)
	if err != nil {
		return apperr.Database(err)
	}
	key := []byte(name)
	if _, ok, err := t.Get(key); err != nil {
		return apperr.Database(err)
	} else if ok {
		if onlyIfNeeded {
			return nil
		}
		return apperr.Newf(apperr.CodeDocumentConflict, "database %q already exists", name)
	}
	encoded, err := codec.Encode(Record{Name: name, Schema: schemaName})
	if err != nil {
		return apperr.Database(err)
	}
	if err := t.Put(key, encoded); err != nil {
		return apperr.Database(err)
	}
	return nil
}

// DeleteDatabase removes name's registration and its on-disk data
// file. Callers must ensure no internal/database.Database for name is
// still open.
func (c *Catalog) DeleteDatabase(name string) error {
	t, err := c.meta.Tree(databasesTree)
	if err != nil {
		return apperr.Database(err)
	}
	if _, ok, err := t.Remove([]byte(name)); err != nil {
		return apperr.Database(err)
	} else if !ok {
		return apperr.Newf(apperr.CodeCollectionNotFound, "no database named %q", name)
	}
	if err := os.Remove(c.DataPath(name)); err != nil && !os.IsNotExist(err) {
		return apperr.Database(err)
	}
	return nil
}

// ListDatabases returns every registered database's record.
func (c *Catalog) ListDatabases() ([]Record, error) {
	t, err := c.meta.Tree(databasesTree)
	if err != nil {
		return nil, apperr.Database(err)
	}
	entries, err := t.Scan(nil, nil, tree.Ascending, 0)
	if err != nil {
		return nil, apperr.Database(err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := codec.Decode(e.Value, &rec); err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns the record for a single registered database.
func (c *Catalog) Get(name string) (Record, bool, error) {
	t, err := c.meta.Tree(databasesTree)
	if err != nil {
		return Record{}, false, apperr.Database(err)
	}
	raw, ok, err := t.Get([]byte(name))
	if err != nil {
		return Record{}, false, apperr.Database(err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := codec.Decode(raw, &rec); err != nil {
		return Record{}, false, apperr.Database(err)
	}
	return rec, true, nil
}

// DataPath returns the on-disk path for a database's data file.
func (c *Catalog) DataPath(name string) string {
	return filepath.Join(c.dataDir, name+".db")
}
