// Package database composes one open, schema-bound tenant database out
// of internal/docstore, internal/views, internal/kvstore, and
// internal/pubsub, all sharing one internal/tree.Store. Manager owns
// the catalog of known databases and lazily opens/caches each one,
// mirroring the teacher's pkg/manager composition root: one long-lived
// handle per backing resource, built once and reused.
package database

import (
	"context"
	"sync"

	"github.com/cuemby/brook/internal/apperr"
	"github.com/cuemby/brook/internal/catalog"
	"github.com/cuemby/brook/internal/docstore"
	"github.com/cuemby/brook/internal/kvstore"
	"github.com/cuemby/brook/internal/pubsub"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/tree"
	"github.com/cuemby/brook/internal/views"
	"github.com/rs/zerolog"
)

// Plugin couples a schema's structural declaration with the
// Go-implemented map/reduce logic behind each of its views. Schemas
// are compiled into the server process rather than shipped over the
// wire — the same approach internal/auth takes for its own reserved
// "_system" schema.
type Plugin struct {
	Schema schema.Schema
	Views  map[schema.ViewName]views.Handlers
}

// Database is one open, schema-bound tenant.
type Database struct {
	Name   string
	Schema schema.Schema

	Trees  *tree.Store
	Docs   *docstore.Store
	Views  *views.Engine
	KV     *kvstore.Engine
	PubSub *pubsub.Broker

	cancel context.CancelFunc
}

// Close stops the database's expiration scheduler and releases its
// backing store. The Database must not be used afterward.
func (d *Database) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	return d.Trees.Close()
}

// Manager owns the catalog, the registered schema plugins, and every
// currently open Database.
type Manager struct {
	catalog *catalog.Catalog
	logger  zerolog.Logger

	mu      sync.Mutex
	plugins map[string]Plugin
	open    map[string]*Database
}

// NewManager builds a Manager over an already-open catalog.
func NewManager(cat *catalog.Catalog, logger zerolog.Logger) *Manager {
	return &Manager{
		catalog: cat,
		logger:  logger,
		plugins: make(map[string]Plugin),
		open:    make(map[string]*Database),
	}
}

// RegisterSchema makes a schema, and the view logic behind it,
// available to CreateDatabase and Open.
func (m *Manager) RegisterSchema(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[p.Schema.Name] = p
	m.catalog.RegisterSchema(p.Schema)
}

// Catalog returns the Manager's underlying registry, for callers that
// need CreateDatabase/DeleteDatabase/ListDatabases/
// ListAvailableSchemas without going through a Database handle.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// Open returns the running Database for name, opening its backing
// store on first access and caching the result for subsequent calls.
func (m *Manager) Open(name string) (*Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.open[name]; ok {
		return db, nil
	}

	rec, ok, err := m.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeCollectionNotFound, "no database named %q", name)
	}
	plugin, ok := m.plugins[rec.Schema]
	if !ok {
		return nil, apperr.Newf(apperr.CodeSchemaNotRegistered, "schema %q is not registered", rec.Schema)
	}

	db, err := m.openDatabase(name, plugin)
	if err != nil {
		return nil, err
	}
	m.open[name] = db
	return db, nil
}

func (m *Manager) openDatabase(name string, plugin Plugin) (*Database, error) {
	trees, err := tree.Open(m.catalog.DataPath(name))
	if err != nil {
		return nil, apperr.Database(err)
	}

	engine := views.New(trees, plugin.Schema)
	for viewName, handlers := range plugin.Views {
		engine.RegisterView(viewName, handlers)
	}

	broker := pubsub.New()
	store := docstore.New(trees, plugin.Schema, engine, broker)
	engine.SetScanner(store)

	scheduler := kvstore.NewExpirationScheduler(nil, m.logger.With().Str("database", name).Logger())
	kv := kvstore.New(trees, scheduler, name)
	scheduler.SetOpener(kv)

	ctx, cancel := context.WithCancel(context.Background())
	go scheduler.Run(ctx)

	return &Database{
		Name:   name,
		Schema: plugin.Schema,
		Trees:  trees,
		Docs:   store,
		Views:  engine,
		KV:     kv,
		PubSub: broker,
		cancel: cancel,
	}, nil
}

// OpenDatabaseCount reports how many databases are currently open, for
// metrics collection.
func (m *Manager) OpenDatabaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Close closes every currently open Database. The catalog itself is
// owned by the caller and is not closed here.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, db := range m.open {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.open, name)
	}
	return firstErr
}

// CloseDatabase closes and evicts a single open database, e.g. after
// DeleteDatabase. It is not an error if the database was not open.
func (m *Manager) CloseDatabase(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.open[name]
	if !ok {
		return nil
	}
	delete(m.open, name)
	return db.Close()
}
