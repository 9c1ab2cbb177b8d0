// Package views implements brook's map/reduce view engine: a forward
// index from emitted key to value, an inverse index from document id
// back to its emitted keys, lazy version-triggered rebuilds, and
// query/reduce operations filtered by key and access policy.
package views

import (
	"bytes"
	"encoding/binary"

	"github.com/cuemby/brook/internal/apperr"
	"github.com/cuemby/brook/internal/codec"
	"github.com/cuemby/brook/internal/document"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/tree"
)

// Entry is one key/value pair a MapFunc emits for a document.
type Entry struct {
	Key   []byte
	Value []byte
}

// MapFunc derives zero or more index entries from one document.
type MapFunc func(document.Document) []Entry

// ReduceFunc folds a view's values for one key (or across keys on a
// re-reduce pass) into a single value.
type ReduceFunc func(key []byte, values [][]byte, rereduce bool) []byte

// Handlers is the user-supplied map (and optional reduce) registered
// for one view at schema-build time.
type Handlers struct {
	Map    MapFunc
	Reduce ReduceFunc
}

// AccessPolicy controls whether a query forces a rebuild before or
// after answering, or tolerates stale results.
type AccessPolicy int

const (
	// UpdateBefore rebuilds the view, if stale, before answering.
	UpdateBefore AccessPolicy = iota
	// UpdateAfter answers with whatever index currently exists, then
	// rebuilds afterward if stale.
	UpdateAfter
	// NoUpdate never rebuilds; the caller accepts a stale answer.
	NoUpdate
)

// KeyFilterKind selects how a query restricts which keys it matches.
type KeyFilterKind int

const (
	KeyNone KeyFilterKind = iota
	KeyExact
	KeyRange
	KeyMultiple
)

// KeyFilter restricts a view query to a single key, an inclusive
// range, a fixed set of keys, or no restriction at all.
type KeyFilter struct {
	Kind     KeyFilterKind
	Exact    []byte
	RangeLo  []byte
	RangeHi  []byte
	Multiple [][]byte
}

// MappedEntry is one query result: the emitted key/value plus the
// document it came from.
type MappedEntry struct {
	Key    []byte
	Value  []byte
	Source document.ID
}

// MappedEntryWithDoc additionally carries the full source document,
// returned by QueryWithDocs.
type MappedEntryWithDoc struct {
	MappedEntry
	Document document.Document
}

// GroupedReduction is one key's reduced value from ReduceGrouped.
type GroupedReduction struct {
	Key   []byte
	Value []byte
}

// CollectionScanner lists documents in a collection; internal/docstore.Store
// satisfies this, letting Engine trigger a full rebuild without
// importing docstore.
type CollectionScanner interface {
	List(collection schema.CollectionName, lo, hi *document.ID, limit int) ([]document.Document, error)
}

// DocumentFetcher fetches one document by id; internal/docstore.Store
// satisfies this for QueryWithDocs.
type DocumentFetcher interface {
	Get(collection schema.CollectionName, id document.ID) (document.Document, bool, error)
}

// DocumentBatchDeleter deletes a set of documents from a collection;
// internal/docstore.Store satisfies this for DeleteDocs.
type DocumentBatchDeleter interface {
	DeleteDocuments(collection schema.CollectionName, ids []document.ID) error
}

// Engine is the view engine bound to one open database's schema and
// backing trees.
type Engine struct {
	trees    *tree.Store
	schema   schema.Schema
	handlers map[string]Handlers
	scanner  CollectionScanner
}

// New builds an Engine over trees for the given schema. SetScanner
// must be called before the first Query/Reduce call that needs a
// rebuild (it is set once the owning database wires its docstore.Store).
func New(trees *tree.Store, sch schema.Schema) *Engine {
	return &Engine{trees: trees, schema: sch, handlers: make(map[string]Handlers)}
}

// SetScanner binds the collection scanner used to rebuild stale views.
func (e *Engine) SetScanner(scanner CollectionScanner) {
	e.scanner = scanner
}

// RegisterView binds a view's map/reduce functions. Must be called for
// every view in the schema before it is queried.
func (e *Engine) RegisterView(view schema.ViewName, h Handlers) {
	e.handlers[view.Key()] = h
}

func forwardTreeName(view schema.ViewName) string { return "v." + view.Key() + ".map" }
func inverseTreeName(view schema.ViewName) string { return "v." + view.Key() + ".inv" }
func viewVersionKey(view schema.ViewName) []byte  { return []byte("viewversion." + view.Key()) }

func (e *Engine) lookup(view schema.ViewName) (schema.ViewDefinition, Handlers, error) {
	def, ok := e.schema.View(view)
	if !ok {
		return schema.ViewDefinition{}, Handlers{}, apperr.Newf(apperr.CodeViewNotFound, "view %s not registered", view)
	}
	h, ok := e.handlers[view.Key()]
	if !ok || h.Map == nil {
		return schema.ViewDefinition{}, Handlers{}, apperr.Newf(apperr.CodeViewNotFound, "view %s has no registered map function", view)
	}
	return def, h, nil
}

// ApplyDocument maintains view: every registered view on collection
// removes old's prior entries (tracked via the inverse index, so the
// map function need not be re-run on old) and inserts new's entries,
// failing the whole call if a unique view's new key collides with a
// different document.
func (e *Engine) ApplyDocument(txn *tree.Txn, collection schema.CollectionName, old, new *document.Document) error {
	colDef, ok := e.schema.Collection(collection)
	if !ok {
		return apperr.Newf(apperr.CodeCollectionNotFound, "collection %s not registered", collection)
	}

	var docID document.ID
	switch {
	case new != nil:
		docID = new.ID
	case old != nil:
		docID = old.ID
	default:
		return nil
	}

	for _, viewDef := range colDef.Views {
		h, ok := e.handlers[viewDef.Name.Key()]
		if !ok || h.Map == nil {
			continue
		}

		fwd, err := txn.Tree(forwardTreeName(viewDef.Name))
		if err != nil {
			return err
		}
		inv, err := txn.Tree(inverseTreeName(viewDef.Name))
		if err != nil {
			return err
		}

		previousKeys, err := readInverse(inv, docID)
		if err != nil {
			return err
		}
		for _, k := range previousKeys {
			if err := fwd.Remove(append(append([]byte(nil), k...), docID.Encode()...)); err != nil {
				return err
			}
		}
		if err := inv.Remove(docID.Encode()); err != nil {
			return err
		}

		if new == nil {
			continue
		}

		entries := h.Map(*new)
		newKeys := make([][]byte, 0, len(entries))
		for _, entry := range entries {
			encodedKey := encodeOrderedBytes(entry.Key)

			if viewDef.Unique {
				if err := checkUnique(fwd, encodedKey, docID); err != nil {
					return err
				}
			}

			fwdKey := append(append([]byte(nil), encodedKey...), docID.Encode()...)
			if err := fwd.Put(fwdKey, entry.Value); err != nil {
				return err
			}
			newKeys = append(newKeys, encodedKey)
		}

		if len(newKeys) > 0 {
			encodedInv, err := codec.Encode(newKeys)
			if err != nil {
				return apperr.Database(err)
			}
			if err := inv.Put(docID.Encode(), encodedInv); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkUnique(fwd *tree.TxnTree, encodedKey []byte, docID document.ID) error {
	lo := append([]byte(nil), encodedKey...)
	hi := boundAfter(mustDecodeKeyPrefix(encodedKey))
	entries, err := fwd.Scan(lo, hi)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, suffix, derr := decodeOrderedBytes(e.Key)
		if derr != nil {
			continue
		}
		existingID, derr := document.DecodeID(suffix)
		if derr != nil {
			continue
		}
		if !idEqual(existingID, docID) {
			return apperr.UniqueKeyViolation("view", encodedKey)
		}
	}
	return nil
}

// mustDecodeKeyPrefix recovers the raw key bytes encoded by
// encodeOrderedBytes, for building boundAfter's input; encodedKey is
// always well-formed since we just produced it ourselves.
func mustDecodeKeyPrefix(encodedKey []byte) []byte {
	data, _, err := decodeOrderedBytes(encodedKey)
	if err != nil {
		return encodedKey
	}
	return data
}

func idEqual(a, b document.ID) bool {
	return a.Kind == b.Kind && bytes.Equal(a.Raw, b.Raw)
}

func readInverse(inv *tree.TxnTree, docID document.ID) ([][]byte, error) {
	raw, ok := inv.Get(docID.Encode())
	if !ok {
		return nil, nil
	}
	var keys [][]byte
	if err := codec.Decode(raw, &keys); err != nil {
		return nil, apperr.Database(err)
	}
	return keys, nil
}

// ensureCurrent rebuilds view's index from scratch if its persisted
// version does not match the schema's declared version.
func (e *Engine) ensureCurrent(view schema.ViewDefinition) error {
	return e.trees.Update(func(txn *tree.Txn) error {
		meta, err := txn.Tree("__meta")
		if err != nil {
			return err
		}
		raw, ok := meta.Get(viewVersionKey(view.Name))
		var current uint64
		if ok {
			current = binary.BigEndian.Uint64(raw)
		}
		if ok && current == view.Version {
			return nil
		}
		if e.scanner == nil {
			return apperr.Newf(apperr.CodeViewNotFound, "view %s is stale and no collection scanner is bound", view.Name)
		}

		fwd, err := txn.Tree(forwardTreeName(view.Name))
		if err != nil {
			return err
		}
		inv, err := txn.Tree(inverseTreeName(view.Name))
		if err != nil {
			return err
		}
		if err := clearTree(fwd); err != nil {
			return err
		}
		if err := clearTree(inv); err != nil {
			return err
		}

		h := e.handlers[view.Name.Key()]
		docs, err := e.scanner.List(view.Name.Collection, nil, nil, 0)
		if err != nil {
			return apperr.Database(err)
		}
		for _, doc := range docs {
			entries := h.Map(doc)
			if len(entries) == 0 {
				continue
			}
			newKeys := make([][]byte, 0, len(entries))
			for _, entry := range entries {
				encodedKey := encodeOrderedBytes(entry.Key)
				if view.Unique {
					if err := checkUnique(fwd, encodedKey, doc.ID); err != nil {
						return err
					}
				}
				fwdKey := append(append([]byte(nil), encodedKey...), doc.ID.Encode()...)
				if err := fwd.Put(fwdKey, entry.Value); err != nil {
					return err
				}
				newKeys = append(newKeys, encodedKey)
			}
			encodedInv, err := codec.Encode(newKeys)
			if err != nil {
				return apperr.Database(err)
			}
			if err := inv.Put(doc.ID.Encode(), encodedInv); err != nil {
				return err
			}
		}

		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, view.Version)
		return meta.Put(viewVersionKey(view.Name), out)
	})
}

func clearTree(t *tree.TxnTree) error {
	entries, err := t.Scan(nil, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := t.Remove(e.Key); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rangeForFilter(filter KeyFilter) (lo, hi []byte, exactKeys [][]byte) {
	switch filter.Kind {
	case KeyExact:
		encoded := encodeOrderedBytes(filter.Exact)
		return encoded, boundAfter(filter.Exact), nil
	case KeyRange:
		var lo, hi []byte
		if filter.RangeLo != nil {
			lo = encodeOrderedBytes(filter.RangeLo)
		}
		if filter.RangeHi != nil {
			hi = boundAfter(filter.RangeHi)
		}
		return lo, hi, nil
	case KeyMultiple:
		return nil, nil, filter.Multiple
	default:
		return nil, nil, nil
	}
}

// Query returns every forward-index entry matching filter, in key
// order.
func (e *Engine) Query(view schema.ViewName, filter KeyFilter, policy AccessPolicy) ([]MappedEntry, error) {
	def, _, err := e.lookup(view)
	if err != nil {
		return nil, err
	}

	if policy == UpdateBefore {
		if err := e.ensureCurrent(def); err != nil {
			return nil, err
		}
	}

	t, err := e.trees.Tree(forwardTreeName(view))
	if err != nil {
		return nil, apperr.Database(err)
	}

	var results []MappedEntry
	lo, hi, exactKeys := e.rangeForFilter(filter)
	if filter.Kind == KeyMultiple {
		for _, k := range exactKeys {
			encoded := encodeOrderedBytes(k)
			entries, err := t.Scan(encoded, boundAfter(k), tree.Ascending, 0)
			if err != nil {
				return nil, apperr.Database(err)
			}
			results = append(results, decodeEntries(entries)...)
		}
	} else {
		entries, err := t.Scan(lo, hi, tree.Ascending, 0)
		if err != nil {
			return nil, apperr.Database(err)
		}
		results = decodeEntries(entries)
	}

	if policy == UpdateAfter {
		if err := e.ensureCurrent(def); err != nil {
			return nil, err
		}
	}

	return results, nil
}

func decodeEntries(entries []tree.Entry) []MappedEntry {
	out := make([]MappedEntry, 0, len(entries))
	for _, e := range entries {
		key, suffix, err := decodeOrderedBytes(e.Key)
		if err != nil {
			continue
		}
		id, err := document.DecodeID(suffix)
		if err != nil {
			continue
		}
		out = append(out, MappedEntry{Key: key, Value: e.Value, Source: id})
	}
	return out
}

// QueryWithDocs is Query, additionally fetching each matching entry's
// source document via fetcher.
func (e *Engine) QueryWithDocs(view schema.ViewName, filter KeyFilter, policy AccessPolicy, fetcher DocumentFetcher) ([]MappedEntryWithDoc, error) {
	entries, err := e.Query(view, filter, policy)
	if err != nil {
		return nil, err
	}
	out := make([]MappedEntryWithDoc, 0, len(entries))
	for _, me := range entries {
		doc, ok, err := fetcher.Get(view.Collection, me.Source)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, MappedEntryWithDoc{MappedEntry: me, Document: doc})
	}
	return out, nil
}

// Reduce folds every matching value through the view's registered
// ReduceFunc in a single, ungrouped pass.
func (e *Engine) Reduce(view schema.ViewName, filter KeyFilter, policy AccessPolicy) ([]byte, error) {
	_, h, err := e.lookup(view)
	if err != nil {
		return nil, err
	}
	if h.Reduce == nil {
		return nil, apperr.Newf(apperr.CodeViewNotFound, "view %s has no registered reduce function", view)
	}
	entries, err := e.Query(view, filter, policy)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, len(entries))
	for i, e := range entries {
		values[i] = e.Value
	}
	return h.Reduce(nil, values, false), nil
}

// ReduceGrouped is Reduce, but groups matching entries by their exact
// emitted key and reduces each group independently.
func (e *Engine) ReduceGrouped(view schema.ViewName, filter KeyFilter, policy AccessPolicy) ([]GroupedReduction, error) {
	_, h, err := e.lookup(view)
	if err != nil {
		return nil, err
	}
	if h.Reduce == nil {
		return nil, apperr.Newf(apperr.CodeViewNotFound, "view %s has no registered reduce function", view)
	}
	entries, err := e.Query(view, filter, policy)
	if err != nil {
		return nil, err
	}

	var order [][]byte
	groups := make(map[string][][]byte)
	for _, me := range entries {
		k := string(me.Key)
		if _, ok := groups[k]; !ok {
			order = append(order, me.Key)
		}
		groups[k] = append(groups[k], me.Value)
	}

	out := make([]GroupedReduction, 0, len(order))
	for _, key := range order {
		values := groups[string(key)]
		out = append(out, GroupedReduction{Key: key, Value: h.Reduce(key, values, false)})
	}
	return out, nil
}

// DeleteDocs deletes every document matching filter via deleter,
// returning the number of documents removed.
func (e *Engine) DeleteDocs(view schema.ViewName, filter KeyFilter, policy AccessPolicy, deleter DocumentBatchDeleter) (int, error) {
	entries, err := e.Query(view, filter, policy)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	var ids []document.ID
	for _, me := range entries {
		k := string(me.Source.Encode())
		if seen[k] {
			continue
		}
		seen[k] = true
		ids = append(ids, me.Source)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := deleter.DeleteDocuments(view.Collection, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
