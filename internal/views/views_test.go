package views

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/brook/internal/docstore"
	"github.com/cuemby/brook/internal/document"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/tree"
)

func byCategoryMap(doc document.Document) []Entry {
	return []Entry{{Key: doc.Contents, Value: doc.Contents}}
}

func countReduce(key []byte, values [][]byte, rereduce bool) []byte {
	return []byte{byte(len(values))}
}

func setupTest(t *testing.T) (*docstore.Store, *Engine, schema.CollectionName, schema.ViewName) {
	t.Helper()
	dir := t.TempDir()
	trees, err := tree.Open(filepath.Join(dir, "views.db"))
	if err != nil {
		t.Fatalf("tree.Open: %v", err)
	}
	t.Cleanup(func() { trees.Close() })

	colName, err := schema.NewCollectionName("app", "widgets")
	if err != nil {
		t.Fatalf("NewCollectionName: %v", err)
	}
	viewName, err := schema.NewViewName(colName, "by-category")
	if err != nil {
		t.Fatalf("NewViewName: %v", err)
	}

	sch := schema.Schema{
		Name: "test",
		Collections: []schema.CollectionDefinition{
			{
				Name: colName,
				Views: []schema.ViewDefinition{
					{Name: viewName, KeyKind: schema.KindBytes, Version: 1},
				},
			},
		},
	}

	engine := New(trees, sch)
	engine.RegisterView(viewName, Handlers{Map: byCategoryMap, Reduce: countReduce})

	store := docstore.New(trees, sch, engine, nil)
	engine.SetScanner(store)

	return store, engine, colName, viewName
}

func TestQueryReturnsMappedEntries(t *testing.T) {
	store, engine, col, view := setupTest(t)

	for _, v := range []string{"a", "b", "a"} {
		if _, err := store.ApplyTransaction([]docstore.Op{
			{Collection: col, Kind: docstore.OpInsert, Contents: []byte(v)},
		}); err != nil {
			t.Fatalf("insert %q: %v", v, err)
		}
	}

	results, err := engine.Query(view, KeyFilter{Kind: KeyExact, Exact: []byte("a")}, UpdateBefore)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Query exact 'a' returned %d entries, want 2", len(results))
	}
}

func TestQueryRange(t *testing.T) {
	store, engine, col, view := setupTest(t)

	for _, v := range []string{"a", "b", "c", "d"} {
		if _, err := store.ApplyTransaction([]docstore.Op{
			{Collection: col, Kind: docstore.OpInsert, Contents: []byte(v)},
		}); err != nil {
			t.Fatalf("insert %q: %v", v, err)
		}
	}

	results, err := engine.Query(view, KeyFilter{Kind: KeyRange, RangeLo: []byte("b"), RangeHi: []byte("c")}, UpdateBefore)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Query range [b,c] returned %d entries, want 2", len(results))
	}
}

func TestReduceGrouped(t *testing.T) {
	store, engine, col, view := setupTest(t)

	for _, v := range []string{"a", "a", "b"} {
		if _, err := store.ApplyTransaction([]docstore.Op{
			{Collection: col, Kind: docstore.OpInsert, Contents: []byte(v)},
		}); err != nil {
			t.Fatalf("insert %q: %v", v, err)
		}
	}

	groups, err := engine.ReduceGrouped(view, KeyFilter{}, UpdateBefore)
	if err != nil {
		t.Fatalf("ReduceGrouped: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("ReduceGrouped returned %d groups, want 2", len(groups))
	}
	for _, g := range groups {
		if string(g.Key) == "a" && g.Value[0] != 2 {
			t.Fatalf("group 'a' count = %d, want 2", g.Value[0])
		}
		if string(g.Key) == "b" && g.Value[0] != 1 {
			t.Fatalf("group 'b' count = %d, want 1", g.Value[0])
		}
	}
}

func TestDeleteDocsRemovesMatchingDocuments(t *testing.T) {
	store, engine, col, view := setupTest(t)

	for _, v := range []string{"a", "a", "b"} {
		if _, err := store.ApplyTransaction([]docstore.Op{
			{Collection: col, Kind: docstore.OpInsert, Contents: []byte(v)},
		}); err != nil {
			t.Fatalf("insert %q: %v", v, err)
		}
	}

	n, err := engine.DeleteDocs(view, KeyFilter{Kind: KeyExact, Exact: []byte("a")}, UpdateBefore, store)
	if err != nil {
		t.Fatalf("DeleteDocs: %v", err)
	}
	if n != 2 {
		t.Fatalf("DeleteDocs removed %d documents, want 2", n)
	}

	docs, err := store.List(col, nil, nil, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("documents remaining = %d, want 1", len(docs))
	}
}

func TestUniqueViewRejectsCollision(t *testing.T) {
	dir := t.TempDir()
	trees, err := tree.Open(filepath.Join(dir, "unique.db"))
	if err != nil {
		t.Fatalf("tree.Open: %v", err)
	}
	defer trees.Close()

	colName, _ := schema.NewCollectionName("app", "users")
	viewName, _ := schema.NewViewName(colName, "by-name")
	sch := schema.Schema{
		Name: "test",
		Collections: []schema.CollectionDefinition{
			{
				Name: colName,
				Views: []schema.ViewDefinition{
					{Name: viewName, KeyKind: schema.KindBytes, Unique: true, Version: 1},
				},
			},
		},
	}

	engine := New(trees, sch)
	engine.RegisterView(viewName, Handlers{Map: byCategoryMap})
	store := docstore.New(trees, sch, engine, nil)
	engine.SetScanner(store)

	if _, err := store.ApplyTransaction([]docstore.Op{
		{Collection: colName, Kind: docstore.OpInsert, Contents: []byte("alice")},
	}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err = store.ApplyTransaction([]docstore.Op{
		{Collection: colName, Kind: docstore.OpInsert, Contents: []byte("alice")},
	})
	if err == nil {
		t.Fatal("expected unique view collision error")
	}
}

func TestQueryWithDocsFetchesSourceDocument(t *testing.T) {
	store, engine, col, view := setupTest(t)

	if _, err := store.ApplyTransaction([]docstore.Op{
		{Collection: col, Kind: docstore.OpInsert, Contents: []byte("a")},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	results, err := engine.QueryWithDocs(view, KeyFilter{Kind: KeyExact, Exact: []byte("a")}, UpdateBefore, store)
	if err != nil {
		t.Fatalf("QueryWithDocs: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("QueryWithDocs returned %d results, want 1", len(results))
	}
	if string(results[0].Document.Contents) != "a" {
		t.Fatalf("fetched document contents = %q, want %q", results[0].Document.Contents, "a")
	}
}
