package catalog

import (
	"testing"

	"github.com/cuemby/brook/internal/schema"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateDatabaseRequiresRegisteredSchema(t *testing.T) {
	c := newTestCatalog(t)
	if err := c.CreateDatabase("widgets", "unregistered", false); err == nil {
		t.Fatal("expected error for unregistered schema")
	}
}

func TestCreateAndListDatabases(t *testing.T) {
	c := newTestCatalog(t)
	c.RegisterSchema(schema.Schema{Name: "shop"})

	if err := c.CreateDatabase("widgets", "shop", false); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	if err := c.CreateDatabase("widgets", "shop", false); err == nil {
		t.Fatal("expected conflict creating duplicate database")
	}
	if err := c.CreateDatabase("widgets", "shop", true); err != nil {
		t.Fatalf("CreateDatabase onlyIfNeeded: %v", err)
	}

	dbs, err := c.ListDatabases()
	if err != nil {
		t.Fatalf("ListDatabases: %v", err)
	}
	if len(dbs) != 1 || dbs[0].Name != "widgets" || dbs[0].Schema != "shop" {
		t.Fatalf("unexpected databases: %+v", dbs)
	}
}

func TestDeleteDatabase(t *testing.T) {
	c := newTestCatalog(t)
	c.RegisterSchema(schema.Schema{Name: "shop"})
	if err := c.CreateDatabase("widgets", "shop", false); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if err := c.DeleteDatabase("widgets"); err != nil {
		t.Fatalf("DeleteDatabase: %v", err)
	}
	if err := c.DeleteDatabase("widgets"); err == nil {
		t.Fatal("expected error deleting unknown database")
	}
	dbs, err := c.ListDatabases()
	if err != nil {
		t.Fatalf("ListDatabases: %v", err)
	}
	if len(dbs) != 0 {
		t.Fatalf("expected no databases, got %+v", dbs)
	}
}

func TestListAvailableSchemas(t *testing.T) {
	c := newTestCatalog(t)
	c.RegisterSchema(schema.Schema{Name: "shop"})
	c.RegisterSchema(schema.Schema{Name: "blog"})

	names := c.ListAvailableSchemas()
	if len(names) != 2 || names[0] != "blog" || names[1] != "shop" {
		t.Fatalf("unexpected schema names: %v", names)
	}
}
