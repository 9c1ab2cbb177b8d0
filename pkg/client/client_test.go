package client

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/cuemby/brook/internal/auth"
	"github.com/cuemby/brook/internal/catalog"
	"github.com/cuemby/brook/internal/database"
	"github.com/cuemby/brook/internal/dispatcher"
	"github.com/cuemby/brook/internal/kvstore"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/tree"
	"github.com/rs/zerolog"
)

func startTestServer(t *testing.T) (addr string, rootPassword string) {
	t.Helper()
	dir := t.TempDir()

	authTrees, err := tree.Open(filepath.Join(dir, "_auth.db"))
	if err != nil {
		t.Fatalf("tree.Open: %v", err)
	}
	t.Cleanup(func() { authTrees.Close() })
	authMgr := auth.NewManager(authTrees, auth.NewArgon2Hasher())

	if _, err := authMgr.CreatePermissionGroup("admins", []auth.Statement{
		{Resource: "*", Actions: []string{"*"}, Allow: true},
	}); err != nil {
		t.Fatalf("CreatePermissionGroup: %v", err)
	}
	if _, err := authMgr.CreateUser("root"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := authMgr.SetUserPassword(auth.ByUsername("root"), "s3cret"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}
	if err := authMgr.AlterGroupMembership(auth.ByUsername("root"), "admins", true); err != nil {
		t.Fatalf("AlterGroupMembership: %v", err)
	}

	cat, err := catalog.Open(dir)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	dbMgr := database.NewManager(cat, zerolog.Nop())
	t.Cleanup(func() { dbMgr.Close() })

	widgets, err := schema.NewCollectionName("shop", "widgets")
	if err != nil {
		t.Fatalf("NewCollectionName: %v", err)
	}
	dbMgr.RegisterSchema(database.Plugin{Schema: schema.Schema{
		Name:        "shop",
		Collections: []schema.CollectionDefinition{{Name: widgets}},
	}})

	d := dispatcher.New(authMgr, dbMgr, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.Serve(conn)
		}
	}()

	return ln.Addr().String(), "s3cret"
}

func TestDialAuthenticateCreateDatabaseAndRoundTripDocument(t *testing.T) {
	addr, password := startTestServer(t)

	c, err := Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Authenticate("root", password); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if c.SessionID() == "" {
		t.Fatal("expected a non-empty session id after Authenticate")
	}

	if err := c.CreateDatabase("widgets", "shop"); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	dbs, err := c.ListDatabases()
	if err != nil {
		t.Fatalf("ListDatabases: %v", err)
	}
	if len(dbs) != 1 || dbs[0].Name != "widgets" {
		t.Fatalf("unexpected databases: %+v", dbs)
	}

	inserted, err := c.Insert("widgets", "shop", "widgets", []byte("cog"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	doc, found, err := c.Get("widgets", "shop", "widgets", inserted.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected the inserted document to be found")
	}
	if string(doc.Contents) != "cog" {
		t.Fatalf("unexpected contents: %q", doc.Contents)
	}
}

func TestKeyValueSetAndGetRoundTrip(t *testing.T) {
	addr, password := startTestServer(t)

	c, err := Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Authenticate("root", password); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := c.CreateDatabase("widgets", "shop"); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	if _, err := c.KVSet("widgets", "inventory", "cogs", kvstore.BytesValue([]byte("42"))); err != nil {
		t.Fatalf("KVSet: %v", err)
	}

	out, err := c.KVGet("widgets", "inventory", "cogs")
	if err != nil {
		t.Fatalf("KVGet: %v", err)
	}
	if !out.HasValue || !out.Found || string(out.Value.Bytes) != "42" {
		t.Fatalf("unexpected KV output: %+v", out)
	}
}

func TestAuthenticateWithWrongPasswordFails(t *testing.T) {
	addr, _ := startTestServer(t)

	c, err := Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Authenticate("root", "not-the-password"); err == nil {
		t.Fatal("expected Authenticate with a wrong password to fail")
	}
}
