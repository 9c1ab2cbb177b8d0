package dispatcher

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"

	"github.com/cuemby/brook/internal/auth"
	"github.com/cuemby/brook/internal/catalog"
	"github.com/cuemby/brook/internal/database"
	"github.com/cuemby/brook/internal/docstore"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/tree"
	"github.com/cuemby/brook/internal/wire"
	"github.com/rs/zerolog"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	next uint32
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	r := bufio.NewReader(conn)
	if err := wire.ReadHandshake(r); err != nil {
		t.Fatalf("client read handshake: %v", err)
	}
	if err := wire.WriteHandshake(conn); err != nil {
		t.Fatalf("client write handshake: %v", err)
	}
	return &testClient{t: t, conn: conn, r: r}
}

func (c *testClient) call(sessionID, name string, payload []byte) wire.Envelope {
	c.t.Helper()
	c.next++
	req := wire.Envelope{Kind: wire.KindRequest, SessionID: sessionID, ID: c.next, Name: name, Payload: payload}
	if err := wire.WriteEnvelope(c.conn, req); err != nil {
		c.t.Fatalf("WriteEnvelope(%s): %v", name, err)
	}
	for {
		resp, err := wire.ReadEnvelope(c.r)
		if err != nil {
			c.t.Fatalf("ReadEnvelope(%s): %v", name, err)
		}
		if resp.Kind == wire.KindPush {
			continue // drop any unrelated push while waiting for our response
		}
		return resp
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *auth.Session) {
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
	rootSession, err := authMgr.Authenticate(auth.ByUsername("root"), auth.Authentication{Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
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

	return New(authMgr, dbMgr, zerolog.Nop()), rootSession
}

func dialDispatcher(t *testing.T, d *Dispatcher) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go d.Serve(serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return newTestClient(t, clientConn)
}

func TestCreateDatabaseAndApplyTransactionOverWire(t *testing.T) {
	d, root := newTestDispatcher(t)
	c := dialDispatcher(t, d)
	sid := root.ID.String()

	createPayload, _ := wire.EncodePayload(CreateDatabaseRequest{Name: "widgets", Schema: "shop"})
	resp := c.call(sid, wire.CreateDatabase, createPayload)
	if resp.IsError() {
		t.Fatalf("CreateDatabase: %s", resp.ErrorText)
	}

	widgets, err := schema.NewCollectionName("shop", "widgets")
	if err != nil {
		t.Fatalf("NewCollectionName: %v", err)
	}
	txPayload, _ := wire.EncodePayload(ApplyTransactionRequest{
		Database: "widgets",
		Ops:      []docstore.Op{{Collection: widgets, Kind: docstore.OpInsert, Contents: []byte("cog")}},
	})
	resp = c.call(sid, wire.ApplyTransaction, txPayload)
	if resp.IsError() {
		t.Fatalf("ApplyTransaction: %s", resp.ErrorText)
	}
	var txResp ApplyTransactionResponse
	if err := wire.DecodePayload(resp.Payload, &txResp); err != nil {
		t.Fatalf("decode ApplyTransactionResponse: %v", err)
	}
	if len(txResp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(txResp.Results))
	}

	getPayload, _ := wire.EncodePayload(GetRequest{Database: "widgets", Collection: CollectionRef{Authority: "shop", Name: "widgets"}, ID: txResp.Results[0].Document.ID})
	resp = c.call(sid, wire.Get, getPayload)
	if resp.IsError() {
		t.Fatalf("Get: %s", resp.ErrorText)
	}
	var getResp GetResponse
	if err := wire.DecodePayload(resp.Payload, &getResp); err != nil {
		t.Fatalf("decode GetResponse: %v", err)
	}
	if !getResp.Found {
		t.Fatal("expected document to be found")
	}
}

func TestUnauthenticatedRequestDenied(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c := dialDispatcher(t, d)

	payload, _ := wire.EncodePayload(CreateDatabaseRequest{Name: "widgets", Schema: "shop"})
	resp := c.call("", wire.CreateDatabase, payload)
	if !resp.IsError() {
		t.Fatal("expected permission denied for an unauthenticated request")
	}
}

func TestUnknownRequestNameReturnsError(t *testing.T) {
	d, root := newTestDispatcher(t)
	c := dialDispatcher(t, d)
	resp := c.call(root.ID.String(), "NotARealRequest", nil)
	if !resp.IsError() {
		t.Fatal("expected error for an unregistered request name")
	}
}

func TestSubscribePublishDeliversPush(t *testing.T) {
	d, root := newTestDispatcher(t)
	c := dialDispatcher(t, d)
	sid := root.ID.String()

	createPayload, _ := wire.EncodePayload(CreateDatabaseRequest{Name: "widgets", Schema: "shop"})
	if resp := c.call(sid, wire.CreateDatabase, createPayload); resp.IsError() {
		t.Fatalf("CreateDatabase: %s", resp.ErrorText)
	}

	subPayload, _ := wire.EncodePayload(CreateSubscriberRequest{Database: "widgets", Buffer: 4})
	resp := c.call(sid, wire.CreateSubscriber, subPayload)
	if resp.IsError() {
		t.Fatalf("CreateSubscriber: %s", resp.ErrorText)
	}
	var subResp CreateSubscriberResponse
	if err := wire.DecodePayload(resp.Payload, &subResp); err != nil {
		t.Fatalf("decode CreateSubscriberResponse: %v", err)
	}

	subscribePayload, _ := wire.EncodePayload(SubscribeToRequest{SubscriberID: subResp.SubscriberID, Topic: "stock"})
	if resp := c.call(sid, wire.SubscribeTo, subscribePayload); resp.IsError() {
		t.Fatalf("SubscribeTo: %s", resp.ErrorText)
	}

	publishPayload, _ := wire.EncodePayload(PublishRequest{Database: "widgets", Topic: "stock", Payload: []byte("restocked")})
	if resp := c.call(sid, wire.Publish, publishPayload); resp.IsError() {
		t.Fatalf("Publish: %s", resp.ErrorText)
	}

	for {
		env, err := wire.ReadEnvelope(c.r)
		if err != nil {
			t.Fatalf("ReadEnvelope: %v", err)
		}
		if env.Kind != wire.KindPush {
			continue
		}
		var push MessageReceivedPush
		if err := wire.DecodePayload(env.Payload, &push); err != nil {
			t.Fatalf("decode MessageReceivedPush: %v", err)
		}
		if push.Topic != "stock" || string(push.Payload) != "restocked" {
			t.Fatalf("unexpected push %+v", push)
		}
		break
	}
}
