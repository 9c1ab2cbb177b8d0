// Package client implements a connection to a brookd server: dial, the
// protocol handshake, and typed request/response helpers built on top
// of internal/wire's Envelope framing. Grounded on the teacher's
// pkg/client.Client — a thin wrapper holding one long-lived connection
// plus one method per request type, each with its own context timeout —
// generalized from a generated gRPC stub to brook's hand-framed wire
// protocol.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/brook/internal/document"
	"github.com/cuemby/brook/internal/docstore"
	"github.com/cuemby/brook/internal/dispatcher"
	"github.com/cuemby/brook/internal/kvstore"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/views"
	"github.com/cuemby/brook/internal/wire"
)

// defaultTimeout bounds a single request/response round trip, mirroring
// the teacher client's per-call context.WithTimeout idiom.
const defaultTimeout = 10 * time.Second

// Client wraps one brookd connection for CLI and embedding use. A
// Client is not safe for concurrent Call use from multiple goroutines
// without synchronizing on the same session; each call serializes
// its write internally but then takes the next non-push frame on the
// connection as its response, without matching the correlation id.
type Client struct {
	conn      net.Conn
	r         *bufio.Reader
	writeMu   sync.Mutex
	nextID    uint32
	sessionID string
}

// Dial connects to a brookd listener at addr and performs the protocol
// handshake.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	r := bufio.NewReader(conn)
	if err := wire.ReadHandshake(r); err != nil {
		conn.Close()
		return nil, err
	}
	if err := wire.WriteHandshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, r: r}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SessionID returns the session id established by the last successful
// Authenticate call, or "" before one has succeeded.
func (c *Client) SessionID() string {
	return c.sessionID
}

// SetSessionID binds subsequent requests to an already-established
// session, for clients that authenticate out of band.
func (c *Client) SetSessionID(id string) {
	c.sessionID = id
}

// call sends one request envelope and blocks for the next non-push
// envelope, taken as its response, discarding any server-pushed
// envelopes that arrive first.
func (c *Client) call(ctx context.Context, name string, req any, resp any) error {
	payload, err := wire.EncodePayload(req)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", name, err)
	}
	id := atomic.AddUint32(&c.nextID, 1)
	env := wire.Envelope{Kind: wire.KindRequest, SessionID: c.sessionID, ID: id, Name: name, Payload: payload}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	c.writeMu.Lock()
	err = wire.WriteEnvelope(c.conn, env)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("client: write %s: %w", name, err)
	}

	for {
		got, err := wire.ReadEnvelope(c.r)
		if err != nil {
			return fmt.Errorf("client: read %s response: %w", name, err)
		}
		if got.Kind == wire.KindPush {
			continue
		}
		if got.IsError() {
			return fmt.Errorf("client: %s: %s", name, got.ErrorText)
		}
		if resp == nil {
			return nil
		}
		return wire.DecodePayload(got.Payload, resp)
	}
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultTimeout)
}

// --- authentication ----------------------------------------------------------

// Authenticate logs in as username/password and binds the resulting
// session to this Client for subsequent calls.
func (c *Client) Authenticate(username, password string) error {
	ctx, cancel := withTimeout()
	defer cancel()
	var resp dispatcher.AuthenticateResponse
	req := dispatcher.AuthenticateRequest{Username: username, Password: password}
	if err := c.call(ctx, wire.Authenticate, req, &resp); err != nil {
		return err
	}
	c.sessionID = resp.SessionID
	return nil
}

// --- database administration --------------------------------------------------

// CreateDatabase provisions a named database bound to a registered
// schema.
func (c *Client) CreateDatabase(name, schemaName string) error {
	ctx, cancel := withTimeout()
	defer cancel()
	req := dispatcher.CreateDatabaseRequest{Name: name, Schema: schemaName}
	return c.call(ctx, wire.CreateDatabase, req, nil)
}

// DeleteDatabase removes a named database and its data.
func (c *Client) DeleteDatabase(name string) error {
	ctx, cancel := withTimeout()
	defer cancel()
	req := dispatcher.DeleteDatabaseRequest{Name: name}
	return c.call(ctx, wire.DeleteDatabase, req, nil)
}

// ListDatabases returns every provisioned database and its schema.
func (c *Client) ListDatabases() ([]dispatcher.DatabaseInfo, error) {
	ctx, cancel := withTimeout()
	defer cancel()
	var resp dispatcher.ListDatabasesResponse
	if err := c.call(ctx, wire.ListDatabases, dispatcher.ListDatabasesRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Databases, nil
}

// --- documents -----------------------------------------------------------

// Insert appends a new document to a collection, letting the server
// assign its id, and returns the stored document.
func (c *Client) Insert(database, authority, collection string, contents []byte) (document.Document, error) {
	ref := dispatcher.CollectionRef{Authority: authority, Name: collection}
	op := docstore.Op{Kind: docstore.OpInsert, Contents: contents}
	results, err := c.applyOne(database, ref, op)
	if err != nil {
		return document.Document{}, err
	}
	return results.Document, nil
}

// Update overwrites an existing document's contents, enforcing
// optimistic concurrency if expectedRevision is non-nil.
func (c *Client) Update(database, authority, collection string, id document.ID, contents []byte, expectedRevision *uint64) (document.Document, error) {
	ref := dispatcher.CollectionRef{Authority: authority, Name: collection}
	op := docstore.Op{Kind: docstore.OpUpdate, ID: &id, Contents: contents, ExpectedRevision: expectedRevision}
	results, err := c.applyOne(database, ref, op)
	if err != nil {
		return document.Document{}, err
	}
	return results.Document, nil
}

// Delete removes a document by id.
func (c *Client) Delete(database, authority, collection string, id document.ID, expectedRevision *uint64) error {
	ref := dispatcher.CollectionRef{Authority: authority, Name: collection}
	op := docstore.Op{Kind: docstore.OpDelete, ID: &id, ExpectedRevision: expectedRevision}
	_, err := c.applyOne(database, ref, op)
	return err
}

func (c *Client) applyOne(database string, ref dispatcher.CollectionRef, op docstore.Op) (docstore.OpResult, error) {
	name, err := schema.NewCollectionName(ref.Authority, ref.Name)
	if err != nil {
		return docstore.OpResult{}, err
	}
	op.Collection = name
	ctx, cancel := withTimeout()
	defer cancel()
	req := dispatcher.ApplyTransactionRequest{Database: database, Ops: []docstore.Op{op}}
	var resp dispatcher.ApplyTransactionResponse
	if err := c.call(ctx, wire.ApplyTransaction, req, &resp); err != nil {
		return docstore.OpResult{}, err
	}
	if len(resp.Results) != 1 {
		return docstore.OpResult{}, fmt.Errorf("client: expected 1 transaction result, got %d", len(resp.Results))
	}
	return resp.Results[0], nil
}

// Get fetches one document by id.
func (c *Client) Get(database, authority, collection string, id document.ID) (document.Document, bool, error) {
	ctx, cancel := withTimeout()
	defer cancel()
	req := dispatcher.GetRequest{
		Database:   database,
		Collection: dispatcher.CollectionRef{Authority: authority, Name: collection},
		ID:         id,
	}
	var resp dispatcher.GetResponse
	if err := c.call(ctx, wire.Get, req, &resp); err != nil {
		return document.Document{}, false, err
	}
	return resp.Document, resp.Found, nil
}

// --- views -----------------------------------------------------------------

// Query runs a view, returning its mapped entries without their source
// documents.
func (c *Client) Query(database, authority, collection, view string, filter views.KeyFilter, policy views.AccessPolicy) ([]views.MappedEntry, error) {
	ctx, cancel := withTimeout()
	defer cancel()
	req := dispatcher.QueryRequest{
		Database: database,
		View:     dispatcher.ViewRef{Collection: dispatcher.CollectionRef{Authority: authority, Name: collection}, Name: view},
		Filter:   filter,
		Policy:   policy,
	}
	var resp dispatcher.QueryResponse
	if err := c.call(ctx, wire.Query, req, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// --- key-value store ---------------------------------------------------------

// KVSet stores a value under a namespace/key.
func (c *Client) KVSet(database, namespace, key string, value kvstore.Value) (kvstore.Output, error) {
	return c.kvOp(database, namespace, key, "set", kvstore.SetOptions{Value: value}, false, kvstore.Numeric{}, false)
}

// KVGet fetches the current value at a namespace/key.
func (c *Client) KVGet(database, namespace, key string) (kvstore.Output, error) {
	return c.kvOp(database, namespace, key, "get", kvstore.SetOptions{}, false, kvstore.Numeric{}, false)
}

// KVDelete removes a namespace/key, optionally returning the value it
// held.
func (c *Client) KVDelete(database, namespace, key string, returnPrevious bool) (kvstore.Output, error) {
	return c.kvOp(database, namespace, key, "delete", kvstore.SetOptions{}, returnPrevious, kvstore.Numeric{}, false)
}

// KVIncrement adds amount to the numeric value at a namespace/key.
func (c *Client) KVIncrement(database, namespace, key string, amount kvstore.Numeric, saturating bool) (kvstore.Output, error) {
	return c.kvOp(database, namespace, key, "increment", kvstore.SetOptions{}, false, amount, saturating)
}

func (c *Client) kvOp(database, namespace, key, op string, set kvstore.SetOptions, getDelete bool, amount kvstore.Numeric, saturating bool) (kvstore.Output, error) {
	ctx, cancel := withTimeout()
	defer cancel()
	req := dispatcher.ExecuteKeyOperationRequest{
		Database:   database,
		Namespace:  namespace,
		Key:        key,
		Op:         op,
		Set:        set,
		GetDelete:  getDelete,
		Amount:     amount,
		Saturating: saturating,
	}
	var resp dispatcher.ExecuteKeyOperationResponse
	if err := c.call(ctx, wire.ExecuteKeyOperation, req, &resp); err != nil {
		return kvstore.Output{}, err
	}
	return resp.Output, nil
}

// --- users -----------------------------------------------------------------

// CreateUser creates a new user and returns its id.
func (c *Client) CreateUser(username string) (uint64, error) {
	ctx, cancel := withTimeout()
	defer cancel()
	var resp dispatcher.CreateUserResponse
	req := dispatcher.CreateUserRequest{Username: username}
	if err := c.call(ctx, wire.CreateUser, req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// SetUserPassword sets a user's password.
func (c *Client) SetUserPassword(username, password string) error {
	ctx, cancel := withTimeout()
	defer cancel()
	req := dispatcher.SetUserPasswordRequest{Username: username, Password: password}
	return c.call(ctx, wire.SetUserPassword, req, nil)
}
