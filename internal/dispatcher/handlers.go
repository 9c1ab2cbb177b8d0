package dispatcher

import (
	"github.com/cuemby/brook/internal/apperr"
	"github.com/cuemby/brook/internal/auth"
	"github.com/cuemby/brook/internal/database"
	"github.com/cuemby/brook/internal/docstore"
	"github.com/cuemby/brook/internal/document"
	"github.com/cuemby/brook/internal/kvstore"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/views"
	"github.com/cuemby/brook/internal/wire"
)

// CollectionRef names a collection on the wire; handlers resolve it
// against a database's schema via toName.
type CollectionRef struct {
	Authority string `msgpack:"authority"`
	Name      string `msgpack:"name"`
}

func (r CollectionRef) toName() (schema.CollectionName, error) {
	return schema.NewCollectionName(r.Authority, r.Name)
}

// ViewRef names a view on the wire.
type ViewRef struct {
	Collection CollectionRef `msgpack:"collection"`
	Name       string        `msgpack:"name"`
}

func (r ViewRef) toName() (schema.ViewName, error) {
	col, err := r.Collection.toName()
	if err != nil {
		return schema.ViewName{}, err
	}
	return schema.NewViewName(col, r.Name)
}

func userRef(username string, id *uint64) auth.UserRef {
	if id != nil {
		return auth.ByUserID(*id)
	}
	return auth.ByUsername(username)
}

// --- database administration -------------------------------------------------

type CreateDatabaseRequest struct {
	Name         string `msgpack:"name"`
	Schema       string `msgpack:"schema"`
	OnlyIfNeeded bool   `msgpack:"only_if_needed"`
}

type DeleteDatabaseRequest struct {
	Name string `msgpack:"name"`
}

type ListDatabasesRequest struct{}

type DatabaseInfo struct {
	Name   string `msgpack:"name"`
	Schema string `msgpack:"schema"`
}

type ListDatabasesResponse struct {
	Databases []DatabaseInfo `msgpack:"databases"`
}

type ListAvailableSchemasRequest struct{}

type ListAvailableSchemasResponse struct {
	Schemas []string `msgpack:"schemas"`
}

func handleCreateDatabase(ctx *RequestContext, payload []byte) (any, error) {
	var req CreateDatabaseRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionCreateDatabase, auth.DatabaseResource(req.Name)); err != nil {
		return nil, err
	}
	if err := ctx.Dispatcher.Databases.Catalog().CreateDatabase(req.Name, req.Schema, req.OnlyIfNeeded); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleDeleteDatabase(ctx *RequestContext, payload []byte) (any, error) {
	var req DeleteDatabaseRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionDeleteDatabase, auth.DatabaseResource(req.Name)); err != nil {
		return nil, err
	}
	if err := ctx.Dispatcher.Databases.CloseDatabase(req.Name); err != nil {
		return nil, err
	}
	if err := ctx.Dispatcher.Databases.Catalog().DeleteDatabase(req.Name); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleListDatabases(ctx *RequestContext, _ []byte) (any, error) {
	if err := ctx.requirePermission(auth.ActionListDatabases, "*"); err != nil {
		return nil, err
	}
	records, err := ctx.Dispatcher.Databases.Catalog().ListDatabases()
	if err != nil {
		return nil, err
	}
	out := make([]DatabaseInfo, 0, len(records))
	for _, r := range records {
		out = append(out, DatabaseInfo{Name: r.Name, Schema: r.Schema})
	}
	return ListDatabasesResponse{Databases: out}, nil
}

func handleListAvailableSchemas(ctx *RequestContext, _ []byte) (any, error) {
	return ListAvailableSchemasResponse{Schemas: ctx.Dispatcher.Databases.Catalog().ListAvailableSchemas()}, nil
}

// --- user/session administration ---------------------------------------------

type CreateUserRequest struct {
	Username string `msgpack:"username"`
}

type CreateUserResponse struct {
	ID uint64 `msgpack:"id"`
}

type DeleteUserRequest struct {
	Username string  `msgpack:"username,omitempty"`
	ID       *uint64 `msgpack:"id,omitempty"`
}

type SetUserPasswordRequest struct {
	Username string  `msgpack:"username,omitempty"`
	ID       *uint64 `msgpack:"id,omitempty"`
	Password string  `msgpack:"password"`
}

type AuthenticateRequest struct {
	Username string `msgpack:"username"`
	Password string `msgpack:"password"`
}

type AuthenticateResponse struct {
	SessionID string `msgpack:"session_id"`
}

type AssumeIdentityRequest struct {
	IsRole bool   `msgpack:"is_role"`
	ID     uint64 `msgpack:"id"`
}

type AssumeIdentityResponse struct {
	SessionID string `msgpack:"session_id"`
}

type AlterUserPermissionGroupMembershipRequest struct {
	Username string  `msgpack:"username,omitempty"`
	ID       *uint64 `msgpack:"id,omitempty"`
	Group    string  `msgpack:"group"`
	Member   bool    `msgpack:"member"`
}

type AlterUserRoleMembershipRequest struct {
	Username string  `msgpack:"username,omitempty"`
	ID       *uint64 `msgpack:"id,omitempty"`
	Role     string  `msgpack:"role"`
	Member   bool    `msgpack:"member"`
}

func handleCreateUser(ctx *RequestContext, payload []byte) (any, error) {
	var req CreateUserRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionCreateUser, "*"); err != nil {
		return nil, err
	}
	id, err := ctx.Dispatcher.Auth.CreateUser(req.Username)
	if err != nil {
		return nil, err
	}
	return CreateUserResponse{ID: id}, nil
}

func handleDeleteUser(ctx *RequestContext, payload []byte) (any, error) {
	var req DeleteUserRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionDeleteUser, "*"); err != nil {
		return nil, err
	}
	return nil, ctx.Dispatcher.Auth.DeleteUser(userRef(req.Username, req.ID))
}

func handleSetUserPassword(ctx *RequestContext, payload []byte) (any, error) {
	var req SetUserPasswordRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionDeleteUser, "*"); err != nil {
		return nil, err
	}
	return nil, ctx.Dispatcher.Auth.SetUserPassword(userRef(req.Username, req.ID), req.Password)
}

func handleAuthenticate(ctx *RequestContext, payload []byte) (any, error) {
	var req AuthenticateRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	sess, err := ctx.Dispatcher.Auth.Authenticate(auth.ByUsername(req.Username), auth.Authentication{Password: req.Password})
	if err != nil {
		return nil, err
	}
	return AuthenticateResponse{SessionID: sess.ID.String()}, nil
}

func handleAssumeIdentity(ctx *RequestContext, payload []byte) (any, error) {
	var req AssumeIdentityRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	identity := auth.Identity{Kind: auth.IdentityUser, ID: req.ID}
	if req.IsRole {
		identity.Kind = auth.IdentityRole
	}
	sess, err := ctx.Dispatcher.Auth.AssumeIdentity(ctx.AuthSession, identity)
	if err != nil {
		return nil, err
	}
	return AssumeIdentityResponse{SessionID: sess.ID.String()}, nil
}

func handleAlterUserPermissionGroupMembership(ctx *RequestContext, payload []byte) (any, error) {
	var req AlterUserPermissionGroupMembershipRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionCreateUser, "*"); err != nil {
		return nil, err
	}
	return nil, ctx.Dispatcher.Auth.AlterGroupMembership(userRef(req.Username, req.ID), req.Group, req.Member)
}

func handleAlterUserRoleMembership(ctx *RequestContext, payload []byte) (any, error) {
	var req AlterUserRoleMembershipRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionCreateUser, "*"); err != nil {
		return nil, err
	}
	return nil, ctx.Dispatcher.Auth.AlterRoleMembership(userRef(req.Username, req.ID), req.Role, req.Member)
}

// --- documents -----------------------------------------------------------

type GetRequest struct {
	Database   string        `msgpack:"database"`
	Collection CollectionRef `msgpack:"collection"`
	ID         document.ID   `msgpack:"id"`
}

type GetResponse struct {
	Found    bool              `msgpack:"found"`
	Document document.Document `msgpack:"document"`
}

type GetMultipleRequest struct {
	Database   string        `msgpack:"database"`
	Collection CollectionRef `msgpack:"collection"`
	IDs        []document.ID `msgpack:"ids"`
}

type DocumentsResponse struct {
	Documents []document.Document `msgpack:"documents"`
}

type ListRequest struct {
	Database   string        `msgpack:"database"`
	Collection CollectionRef `msgpack:"collection"`
	Lo         *document.ID  `msgpack:"lo,omitempty"`
	Hi         *document.ID  `msgpack:"hi,omitempty"`
	Limit      int           `msgpack:"limit"`
}

type CountRequest struct {
	Database   string        `msgpack:"database"`
	Collection CollectionRef `msgpack:"collection"`
	Lo         *document.ID  `msgpack:"lo,omitempty"`
	Hi         *document.ID  `msgpack:"hi,omitempty"`
}

type CountResponse struct {
	Count uint64 `msgpack:"count"`
}

type ApplyTransactionRequest struct {
	Database string        `msgpack:"database"`
	Ops      []docstore.Op `msgpack:"ops"`
}

type ApplyTransactionResponse struct {
	Results []docstore.OpResult `msgpack:"results"`
}

type ListExecutedTransactionsRequest struct {
	Database string `msgpack:"database"`
	SinceID  uint64 `msgpack:"since_id"`
	Limit    int    `msgpack:"limit"`
}

type ListExecutedTransactionsResponse struct {
	Transactions []docstore.TransactionRecord `msgpack:"transactions"`
}

type LastTransactionIDRequest struct {
	Database string `msgpack:"database"`
}

type LastTransactionIDResponse struct {
	ID uint64 `msgpack:"id"`
}

func handleGet(ctx *RequestContext, payload []byte) (any, error) {
	var req GetRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	col, err := req.Collection.toName()
	if err != nil {
		return nil, err
	}
	if err := ctx.requirePermission(auth.ActionReadDocument, auth.CollectionResource(req.Database, col.String())); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	doc, ok, err := db.Docs.Get(col, req.ID)
	if err != nil {
		return nil, err
	}
	return GetResponse{Found: ok, Document: doc}, nil
}

func handleGetMultiple(ctx *RequestContext, payload []byte) (any, error) {
	var req GetMultipleRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	col, err := req.Collection.toName()
	if err != nil {
		return nil, err
	}
	if err := ctx.requirePermission(auth.ActionReadDocument, auth.CollectionResource(req.Database, col.String())); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	docs, err := db.Docs.GetMultiple(col, req.IDs)
	if err != nil {
		return nil, err
	}
	return DocumentsResponse{Documents: docs}, nil
}

func handleList(ctx *RequestContext, payload []byte) (any, error) {
	var req ListRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	col, err := req.Collection.toName()
	if err != nil {
		return nil, err
	}
	if err := ctx.requirePermission(auth.ActionReadDocument, auth.CollectionResource(req.Database, col.String())); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	docs, err := db.Docs.List(col, req.Lo, req.Hi, req.Limit)
	if err != nil {
		return nil, err
	}
	return DocumentsResponse{Documents: docs}, nil
}

func handleCount(ctx *RequestContext, payload []byte) (any, error) {
	var req CountRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	col, err := req.Collection.toName()
	if err != nil {
		return nil, err
	}
	if err := ctx.requirePermission(auth.ActionReadDocument, auth.CollectionResource(req.Database, col.String())); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	count, err := db.Docs.Count(col, req.Lo, req.Hi)
	if err != nil {
		return nil, err
	}
	return CountResponse{Count: count}, nil
}

func handleApplyTransaction(ctx *RequestContext, payload []byte) (any, error) {
	var req ApplyTransactionRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	for _, op := range req.Ops {
		if err := ctx.requirePermission(auth.ActionWriteDocument, auth.CollectionResource(req.Database, op.Collection.String())); err != nil {
			return nil, err
		}
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	results, err := db.Docs.ApplyTransaction(req.Ops)
	if err != nil {
		return nil, err
	}
	return ApplyTransactionResponse{Results: results}, nil
}

func handleListExecutedTransactions(ctx *RequestContext, payload []byte) (any, error) {
	var req ListExecutedTransactionsRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	recs, err := db.Docs.ListExecuted(req.SinceID, req.Limit)
	if err != nil {
		return nil, err
	}
	return ListExecutedTransactionsResponse{Transactions: recs}, nil
}

func handleLastTransactionID(ctx *RequestContext, payload []byte) (any, error) {
	var req LastTransactionIDRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	id, err := db.Docs.LastTransactionID()
	if err != nil {
		return nil, err
	}
	return LastTransactionIDResponse{ID: id}, nil
}

// --- views -----------------------------------------------------------------

type QueryRequest struct {
	Database string          `msgpack:"database"`
	View     ViewRef         `msgpack:"view"`
	Filter   views.KeyFilter `msgpack:"filter"`
	Policy   views.AccessPolicy `msgpack:"policy"`
}

type QueryResponse struct {
	Entries []views.MappedEntry `msgpack:"entries"`
}

type QueryWithDocsResponse struct {
	Entries []views.MappedEntryWithDoc `msgpack:"entries"`
}

type ReduceResponse struct {
	Value []byte `msgpack:"value"`
}

type ReduceGroupedResponse struct {
	Groups []views.GroupedReduction `msgpack:"groups"`
}

type DeleteDocsResponse struct {
	Deleted int `msgpack:"deleted"`
}

func handleQuery(ctx *RequestContext, payload []byte) (any, error) {
	req, db, view, err := decodeViewRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	entries, err := db.Views.Query(view, req.Filter, req.Policy)
	if err != nil {
		return nil, err
	}
	return QueryResponse{Entries: entries}, nil
}

func handleQueryWithDocs(ctx *RequestContext, payload []byte) (any, error) {
	req, db, view, err := decodeViewRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	entries, err := db.Views.QueryWithDocs(view, req.Filter, req.Policy, db.Docs)
	if err != nil {
		return nil, err
	}
	return QueryWithDocsResponse{Entries: entries}, nil
}

func handleReduce(ctx *RequestContext, payload []byte) (any, error) {
	req, db, view, err := decodeViewRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	value, err := db.Views.Reduce(view, req.Filter, req.Policy)
	if err != nil {
		return nil, err
	}
	return ReduceResponse{Value: value}, nil
}

func handleReduceGrouped(ctx *RequestContext, payload []byte) (any, error) {
	req, db, view, err := decodeViewRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	groups, err := db.Views.ReduceGrouped(view, req.Filter, req.Policy)
	if err != nil {
		return nil, err
	}
	return ReduceGroupedResponse{Groups: groups}, nil
}

func handleDeleteDocs(ctx *RequestContext, payload []byte) (any, error) {
	req, db, view, err := decodeViewRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	if err := ctx.requirePermission(auth.ActionDeleteDocument, auth.CollectionResource(req.Database, view.Collection.String())); err != nil {
		return nil, err
	}
	deleted, err := db.Views.DeleteDocs(view, req.Filter, req.Policy, db.Docs)
	if err != nil {
		return nil, err
	}
	return DeleteDocsResponse{Deleted: deleted}, nil
}

func decodeViewRequest(ctx *RequestContext, payload []byte) (QueryRequest, *database.Database, schema.ViewName, error) {
	var req QueryRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return req, nil, schema.ViewName{}, apperr.Database(err)
	}
	view, err := req.View.toName()
	if err != nil {
		return req, nil, schema.ViewName{}, err
	}
	if err := ctx.requirePermission(auth.ActionQueryView, auth.CollectionResource(req.Database, view.Collection.String())); err != nil {
		return req, nil, schema.ViewName{}, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return req, nil, schema.ViewName{}, err
	}
	return req, db, view, nil
}

// --- key-value store ---------------------------------------------------------

type ExecuteKeyOperationRequest struct {
	Database  string            `msgpack:"database"`
	Namespace string            `msgpack:"namespace"`
	Key       string            `msgpack:"key"`
	Op        string            `msgpack:"op"` // "set", "get", "delete", "increment", "decrement"
	Set       kvstore.SetOptions `msgpack:"set,omitempty"`
	GetDelete bool              `msgpack:"get_delete,omitempty"`
	Amount    kvstore.Numeric   `msgpack:"amount,omitempty"`
	Saturating bool             `msgpack:"saturating,omitempty"`
}

type ExecuteKeyOperationResponse struct {
	Output kvstore.Output `msgpack:"output"`
}

func handleExecuteKeyOperation(ctx *RequestContext, payload []byte) (any, error) {
	var req ExecuteKeyOperationRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionKeyValueOperation, auth.KeyValueResource(req.Database, req.Namespace)); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}

	var out kvstore.Output
	switch req.Op {
	case "set":
		out, err = db.KV.Set(req.Namespace, req.Key, req.Set)
	case "get":
		out, err = db.KV.Get(req.Namespace, req.Key, req.GetDelete)
	case "delete":
		out, err = db.KV.Delete(req.Namespace, req.Key)
	case "increment":
		out, err = db.KV.Increment(req.Namespace, req.Key, req.Amount, req.Saturating)
	case "decrement":
		out, err = db.KV.Decrement(req.Namespace, req.Key, req.Amount, req.Saturating)
	default:
		return nil, apperr.Newf(apperr.CodeInvalidName, "unknown key operation %q", req.Op)
	}
	if err != nil {
		return nil, err
	}
	return ExecuteKeyOperationResponse{Output: out}, nil
}

// --- compaction ---------------------------------------------------------------

type CompactCollectionRequest struct {
	Database   string        `msgpack:"database"`
	Collection CollectionRef `msgpack:"collection"`
}

type CompactKeyValueStoreRequest struct {
	Database string `msgpack:"database"`
}

type CompactRequest struct {
	Database string `msgpack:"database"`
}

func handleCompactCollection(ctx *RequestContext, payload []byte) (any, error) {
	var req CompactCollectionRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	col, err := req.Collection.toName()
	if err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	return nil, db.Docs.CompactCollection(col)
}

// handleCompactKeyValueStore is a no-op for the same reason
// docstore.CompactCollection is: bbolt reclaims its own freed pages
// without a separate pass. It exists as its own call so a future
// on-disk engine with real compaction work has one place to do it.
func handleCompactKeyValueStore(ctx *RequestContext, payload []byte) (any, error) {
	var req CompactKeyValueStoreRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if _, err := ctx.Dispatcher.Databases.Open(req.Database); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleCompact(ctx *RequestContext, payload []byte) (any, error) {
	var req CompactRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	for _, col := range db.Schema.Collections {
		if err := db.Docs.CompactCollection(col.Name); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// --- pub/sub -------------------------------------------------------------

type CreateSubscriberRequest struct {
	Database string `msgpack:"database"`
	Buffer   int    `msgpack:"buffer"`
}

type CreateSubscriberResponse struct {
	SubscriberID uint32 `msgpack:"subscriber_id"`
}

type PublishRequest struct {
	Database string `msgpack:"database"`
	Topic    string `msgpack:"topic"`
	Payload  []byte `msgpack:"payload"`
}

// PublishToAllRequest publishes payload to the union of subscribers
// attached to any of Topics.
type PublishToAllRequest struct {
	Database string   `msgpack:"database"`
	Topics   []string `msgpack:"topics"`
	Payload  []byte   `msgpack:"payload"`
}

type SubscribeToRequest struct {
	SubscriberID uint32 `msgpack:"subscriber_id"`
	Topic        string `msgpack:"topic"`
}

type UnsubscribeFromRequest struct {
	SubscriberID uint32 `msgpack:"subscriber_id"`
	Topic        string `msgpack:"topic"`
}

type UnregisterSubscriberRequest struct {
	SubscriberID uint32 `msgpack:"subscriber_id"`
}

// MessageReceivedPush is the payload of a server-pushed MessageReceived
// envelope, delivered unsolicited to a connection whose subscriber is
// attached to the published topic.
type MessageReceivedPush struct {
	SubscriberID uint32 `msgpack:"subscriber_id"`
	Topic        string `msgpack:"topic"`
	Payload      []byte `msgpack:"payload"`
}

func handleCreateSubscriber(ctx *RequestContext, payload []byte) (any, error) {
	var req CreateSubscriberRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionCreateSubscriber, auth.DatabaseResource(req.Database)); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	sub := db.PubSub.CreateSubscriber(req.Buffer)

	ctx.Conn.mu.Lock()
	ctx.Conn.nextSubID++
	wireID := ctx.Conn.nextSubID
	ctx.Conn.subscribers[wireID] = subscriberHandle{database: req.Database, sub: sub}
	ctx.Conn.mu.Unlock()

	ctx.Dispatcher.watchSubscriber(ctx.Conn, wireID, sub)
	return CreateSubscriberResponse{SubscriberID: wireID}, nil
}

func (cs *ConnSession) lookupSubscriber(wireID uint32) (subscriberHandle, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	h, ok := cs.subscribers[wireID]
	return h, ok
}

func handlePublish(ctx *RequestContext, payload []byte) (any, error) {
	var req PublishRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionPublish, auth.DatabaseResource(req.Database)); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	db.PubSub.Publish(req.Topic, req.Payload)
	return nil, nil
}

func handlePublishToAll(ctx *RequestContext, payload []byte) (any, error) {
	var req PublishToAllRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	if err := ctx.requirePermission(auth.ActionPublish, auth.DatabaseResource(req.Database)); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(req.Database)
	if err != nil {
		return nil, err
	}
	db.PubSub.PublishToAll(req.Topics, req.Payload)
	return nil, nil
}

func handleSubscribeTo(ctx *RequestContext, payload []byte) (any, error) {
	var req SubscribeToRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	h, ok := ctx.Conn.lookupSubscriber(req.SubscriberID)
	if !ok {
		return nil, apperr.Newf(apperr.CodeInvalidName, "unknown subscriber %d", req.SubscriberID)
	}
	if err := ctx.requirePermission(auth.ActionSubscribe, auth.DatabaseResource(h.database)); err != nil {
		return nil, err
	}
	db, err := ctx.Dispatcher.Databases.Open(h.database)
	if err != nil {
		return nil, err
	}
	return nil, db.PubSub.SubscribeTo(h.sub.ID, req.Topic)
}

func handleUnsubscribeFrom(ctx *RequestContext, payload []byte) (any, error) {
	var req UnsubscribeFromRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	h, ok := ctx.Conn.lookupSubscriber(req.SubscriberID)
	if !ok {
		return nil, apperr.Newf(apperr.CodeInvalidName, "unknown subscriber %d", req.SubscriberID)
	}
	db, err := ctx.Dispatcher.Databases.Open(h.database)
	if err != nil {
		return nil, err
	}
	return nil, db.PubSub.UnsubscribeFrom(h.sub.ID, req.Topic)
}

func handleUnregisterSubscriber(ctx *RequestContext, payload []byte) (any, error) {
	var req UnregisterSubscriberRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return nil, apperr.Database(err)
	}
	h, ok := ctx.Conn.lookupSubscriber(req.SubscriberID)
	if !ok {
		return nil, nil
	}
	ctx.Conn.mu.Lock()
	delete(ctx.Conn.subscribers, req.SubscriberID)
	ctx.Conn.mu.Unlock()

	db, err := ctx.Dispatcher.Databases.Open(h.database)
	if err != nil {
		return nil, err
	}
	db.PubSub.UnregisterSubscriber(h.sub.ID)
	return nil, nil
}

func (d *Dispatcher) registerBuiltins() {
	d.Handle(wire.CreateDatabase, handleCreateDatabase)
	d.Handle(wire.DeleteDatabase, handleDeleteDatabase)
	d.Handle(wire.ListDatabases, handleListDatabases)
	d.Handle(wire.ListAvailableSchemas, handleListAvailableSchemas)

	d.Handle(wire.CreateUser, handleCreateUser)
	d.Handle(wire.DeleteUser, handleDeleteUser)
	d.Handle(wire.SetUserPassword, handleSetUserPassword)
	d.Handle(wire.Authenticate, handleAuthenticate)
	d.Handle(wire.AssumeIdentity, handleAssumeIdentity)
	d.Handle(wire.AlterUserPermissionGroupMembership, handleAlterUserPermissionGroupMembership)
	d.Handle(wire.AlterUserRoleMembership, handleAlterUserRoleMembership)

	d.Handle(wire.Get, handleGet)
	d.Handle(wire.GetMultiple, handleGetMultiple)
	d.Handle(wire.List, handleList)
	d.Handle(wire.Count, handleCount)
	d.Handle(wire.Query, handleQuery)
	d.Handle(wire.QueryWithDocs, handleQueryWithDocs)
	d.Handle(wire.Reduce, handleReduce)
	d.Handle(wire.ReduceGrouped, handleReduceGrouped)
	d.Handle(wire.DeleteDocs, handleDeleteDocs)
	d.Handle(wire.ApplyTransaction, handleApplyTransaction)

	d.Handle(wire.ListExecutedTransactions, handleListExecutedTransactions)
	d.Handle(wire.LastTransactionID, handleLastTransactionID)

	d.Handle(wire.CreateSubscriber, handleCreateSubscriber)
	d.Handle(wire.Publish, handlePublish)
	d.Handle(wire.PublishToAll, handlePublishToAll)
	d.Handle(wire.SubscribeTo, handleSubscribeTo)
	d.Handle(wire.UnsubscribeFrom, handleUnsubscribeFrom)
	d.Handle(wire.UnregisterSubscriber, handleUnregisterSubscriber)

	d.Handle(wire.ExecuteKeyOperation, handleExecuteKeyOperation)
	d.Handle(wire.CompactCollection, handleCompactCollection)
	d.Handle(wire.CompactKeyValueStore, handleCompactKeyValueStore)
	d.Handle(wire.Compact, handleCompact)
}
