// Package auth implements brook's session manager: users, permission
// groups, roles, password authentication, and the compiled permission
// set each session carries. Users, groups and roles are themselves
// documents in a reserved "_system" database, self-hosted on
// internal/docstore and internal/views rather than a bespoke store.
package auth

import (
	"regexp"
	"sync"

	"github.com/cuemby/brook/internal/apperr"
	"github.com/cuemby/brook/internal/codec"
	"github.com/cuemby/brook/internal/docstore"
	"github.com/cuemby/brook/internal/document"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/tree"
	"github.com/cuemby/brook/internal/views"
	"github.com/google/uuid"
)

var usernameRE = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

const systemAuthority = "_system"

var (
	usersCollection, _  = schema.NewCollectionName(systemAuthority, "users")
	groupsCollection, _ = schema.NewCollectionName(systemAuthority, "groups")
	rolesCollection, _  = schema.NewCollectionName(systemAuthority, "roles")

	usersByName, _  = schema.NewViewName(usersCollection, "by-username")
	groupsByName, _ = schema.NewViewName(groupsCollection, "by-name")
	rolesByName, _  = schema.NewViewName(rolesCollection, "by-name")
)

// Schema is the fixed collection/view layout auth.Manager registers
// itself against. Callers fold this into their database's schema
// alongside their own collections.
func Schema() schema.Schema {
	return schema.Schema{
		Name: systemAuthority,
		Collections: []schema.CollectionDefinition{
			{
				Name:  usersCollection,
				Views: []schema.ViewDefinition{{Name: usersByName, KeyKind: schema.KindString, Unique: true, Version: 1}},
			},
			{
				Name:  groupsCollection,
				Views: []schema.ViewDefinition{{Name: groupsByName, KeyKind: schema.KindString, Unique: true, Version: 1}},
			},
			{
				Name:  rolesCollection,
				Views: []schema.ViewDefinition{{Name: rolesByName, KeyKind: schema.KindString, Unique: true, Version: 1}},
			},
		},
	}
}

// User is the stored representation of one account.
type User struct {
	Username     string   `msgpack:"username"`
	PasswordHash []byte   `msgpack:"password_hash"`
	Salt         []byte   `msgpack:"salt"`
	Groups       []uint64 `msgpack:"groups"`
	Roles        []uint64 `msgpack:"roles"`
}

// PermissionGroup is a named, reusable bundle of statements.
type PermissionGroup struct {
	Name       string      `msgpack:"name"`
	Statements []Statement `msgpack:"statements"`
}

// Role is a named bundle of permission groups, assignable to users.
type Role struct {
	Name   string   `msgpack:"name"`
	Groups []uint64 `msgpack:"groups"`
}

// IdentityKind distinguishes the anonymous identity from an
// authenticated user or an assumed role.
type IdentityKind int

const (
	IdentityNone IdentityKind = iota
	IdentityUser
	IdentityRole
)

// Identity is what a Session is authenticated as.
type Identity struct {
	Kind IdentityKind
	ID   uint64
}

// Session is a process-local, ephemeral authenticated context.
type Session struct {
	ID          uuid.UUID
	Identity    Identity
	Permissions PermissionSet
}

// Authentication names the credential supplied to Authenticate. Only
// a password primitive is defined; the type leaves room for others
// without changing Authenticate's signature.
type Authentication struct {
	Password string
}

// UserRef names a user for lookup, by id or by username.
type UserRef struct {
	id       *uint64
	username string
}

// ByUsername builds a UserRef resolved by username.
func ByUsername(name string) UserRef { return UserRef{username: name} }

// ByUserID builds a UserRef resolved by id.
func ByUserID(id uint64) UserRef { return UserRef{id: &id} }

// Manager owns the user/group/role documents for one database and the
// process-local session table derived from them.
type Manager struct {
	store  *docstore.Store
	views  *views.Engine
	hasher PasswordHasher

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewManager builds a Manager over trees, registering its own
// collections and views. hasher is typically NewArgon2Hasher().
func NewManager(trees *tree.Store, hasher PasswordHasher) *Manager {
	sch := Schema()
	engine := views.New(trees, sch)
	engine.RegisterView(usersByName, views.Handlers{Map: mapByUsername})
	engine.RegisterView(groupsByName, views.Handlers{Map: mapByName})
	engine.RegisterView(rolesByName, views.Handlers{Map: mapByName})

	store := docstore.New(trees, sch, engine, nil)
	engine.SetScanner(store)

	return &Manager{
		store:    store,
		views:    engine,
		hasher:   hasher,
		sessions: make(map[uuid.UUID]*Session),
	}
}

func mapByUsername(doc document.Document) []views.Entry {
	var u User
	if err := codec.Decode(doc.Contents, &u); err != nil {
		return nil
	}
	return []views.Entry{{Key: []byte(u.Username)}}
}

func mapByName(doc document.Document) []views.Entry {
	var named struct {
		Name string `msgpack:"name"`
	}
	if err := codec.Decode(doc.Contents, &named); err != nil {
		return nil
	}
	return []views.Entry{{Key: []byte(named.Name)}}
}

func validateUsername(name string) error {
	if !usernameRE.MatchString(name) {
		return apperr.Newf(apperr.CodeInvalidName, "invalid username %q", name)
	}
	return nil
}

// CreateUser creates a user with no password set and no group/role
// memberships, returning its assigned id.
func (m *Manager) CreateUser(username string) (uint64, error) {
	if err := validateUsername(username); err != nil {
		return 0, err
	}
	u := User{Username: username}
	encoded, err := codec.Encode(u)
	if err != nil {
		return 0, apperr.Database(err)
	}
	results, err := m.store.ApplyTransaction([]docstore.Op{
		{Collection: usersCollection, Kind: docstore.OpInsert, Contents: encoded},
	})
	if err != nil {
		return 0, err
	}
	id, _ := results[0].Document.ID.Uint64()
	return id, nil
}

// DeleteUser removes a user by reference.
func (m *Manager) DeleteUser(ref UserRef) error {
	id, _, err := m.resolveUser(ref)
	if err != nil {
		return err
	}
	return m.store.DeleteDocuments(usersCollection, []document.ID{document.NewUint64ID(id)})
}

// SetUserPassword hashes secret with a freshly generated salt and
// stores it against the user.
func (m *Manager) SetUserPassword(ref UserRef, secret string) error {
	id, doc, err := m.resolveUser(ref)
	if err != nil {
		return err
	}
	var u User
	if err := codec.Decode(doc.Contents, &u); err != nil {
		return apperr.Database(err)
	}
	salt, err := generateSalt(m.hasher)
	if err != nil {
		return apperr.Database(err)
	}
	u.PasswordHash = m.hasher.Hash(secret, salt)
	u.Salt = salt
	return m.putUser(id, doc.Revision, u)
}

// Authenticate verifies auth against the stored credential for ref
// and, on success, creates and returns a new Session.
func (m *Manager) Authenticate(ref UserRef, auth Authentication) (*Session, error) {
	id, doc, err := m.resolveUser(ref)
	if err != nil {
		return nil, apperr.New(apperr.CodeInvalidCredentials, "invalid credentials")
	}
	var u User
	if err := codec.Decode(doc.Contents, &u); err != nil {
		return nil, apperr.Database(err)
	}
	if len(u.PasswordHash) == 0 {
		return nil, apperr.New(apperr.CodeInvalidCredentials, "invalid credentials")
	}
	candidate := m.hasher.Hash(auth.Password, u.Salt)
	if !hashesEqual(candidate, u.PasswordHash) {
		return nil, apperr.New(apperr.CodeInvalidCredentials, "invalid credentials")
	}
	return m.newSession(Identity{Kind: IdentityUser, ID: id})
}

// AssumeIdentity creates a new Session authenticated as identity, on
// behalf of caller. caller must hold ActionAssumeIdentity over
// identity's resource.
func (m *Manager) AssumeIdentity(caller *Session, identity Identity) (*Session, error) {
	var resource string
	switch identity.Kind {
	case IdentityUser:
		resource = UserResource(identity.ID)
	case IdentityRole:
		resource = RoleResource(identity.ID)
	default:
		resource = "*"
	}
	if caller == nil || !caller.Permissions.Allows(ActionAssumeIdentity, resource) {
		return nil, apperr.New(apperr.CodePermissionDenied, "assume_identity denied").WithDetail(resource)
	}
	return m.newSession(identity)
}

func (m *Manager) newSession(identity Identity) (*Session, error) {
	perms, err := m.compilePermissions(identity)
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: uuid.New(), Identity: identity, Permissions: perms}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Session looks up a currently live session by id.
func (m *Manager) Session(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// EndSession invalidates a session id, e.g. on logout or connection
// loss.
func (m *Manager) EndSession(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// SessionCount reports how many sessions are currently live, for
// metrics collection.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CreatePermissionGroup creates a named, reusable statement bundle.
func (m *Manager) CreatePermissionGroup(name string, statements []Statement) (uint64, error) {
	g := PermissionGroup{Name: name, Statements: statements}
	encoded, err := codec.Encode(g)
	if err != nil {
		return 0, apperr.Database(err)
	}
	results, err := m.store.ApplyTransaction([]docstore.Op{
		{Collection: groupsCollection, Kind: docstore.OpInsert, Contents: encoded},
	})
	if err != nil {
		return 0, err
	}
	id, _ := results[0].Document.ID.Uint64()
	return id, nil
}

// CreateRole creates a named, empty role.
func (m *Manager) CreateRole(name string) (uint64, error) {
	r := Role{Name: name}
	encoded, err := codec.Encode(r)
	if err != nil {
		return 0, apperr.Database(err)
	}
	results, err := m.store.ApplyTransaction([]docstore.Op{
		{Collection: rolesCollection, Kind: docstore.OpInsert, Contents: encoded},
	})
	if err != nil {
		return 0, err
	}
	id, _ := results[0].Document.ID.Uint64()
	return id, nil
}

// AddGroupToRole attaches a permission group to a role, both looked up
// by name, so every holder of the role inherits the group's
// statements.
func (m *Manager) AddGroupToRole(roleName, groupName string) error {
	groupID, _, err := m.lookupByName(groupsCollection, groupsByName, groupName)
	if err != nil {
		return err
	}
	roleID, roleDoc, err := m.lookupByName(rolesCollection, rolesByName, roleName)
	if err != nil {
		return err
	}
	var r Role
	if err := codec.Decode(roleDoc.Contents, &r); err != nil {
		return apperr.Database(err)
	}
	r.Groups = setMembership(r.Groups, groupID, true)
	encoded, err := codec.Encode(r)
	if err != nil {
		return apperr.Database(err)
	}
	docID := document.NewUint64ID(roleID)
	_, err = m.store.ApplyTransaction([]docstore.Op{
		{Collection: rolesCollection, Kind: docstore.OpUpdate, ID: &docID, ExpectedRevision: &roleDoc.Revision, Contents: encoded},
	})
	return err
}

// AlterGroupMembership adds or removes user from a permission group,
// looked up by name.
func (m *Manager) AlterGroupMembership(ref UserRef, groupName string, member bool) error {
	groupID, _, err := m.lookupByName(groupsCollection, groupsByName, groupName)
	if err != nil {
		return err
	}
	id, doc, err := m.resolveUser(ref)
	if err != nil {
		return err
	}
	var u User
	if err := codec.Decode(doc.Contents, &u); err != nil {
		return apperr.Database(err)
	}
	u.Groups = setMembership(u.Groups, groupID, member)
	return m.putUser(id, doc.Revision, u)
}

// AlterRoleMembership adds or removes user from a role, looked up by
// name.
func (m *Manager) AlterRoleMembership(ref UserRef, roleName string, member bool) error {
	roleID, _, err := m.lookupByName(rolesCollection, rolesByName, roleName)
	if err != nil {
		return err
	}
	id, doc, err := m.resolveUser(ref)
	if err != nil {
		return err
	}
	var u User
	if err := codec.Decode(doc.Contents, &u); err != nil {
		return apperr.Database(err)
	}
	u.Roles = setMembership(u.Roles, roleID, member)
	return m.putUser(id, doc.Revision, u)
}

func setMembership(ids []uint64, target uint64, member bool) []uint64 {
	out := ids[:0:0]
	found := false
	for _, id := range ids {
		if id == target {
			found = true
			if !member {
				continue
			}
		}
		out = append(out, id)
	}
	if member && !found {
		out = append(out, target)
	}
	return out
}

func (m *Manager) putUser(id uint64, revision uint64, u User) error {
	encoded, err := codec.Encode(u)
	if err != nil {
		return apperr.Database(err)
	}
	docID := document.NewUint64ID(id)
	_, err = m.store.ApplyTransaction([]docstore.Op{
		{Collection: usersCollection, Kind: docstore.OpUpdate, ID: &docID, ExpectedRevision: &revision, Contents: encoded},
	})
	return err
}

func (m *Manager) resolveUser(ref UserRef) (uint64, document.Document, error) {
	if ref.id != nil {
		doc, ok, err := m.store.Get(usersCollection, document.NewUint64ID(*ref.id))
		if err != nil {
			return 0, document.Document{}, err
		}
		if !ok {
			return 0, document.Document{}, apperr.Newf(apperr.CodeCollectionNotFound, "no user with id %d", *ref.id)
		}
		return *ref.id, doc, nil
	}
	return m.lookupByName(usersCollection, usersByName, ref.username)
}

func (m *Manager) lookupByName(collection schema.CollectionName, view schema.ViewName, name string) (uint64, document.Document, error) {
	entries, err := m.views.QueryWithDocs(view, views.KeyFilter{Kind: views.KeyExact, Exact: []byte(name)}, views.UpdateBefore, m.store)
	if err != nil {
		return 0, document.Document{}, err
	}
	if len(entries) == 0 {
		return 0, document.Document{}, apperr.Newf(apperr.CodeCollectionNotFound, "no %s named %q", collection.Name, name)
	}
	id, _ := entries[0].Document.ID.Uint64()
	return id, entries[0].Document, nil
}

// compilePermissions flattens every statement reachable from identity:
// a user's directly assigned groups, plus the groups of every role the
// user holds. A Role identity compiles its own groups directly.
func (m *Manager) compilePermissions(identity Identity) (PermissionSet, error) {
	switch identity.Kind {
	case IdentityUser:
		doc, ok, err := m.store.Get(usersCollection, document.NewUint64ID(identity.ID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Newf(apperr.CodeCollectionNotFound, "no user with id %d", identity.ID)
		}
		var u User
		if err := codec.Decode(doc.Contents, &u); err != nil {
			return nil, apperr.Database(err)
		}
		groupIDs := append([]uint64(nil), u.Groups...)
		for _, roleID := range u.Roles {
			roleDoc, ok, err := m.store.Get(rolesCollection, document.NewUint64ID(roleID))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			var r Role
			if err := codec.Decode(roleDoc.Contents, &r); err != nil {
				return nil, apperr.Database(err)
			}
			groupIDs = append(groupIDs, r.Groups...)
		}
		return m.statementsForGroups(groupIDs)

	case IdentityRole:
		roleDoc, ok, err := m.store.Get(rolesCollection, document.NewUint64ID(identity.ID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Newf(apperr.CodeCollectionNotFound, "no role with id %d", identity.ID)
		}
		var r Role
		if err := codec.Decode(roleDoc.Contents, &r); err != nil {
			return nil, apperr.Database(err)
		}
		return m.statementsForGroups(r.Groups)

	default:
		return nil, nil
	}
}

func (m *Manager) statementsForGroups(groupIDs []uint64) (PermissionSet, error) {
	var perms PermissionSet
	for _, gid := range groupIDs {
		doc, ok, err := m.store.Get(groupsCollection, document.NewUint64ID(gid))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var g PermissionGroup
		if err := codec.Decode(doc.Contents, &g); err != nil {
			return nil, apperr.Database(err)
		}
		perms = append(perms, g.Statements...)
	}
	return perms, nil
}
