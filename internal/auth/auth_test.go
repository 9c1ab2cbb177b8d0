package auth

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/brook/internal/tree"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	trees, err := tree.Open(filepath.Join(dir, "auth.db"))
	if err != nil {
		t.Fatalf("tree.Open: %v", err)
	}
	t.Cleanup(func() { trees.Close() })
	return NewManager(trees, NewArgon2Hasher())
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreateUser("ada"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := m.SetUserPassword(ByUsername("ada"), "s3cret"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}

	sess, err := m.Authenticate(ByUsername("ada"), Authentication{Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Identity.Kind != IdentityUser {
		t.Fatalf("identity kind = %v, want IdentityUser", sess.Identity.Kind)
	}

	if _, ok := m.Session(sess.ID); !ok {
		t.Fatal("expected session to be registered")
	}
}

func TestAuthenticateWrongPasswordFails(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreateUser("ada"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := m.SetUserPassword(ByUsername("ada"), "s3cret"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}

	if _, err := m.Authenticate(ByUsername("ada"), Authentication{Password: "bad"}); err == nil {
		t.Fatal("expected invalid credentials error")
	}
}

func TestAuthenticateUnknownUserFails(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Authenticate(ByUsername("nobody"), Authentication{Password: "x"}); err == nil {
		t.Fatal("expected invalid credentials error")
	}
}

func TestCreateUserRejectsInvalidUsername(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateUser("Not Valid!"); err == nil {
		t.Fatal("expected invalid username error")
	}
}

func TestPermissionGroupGrantsStatement(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreatePermissionGroup("readers", []Statement{
		{Resource: "collection:widgets", Actions: []string{"read"}, Allow: true},
	}); err != nil {
		t.Fatalf("CreatePermissionGroup: %v", err)
	}

	if _, err := m.CreateUser("ada"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := m.SetUserPassword(ByUsername("ada"), "s3cret"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}
	if err := m.AlterGroupMembership(ByUsername("ada"), "readers", true); err != nil {
		t.Fatalf("AlterGroupMembership: %v", err)
	}

	sess, err := m.Authenticate(ByUsername("ada"), Authentication{Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !sess.Permissions.Allows("read", "collection:widgets") {
		t.Fatal("expected read permission via group membership")
	}
	if sess.Permissions.Allows("write", "collection:widgets") {
		t.Fatal("did not expect write permission")
	}
}

func TestAssumeIdentityRequiresPermission(t *testing.T) {
	m := newTestManager(t)

	targetID, err := m.CreateUser("bob")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := m.CreateUser("ada"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := m.SetUserPassword(ByUsername("ada"), "s3cret"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}
	adaSession, err := m.Authenticate(ByUsername("ada"), Authentication{Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if _, err := m.AssumeIdentity(adaSession, Identity{Kind: IdentityUser, ID: targetID}); err == nil {
		t.Fatal("expected permission denied without a grant")
	}

	if _, err := m.CreatePermissionGroup("impersonators", []Statement{
		{Resource: UserResource(targetID), Actions: []string{ActionAssumeIdentity}, Allow: true},
	}); err != nil {
		t.Fatalf("CreatePermissionGroup: %v", err)
	}
	if err := m.AlterGroupMembership(ByUsername("ada"), "impersonators", true); err != nil {
		t.Fatalf("AlterGroupMembership: %v", err)
	}
	adaSession, err = m.Authenticate(ByUsername("ada"), Authentication{Password: "s3cret"})
	if err != nil {
		t.Fatalf("re-authenticate: %v", err)
	}

	assumed, err := m.AssumeIdentity(adaSession, Identity{Kind: IdentityUser, ID: targetID})
	if err != nil {
		t.Fatalf("AssumeIdentity: %v", err)
	}
	if assumed.Identity.ID != targetID {
		t.Fatalf("assumed identity id = %d, want %d", assumed.Identity.ID, targetID)
	}
}

func TestAlterRoleMembershipGrantsRoleGroups(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.CreatePermissionGroup("writers", []Statement{
		{Resource: "collection:widgets", Actions: []string{"write"}, Allow: true},
	}); err != nil {
		t.Fatalf("CreatePermissionGroup: %v", err)
	}
	if _, err := m.CreateRole("editor"); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := m.AddGroupToRole("editor", "writers"); err != nil {
		t.Fatalf("AddGroupToRole: %v", err)
	}

	if _, err := m.CreateUser("ada"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := m.SetUserPassword(ByUsername("ada"), "s3cret"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}
	if err := m.AlterRoleMembership(ByUsername("ada"), "editor", true); err != nil {
		t.Fatalf("AlterRoleMembership: %v", err)
	}

	sess, err := m.Authenticate(ByUsername("ada"), Authentication{Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !sess.Permissions.Allows("write", "collection:widgets") {
		t.Fatal("expected write permission via role membership")
	}
}

func TestDeleteUserRemovesAccount(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateUser("ada"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := m.DeleteUser(ByUsername("ada")); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := m.Authenticate(ByUsername("ada"), Authentication{Password: "anything"}); err == nil {
		t.Fatal("expected authentication to fail for deleted user")
	}
}
