package auth

import "strconv"

// Statement grants or denies a set of actions over a resource pattern.
// Resource and each action may be "*" to match anything. A resource
// ending in "/*" matches any resource sharing that prefix.
type Statement struct {
	Resource string   `msgpack:"resource"`
	Actions  []string `msgpack:"actions"`
	Allow    bool     `msgpack:"allow"`
}

// PermissionSet is a session's compiled, flattened statement list.
type PermissionSet []Statement

// Allows reports whether action is permitted over resource. Statements
// are evaluated in order; an explicit deny short-circuits to false even
// if an earlier statement allowed it. With no matching statement at
// all, the default is deny.
func (p PermissionSet) Allows(action, resource string) bool {
	allowed := false
	for _, st := range p {
		if !matchResource(st.Resource, resource) || !matchAction(st.Actions, action) {
			continue
		}
		if !st.Allow {
			return false
		}
		allowed = true
	}
	return allowed
}

func matchResource(pattern, resource string) bool {
	if pattern == "*" || pattern == resource {
		return true
	}
	if n := len(pattern); n >= 2 && pattern[n-2:] == "/*" {
		prefix := pattern[:n-2]
		return resource == prefix || (len(resource) > len(prefix) && resource[:len(prefix)+1] == prefix+"/")
	}
	return false
}

func matchAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// Action names used throughout brook's permission checks.
const (
	ActionAssumeIdentity = "assume_identity"
	ActionCreateUser     = "create_user"
	ActionDeleteUser     = "delete_user"

	ActionCreateDatabase = "create_database"
	ActionDeleteDatabase = "delete_database"
	ActionListDatabases  = "list_databases"

	ActionReadDocument   = "read_document"
	ActionWriteDocument  = "write_document"
	ActionDeleteDocument = "delete_document"
	ActionQueryView      = "query_view"
	ActionCompact        = "compact"

	ActionCreateSubscriber = "create_subscriber"
	ActionPublish          = "publish"
	ActionSubscribe        = "subscribe"

	ActionKeyValueOperation = "kv_operation"
)

// UserResource returns the resource string naming a user by id, for
// use in Statement.Resource and permission checks.
func UserResource(userID uint64) string {
	return resourceString("user", userID)
}

// RoleResource returns the resource string naming a role by id.
func RoleResource(roleID uint64) string {
	return resourceString("role", roleID)
}

// DatabaseResource returns the resource string naming a database by
// name, for CreateDatabase/DeleteDatabase-level checks.
func DatabaseResource(database string) string {
	return "database:" + database
}

// CollectionResource returns the resource string naming a collection
// within a database, for document- and view-level checks.
func CollectionResource(database, collection string) string {
	return "database:" + database + "/collection:" + collection
}

// KeyValueResource returns the resource string naming a key-value
// namespace within a database.
func KeyValueResource(database, namespace string) string {
	return "database:" + database + "/kv:" + namespace
}

func resourceString(kind string, id uint64) string {
	return kind + ":" + strconv.FormatUint(id, 10)
}
