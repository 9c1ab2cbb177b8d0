package wire

// Request/response names, one per Api variant from the networking
// catalog this wire protocol exposes. A request Envelope's Name
// selects which of these its Payload decodes as; the matching response
// Envelope echoes the same Name with "Response" appended so a client
// need not keep a side table mapping request to response shape.
const (
	CreateDatabase       = "CreateDatabase"
	DeleteDatabase       = "DeleteDatabase"
	ListDatabases        = "ListDatabases"
	ListAvailableSchemas = "ListAvailableSchemas"

	CreateUser                        = "CreateUser"
	DeleteUser                        = "DeleteUser"
	SetUserPassword                   = "SetUserPassword"
	Authenticate                      = "Authenticate"
	AssumeIdentity                    = "AssumeIdentity"
	AlterUserPermissionGroupMembership = "AlterUserPermissionGroupMembership"
	AlterUserRoleMembership            = "AlterUserRoleMembership"

	Get              = "Get"
	GetMultiple      = "GetMultiple"
	List             = "List"
	Count            = "Count"
	Query            = "Query"
	QueryWithDocs    = "QueryWithDocs"
	Reduce           = "Reduce"
	ReduceGrouped    = "ReduceGrouped"
	DeleteDocs       = "DeleteDocs"
	ApplyTransaction = "ApplyTransaction"

	ListExecutedTransactions = "ListExecutedTransactions"
	LastTransactionID        = "LastTransactionId"

	CreateSubscriber     = "CreateSubscriber"
	Publish              = "Publish"
	PublishToAll         = "PublishToAll"
	SubscribeTo          = "SubscribeTo"
	MessageReceived      = "MessageReceived"
	UnsubscribeFrom      = "UnsubscribeFrom"
	UnregisterSubscriber = "UnregisterSubscriber"

	ExecuteKeyOperation  = "ExecuteKeyOperation"
	CompactCollection    = "CompactCollection"
	CompactKeyValueStore = "CompactKeyValueStore"
	Compact              = "Compact"
)

// ResponseName derives a request's response Name by convention.
func ResponseName(requestName string) string {
	return requestName + "Response"
}
