// Package apperr defines the stable error taxonomy shared by every layer
// of brook, from the storage engine up through the wire protocol.
package apperr

import "fmt"

// Code identifies a class of error that is stable across the wire.
// Clients match on Code, never on Message.
type Code string

const (
	// Configuration errors.
	CodeInvalidName         Code = "invalid_name"
	CodeDocumentIDTooLong    Code = "document_id_too_long"
	CodeSchemaNotRegistered Code = "schema_not_registered"
	CodeCollectionNotFound  Code = "collection_not_found"
	CodeViewNotFound        Code = "view_not_found"

	// Concurrency errors.
	CodeDocumentConflict   Code = "document_conflict"
	CodeUniqueKeyViolation Code = "unique_key_violation"

	// Transport errors.
	CodeDisconnected             Code = "disconnected"
	CodeUnexpectedResponse       Code = "unexpected_response"
	CodeProtocolVersionMismatch  Code = "protocol_version_mismatch"
	CodeAPINotRegistered         Code = "api_not_registered"

	// Auth errors.
	CodeInvalidCredentials Code = "invalid_credentials"
	CodePermissionDenied   Code = "permission_denied"
	CodeSessionExpired     Code = "session_expired"

	// Storage errors.
	CodeDatabase Code = "database"

	// User/passthrough errors.
	CodeOther Code = "other"
)

// Error is brook's wire-stable error type. It implements error and is
// encoded/decoded by internal/codec so it can travel inside a
// wire.Payload's Value field.
type Error struct {
	Code    Code   `msgpack:"code"`
	Message string `msgpack:"message"`
	// Detail carries structured context for errors that name a resource,
	// e.g. the collection+id of a DocumentConflict or the view+key of a
	// UniqueKeyViolation. It is free-form and only for diagnostics.
	Detail string `msgpack:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e carrying the given detail string.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Database wraps an opaque backing-store error as a Storage/Database
// error. If err is already an *Error it is returned unchanged.
func Database(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return &Error{Code: CodeDatabase, Message: "storage error", Detail: err.Error()}
}

// Other wraps a passthrough user-defined domain error (e.g. from a
// map/reduce function).
func Other(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeOther, Message: "user error", Detail: err.Error()}
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	ae, ok := err.(*Error)
	return ok && ae.Code == code
}

// DocumentConflict builds a document revision conflict error.
func DocumentConflict(collection, id string) *Error {
	return Newf(CodeDocumentConflict, "document conflict in %s", collection).WithDetail(id)
}

// UniqueKeyViolation builds a unique-view collision error.
func UniqueKeyViolation(view string, key []byte) *Error {
	return Newf(CodeUniqueKeyViolation, "unique key violation in view %s", view).WithDetail(fmt.Sprintf("%x", key))
}
