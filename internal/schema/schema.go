// Package schema defines collection names, view names, database names,
// and the Schema a database is registered against. Collections and
// views are declared here and never mutated at runtime.
package schema

import (
	"regexp"
	"strings"

	"github.com/cuemby/brook/internal/apperr"
)

var (
	nameComponentRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	databaseNameRE  = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)
)

// CollectionName identifies a collection by (authority, name); both
// components are non-empty, match [A-Za-z0-9_-]+, and are compared
// case-insensitively.
type CollectionName struct {
	Authority string
	Name      string
}

// NewCollectionName validates and builds a CollectionName.
func NewCollectionName(authority, name string) (CollectionName, error) {
	if !nameComponentRE.MatchString(authority) {
		return CollectionName{}, apperr.Newf(apperr.CodeInvalidName, "invalid collection authority %q", authority)
	}
	if !nameComponentRE.MatchString(name) {
		return CollectionName{}, apperr.Newf(apperr.CodeInvalidName, "invalid collection name %q", name)
	}
	return CollectionName{Authority: authority, Name: name}, nil
}

// String renders "authority.name".
func (c CollectionName) String() string {
	return c.Authority + "." + c.Name
}

// Key returns the case-folded comparison key used for uniqueness checks
// and as the tree-name suffix.
func (c CollectionName) Key() string {
	return strings.ToLower(c.Authority) + "." + strings.ToLower(c.Name)
}

// ViewName identifies a view by (collection, name).
type ViewName struct {
	Collection CollectionName
	Name       string
}

// NewViewName validates and builds a ViewName.
func NewViewName(collection CollectionName, name string) (ViewName, error) {
	if !nameComponentRE.MatchString(name) {
		return ViewName{}, apperr.Newf(apperr.CodeInvalidName, "invalid view name %q", name)
	}
	return ViewName{Collection: collection, Name: name}, nil
}

// String renders "authority.name/view".
func (v ViewName) String() string {
	return v.Collection.String() + "/" + v.Name
}

// Key returns the case-folded comparison key.
func (v ViewName) Key() string {
	return v.Collection.Key() + "/" + strings.ToLower(v.Name)
}

// ValueKind is the declared wire kind of a view's key or value.
type ValueKind uint8

const (
	// KindBytes is an opaque byte string, compared lexicographically.
	KindBytes ValueKind = iota
	// KindString is a UTF-8 string, compared lexicographically.
	KindString
)

// ViewDefinition declares one view's identity and properties, per
// key type, value type, uniqueness, and version.
type ViewDefinition struct {
	Name     ViewName
	KeyKind  ValueKind
	Unique   bool
	Version  uint64
}

// CollectionDefinition declares one collection and its views.
type CollectionDefinition struct {
	Name  CollectionName
	Views []ViewDefinition
}

// Schema is a named, immutable set of collections and their views,
// registered once and bound to zero or more databases.
type Schema struct {
	Name        string
	Collections []CollectionDefinition
}

// ValidateDatabaseName checks a database root name against
// the [a-z0-9-]{1,64} naming rule.
func ValidateDatabaseName(name string) error {
	if !databaseNameRE.MatchString(name) {
		return apperr.Newf(apperr.CodeInvalidName, "invalid database name %q", name)
	}
	return nil
}

// Collection looks up a collection definition by name (case-insensitive).
func (s Schema) Collection(name CollectionName) (CollectionDefinition, bool) {
	key := name.Key()
	for _, c := range s.Collections {
		if c.Name.Key() == key {
			return c, true
		}
	}
	return CollectionDefinition{}, false
}

// View looks up a view definition by name (case-insensitive).
func (s Schema) View(name ViewName) (ViewDefinition, bool) {
	c, ok := s.Collection(name.Collection)
	if !ok {
		return ViewDefinition{}, false
	}
	key := name.Key()
	for _, v := range c.Views {
		if v.Name.Key() == key {
			return v, true
		}
	}
	return ViewDefinition{}, false
}
