// Package kvstore implements brook's namespaced key-value store: Set,
// Get, Delete, Increment/Decrement with numeric sub-kind preservation,
// and TTL expiration. Every write is a compare-and-swap retry loop
// over internal/tree — no global locks.
package kvstore

import (
	"time"

	"github.com/cuemby/brook/internal/apperr"
	"github.com/cuemby/brook/internal/codec"
	"github.com/cuemby/brook/internal/tree"
)

// Entry is the on-disk representation of one KV record: its value and
// optional absolute expiration.
type Entry struct {
	Value      Value      `msgpack:"value"`
	Expiration *time.Time `msgpack:"expiration,omitempty"`
}

// Check selects which preconditions Set requires before writing.
type Check int

const (
	Always Check = iota
	OnlyIfPresent
	OnlyIfVacant
)

// Status is the outcome of a Set/Delete call when the caller did not
// request the previous value.
type Status string

const (
	Inserted   Status = "inserted"
	Updated    Status = "updated"
	Deleted    Status = "deleted"
	NotChanged Status = "not_changed"
)

// SetOptions configures a Set call.
type SetOptions struct {
	Value                 Value
	Expiration             *time.Time
	KeepExistingExpiration bool
	Check                  Check
	ReturnPreviousValue    bool
}

// Output is the result of any KV operation: either a status or a
// value, never both. When ReturnPreviousValue is set, Output always
// carries the previous Value (possibly "was absent") instead of a
// Status, since the two are mutually exclusive on the wire.
//
// When HasValue is true, Found distinguishes an absent key (Found
// false, Value is the zero Value and must not be read) from a present
// key whose stored Value happens to be the zero value (Found true).
// This mirrors the Option<Buffer> the key-value get operation returns.
type Output struct {
	HasStatus bool
	Status    Status
	HasValue  bool
	Found     bool
	Value     Value
}

// Scheduler is the single per-process expiration watcher an Engine
// registers its trees' keys with. See scheduler.go.
type Scheduler interface {
	Update(treeName string, key []byte, expiration *time.Time)
}

// Engine is the KV engine for one open database: every namespace's
// tree is addressed as "kv.<namespace>".
type Engine struct {
	store     *tree.Store
	scheduler Scheduler
	dbName    string
}

// New builds a KV engine bound to store, registering expirations with
// scheduler.
func New(store *tree.Store, scheduler Scheduler, dbName string) *Engine {
	return &Engine{store: store, scheduler: scheduler, dbName: dbName}
}

func treeName(namespace string) string {
	return "kv." + namespace
}

func (e *Engine) tree(namespace string) (*tree.Tree, error) {
	t, err := e.store.Tree(treeName(namespace))
	if err != nil {
		return nil, apperr.Database(err)
	}
	return t, nil
}

// Tree resolves a namespace's backing tree by its already-prefixed
// name, satisfying ExpirationScheduler's TreeOpener.
func (e *Engine) Tree(name string) (*tree.Tree, error) {
	t, err := e.store.Tree(name)
	if err != nil {
		return nil, apperr.Database(err)
	}
	return t, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	var entry Entry
	if err := codec.Decode(raw, &entry); err != nil {
		return Entry{}, apperr.Database(err)
	}
	return entry, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	raw, err := codec.Encode(e)
	if err != nil {
		return nil, apperr.Database(err)
	}
	return raw, nil
}

// Set writes a value under key, honoring the requested precondition
// check, via a CAS retry loop.
func (e *Engine) Set(namespace, key string, opts SetOptions) (Output, error) {
	t, err := e.tree(namespace)
	if err != nil {
		return Output{}, err
	}
	keyBytes := []byte(key)

	for {
		current, ok, err := t.Get(keyBytes)
		if err != nil {
			return Output{}, apperr.Database(err)
		}

		shouldUpdate := opts.Check == Always ||
			(opts.Check == OnlyIfPresent && ok) ||
			(opts.Check == OnlyIfVacant && !ok)

		if !shouldUpdate {
			var previous Entry
			if ok {
				previous, err = decodeEntry(current)
				if err != nil {
					return Output{}, err
				}
			}
			if opts.ReturnPreviousValue {
				if ok {
					return Output{HasValue: true, Found: true, Value: previous.Value}, nil
				}
				return Output{HasValue: true}, nil
			}
			return Output{HasStatus: true, Status: NotChanged}, nil
		}

		newEntry := Entry{Value: opts.Value, Expiration: opts.Expiration}
		var previous Entry
		if ok {
			previous, err = decodeEntry(current)
			if err != nil {
				return Output{}, err
			}
			if opts.KeepExistingExpiration {
				newEntry.Expiration = previous.Expiration
			}
		}

		encoded, err := encodeEntry(newEntry)
		if err != nil {
			return Output{}, err
		}

		if err := t.CompareAndSwap(keyBytes, current, encoded); err != nil {
			if _, isConflict := err.(*tree.ConflictError); isConflict {
				continue // reload and retry
			}
			return Output{}, apperr.Database(err)
		}

		e.scheduler.Update(treeName(namespace), keyBytes, newEntry.Expiration)

		if opts.ReturnPreviousValue {
			if ok {
				return Output{HasValue: true, Found: true, Value: previous.Value}, nil
			}
			return Output{HasValue: true}, nil
		}
		if ok {
			return Output{HasStatus: true, Status: Updated}, nil
		}
		return Output{HasStatus: true, Status: Inserted}, nil
	}
}

// Get reads the value at key, optionally removing it atomically.
func (e *Engine) Get(namespace, key string, delete bool) (Output, error) {
	t, err := e.tree(namespace)
	if err != nil {
		return Output{}, err
	}
	keyBytes := []byte(key)

	var raw []byte
	var ok bool
	if delete {
		raw, ok, err = t.Remove(keyBytes)
		if err == nil && ok {
			e.scheduler.Update(treeName(namespace), keyBytes, nil)
		}
	} else {
		raw, ok, err = t.Get(keyBytes)
	}
	if err != nil {
		return Output{}, apperr.Database(err)
	}
	if !ok {
		return Output{HasValue: true}, nil
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return Output{}, err
	}
	return Output{HasValue: true, Found: true, Value: entry.Value}, nil
}

// Delete removes key if present.
func (e *Engine) Delete(namespace, key string) (Output, error) {
	t, err := e.tree(namespace)
	if err != nil {
		return Output{}, err
	}
	keyBytes := []byte(key)
	_, ok, err := t.Remove(keyBytes)
	if err != nil {
		return Output{}, apperr.Database(err)
	}
	if !ok {
		return Output{HasStatus: true, Status: NotChanged}, nil
	}
	e.scheduler.Update(treeName(namespace), keyBytes, nil)
	return Output{HasStatus: true, Status: Deleted}, nil
}

// numericOp is the shared CAS retry loop backing Increment/Decrement.
// Absent keys are treated as the zero numeric value.
func (e *Engine) numericOp(namespace, key string, amount Numeric, saturating bool, combine func(existing, amount Numeric, saturating bool) Numeric) (Output, error) {
	t, err := e.tree(namespace)
	if err != nil {
		return Output{}, err
	}
	keyBytes := []byte(key)

	for {
		current, ok, err := t.Get(keyBytes)
		if err != nil {
			return Output{}, apperr.Database(err)
		}

		entry := Entry{Value: NumericValue(NumUint64(0))}
		if ok {
			entry, err = decodeEntry(current)
			if err != nil {
				return Output{}, err
			}
		}

		existing, err := requireNumeric(entry.Value)
		if err != nil {
			return Output{}, err
		}

		result := combine(existing, amount, saturating)
		entry.Value = NumericValue(result)

		encoded, err := encodeEntry(entry)
		if err != nil {
			return Output{}, err
		}

		if err := t.CompareAndSwap(keyBytes, current, encoded); err != nil {
			if _, isConflict := err.(*tree.ConflictError); isConflict {
				continue
			}
			return Output{}, apperr.Database(err)
		}

		e.scheduler.Update(treeName(namespace), keyBytes, entry.Expiration)

		return Output{HasValue: true, Found: true, Value: NumericValue(result)}, nil
	}
}

// Increment adds amount to the numeric value at key.
func (e *Engine) Increment(namespace, key string, amount Numeric, saturating bool) (Output, error) {
	return e.numericOp(namespace, key, amount, saturating, add)
}

// Decrement subtracts amount from the numeric value at key.
func (e *Engine) Decrement(namespace, key string, amount Numeric, saturating bool) (Output, error) {
	return e.numericOp(namespace, key, amount, saturating, sub)
}
