// Package tree adapts brook's ordered page store contract onto a
// single bbolt.DB: named trees become bbolt buckets, created on first
// access, with get/put/remove/compare-and-swap/scan operations. This
// is the thin boundary every other core subsystem is built on top of.
package tree

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Direction selects scan order.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// ConflictError is returned by CompareAndSwap when the tree's current
// value does not match the caller's expectation. Current is nil if the
// key is currently absent.
type ConflictError struct {
	Current []byte
}

func (e *ConflictError) Error() string {
	return "tree: compare-and-swap conflict"
}

// Store opens and owns the backing bbolt database for one brook
// database. All of a database's trees (collections, views, kv
// namespaces, the transaction log, and the meta tree) live inside one
// Store, each as its own bucket.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("tree: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tree returns a handle bound to the named bucket, creating it if this
// is the first access.
func (s *Store) Tree(name string) (*Tree, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tree: create bucket %s: %w", name, err)
	}
	return &Tree{db: s.db, name: []byte(name)}, nil
}

// Tree is a handle to one named, ordered keyspace.
type Tree struct {
	db   *bolt.DB
	name []byte
}

// Get returns the value for key, or ok=false if absent.
func (t *Tree) Get(key []byte) (value []byte, ok bool, err error) {
	err = t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(t.name).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

// Put stores value at key, overwriting any existing value. Durable
// before returning (bbolt fsyncs on transaction commit).
func (t *Tree) Put(key, value []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(t.name).Put(key, value)
	})
}

// Remove deletes key, returning the prior value if one existed.
func (t *Tree) Remove(key []byte) (previous []byte, ok bool, err error) {
	err = t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.name)
		if v := b.Get(key); v != nil {
			previous = append([]byte(nil), v...)
			ok = true
		}
		return b.Delete(key)
	})
	return previous, ok, err
}

// CompareAndSwap atomically replaces key's value with next, but only if
// the tree's current value equals expected (nil means "key absent").
// next == nil deletes the key. bbolt's single-writer-per-transaction
// model makes a read-then-write inside one Update callback equivalent
// to a true CAS: no other writer can observe or mutate the bucket
// between the read and the write.
func (t *Tree) CompareAndSwap(key, expected, next []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.name)
		current := b.Get(key)
		if !bytes.Equal(current, expected) && !(current == nil && len(expected) == 0) {
			return &ConflictError{Current: append([]byte(nil), current...)}
		}
		if next == nil {
			return b.Delete(key)
		}
		return b.Put(key, next)
	})
}

// Entry is one key/value pair yielded by Scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Scan returns every entry with lo <= key <= hi (either bound may be nil
// to mean unbounded), in the given direction, stopping after limit
// entries (limit <= 0 means unbounded).
func (t *Tree) Scan(lo, hi []byte, dir Direction, limit int) ([]Entry, error) {
	var out []Entry
	err := t.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(t.name).Cursor()
		if dir == Ascending {
			start := lo
			var k, v []byte
			if start == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(start)
			}
			for ; k != nil; k, v = c.Next() {
				if hi != nil && bytes.Compare(k, hi) > 0 {
					break
				}
				if lo != nil && bytes.Compare(k, lo) < 0 {
					continue
				}
				out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
				if limit > 0 && len(out) >= limit {
					return nil
				}
			}
			return nil
		}
		// Descending: seek past hi, then walk backwards.
		var k, v []byte
		if hi == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(hi)
			if k == nil {
				k, v = c.Last()
			} else if bytes.Compare(k, hi) > 0 {
				k, v = c.Prev()
			}
		}
		for ; k != nil; k, v = c.Prev() {
			if lo != nil && bytes.Compare(k, lo) < 0 {
				break
			}
			if hi != nil && bytes.Compare(k, hi) > 0 {
				continue
			}
			out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Count returns the number of entries with lo <= key <= hi.
func (t *Tree) Count(lo, hi []byte) (uint64, error) {
	entries, err := t.Scan(lo, hi, Ascending, 0)
	if err != nil {
		return 0, err
	}
	return uint64(len(entries)), nil
}

// Txn gives access to several trees within one atomic bbolt
// transaction: callers needing to mutate more than one tree
// atomically (document store transactions spanning the collection
// tree, its views, and the transaction log) use Update instead of
// per-tree CompareAndSwap.
type Txn struct {
	tx *bolt.Tx
}

// Tree returns a handle bound to the named bucket within this
// transaction, creating it if necessary.
func (txn *Txn) Tree(name string) (*TxnTree, error) {
	b, err := txn.tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("tree: create bucket %s: %w", name, err)
	}
	return &TxnTree{bucket: b}, nil
}

// TxnTree is a tree handle scoped to one in-flight Txn.
type TxnTree struct {
	bucket *bolt.Bucket
}

// Get returns the value for key, or ok=false if absent. The returned
// slice is only valid until the enclosing transaction ends.
func (t *TxnTree) Get(key []byte) (value []byte, ok bool) {
	v := t.bucket.Get(key)
	return v, v != nil
}

// Put stores value at key.
func (t *TxnTree) Put(key, value []byte) error {
	return t.bucket.Put(key, value)
}

// Remove deletes key.
func (t *TxnTree) Remove(key []byte) error {
	return t.bucket.Delete(key)
}

// Scan walks entries with lo <= key <= hi in ascending order.
func (t *TxnTree) Scan(lo, hi []byte) ([]Entry, error) {
	var out []Entry
	c := t.bucket.Cursor()
	var k, v []byte
	if lo == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(lo)
	}
	for ; k != nil; k, v = c.Next() {
		if hi != nil && bytes.Compare(k, hi) > 0 {
			break
		}
		out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
	}
	return out, nil
}

// Update runs fn inside one atomic bbolt write transaction spanning
// every tree fn touches via txn.Tree.
func (s *Store) Update(fn func(txn *Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx})
	})
}

// View runs fn inside one read-only bbolt transaction.
func (s *Store) View(fn func(txn *Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx})
	})
}
