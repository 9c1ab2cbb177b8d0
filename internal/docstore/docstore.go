// Package docstore implements brook's per-collection document storage:
// reads, optimistic-concurrency writes batched into all-or-nothing
// transactions, and the append-only transaction log those writes are
// recorded in.
package docstore

import (
	"encoding/binary"
	"time"

	"github.com/cuemby/brook/internal/apperr"
	"github.com/cuemby/brook/internal/codec"
	"github.com/cuemby/brook/internal/document"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/tree"
)

// ChangeKind classifies one document mutation within a transaction.
type ChangeKind string

const (
	Inserted ChangeKind = "inserted"
	Updated  ChangeKind = "updated"
	Deleted  ChangeKind = "deleted"
)

// Change is one entry of a committed TransactionRecord.
type Change struct {
	Collection string        `msgpack:"collection"`
	ID         document.ID   `msgpack:"id"`
	Kind       ChangeKind    `msgpack:"kind"`
	Revision   uint64        `msgpack:"revision"`
}

// TransactionRecord is the durable, append-only log entry for one
// committed transaction.
type TransactionRecord struct {
	ID        uint64    `msgpack:"id"`
	Timestamp time.Time `msgpack:"timestamp"`
	Changes   []Change  `msgpack:"changes"`
}

// OpKind selects what an Op does to a document.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one document mutation requested as part of a transaction. For
// OpInsert, ID may be nil to request an auto-assigned sequential id.
// ExpectedRevision enforces optimistic concurrency for OpUpdate and
// OpDelete; nil skips the check ("force").
type Op struct {
	Collection       schema.CollectionName
	Kind             OpKind
	ID               *document.ID
	ExpectedRevision *uint64
	Contents         []byte
}

// OpResult is the outcome of one Op within a successful transaction.
type OpResult struct {
	Document document.Document
	Kind     ChangeKind
}

// ViewUpdater lets a document store transaction drive view maintenance
// within the same atomic bbolt transaction, so a unique-view collision
// aborts the whole write. old is nil on insert, new is nil on delete.
type ViewUpdater interface {
	ApplyDocument(txn *tree.Txn, collection schema.CollectionName, old, new *document.Document) error
}

// Publisher announces committed transactions; internal/pubsub.Broker
// implements it.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// ExecutedTopic is the per-database system topic a TransactionRecord
// is published to after every successful ApplyTransaction.
const ExecutedTopic = "_system.executed"

// Store is the document store for one open database.
type Store struct {
	trees   *tree.Store
	schema  schema.Schema
	views   ViewUpdater
	pub     Publisher
	writeMu chan struct{} // 1-buffered: the per-database single-writer lock
}

// New builds a Store over trees, validating writes against schema and
// driving views/pub through the given collaborators.
func New(trees *tree.Store, sch schema.Schema, views ViewUpdater, pub Publisher) *Store {
	s := &Store{trees: trees, schema: sch, views: views, pub: pub, writeMu: make(chan struct{}, 1)}
	s.writeMu <- struct{}{}
	return s
}

func collectionTreeName(c schema.CollectionName) string {
	return "c." + c.Key()
}

func docSeqKey(c schema.CollectionName) []byte {
	return []byte("docseq." + c.Key())
}

const (
	metaTreeName  = "__meta"
	txLogTreeName = "__transactions"
	txSeqKey      = "tx_seq"
)

func (s *Store) collection(name schema.CollectionName) (schema.CollectionDefinition, error) {
	def, ok := s.schema.Collection(name)
	if !ok {
		return schema.CollectionDefinition{}, apperr.Newf(apperr.CodeCollectionNotFound, "collection %s not registered", name)
	}
	return def, nil
}

// Get returns the current document at id in collection.
func (s *Store) Get(collection schema.CollectionName, id document.ID) (document.Document, bool, error) {
	if _, err := s.collection(collection); err != nil {
		return document.Document{}, false, err
	}
	t, err := s.trees.Tree(collectionTreeName(collection))
	if err != nil {
		return document.Document{}, false, apperr.Database(err)
	}
	raw, ok, err := t.Get(id.Encode())
	if err != nil {
		return document.Document{}, false, apperr.Database(err)
	}
	if !ok {
		return document.Document{}, false, nil
	}
	var doc document.Document
	if err := codec.Decode(raw, &doc); err != nil {
		return document.Document{}, false, apperr.Database(err)
	}
	return doc, true, nil
}

// GetMultiple returns every document in ids that exists, in the given
// order, skipping ids that are absent.
func (s *Store) GetMultiple(collection schema.CollectionName, ids []document.ID) ([]document.Document, error) {
	var out []document.Document
	for _, id := range ids {
		doc, ok, err := s.Get(collection, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// List returns every document in collection with lo <= id <= hi
// (either bound nil means unbounded), ordered ascending.
func (s *Store) List(collection schema.CollectionName, lo, hi *document.ID, limit int) ([]document.Document, error) {
	if _, err := s.collection(collection); err != nil {
		return nil, err
	}
	t, err := s.trees.Tree(collectionTreeName(collection))
	if err != nil {
		return nil, apperr.Database(err)
	}
	var loKey, hiKey []byte
	if lo != nil {
		loKey = lo.Encode()
	}
	if hi != nil {
		hiKey = hi.Encode()
	}
	entries, err := t.Scan(loKey, hiKey, tree.Ascending, limit)
	if err != nil {
		return nil, apperr.Database(err)
	}
	out := make([]document.Document, 0, len(entries))
	for _, e := range entries {
		var doc document.Document
		if err := codec.Decode(e.Value, &doc); err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// Count returns the number of documents in collection with
// lo <= id <= hi.
func (s *Store) Count(collection schema.CollectionName, lo, hi *document.ID) (uint64, error) {
	docs, err := s.List(collection, lo, hi, 0)
	if err != nil {
		return 0, err
	}
	return uint64(len(docs)), nil
}

// DeleteDocuments force-deletes every id in ids from collection as one
// transaction, without an optimistic-concurrency check. Satisfies
// internal/views' DocumentBatchDeleter, for view-driven bulk deletes.
func (s *Store) DeleteDocuments(collection schema.CollectionName, ids []document.ID) error {
	ops := make([]Op, 0, len(ids))
	for i := range ids {
		ops = append(ops, Op{Collection: collection, Kind: OpDelete, ID: &ids[i]})
	}
	_, err := s.ApplyTransaction(ops)
	return err
}

// LastTransactionID returns the id of the most recently committed
// transaction, or 0 if none has committed yet.
func (s *Store) LastTransactionID() (uint64, error) {
	t, err := s.trees.Tree(metaTreeName)
	if err != nil {
		return 0, apperr.Database(err)
	}
	raw, ok, err := t.Get([]byte(txSeqKey))
	if err != nil {
		return 0, apperr.Database(err)
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// ListExecuted returns transaction records with sinceID < id,
// ascending, stopping after limit records (limit <= 0 means
// unbounded).
func (s *Store) ListExecuted(sinceID uint64, limit int) ([]TransactionRecord, error) {
	t, err := s.trees.Tree(txLogTreeName)
	if err != nil {
		return nil, apperr.Database(err)
	}
	lo := make([]byte, 8)
	binary.BigEndian.PutUint64(lo, sinceID+1)
	entries, err := t.Scan(lo, nil, tree.Ascending, limit)
	if err != nil {
		return nil, apperr.Database(err)
	}
	out := make([]TransactionRecord, 0, len(entries))
	for _, e := range entries {
		var rec TransactionRecord
		if err := codec.Decode(e.Value, &rec); err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ApplyTransaction commits every op atomically: either all documents
// are written, the transaction log record is appended, and view
// indexes are updated, or nothing happens. Optimistic concurrency
// conflicts and unique-view collisions abort the whole batch.
func (s *Store) ApplyTransaction(ops []Op) ([]OpResult, error) {
	<-s.writeMu
	defer func() { s.writeMu <- struct{}{} }()

	for _, op := range ops {
		if _, err := s.collection(op.Collection); err != nil {
			return nil, err
		}
	}

	results := make([]OpResult, len(ops))
	var record TransactionRecord

	err := s.trees.Update(func(txn *tree.Txn) error {
		meta, err := txn.Tree(metaTreeName)
		if err != nil {
			return err
		}
		txID, err := nextSequence(meta, []byte(txSeqKey))
		if err != nil {
			return err
		}
		record = TransactionRecord{ID: txID, Timestamp: time.Now()}

		for i, op := range ops {
			colTree, err := txn.Tree(collectionTreeName(op.Collection))
			if err != nil {
				return err
			}

			var oldDoc *document.Document
			var id document.ID

			switch op.Kind {
			case OpInsert:
				if op.ID != nil {
					id = *op.ID
				} else {
					seq, err := nextSequence(meta, docSeqKey(op.Collection))
					if err != nil {
						return err
					}
					id = document.NewUint64ID(seq)
				}
				if _, exists := colTree.Get(id.Encode()); exists {
					return apperr.DocumentConflict(op.Collection.String(), encodedIDString(id))
				}
				newDoc := document.Document{ID: id, Revision: 1, Contents: op.Contents}
				if err := s.putDocument(txn, colTree, op.Collection, nil, &newDoc); err != nil {
					return err
				}
				results[i] = OpResult{Document: newDoc, Kind: Inserted}
				record.Changes = append(record.Changes, Change{Collection: op.Collection.String(), ID: id, Kind: Inserted, Revision: newDoc.Revision})

			case OpUpdate:
				if op.ID == nil {
					return apperr.New(apperr.CodeInvalidName, "update requires a document id")
				}
				id = *op.ID
				raw, exists := colTree.Get(id.Encode())
				if !exists {
					return apperr.DocumentConflict(op.Collection.String(), encodedIDString(id))
				}
				var existing document.Document
				if err := codec.Decode(raw, &existing); err != nil {
					return apperr.Database(err)
				}
				if op.ExpectedRevision != nil && *op.ExpectedRevision != existing.Revision {
					return apperr.DocumentConflict(op.Collection.String(), encodedIDString(id))
				}
				oldDoc = &existing
				newDoc := document.Document{ID: id, Revision: existing.Revision + 1, Contents: op.Contents}
				if err := s.putDocument(txn, colTree, op.Collection, oldDoc, &newDoc); err != nil {
					return err
				}
				results[i] = OpResult{Document: newDoc, Kind: Updated}
				record.Changes = append(record.Changes, Change{Collection: op.Collection.String(), ID: id, Kind: Updated, Revision: newDoc.Revision})

			case OpDelete:
				if op.ID == nil {
					return apperr.New(apperr.CodeInvalidName, "delete requires a document id")
				}
				id = *op.ID
				raw, exists := colTree.Get(id.Encode())
				if !exists {
					return apperr.DocumentConflict(op.Collection.String(), encodedIDString(id))
				}
				var existing document.Document
				if err := codec.Decode(raw, &existing); err != nil {
					return apperr.Database(err)
				}
				if op.ExpectedRevision != nil && *op.ExpectedRevision != existing.Revision {
					return apperr.DocumentConflict(op.Collection.String(), encodedIDString(id))
				}
				if err := colTree.Remove(id.Encode()); err != nil {
					return apperr.Database(err)
				}
				if s.views != nil {
					if err := s.views.ApplyDocument(txn, op.Collection, &existing, nil); err != nil {
						return err
					}
				}
				results[i] = OpResult{Document: existing, Kind: Deleted}
				record.Changes = append(record.Changes, Change{Collection: op.Collection.String(), ID: id, Kind: Deleted, Revision: existing.Revision})
			}
		}

		logTree, err := txn.Tree(txLogTreeName)
		if err != nil {
			return err
		}
		encoded, err := codec.Encode(record)
		if err != nil {
			return apperr.Database(err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, record.ID)
		return logTree.Put(key, encoded)
	})
	if err != nil {
		return nil, err
	}

	if s.pub != nil {
		if encoded, encErr := codec.Encode(record); encErr == nil {
			s.pub.Publish(ExecutedTopic, encoded)
		}
	}

	return results, nil
}

func (s *Store) putDocument(txn *tree.Txn, colTree *tree.TxnTree, collection schema.CollectionName, old, newDoc *document.Document) error {
	encoded, err := codec.Encode(*newDoc)
	if err != nil {
		return apperr.Database(err)
	}
	if err := colTree.Put(newDoc.ID.Encode(), encoded); err != nil {
		return apperr.Database(err)
	}
	if s.views != nil {
		if err := s.views.ApplyDocument(txn, collection, old, newDoc); err != nil {
			return err
		}
	}
	return nil
}

func nextSequence(meta *tree.TxnTree, key []byte) (uint64, error) {
	raw, ok := meta.Get(key)
	var next uint64 = 1
	if ok {
		next = binary.BigEndian.Uint64(raw) + 1
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, next)
	if err := meta.Put(key, out); err != nil {
		return 0, apperr.Database(err)
	}
	return next, nil
}

func encodedIDString(id document.ID) string {
	return string(id.Encode())
}

// CompactCollection is currently a no-op: bbolt reclaims freed pages
// from its own free list without a separate compaction pass. It stays
// a distinct call so collection maintenance has one call site if that
// changes.
func (s *Store) CompactCollection(collection schema.CollectionName) error {
	if _, err := s.collection(collection); err != nil {
		return err
	}
	return nil
}
