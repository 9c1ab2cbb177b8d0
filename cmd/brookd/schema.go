package main

import (
	"encoding/binary"

	"github.com/cuemby/brook/internal/codec"
	"github.com/cuemby/brook/internal/database"
	"github.com/cuemby/brook/internal/document"
	"github.com/cuemby/brook/internal/schema"
	"github.com/cuemby/brook/internal/views"
)

// Note is the reference document brookd ships with out of the box, so
// a freshly provisioned database has something to insert, query, and
// view without requiring a caller to compile in their own schema
// first. A standalone deployment that needs its own collections links
// pkg/server as a library and passes its own database.Plugin values to
// server.New instead of running this binary.
type Note struct {
	Title     string `msgpack:"title"`
	Body      string `msgpack:"body"`
	Tag       string `msgpack:"tag"`
	CreatedAt int64  `msgpack:"created_at"`
}

var (
	notesCollection, _ = schema.NewCollectionName("notes", "entries")
	notesByTag, _      = schema.NewViewName(notesCollection, "by-tag")
	notesByCreated, _  = schema.NewViewName(notesCollection, "by-created")
)

// notesPlugin declares the "notes" reference schema: one collection,
// one view grouping entries by tag and one ordering them by creation
// time.
func notesPlugin() database.Plugin {
	sch := schema.Schema{
		Name: "notes",
		Collections: []schema.CollectionDefinition{
			{
				Name: notesCollection,
				Views: []schema.ViewDefinition{
					{Name: notesByTag, KeyKind: schema.KindString, Version: 1},
					{Name: notesByCreated, KeyKind: schema.KindBytes, Version: 1},
				},
			},
		},
	}

	return database.Plugin{
		Schema: sch,
		Views: map[schema.ViewName]views.Handlers{
			notesByTag:     {Map: mapNoteByTag},
			notesByCreated: {Map: mapNoteByCreated},
		},
	}
}

func mapNoteByTag(doc document.Document) []views.Entry {
	var n Note
	if err := codec.Decode(doc.Contents, &n); err != nil || n.Tag == "" {
		return nil
	}
	return []views.Entry{{Key: []byte(n.Tag)}}
}

func mapNoteByCreated(doc document.Document) []views.Entry {
	var n Note
	if err := codec.Decode(doc.Contents, &n); err != nil {
		return nil
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(n.CreatedAt))
	return []views.Entry{{Key: key}}
}
