package main

import (
	"encoding/binary"
	"testing"

	"github.com/cuemby/brook/internal/codec"
	"github.com/cuemby/brook/internal/document"
)

func TestMapNoteByTag(t *testing.T) {
	encoded, err := codec.Encode(Note{Title: "t", Body: "b", Tag: "work", CreatedAt: 42})
	if err != nil {
		t.Fatalf("codec.Encode: %v", err)
	}
	entries := mapNoteByTag(document.Document{Contents: encoded})
	if len(entries) != 1 || string(entries[0].Key) != "work" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestMapNoteByTagSkipsUntagged(t *testing.T) {
	encoded, err := codec.Encode(Note{Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("codec.Encode: %v", err)
	}
	if entries := mapNoteByTag(document.Document{Contents: encoded}); entries != nil {
		t.Fatalf("expected no entries for an untagged note, got %+v", entries)
	}
}

func TestMapNoteByCreatedOrdersLexicographically(t *testing.T) {
	early, err := codec.Encode(Note{CreatedAt: 10})
	if err != nil {
		t.Fatalf("codec.Encode: %v", err)
	}
	late, err := codec.Encode(Note{CreatedAt: 20})
	if err != nil {
		t.Fatalf("codec.Encode: %v", err)
	}

	earlyEntries := mapNoteByCreated(document.Document{Contents: early})
	lateEntries := mapNoteByCreated(document.Document{Contents: late})
	if len(earlyEntries) != 1 || len(lateEntries) != 1 {
		t.Fatalf("expected one entry each, got %d and %d", len(earlyEntries), len(lateEntries))
	}
	if binary.BigEndian.Uint64(earlyEntries[0].Key) >= binary.BigEndian.Uint64(lateEntries[0].Key) {
		t.Fatalf("expected the earlier note's key to sort before the later one")
	}
}

func TestMapNoteByCreatedSkipsUndecodable(t *testing.T) {
	if entries := mapNoteByCreated(document.Document{Contents: []byte("not msgpack")}); entries != nil {
		t.Fatalf("expected no entries for undecodable contents, got %+v", entries)
	}
}

func TestNotesPluginRegistersBothViews(t *testing.T) {
	p := notesPlugin()
	if p.Schema.Name != "notes" {
		t.Fatalf("unexpected schema name %q", p.Schema.Name)
	}
	if len(p.Views) != 2 {
		t.Fatalf("expected 2 registered view handlers, got %d", len(p.Views))
	}
	if _, ok := p.Views[notesByTag]; !ok {
		t.Fatal("expected by-tag view handlers to be registered")
	}
	if _, ok := p.Views[notesByCreated]; !ok {
		t.Fatal("expected by-created view handlers to be registered")
	}
}
