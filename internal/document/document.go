// Package document defines brook's document identity and contents types:
// the unit the document store, view engine, and transaction log all
// operate on.
package document

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/brook/internal/apperr"
)

// MaxIDLength is the maximum length, in bytes, of a document id's payload.
const MaxIDLength = 63

// IDKind is the declared primitive kind of a document id, used to choose
// its byte-sortable encoding.
type IDKind uint8

const (
	// IDKindBytes treats the id as an opaque byte string, ordered
	// lexicographically.
	IDKindBytes IDKind = iota
	// IDKindUint64 treats the id as a big-endian unsigned 64-bit integer.
	IDKindUint64
	// IDKindInt64 treats the id as a signed 64-bit integer, ordered
	// numerically (sign-flipped so two's-complement byte order matches
	// numeric order).
	IDKindInt64
)

// ID is an opaque document identifier carrying a declared primitive kind
// for ordering.
type ID struct {
	Kind IDKind
	// Raw is the kind's native representation: the opaque bytes for
	// IDKindBytes, or the 8-byte payload for the integer kinds (kept here
	// rather than as a typed union so ID stays a plain comparable-ish
	// value the codec can round-trip without custom hooks).
	Raw []byte
}

// NewBytesID builds a Bytes-kind id.
func NewBytesID(b []byte) (ID, error) {
	if len(b) > MaxIDLength {
		return ID{}, apperr.Newf(apperr.CodeDocumentIDTooLong, "document id of %d bytes exceeds max %d", len(b), MaxIDLength)
	}
	return ID{Kind: IDKindBytes, Raw: append([]byte(nil), b...)}, nil
}

// NewUint64ID builds an Uint64-kind id.
func NewUint64ID(v uint64) ID {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, v)
	return ID{Kind: IDKindUint64, Raw: raw}
}

// NewInt64ID builds an Int64-kind id.
func NewInt64ID(v int64) ID {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(v))
	return ID{Kind: IDKindInt64, Raw: raw}
}

// Uint64 returns the id's value, if it is Uint64-kind.
func (id ID) Uint64() (uint64, bool) {
	if id.Kind != IDKindUint64 || len(id.Raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(id.Raw), true
}

// Int64 returns the id's value, if it is Int64-kind.
func (id ID) Int64() (int64, bool) {
	if id.Kind != IDKindInt64 || len(id.Raw) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(id.Raw)), true
}

// Encode produces a byte-sortable on-disk key for this id: a one-byte
// kind tag followed by an order-preserving payload. Integer kinds are
// padded to a fixed 8 bytes so that numeric order equals byte order;
// signed integers have their sign bit flipped for the same reason. This
// is the one place brook hand-rolls a binary format instead of using
// internal/codec's msgpack encoding, because msgpack's variable-length
// integer encoding does not preserve numeric ordering under byte
// comparison, which range scans over collections depend on.
func (id ID) Encode() []byte {
	switch id.Kind {
	case IDKindUint64:
		out := make([]byte, 9)
		out[0] = byte(IDKindUint64)
		copy(out[1:], id.Raw)
		return out
	case IDKindInt64:
		out := make([]byte, 9)
		out[0] = byte(IDKindInt64)
		v := binary.BigEndian.Uint64(id.Raw)
		v ^= 1 << 63 // flip sign bit: two's-complement order -> unsigned order
		binary.BigEndian.PutUint64(out[1:], v)
		return out
	default:
		out := make([]byte, 1+len(id.Raw))
		out[0] = byte(IDKindBytes)
		copy(out[1:], id.Raw)
		return out
	}
}

// DecodeID parses the encoding produced by ID.Encode.
func DecodeID(b []byte) (ID, error) {
	if len(b) < 1 {
		return ID{}, fmt.Errorf("document: empty encoded id")
	}
	kind := IDKind(b[0])
	switch kind {
	case IDKindUint64, IDKindInt64:
		if len(b) != 9 {
			return ID{}, fmt.Errorf("document: malformed integer id of length %d", len(b))
		}
		raw := append([]byte(nil), b[1:]...)
		if kind == IDKindInt64 {
			v := binary.BigEndian.Uint64(raw)
			v ^= 1 << 63
			binary.BigEndian.PutUint64(raw, v)
		}
		return ID{Kind: kind, Raw: raw}, nil
	case IDKindBytes:
		return ID{Kind: IDKindBytes, Raw: append([]byte(nil), b[1:]...)}, nil
	default:
		return ID{}, fmt.Errorf("document: unknown id kind %d", kind)
	}
}

// Document is a single stored document: its id, its monotonically
// increasing revision, and its opaque contents.
type Document struct {
	ID       ID     `msgpack:"id"`
	Revision uint64 `msgpack:"revision"`
	Contents []byte `msgpack:"contents"`
}

// Key returns the on-disk key for this document within its collection's
// tree: the encoded id.
func (d Document) Key() []byte {
	return d.ID.Encode()
}
