// Package codec provides the single deterministic binary encoding used for
// both persisted records (documents, KV entries, transaction records) and
// wire frames. Using one codec for both avoids double-encoding documents
// as they cross the network and land on disk.
//
// The wire format is msgpack (github.com/hashicorp/go-msgpack/v2):
// stable field ordering, explicit length prefixes, and lossless float64
// encoding come for free from the format.
package codec

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var handle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	return h
}()

// Encode serializes v using the shared msgpack handle.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes data into v, which must be a pointer.
func Decode(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, handle)
	return dec.Decode(v)
}

// MustEncode is Encode but panics on error. Reserved for values whose
// encoding can never fail (no unsupported field types), e.g. internal
// constants encoded once at init.
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}
