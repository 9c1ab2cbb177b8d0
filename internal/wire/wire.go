// Package wire implements brook's connection framing: a length-prefixed
// envelope carrying a session id, a correlation id, a request/response
// name, and a msgpack-encoded payload. One frame format serves both
// directions of a connection — requests, responses, and server-pushed
// subscription messages all travel as the same Envelope shape,
// distinguished by Name.
//
// Grounded on original_source/crates/bonsaidb-core/src/networking.rs's
// Payload{session_id, id, name, value}: a self-contained envelope that
// does not depend on an RPC framework to correlate requests with
// responses, since brook's transport is a hand-framed TCP stream rather
// than gRPC.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/brook/internal/codec"
)

// ProtocolVersion is exchanged once per connection before any Envelope
// is framed, so client and server can refuse to talk across an
// incompatible wire format.
const ProtocolVersion = "brook/pre/0"

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// Kind distinguishes a request envelope from its response, and from a
// server-pushed message that was not requested on this round trip.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindPush
)

// Envelope is one frame: an optional session binding, a correlation id
// that pairs a KindResponse to the KindRequest that produced it, a
// Name identifying which request/response/push type Payload decodes
// as, and the msgpack-encoded Payload itself.
type Envelope struct {
	Kind      Kind
	SessionID string `msgpack:"session_id,omitempty"`
	ID        uint32 `msgpack:"id"`
	Name      string `msgpack:"name"`
	Payload   []byte `msgpack:"payload"`
	ErrorText string `msgpack:"error,omitempty"`
}

// IsError reports whether a KindResponse envelope carries an error
// instead of a decodable Payload.
func (e Envelope) IsError() bool {
	return e.ErrorText != ""
}

// EncodePayload msgpack-encodes v into an Envelope's Payload field.
func EncodePayload(v any) ([]byte, error) {
	return codec.Encode(v)
}

// DecodePayload msgpack-decodes an Envelope's Payload field into v,
// which must be a pointer.
func DecodePayload(payload []byte, v any) error {
	return codec.Decode(payload, v)
}

// WriteHandshake sends the protocol version line a peer must check
// before any Envelope is framed.
func WriteHandshake(w io.Writer) error {
	line := append([]byte(ProtocolVersion), '\n')
	_, err := w.Write(line)
	return err
}

// ReadHandshake reads and validates the peer's protocol version line.
func ReadHandshake(r *bufio.Reader) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("wire: read handshake: %w", err)
	}
	if line[:len(line)-1] != ProtocolVersion {
		return fmt.Errorf("wire: protocol version mismatch: peer sent %q, want %q", line[:len(line)-1], ProtocolVersion)
	}
	return nil
}

// WriteEnvelope frames e as a 4-byte big-endian length prefix followed
// by its msgpack encoding. Callers serialize concurrent writes to w
// themselves — WriteEnvelope performs exactly one Write call so a
// single mutex around it is enough to keep frames from interleaving.
func WriteEnvelope(w io.Writer, e Envelope) error {
	body, err := codec.Encode(e)
	if err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return err
}

// ReadEnvelope reads one length-prefixed frame and decodes it.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Envelope{}, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	var e Envelope
	if err := codec.Decode(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return e, nil
}
