package views

import "fmt"

// encodeOrderedBytes produces a self-terminating, order-preserving
// encoding of data: arbitrary byte strings encode to byte slices whose
// lexicographic order matches the input's, with an unambiguous end so
// a suffix (a document id) can be appended without a separate
// delimiter byte colliding with real data.
//
// Data is split into 8-byte groups. A full group is followed by a
// 0xFF continuation marker; the final, possibly short, group is
// zero-padded to 8 bytes and followed by a marker equal to its real
// length (0-7). Every marker byte for a partial group sorts below the
// 0xFF continuation marker, which keeps prefix relationships correct.
func encodeOrderedBytes(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8+9)
	for len(data) >= 8 {
		out = append(out, data[:8]...)
		out = append(out, 0xFF)
		data = data[8:]
	}
	var last [8]byte
	n := copy(last[:], data)
	out = append(out, last[:]...)
	out = append(out, byte(n))
	return out
}

// decodeOrderedBytes reverses encodeOrderedBytes, returning the
// decoded data and the remaining, unconsumed bytes (e.g. an appended
// document id).
func decodeOrderedBytes(b []byte) (data, rest []byte, err error) {
	for {
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("views: truncated ordered-bytes encoding")
		}
		group, marker := b[:8], b[8]
		b = b[9:]
		if marker == 0xFF {
			data = append(data, group...)
			continue
		}
		if marker > 8 {
			return nil, nil, fmt.Errorf("views: invalid ordered-bytes marker %d", marker)
		}
		data = append(data, group[:marker]...)
		return data, b, nil
	}
}

// boundAfter returns an upper bound that sorts after every encoding of
// data followed by any possible suffix (e.g. any document id), used
// to make an inclusive upper range bound on a forward-index scan.
func boundAfter(data []byte) []byte {
	b := encodeOrderedBytes(data)
	pad := make([]byte, 0, len(b)+maxSuffixLen)
	pad = append(pad, b...)
	for i := 0; i < maxSuffixLen; i++ {
		pad = append(pad, 0xFF)
	}
	return pad
}

// maxSuffixLen bounds the longest document id encoding that can follow
// a key in the forward index (1-byte kind tag + up to MaxIDLength
// payload bytes).
const maxSuffixLen = 64
