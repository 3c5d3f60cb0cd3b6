package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// All integers on the wire are big-endian, two's complement, matching the
// Kafka wire protocol this framing is compatible with.

func putInt16(buf []byte, v int16) []byte {
	return binary.BigEndian.AppendUint16(buf, uint16(v))
}

func putInt32(buf []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v))
}

func putInt64(buf []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v))
}

func putString(buf []byte, s string) []byte {
	buf = putInt16(buf, int16(len(s)))
	return append(buf, s...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putInt32(buf, int32(len(b)))
	return append(buf, b...)
}

// reader is a small cursor over a decode buffer. rawBytes returns a view
// without copying, so callers that need to retain it across buffer reuse
// must clone it; bytes and string return copies.
type reader struct {
	b   []byte
	off int
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) int16() (int16, error) {
	if r.remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := int16(binary.BigEndian.Uint16(r.b[r.off:]))
	r.off += 2
	return v, nil
}

func (r *reader) int32() (int32, error) {
	if r.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := int32(binary.BigEndian.Uint32(r.b[r.off:]))
	r.off += 4
	return v, nil
}

func (r *reader) int64() (int64, error) {
	if r.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := int64(binary.BigEndian.Uint64(r.b[r.off:]))
	r.off += 8
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.int16()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("wire: negative string length %d", n)
	}
	if r.remaining() < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("wire: negative byte length %d", n)
	}
	if r.remaining() < int(n) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	copy(b, r.b[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

// rawBytes returns a view into the remaining bytes without copying and
// advances the cursor by n.
func (r *reader) rawBytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b, nil
}
