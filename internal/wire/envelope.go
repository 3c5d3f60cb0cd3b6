package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameBytes bounds a single length-prefixed frame so a corrupt or
// malicious length field can't make the handler allocate unboundedly.
const MaxFrameBytes = 128 << 20 // 128 MiB

// RequestHeader is the envelope every request frame carries before its
// opcode-specific body.
type RequestHeader struct {
	APIKey        APIKey
	APIVersion    int16
	CorrelationID int32
	ClientID      string
}

// ResponseHeader is the envelope every response frame carries before its
// opcode-specific body.
type ResponseHeader struct {
	CorrelationID int32
}

// ReadFrame reads one length-prefixed frame from r: a 4-byte signed
// big-endian length N followed by N bytes. It never yields a partial
// frame — callers that need to buffer partial reads across connection
// wakeups should use FrameSplitter instead.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 0 {
		return nil, fmt.Errorf("wire: negative frame length %d", n)
	}
	if int64(n) > MaxFrameBytes {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes the length prefix followed by body to w.
func WriteFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "wire: write frame length")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "wire: write frame body")
	}
	return nil
}

// DecodeRequestHeader parses the envelope from the front of a frame and
// returns the header plus the remaining body bytes.
func DecodeRequestHeader(frame []byte) (RequestHeader, []byte, error) {
	r := newReader(frame)

	apiKey, err := r.int16()
	if err != nil {
		return RequestHeader{}, nil, errors.Wrap(err, "wire: decode api key")
	}
	apiVersion, err := r.int16()
	if err != nil {
		return RequestHeader{}, nil, errors.Wrap(err, "wire: decode api version")
	}
	correlationID, err := r.int32()
	if err != nil {
		return RequestHeader{}, nil, errors.Wrap(err, "wire: decode correlation id")
	}
	clientID, err := r.string()
	if err != nil {
		return RequestHeader{}, nil, errors.Wrap(err, "wire: decode client id")
	}

	h := RequestHeader{
		APIKey:        APIKey(apiKey),
		APIVersion:    apiVersion,
		CorrelationID: correlationID,
		ClientID:      clientID,
	}
	return h, frame[r.off:], nil
}

// EncodeRequestHeader appends the envelope (without the outer length
// prefix) to buf.
func EncodeRequestHeader(buf []byte, h RequestHeader) []byte {
	buf = putInt16(buf, int16(h.APIKey))
	buf = putInt16(buf, h.APIVersion)
	buf = putInt32(buf, h.CorrelationID)
	buf = putString(buf, h.ClientID)
	return buf
}

// DecodeResponseHeader parses a response envelope and returns the header
// plus the remaining body bytes.
func DecodeResponseHeader(frame []byte) (ResponseHeader, []byte, error) {
	r := newReader(frame)
	correlationID, err := r.int32()
	if err != nil {
		return ResponseHeader{}, nil, errors.Wrap(err, "wire: decode correlation id")
	}
	return ResponseHeader{CorrelationID: correlationID}, frame[r.off:], nil
}

// EncodeResponseHeader appends the envelope to buf.
func EncodeResponseHeader(buf []byte, h ResponseHeader) []byte {
	return putInt32(buf, h.CorrelationID)
}

// FrameSplitter incrementally consumes bytes appended by a connection
// read loop and yields complete length-prefixed frames, retaining any
// trailing partial frame verbatim between calls. This is the buffering
// behavior the connection handler's Ready state relies on.
type FrameSplitter struct {
	buf []byte
}

// Feed appends newly read bytes to the splitter's internal buffer.
func (s *FrameSplitter) Feed(b []byte) {
	s.buf = append(s.buf, b...)
}

// Next extracts one complete frame (the bytes between the length prefix,
// exclusive) if one is fully buffered. ok is false if more bytes are
// needed; err is non-nil only for a malformed length prefix.
func (s *FrameSplitter) Next() (frame []byte, ok bool, err error) {
	if len(s.buf) < 4 {
		return nil, false, nil
	}
	n := int32(binary.BigEndian.Uint32(s.buf))
	if n < 0 {
		return nil, false, fmt.Errorf("wire: negative frame length %d", n)
	}
	if int64(n) > MaxFrameBytes {
		return nil, false, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameBytes)
	}
	total := 4 + int(n)
	if len(s.buf) < total {
		return nil, false, nil
	}

	frame = make([]byte, n)
	copy(frame, s.buf[4:total])

	remaining := len(s.buf) - total
	copy(s.buf, s.buf[total:])
	s.buf = s.buf[:remaining]

	return frame, true, nil
}

// Buffered reports how many bytes are currently retained (for tests and
// diagnostics).
func (s *FrameSplitter) Buffered() int {
	return len(s.buf)
}
