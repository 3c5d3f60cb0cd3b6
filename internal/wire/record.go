package wire

import (
	"fmt"
)

// Compression identifies the codec a record's payload was compressed
// with, carried in bits 0-2 of the record's attribute byte. The engine
// never interprets the payload itself — this is metadata for a client or
// a downstream decompressing consumer.
type Compression byte

const (
	CompressionNone   Compression = 0
	CompressionGzip   Compression = 1
	CompressionSnappy Compression = 2
	CompressionLZ4    Compression = 3

	compressionMask = 0x07
)

// Record is a single opaque record within a batch. Offset is assigned by
// the head at append time and is meaningless (ignored) on a fresh
// produce request.
type Record struct {
	Offset     int64
	Attributes byte
	Value      []byte
}

// Compression extracts the codec from the low 3 bits of Attributes.
func (r Record) Compression() Compression {
	return Compression(r.Attributes & compressionMask)
}

// WithCompression returns a copy of r with its compression bits set.
func (r Record) WithCompression(c Compression) Record {
	r.Attributes = (r.Attributes &^ compressionMask) | byte(c)
	return r
}

// RecordBatch is a contiguous, ordered sequence of records exactly as it
// appears on the wire and on disk: no framing beyond the per-record
// offset+length+payload triple spec'd in DATA MODEL.
type RecordBatch struct {
	Records []Record
}

// Encode appends the batch's on-wire/on-disk representation to buf.
func (b RecordBatch) Encode(buf []byte) []byte {
	for _, rec := range b.Records {
		buf = putInt64(buf, rec.Offset)
		buf = putInt32(buf, int32(len(rec.Value)+1))
		buf = append(buf, rec.Attributes)
		buf = append(buf, rec.Value...)
	}
	return buf
}

// EncodedRecordLen returns the number of bytes Encode would append for rec.
func EncodedRecordLen(rec Record) int {
	return 8 + 4 + 1 + len(rec.Value)
}

// DecodeRecordBatch parses every complete record in b. It is used by
// tests and by clients; the storage engine itself decodes its own
// segment contents only to build a write-repair batch (see
// internal/log's ReplicatedAppend). Recovery and fetch walk frames with
// RecordFrameAt instead.
func DecodeRecordBatch(b []byte) (RecordBatch, error) {
	r := newReader(b)
	var batch RecordBatch
	for r.remaining() > 0 {
		rec, err := decodeRecord(r)
		if err != nil {
			return RecordBatch{}, err
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

func decodeRecord(r *reader) (Record, error) {
	offset, err := r.int64()
	if err != nil {
		return Record{}, fmt.Errorf("wire: decode record offset: %w", err)
	}
	length, err := r.int32()
	if err != nil {
		return Record{}, fmt.Errorf("wire: decode record length: %w", err)
	}
	if length < 1 {
		return Record{}, fmt.Errorf("wire: record length %d must include attributes byte", length)
	}
	payload, err := r.rawBytes(int(length))
	if err != nil {
		return Record{}, fmt.Errorf("wire: decode record payload (len %d): %w", length, err)
	}
	value := make([]byte, len(payload)-1)
	copy(value, payload[1:])
	return Record{
		Offset:     offset,
		Attributes: payload[0],
		Value:      value,
	}, nil
}

// RecordFrameAt reports the byte length of a single valid record frame
// starting at b, without allocating a Value copy. It's used by the
// recovery scanner to validate+skip frames cheaply.
func RecordFrameAt(b []byte) (offset int64, frameLen int, err error) {
	r := newReader(b)
	off, err := r.int64()
	if err != nil {
		return 0, 0, err
	}
	length, err := r.int32()
	if err != nil {
		return 0, 0, err
	}
	if length < 1 {
		return 0, 0, fmt.Errorf("wire: record length %d must include attributes byte", length)
	}
	if r.remaining() < int(length) {
		return 0, 0, fmt.Errorf("wire: truncated record payload")
	}
	return off, 12 + int(length), nil
}
