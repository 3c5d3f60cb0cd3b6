package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// CompressValue compresses v with the codec named by c for client-side
// use. The storage engine itself never calls this — it only ever stores
// and forwards whatever bytes a producer hands it — but the codec
// package ships it so a producer/consumer built on top of this module
// doesn't have to hand-roll codec selection, matching the set of
// compression libraries present in the Kafka-client lineage of the
// example pack.
func CompressValue(c Compression, v []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return v, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(v); err != nil {
			return nil, fmt.Errorf("wire: gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("wire: gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Encode(nil, v), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(v); err != nil {
			return nil, fmt.Errorf("wire: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("wire: lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("wire: unknown compression codec %d", c)
	}
}

// DecompressValue reverses CompressValue.
func DecompressValue(c Compression, v []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return v, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(v))
		if err != nil {
			return nil, fmt.Errorf("wire: gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionSnappy:
		return snappy.Decode(nil, v)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(v)))
	default:
		return nil, fmt.Errorf("wire: unknown compression codec %d", c)
	}
}
