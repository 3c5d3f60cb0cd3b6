package wire

import (
	"fmt"
	"io"
)

// ProducePartitionResponse carries the per-partition result of a
// produce request. Offset is the offset of the last record appended, or
// -1 if the partition's result is an error, except that
// UnknownTopicOrPartition carries offset 0.
type ProducePartitionResponse struct {
	Partition int32
	ErrorCode ErrorCode
	Offset    int64
}

type ProduceTopicResponse struct {
	Topic      string
	Partitions []ProducePartitionResponse
}

type ProduceResponse struct {
	Topics []ProduceTopicResponse
}

func EncodeProduceResponse(buf []byte, resp ProduceResponse) []byte {
	buf = putInt32(buf, int32(len(resp.Topics)))
	for _, t := range resp.Topics {
		buf = putString(buf, t.Topic)
		buf = putInt32(buf, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			buf = putInt32(buf, p.Partition)
			buf = putInt16(buf, int16(p.ErrorCode))
			buf = putInt64(buf, p.Offset)
		}
	}
	return buf
}

func DecodeProduceResponse(body []byte) (ProduceResponse, error) {
	r := newReader(body)
	var resp ProduceResponse
	numTopics, err := r.int32()
	if err != nil {
		return resp, err
	}
	for i := int32(0); i < numTopics; i++ {
		topic, err := r.string()
		if err != nil {
			return resp, err
		}
		numParts, err := r.int32()
		if err != nil {
			return resp, err
		}
		tr := ProduceTopicResponse{Topic: topic}
		for j := int32(0); j < numParts; j++ {
			partition, err := r.int32()
			if err != nil {
				return resp, err
			}
			errCode, err := r.int16()
			if err != nil {
				return resp, err
			}
			offset, err := r.int64()
			if err != nil {
				return resp, err
			}
			tr.Partitions = append(tr.Partitions, ProducePartitionResponse{
				Partition: partition,
				ErrorCode: ErrorCode(errCode),
				Offset:    offset,
			})
		}
		resp.Topics = append(resp.Topics, tr)
	}
	return resp, nil
}

// FileRange is a zero-copy-transferable byte range within an open
// segment file. Bytes==0 must never be emitted onto the wire as a
// descriptor (the OS sendfile syscall treats a zero length specially);
// the assembler skips zero-length ranges instead.
type FileRange struct {
	Path     string
	Position int64
	Bytes    int64
}

// FetchPartitionResponse is the per-partition header of a fetch
// response. The log bytes themselves travel as a FileRange (or, if File
// is unset, as inline Bytes) immediately following this header in the
// scatter/gather sequence — see FetchResponseWriter.
type FetchPartitionResponse struct {
	Partition     int32
	ErrorCode     ErrorCode
	HighWaterMark int64
	File          FileRange // Bytes==0 means nothing follows for this partition
	Inline        []byte    // set instead of File when the range was read into memory
}

type FetchTopicResponse struct {
	Topic      string
	Partitions []FetchPartitionResponse
}

// FetchResponse is the logical, fully-materialized shape of a fetch
// response. FetchResponseWriter streams the equivalent bytes without
// requiring the log bytes to be loaded into this struct.
type FetchResponse struct {
	Topics []FetchTopicResponse
}

// encodeFetchPartitionHeader appends one partition's header — everything
// in a FetchPartitionResponse except the log bytes themselves — to buf.
func encodeFetchPartitionHeader(buf []byte, p FetchPartitionResponse) []byte {
	buf = putInt32(buf, p.Partition)
	buf = putInt16(buf, int16(p.ErrorCode))
	buf = putInt64(buf, p.HighWaterMark)
	length := p.File.Bytes
	if length == 0 {
		length = int64(len(p.Inline))
	}
	buf = putInt32(buf, int32(length))
	return buf
}

// FetchResponseWriter streams a fetch response as the scatter/gather
// sequence spec'd in DATA MODEL/COMPONENT DESIGN: response length and
// envelope eagerly, then per-(topic,partition) headers interleaved with
// either an inline byte buffer or a caller-resolved file range. The
// writer never itself opens a file — the connection handler calls
// SendFileRange for each FileRange it's handed, using whatever zero-copy
// primitive the transport has available.
type FetchResponseWriter struct {
	w io.Writer

	SendFileRange func(rng FileRange) error
}

// NewFetchResponseWriter wraps w, whose first write will be the 4-byte
// frame length that WriteResponse computes from the response itself.
func NewFetchResponseWriter(w io.Writer, sendFileRange func(rng FileRange) error) *FetchResponseWriter {
	return &FetchResponseWriter{w: w, SendFileRange: sendFileRange}
}

// WriteResponse writes the full frame: length prefix, response
// envelope, and the topic/partition scatter/gather sequence. The frame
// length is fetchResponseBodyLen(resp): the envelope, all headers and
// all partition byte lengths.
func (fw *FetchResponseWriter) WriteResponse(correlationID int32, resp FetchResponse) error {
	total := 4 + fetchResponseBodyLen(resp) // +4 for correlation id
	if err := writeFrameLength(fw.w, total); err != nil {
		return err
	}

	headerBuf := make([]byte, 0, 64)
	headerBuf = EncodeResponseHeader(headerBuf, ResponseHeader{CorrelationID: correlationID})
	headerBuf = putInt32(headerBuf, int32(len(resp.Topics)))
	if _, err := fw.w.Write(headerBuf); err != nil {
		return err
	}

	for _, t := range resp.Topics {
		tHeader := make([]byte, 0, 32)
		tHeader = putString(tHeader, t.Topic)
		tHeader = putInt32(tHeader, int32(len(t.Partitions)))
		if _, err := fw.w.Write(tHeader); err != nil {
			return err
		}

		for _, p := range t.Partitions {
			pHeader := encodeFetchPartitionHeader(nil, p)
			if _, err := fw.w.Write(pHeader); err != nil {
				return err
			}

			switch {
			case len(p.Inline) > 0:
				if _, err := fw.w.Write(p.Inline); err != nil {
					return err
				}
			case p.File.Bytes > 0:
				if fw.SendFileRange == nil {
					return fmt.Errorf("wire: fetch response needs a file range but no sender was configured")
				}
				if err := fw.SendFileRange(p.File); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func writeFrameLength(w io.Writer, n int) error {
	buf := putInt32(nil, int32(n))
	_, err := w.Write(buf)
	return err
}

// fetchResponseBodyLen computes the byte length of everything after the
// 4-byte outer frame length (i.e. correlation id through the last
// partition's payload bytes).
func fetchResponseBodyLen(resp FetchResponse) int {
	n := 4 // correlation id
	n += 4 // topic count
	for _, t := range resp.Topics {
		n += 2 + len(t.Topic) // topic name
		n += 4                // partition count
		for _, p := range t.Partitions {
			n += 4 + 2 + 8 + 4 // partition, error code, hwm, byte length
			if len(p.Inline) > 0 {
				n += len(p.Inline)
			} else {
				n += int(p.File.Bytes)
			}
		}
	}
	return n
}

// DecodeFetchResponse parses a fully-materialized fetch response whose
// log bytes were sent inline (used by tests and by any consumer that
// doesn't care about avoiding the copy).
func DecodeFetchResponse(body []byte) (FetchResponse, error) {
	r := newReader(body)
	var resp FetchResponse
	numTopics, err := r.int32()
	if err != nil {
		return resp, err
	}
	for i := int32(0); i < numTopics; i++ {
		topic, err := r.string()
		if err != nil {
			return resp, err
		}
		numParts, err := r.int32()
		if err != nil {
			return resp, err
		}
		tr := FetchTopicResponse{Topic: topic}
		for j := int32(0); j < numParts; j++ {
			partition, err := r.int32()
			if err != nil {
				return resp, err
			}
			errCode, err := r.int16()
			if err != nil {
				return resp, err
			}
			hwm, err := r.int64()
			if err != nil {
				return resp, err
			}
			length, err := r.int32()
			if err != nil {
				return resp, err
			}
			payload, err := r.rawBytes(int(length))
			if err != nil {
				return resp, err
			}
			inline := make([]byte, len(payload))
			copy(inline, payload)
			tr.Partitions = append(tr.Partitions, FetchPartitionResponse{
				Partition:     partition,
				ErrorCode:     ErrorCode(errCode),
				HighWaterMark: hwm,
				Inline:        inline,
			})
		}
		resp.Topics = append(resp.Topics, tr)
	}
	return resp, nil
}

// BrokerMetadata is one node in the dense id space a metadata response
// assigns per chain (see COMPONENT DESIGN/EXTERNAL INTERFACES).
type BrokerMetadata struct {
	NodeID int32
	Host   string
	Port   int32
}

// PartitionMetadata names the head/tail node ids serving one partition.
type PartitionMetadata struct {
	Partition int32
	HeadID    int32
	TailID    int32
}

// TopicMetadata is the metadata response entry for one topic. Topics
// that don't exist are omitted from the response entirely — this is
// load-bearing for probing topic existence.
type TopicMetadata struct {
	Topic      string
	Partitions []PartitionMetadata
}

type MetadataResponse struct {
	Brokers []BrokerMetadata
	Topics  []TopicMetadata
}

func EncodeMetadataResponse(buf []byte, resp MetadataResponse) []byte {
	buf = putInt32(buf, int32(len(resp.Brokers)))
	for _, b := range resp.Brokers {
		buf = putInt32(buf, b.NodeID)
		buf = putString(buf, b.Host)
		buf = putInt32(buf, b.Port)
	}
	buf = putInt32(buf, int32(len(resp.Topics)))
	for _, t := range resp.Topics {
		buf = putString(buf, t.Topic)
		buf = putInt32(buf, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			buf = putInt32(buf, p.Partition)
			buf = putInt32(buf, p.HeadID)
			buf = putInt32(buf, p.TailID)
		}
	}
	return buf
}

func DecodeMetadataResponse(body []byte) (MetadataResponse, error) {
	r := newReader(body)
	var resp MetadataResponse
	numBrokers, err := r.int32()
	if err != nil {
		return resp, err
	}
	for i := int32(0); i < numBrokers; i++ {
		id, err := r.int32()
		if err != nil {
			return resp, err
		}
		host, err := r.string()
		if err != nil {
			return resp, err
		}
		port, err := r.int32()
		if err != nil {
			return resp, err
		}
		resp.Brokers = append(resp.Brokers, BrokerMetadata{NodeID: id, Host: host, Port: port})
	}
	numTopics, err := r.int32()
	if err != nil {
		return resp, err
	}
	for i := int32(0); i < numTopics; i++ {
		topic, err := r.string()
		if err != nil {
			return resp, err
		}
		numParts, err := r.int32()
		if err != nil {
			return resp, err
		}
		tm := TopicMetadata{Topic: topic}
		for j := int32(0); j < numParts; j++ {
			partition, err := r.int32()
			if err != nil {
				return resp, err
			}
			headID, err := r.int32()
			if err != nil {
				return resp, err
			}
			tailID, err := r.int32()
			if err != nil {
				return resp, err
			}
			tm.Partitions = append(tm.Partitions, PartitionMetadata{Partition: partition, HeadID: headID, TailID: tailID})
		}
		resp.Topics = append(resp.Topics, tm)
	}
	return resp, nil
}

// TopicPartitionCount is one entry of a topics response.
type TopicPartitionCount struct {
	Topic      string
	Partitions int32
}

type TopicsResponse struct {
	Topics []TopicPartitionCount
}

func EncodeTopicsResponse(buf []byte, resp TopicsResponse) []byte {
	buf = putInt32(buf, int32(len(resp.Topics)))
	for _, t := range resp.Topics {
		buf = putString(buf, t.Topic)
		buf = putInt32(buf, t.Partitions)
	}
	return buf
}

func DecodeTopicsResponse(body []byte) (TopicsResponse, error) {
	r := newReader(body)
	var resp TopicsResponse
	n, err := r.int32()
	if err != nil {
		return resp, err
	}
	for i := int32(0); i < n; i++ {
		topic, err := r.string()
		if err != nil {
			return resp, err
		}
		partitions, err := r.int32()
		if err != nil {
			return resp, err
		}
		resp.Topics = append(resp.Topics, TopicPartitionCount{Topic: topic, Partitions: partitions})
	}
	return resp, nil
}

// EnsureResponse and DeleteTopicResponse share the same trivial shape.
type EnsureResponse struct {
	ErrorCode ErrorCode
}

func EncodeEnsureResponse(buf []byte, resp EnsureResponse) []byte {
	return putInt16(buf, int16(resp.ErrorCode))
}

func DecodeEnsureResponse(body []byte) (EnsureResponse, error) {
	r := newReader(body)
	e, err := r.int16()
	if err != nil {
		return EnsureResponse{}, err
	}
	return EnsureResponse{ErrorCode: ErrorCode(e)}, nil
}

type DeleteTopicResponse struct {
	ErrorCode ErrorCode
}

func EncodeDeleteTopicResponse(buf []byte, resp DeleteTopicResponse) []byte {
	return putInt16(buf, int16(resp.ErrorCode))
}

func DecodeDeleteTopicResponse(body []byte) (DeleteTopicResponse, error) {
	r := newReader(body)
	e, err := r.int16()
	if err != nil {
		return DeleteTopicResponse{}, err
	}
	return DeleteTopicResponse{ErrorCode: ErrorCode(e)}, nil
}

// ReplicateResponse is what a downstream hop sends back up the chain.
// When ErrorCode is WriteRepair, Repair holds the records the upstream
// is missing (see CHAIN REPLICATION PROTOCOL/Write-repair); OffsetOfLast
// is -1 in that case and in every other error case.
type ReplicateResponse struct {
	Partition    int32
	ErrorCode    ErrorCode
	OffsetOfLast int64
	Repair       RecordBatch
}

func EncodeReplicateResponse(buf []byte, resp ReplicateResponse) []byte {
	buf = putInt32(buf, resp.Partition)
	buf = putInt16(buf, int16(resp.ErrorCode))
	buf = putInt64(buf, resp.OffsetOfLast)
	buf = putBytes(buf, resp.Repair.Encode(nil))
	return buf
}

func DecodeReplicateResponse(body []byte) (ReplicateResponse, error) {
	r := newReader(body)
	partition, err := r.int32()
	if err != nil {
		return ReplicateResponse{}, err
	}
	errCode, err := r.int16()
	if err != nil {
		return ReplicateResponse{}, err
	}
	offset, err := r.int64()
	if err != nil {
		return ReplicateResponse{}, err
	}
	repairBytes, err := r.bytes()
	if err != nil {
		return ReplicateResponse{}, err
	}
	repair, err := DecodeRecordBatch(repairBytes)
	if err != nil {
		return ReplicateResponse{}, err
	}
	return ReplicateResponse{
		Partition:    partition,
		ErrorCode:    ErrorCode(errCode),
		OffsetOfLast: offset,
		Repair:       repair,
	}, nil
}

type ReplicateDeleteTopicResponse struct {
	ErrorCode ErrorCode
}

func EncodeReplicateDeleteTopicResponse(buf []byte, resp ReplicateDeleteTopicResponse) []byte {
	return putInt16(buf, int16(resp.ErrorCode))
}

func DecodeReplicateDeleteTopicResponse(body []byte) (ReplicateDeleteTopicResponse, error) {
	r := newReader(body)
	e, err := r.int16()
	if err != nil {
		return ReplicateDeleteTopicResponse{}, err
	}
	return ReplicateDeleteTopicResponse{ErrorCode: ErrorCode(e)}, nil
}
