package wire

import "fmt"

// ProducePartition is one partition's worth of records within a produce
// request.
type ProducePartition struct {
	Partition int32
	Batch     RecordBatch
}

// ProduceTopic groups the partitions of a single topic within a produce
// request.
type ProduceTopic struct {
	Topic      string
	Partitions []ProducePartition
}

// ProduceRequest is the body of a produce (api key 0) request.
type ProduceRequest struct {
	Topics []ProduceTopic
}

func EncodeProduceRequest(buf []byte, req ProduceRequest) []byte {
	buf = putInt32(buf, int32(len(req.Topics)))
	for _, t := range req.Topics {
		buf = putString(buf, t.Topic)
		buf = putInt32(buf, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			buf = putInt32(buf, p.Partition)
			buf = putBytes(buf, p.Batch.Encode(nil))
		}
	}
	return buf
}

func DecodeProduceRequest(body []byte) (ProduceRequest, error) {
	r := newReader(body)
	var req ProduceRequest
	numTopics, err := r.int32()
	if err != nil {
		return req, fmt.Errorf("wire: decode produce topic count: %w", err)
	}
	for i := int32(0); i < numTopics; i++ {
		topic, err := r.string()
		if err != nil {
			return req, fmt.Errorf("wire: decode produce topic name: %w", err)
		}
		numParts, err := r.int32()
		if err != nil {
			return req, fmt.Errorf("wire: decode produce partition count: %w", err)
		}
		pt := ProduceTopic{Topic: topic}
		for j := int32(0); j < numParts; j++ {
			partition, err := r.int32()
			if err != nil {
				return req, fmt.Errorf("wire: decode produce partition: %w", err)
			}
			batchBytes, err := r.bytes()
			if err != nil {
				return req, fmt.Errorf("wire: decode produce batch: %w", err)
			}
			batch, err := DecodeRecordBatch(batchBytes)
			if err != nil {
				return req, fmt.Errorf("wire: decode produce batch records: %w", err)
			}
			pt.Partitions = append(pt.Partitions, ProducePartition{Partition: partition, Batch: batch})
		}
		req.Topics = append(req.Topics, pt)
	}
	return req, nil
}

// FetchPartition is a single partition's request parameters within a
// fetch (api key 1) request.
type FetchPartition struct {
	Partition int32
	Offset    int64
	MaxBytes  int32
}

// FetchTopic groups the partitions of a single topic within a fetch
// request.
type FetchTopic struct {
	Topic      string
	Partitions []FetchPartition
}

// FetchRequest is the body of a fetch (api key 1) request.
type FetchRequest struct {
	Topics []FetchTopic
}

func EncodeFetchRequest(buf []byte, req FetchRequest) []byte {
	buf = putInt32(buf, int32(len(req.Topics)))
	for _, t := range req.Topics {
		buf = putString(buf, t.Topic)
		buf = putInt32(buf, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			buf = putInt32(buf, p.Partition)
			buf = putInt64(buf, p.Offset)
			buf = putInt32(buf, p.MaxBytes)
		}
	}
	return buf
}

func DecodeFetchRequest(body []byte) (FetchRequest, error) {
	r := newReader(body)
	var req FetchRequest
	numTopics, err := r.int32()
	if err != nil {
		return req, fmt.Errorf("wire: decode fetch topic count: %w", err)
	}
	for i := int32(0); i < numTopics; i++ {
		topic, err := r.string()
		if err != nil {
			return req, fmt.Errorf("wire: decode fetch topic name: %w", err)
		}
		numParts, err := r.int32()
		if err != nil {
			return req, fmt.Errorf("wire: decode fetch partition count: %w", err)
		}
		ft := FetchTopic{Topic: topic}
		for j := int32(0); j < numParts; j++ {
			partition, err := r.int32()
			if err != nil {
				return req, fmt.Errorf("wire: decode fetch partition: %w", err)
			}
			offset, err := r.int64()
			if err != nil {
				return req, fmt.Errorf("wire: decode fetch offset: %w", err)
			}
			maxBytes, err := r.int32()
			if err != nil {
				return req, fmt.Errorf("wire: decode fetch max bytes: %w", err)
			}
			ft.Partitions = append(ft.Partitions, FetchPartition{Partition: partition, Offset: offset, MaxBytes: maxBytes})
		}
		req.Topics = append(req.Topics, ft)
	}
	return req, nil
}

// Fetch2Partition is FetchPartition plus the limit extension fetch2
// (api key 1001) adds: the maximum number of records to return, or -1
// for no limit.
type Fetch2Partition struct {
	Partition int32
	Offset    int64
	MaxBytes  int32
	Limit     int32
}

// Fetch2Topic groups the partitions of a single topic within a fetch2
// request.
type Fetch2Topic struct {
	Topic      string
	Partitions []Fetch2Partition
}

// Fetch2Request is the body of a fetch2 (api key 1001) request.
type Fetch2Request struct {
	Topics []Fetch2Topic
}

func EncodeFetch2Request(buf []byte, req Fetch2Request) []byte {
	buf = putInt32(buf, int32(len(req.Topics)))
	for _, t := range req.Topics {
		buf = putString(buf, t.Topic)
		buf = putInt32(buf, int32(len(t.Partitions)))
		for _, p := range t.Partitions {
			buf = putInt32(buf, p.Partition)
			buf = putInt64(buf, p.Offset)
			buf = putInt32(buf, p.MaxBytes)
			buf = putInt32(buf, p.Limit)
		}
	}
	return buf
}

func DecodeFetch2Request(body []byte) (Fetch2Request, error) {
	r := newReader(body)
	var req Fetch2Request
	numTopics, err := r.int32()
	if err != nil {
		return req, fmt.Errorf("wire: decode fetch2 topic count: %w", err)
	}
	for i := int32(0); i < numTopics; i++ {
		topic, err := r.string()
		if err != nil {
			return req, fmt.Errorf("wire: decode fetch2 topic name: %w", err)
		}
		numParts, err := r.int32()
		if err != nil {
			return req, fmt.Errorf("wire: decode fetch2 partition count: %w", err)
		}
		ft := Fetch2Topic{Topic: topic}
		for j := int32(0); j < numParts; j++ {
			partition, err := r.int32()
			if err != nil {
				return req, fmt.Errorf("wire: decode fetch2 partition: %w", err)
			}
			offset, err := r.int64()
			if err != nil {
				return req, fmt.Errorf("wire: decode fetch2 offset: %w", err)
			}
			maxBytes, err := r.int32()
			if err != nil {
				return req, fmt.Errorf("wire: decode fetch2 max bytes: %w", err)
			}
			limit, err := r.int32()
			if err != nil {
				return req, fmt.Errorf("wire: decode fetch2 limit: %w", err)
			}
			ft.Partitions = append(ft.Partitions, Fetch2Partition{Partition: partition, Offset: offset, MaxBytes: maxBytes, Limit: limit})
		}
		req.Topics = append(req.Topics, ft)
	}
	return req, nil
}

// MetadataRequest asks for chain/node info for the named topics. An
// empty Topics list means "all known topics."
type MetadataRequest struct {
	Topics []string
}

func EncodeMetadataRequest(buf []byte, req MetadataRequest) []byte {
	buf = putInt32(buf, int32(len(req.Topics)))
	for _, t := range req.Topics {
		buf = putString(buf, t)
	}
	return buf
}

func DecodeMetadataRequest(body []byte) (MetadataRequest, error) {
	r := newReader(body)
	var req MetadataRequest
	n, err := r.int32()
	if err != nil {
		return req, fmt.Errorf("wire: decode metadata topic count: %w", err)
	}
	for i := int32(0); i < n; i++ {
		t, err := r.string()
		if err != nil {
			return req, fmt.Errorf("wire: decode metadata topic: %w", err)
		}
		req.Topics = append(req.Topics, t)
	}
	return req, nil
}

// TopicsRequest has no body: it asks the server to enumerate every
// (topic, partition count) pair it knows about.
type TopicsRequest struct{}

func EncodeTopicsRequest(buf []byte, _ TopicsRequest) []byte { return buf }

func DecodeTopicsRequest(_ []byte) (TopicsRequest, error) { return TopicsRequest{}, nil }

// EnsureRequest idempotently creates a topic with the given partition
// count if it does not already exist.
type EnsureRequest struct {
	Topic      string
	Partitions int32
}

func EncodeEnsureRequest(buf []byte, req EnsureRequest) []byte {
	buf = putString(buf, req.Topic)
	buf = putInt32(buf, req.Partitions)
	return buf
}

func DecodeEnsureRequest(body []byte) (EnsureRequest, error) {
	r := newReader(body)
	topic, err := r.string()
	if err != nil {
		return EnsureRequest{}, fmt.Errorf("wire: decode ensure topic: %w", err)
	}
	partitions, err := r.int32()
	if err != nil {
		return EnsureRequest{}, fmt.Errorf("wire: decode ensure partitions: %w", err)
	}
	return EnsureRequest{Topic: topic, Partitions: partitions}, nil
}

// DeleteTopicRequest removes a topic and all of its partitions.
type DeleteTopicRequest struct {
	Topic string
}

func EncodeDeleteTopicRequest(buf []byte, req DeleteTopicRequest) []byte {
	return putString(buf, req.Topic)
}

func DecodeDeleteTopicRequest(body []byte) (DeleteTopicRequest, error) {
	r := newReader(body)
	topic, err := r.string()
	if err != nil {
		return DeleteTopicRequest{}, fmt.Errorf("wire: decode delete_topic topic: %w", err)
	}
	return DeleteTopicRequest{Topic: topic}, nil
}

// ReplicateRequest is what a head/middle sends to its downstream hop.
type ReplicateRequest struct {
	Topic               string
	Partition           int32
	ExpectedStartOffset int64
	Batch               RecordBatch
}

func EncodeReplicateRequest(buf []byte, req ReplicateRequest) []byte {
	buf = putString(buf, req.Topic)
	buf = putInt32(buf, req.Partition)
	buf = putInt64(buf, req.ExpectedStartOffset)
	buf = putBytes(buf, req.Batch.Encode(nil))
	return buf
}

func DecodeReplicateRequest(body []byte) (ReplicateRequest, error) {
	r := newReader(body)
	topic, err := r.string()
	if err != nil {
		return ReplicateRequest{}, fmt.Errorf("wire: decode replicate topic: %w", err)
	}
	partition, err := r.int32()
	if err != nil {
		return ReplicateRequest{}, fmt.Errorf("wire: decode replicate partition: %w", err)
	}
	expected, err := r.int64()
	if err != nil {
		return ReplicateRequest{}, fmt.Errorf("wire: decode replicate expected offset: %w", err)
	}
	batchBytes, err := r.bytes()
	if err != nil {
		return ReplicateRequest{}, fmt.Errorf("wire: decode replicate batch: %w", err)
	}
	batch, err := DecodeRecordBatch(batchBytes)
	if err != nil {
		return ReplicateRequest{}, fmt.Errorf("wire: decode replicate batch records: %w", err)
	}
	return ReplicateRequest{
		Topic:               topic,
		Partition:           partition,
		ExpectedStartOffset: expected,
		Batch:               batch,
	}, nil
}

// ReplicateDeleteTopicRequest propagates a delete_topic down the chain.
type ReplicateDeleteTopicRequest struct {
	Topic     string
	Partition int32
}

func EncodeReplicateDeleteTopicRequest(buf []byte, req ReplicateDeleteTopicRequest) []byte {
	buf = putString(buf, req.Topic)
	buf = putInt32(buf, req.Partition)
	return buf
}

func DecodeReplicateDeleteTopicRequest(body []byte) (ReplicateDeleteTopicRequest, error) {
	r := newReader(body)
	topic, err := r.string()
	if err != nil {
		return ReplicateDeleteTopicRequest{}, fmt.Errorf("wire: decode replicate_delete_topic topic: %w", err)
	}
	partition, err := r.int32()
	if err != nil {
		return ReplicateDeleteTopicRequest{}, fmt.Errorf("wire: decode replicate_delete_topic partition: %w", err)
	}
	return ReplicateDeleteTopicRequest{Topic: topic, Partition: partition}, nil
}
