package conn

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/vonnegut/vonnegut/internal/chain"
	"github.com/vonnegut/vonnegut/internal/cluster"
	vlog "github.com/vonnegut/vonnegut/internal/log"
	"github.com/vonnegut/vonnegut/internal/metrics"
	"github.com/vonnegut/vonnegut/internal/registry"
	"github.com/vonnegut/vonnegut/internal/wire"
)

// RequestHandler implements Handler by dispatching each opcode to the
// topic registry and, for produce on a head and replicate on a middle,
// forwarding down the chain. It is the glue between components B/C/D/E/F/G.
type RequestHandler struct {
	Registry *registry.Registry
	Chains   *cluster.ChainMap
	Self     cluster.Endpoint
	Timeout  time.Duration
	Logger   log.Logger

	fds *fdCache

	mu         sync.Mutex
	forwarders map[string]*chain.Client // next-hop address -> client
}

// NewRequestHandler wires a handler over an already-open registry and
// chain map. fdCacheSize bounds concurrently open segment files on the
// fetch path.
func NewRequestHandler(reg *registry.Registry, chains *cluster.ChainMap, self cluster.Endpoint, timeout time.Duration, fdCacheSize int, logger log.Logger) (*RequestHandler, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	fds, err := newFDCache(fdCacheSize)
	if err != nil {
		return nil, err
	}
	return &RequestHandler{
		Registry:   reg,
		Chains:     chains,
		Self:       self,
		Timeout:    timeout,
		Logger:     logger,
		fds:        fds,
		forwarders: make(map[string]*chain.Client),
	}, nil
}

func (h *RequestHandler) forwarderFor(next cluster.Endpoint) *chain.Client {
	addr := next.String()
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.forwarders[addr]
	if !ok {
		c = chain.New(addr, h.Timeout, h.Logger)
		h.forwarders[addr] = c
	}
	return c
}

// nextHopFor resolves topic's chain and this node's position in it,
// returning the client to forward a produce/replicate to, or ok=false
// if this node is the tail (or solo) for that topic.
func (h *RequestHandler) nextHopFor(topic string) (*chain.Client, bool, error) {
	entry, ok := h.Chains.ChainFor(topic)
	if !ok {
		return nil, false, wire.UnknownTopicOrPartition
	}
	_, next, hasNext, ok := entry.RoleOf(h.Self)
	if !ok {
		return nil, false, wire.UnknownTopicOrPartition
	}
	if !hasNext {
		return nil, false, nil
	}
	return h.forwarderFor(next), true, nil
}

// Handle implements the non-streaming opcodes.
func (h *RequestHandler) Handle(role wire.Role, apiKey wire.APIKey, body []byte) ([]byte, error) {
	switch apiKey {
	case wire.Produce:
		return h.handleProduce(role, body)
	case wire.Metadata:
		return h.handleMetadata(role, body)
	case wire.Topics:
		return h.handleTopics(role, body)
	case wire.Ensure:
		return h.handleEnsure(role, body)
	case wire.DeleteTopic:
		return h.handleDeleteTopic(role, body)
	case wire.Replicate:
		return h.handleReplicate(role, body)
	case wire.ReplicateDeleteTopic:
		return h.handleReplicateDeleteTopic(role, body)
	default:
		return nil, errors.Errorf("conn: unknown opcode %d", apiKey)
	}
}

func (h *RequestHandler) handleProduce(role wire.Role, body []byte) ([]byte, error) {
	if role != wire.RoleHead && role != wire.RoleSolo {
		req, err := wire.DecodeProduceRequest(body)
		if err != nil {
			return nil, err
		}
		return wire.EncodeProduceResponse(nil, disallowProduce(req)), nil
	}

	req, err := wire.DecodeProduceRequest(body)
	if err != nil {
		return nil, err
	}

	resp := wire.ProduceResponse{Topics: make([]wire.ProduceTopicResponse, len(req.Topics))}
	for ti, t := range req.Topics {
		tr := wire.ProduceTopicResponse{Topic: t.Topic, Partitions: make([]wire.ProducePartitionResponse, len(t.Partitions))}
		for pi, p := range t.Partitions {
			tr.Partitions[pi] = h.produceOne(role, t.Topic, p)
		}
		resp.Topics[ti] = tr
	}
	return wire.EncodeProduceResponse(nil, resp), nil
}

func disallowProduce(req wire.ProduceRequest) wire.ProduceResponse {
	resp := wire.ProduceResponse{Topics: make([]wire.ProduceTopicResponse, len(req.Topics))}
	for ti, t := range req.Topics {
		tr := wire.ProduceTopicResponse{Topic: t.Topic, Partitions: make([]wire.ProducePartitionResponse, len(t.Partitions))}
		for pi, p := range t.Partitions {
			tr.Partitions[pi] = wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.ProduceDisallowed, Offset: -1}
		}
		resp.Topics[ti] = tr
	}
	return resp
}

func (h *RequestHandler) produceOne(role wire.Role, topic string, p wire.ProducePartition) wire.ProducePartitionResponse {
	start := time.Now()
	defer func() { metrics.ProduceLatency.WithLabelValues(topic).Observe(time.Since(start).Seconds()) }()

	part, ok := h.Registry.Get(topic, p.Partition)
	if !ok {
		// Not-found replies carry offset 0, not -1.
		return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.UnknownTopicOrPartition, Offset: 0}
	}

	assigned, last, err := part.Append(p.Batch)
	if err != nil {
		level.Error(h.Logger).Log("msg", "local append failed", "topic", topic, "partition", p.Partition, "err", err)
		return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.TimeoutError, Offset: -1}
	}
	if len(assigned.Records) == 0 {
		return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.NoError, Offset: last}
	}

	if role == wire.RoleSolo {
		return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.NoError, Offset: last}
	}

	next, hasNext, err := h.nextHopFor(topic)
	if err != nil {
		if code, ok := err.(wire.ErrorCode); ok {
			return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: code, Offset: -1}
		}
		return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.TimeoutError, Offset: -1}
	}
	if !hasNext {
		// This node is the tail for this topic but wasn't assigned the
		// tail/solo role by its listener — a configuration mismatch
		// between the chain map and the role the accepting socket was
		// given.
		return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.NoError, Offset: last}
	}

	firstOffset := assigned.Records[0].Offset
	offsetOfLast, err := next.Forward(topic, p.Partition, firstOffset, assigned)
	if err != nil {
		level.Warn(h.Logger).Log("msg", "replicate forward failed", "topic", topic, "partition", p.Partition, "err", err)
		return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.TimeoutError, Offset: -1}
	}
	return wire.ProducePartitionResponse{Partition: p.Partition, ErrorCode: wire.NoError, Offset: offsetOfLast}
}

func (h *RequestHandler) handleReplicate(role wire.Role, body []byte) ([]byte, error) {
	if role != wire.RoleMiddle && role != wire.RoleTail {
		req, err := wire.DecodeReplicateRequest(body)
		if err != nil {
			return nil, err
		}
		return wire.EncodeReplicateResponse(nil, wire.ReplicateResponse{
			Partition: req.Partition, ErrorCode: wire.ReplicateDisallowed, OffsetOfLast: -1,
		}), nil
	}

	req, err := wire.DecodeReplicateRequest(body)
	if err != nil {
		return nil, err
	}

	part, ok := h.Registry.Get(req.Topic, req.Partition)
	if !ok {
		return wire.EncodeReplicateResponse(nil, wire.ReplicateResponse{
			Partition: req.Partition, ErrorCode: wire.UnknownTopicOrPartition, OffsetOfLast: -1,
		}), nil
	}

	outcome, err := part.ReplicatedAppend(req.ExpectedStartOffset, req.Batch)
	if err != nil {
		if errors.Is(err, vlog.ErrReplicaBehind) {
			return wire.EncodeReplicateResponse(nil, wire.ReplicateResponse{
				Partition: req.Partition, ErrorCode: wire.TimeoutError, OffsetOfLast: -1,
			}), nil
		}
		return nil, err
	}

	if len(outcome.Repair.Records) > 0 {
		return wire.EncodeReplicateResponse(nil, wire.ReplicateResponse{
			Partition: req.Partition, ErrorCode: wire.WriteRepair, OffsetOfLast: -1, Repair: outcome.Repair,
		}), nil
	}

	if role == wire.RoleTail {
		return wire.EncodeReplicateResponse(nil, wire.ReplicateResponse{
			Partition: req.Partition, ErrorCode: wire.NoError, OffsetOfLast: outcome.OffsetOfLast,
		}), nil
	}

	next, hasNext, err := h.nextHopFor(req.Topic)
	if err != nil || !hasNext {
		return wire.EncodeReplicateResponse(nil, wire.ReplicateResponse{
			Partition: req.Partition, ErrorCode: wire.NoError, OffsetOfLast: outcome.OffsetOfLast,
		}), nil
	}

	offsetOfLast, err := next.Forward(req.Topic, req.Partition, req.ExpectedStartOffset, req.Batch)
	if err != nil {
		return wire.EncodeReplicateResponse(nil, wire.ReplicateResponse{
			Partition: req.Partition, ErrorCode: wire.TimeoutError, OffsetOfLast: -1,
		}), nil
	}
	return wire.EncodeReplicateResponse(nil, wire.ReplicateResponse{
		Partition: req.Partition, ErrorCode: wire.NoError, OffsetOfLast: offsetOfLast,
	}), nil
}

func (h *RequestHandler) handleMetadata(_ wire.Role, body []byte) ([]byte, error) {
	req, err := wire.DecodeMetadataRequest(body)
	if err != nil {
		return nil, err
	}

	topics := req.Topics
	if len(topics) == 0 {
		for _, t := range h.Registry.List() {
			topics = append(topics, t.Topic)
		}
	}

	// Node ids are dense within this one response: the first chain's
	// head is id 0, its tail id 1 iff the endpoint differs (else it
	// reuses 0), and so on across chains, deduping shared endpoints.
	ids := map[cluster.Endpoint]int32{}
	var brokers []wire.BrokerMetadata
	idFor := func(ep cluster.Endpoint) int32 {
		if id, ok := ids[ep]; ok {
			return id
		}
		id := int32(len(brokers))
		ids[ep] = id
		brokers = append(brokers, wire.BrokerMetadata{NodeID: id, Host: ep.Host, Port: int32(ep.Port)})
		return id
	}

	var resp wire.MetadataResponse
	for _, topic := range topics {
		if _, ok := h.Registry.GetChain(topic); !ok { // omitted: load-bearing for existence probes
			continue
		}
		entry, ok := h.Chains.ChainFor(topic)
		if !ok {
			continue
		}
		headID := idFor(entry.Head())
		tailID := headID
		if entry.Tail() != entry.Head() {
			tailID = idFor(entry.Tail())
		}

		count := h.Registry.PartitionCount(topic)
		tm := wire.TopicMetadata{Topic: topic, Partitions: make([]wire.PartitionMetadata, count)}
		for p := int32(0); p < count; p++ {
			tm.Partitions[p] = wire.PartitionMetadata{Partition: p, HeadID: headID, TailID: tailID}
		}
		resp.Topics = append(resp.Topics, tm)
	}
	resp.Brokers = brokers

	return wire.EncodeMetadataResponse(nil, resp), nil
}

func (h *RequestHandler) handleTopics(_ wire.Role, _ []byte) ([]byte, error) {
	var resp wire.TopicsResponse
	for _, t := range h.Registry.List() {
		resp.Topics = append(resp.Topics, wire.TopicPartitionCount{Topic: t.Topic, Partitions: t.PartitionCount})
	}
	return wire.EncodeTopicsResponse(nil, resp), nil
}

func (h *RequestHandler) handleEnsure(_ wire.Role, body []byte) ([]byte, error) {
	req, err := wire.DecodeEnsureRequest(body)
	if err != nil {
		return nil, err
	}
	if err := h.Registry.Ensure(req.Topic, req.Partitions); err != nil {
		level.Error(h.Logger).Log("msg", "ensure topic failed", "topic", req.Topic, "err", err)
		return wire.EncodeEnsureResponse(nil, wire.EnsureResponse{ErrorCode: wire.UnknownError}), nil
	}
	return wire.EncodeEnsureResponse(nil, wire.EnsureResponse{ErrorCode: wire.NoError}), nil
}

func (h *RequestHandler) handleDeleteTopic(_ wire.Role, body []byte) ([]byte, error) {
	req, err := wire.DecodeDeleteTopicRequest(body)
	if err != nil {
		return nil, err
	}

	count := h.Registry.PartitionCount(req.Topic)
	if err := h.Registry.Delete(req.Topic); err != nil && !errors.Is(err, registry.ErrUnknownTopic) {
		level.Error(h.Logger).Log("msg", "delete topic failed", "topic", req.Topic, "err", err)
		return wire.EncodeDeleteTopicResponse(nil, wire.DeleteTopicResponse{ErrorCode: wire.UnknownError}), nil
	}

	if err := h.propagateDelete(req.Topic, count); err != nil {
		return wire.EncodeDeleteTopicResponse(nil, wire.DeleteTopicResponse{ErrorCode: wire.TimeoutError}), nil
	}
	return wire.EncodeDeleteTopicResponse(nil, wire.DeleteTopicResponse{ErrorCode: wire.NoError}), nil
}

// propagateDelete drives replicate_delete_topic down the chain for each
// of the topic's partitions, so the delete is durable at every replica
// before the client's reply unwinds, mirroring the produce path's
// tail-ack rule. A node with no next hop (tail or solo, or a topic no
// chain covers) propagates nothing.
func (h *RequestHandler) propagateDelete(topic string, partitionCount int32) error {
	next, hasNext, err := h.nextHopFor(topic)
	if err != nil || !hasNext {
		return nil
	}
	for p := int32(0); p < partitionCount; p++ {
		if err := next.ReplicateDeleteTopic(topic, p); err != nil {
			level.Warn(h.Logger).Log("msg", "delete propagation failed", "topic", topic, "partition", p, "err", err)
			return err
		}
	}
	return nil
}

func (h *RequestHandler) handleReplicateDeleteTopic(_ wire.Role, body []byte) ([]byte, error) {
	req, err := wire.DecodeReplicateDeleteTopicRequest(body)
	if err != nil {
		return nil, err
	}
	if err := h.Registry.DeletePartition(req.Topic, req.Partition); err != nil && !errors.Is(err, registry.ErrUnknownTopic) {
		return wire.EncodeReplicateDeleteTopicResponse(nil, wire.ReplicateDeleteTopicResponse{ErrorCode: wire.UnknownError}), nil
	}

	next, hasNext, err := h.nextHopFor(req.Topic)
	if err == nil && hasNext {
		if err := next.ReplicateDeleteTopic(req.Topic, req.Partition); err != nil {
			return wire.EncodeReplicateDeleteTopicResponse(nil, wire.ReplicateDeleteTopicResponse{ErrorCode: wire.TimeoutError}), nil
		}
	}
	return wire.EncodeReplicateDeleteTopicResponse(nil, wire.ReplicateDeleteTopicResponse{ErrorCode: wire.NoError}), nil
}
