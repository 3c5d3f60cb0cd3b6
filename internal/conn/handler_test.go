package conn

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vonnegut/vonnegut/internal/cluster"
	vlog "github.com/vonnegut/vonnegut/internal/log"
	"github.com/vonnegut/vonnegut/internal/registry"
	"github.com/vonnegut/vonnegut/internal/wire"
)

// newSoloTestServer wires a RequestHandler over a fresh registry and
// serves it on a loopback listener tagged with the solo role, mirroring
// how cmd/vonnegut wires the real process. It returns a connected client
// socket and a cleanup func.
func newSoloTestServer(t *testing.T) (net.Conn, func()) {
	t.Helper()

	dir := t.TempDir()
	self := cluster.Endpoint{Host: "127.0.0.1", Port: 1}
	chains := cluster.NewChainMap([]cluster.ChainEntry{{
		Name: "solo", Replicas: []cluster.Endpoint{self},
		TopicsStartOpen: true, TopicsEndOpen: true,
	}})
	nodes := cluster.NewNodeAssignment(chains)

	reg := registry.New([]string{dir}, vlog.Config{SegmentBytes: 1 << 20, IndexIntervalBytes: 1 << 20}, nodes, nil)

	handler, err := NewRequestHandler(reg, chains, self, time.Second, 8, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &Server{Listener: ln, Role: wire.RoleSolo, Handler: handler}
	go server.Serve()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	return client, func() {
		client.Close()
		ln.Close()
		reg.Close()
	}
}

func sendRequest(t *testing.T, conn net.Conn, apiKey wire.APIKey, corrID int32, body []byte) []byte {
	t.Helper()
	header := wire.EncodeRequestHeader(nil, wire.RequestHeader{APIKey: apiKey, CorrelationID: corrID, ClientID: "test"})
	frame := append(header, body...)
	require.NoError(t, wire.WriteFrame(conn, frame))

	respFrame, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	respHeader, rest, err := wire.DecodeResponseHeader(respFrame)
	require.NoError(t, err)
	require.Equal(t, corrID, respHeader.CorrelationID)
	return rest
}

func TestSoloProduceThenFetchRoundTrip(t *testing.T) {
	conn, cleanup := newSoloTestServer(t)
	defer cleanup()

	ensureBody := wire.EncodeEnsureRequest(nil, wire.EnsureRequest{Topic: "orders", Partitions: 1})
	rest := sendRequest(t, conn, wire.Ensure, 1, ensureBody)
	ensureResp, err := wire.DecodeEnsureResponse(rest)
	require.NoError(t, err)
	require.Equal(t, wire.NoError, ensureResp.ErrorCode)

	produceBody := wire.EncodeProduceRequest(nil, wire.ProduceRequest{Topics: []wire.ProduceTopic{{
		Topic: "orders",
		Partitions: []wire.ProducePartition{{
			Partition: 0,
			Batch:     wire.RecordBatch{Records: []wire.Record{{Value: []byte("from each according to his ability, to each according to his needs")}}},
		}},
	}}})
	rest = sendRequest(t, conn, wire.Produce, 2, produceBody)
	produceResp, err := wire.DecodeProduceResponse(rest)
	require.NoError(t, err)
	require.Len(t, produceResp.Topics, 1)
	require.Len(t, produceResp.Topics[0].Partitions, 1)
	partResp := produceResp.Topics[0].Partitions[0]
	require.Equal(t, wire.NoError, partResp.ErrorCode)
	require.Equal(t, int64(0), partResp.Offset)

	fetchBody := wire.EncodeFetchRequest(nil, wire.FetchRequest{Topics: []wire.FetchTopic{{
		Topic:      "orders",
		Partitions: []wire.FetchPartition{{Partition: 0, Offset: 0, MaxBytes: 1 << 20}},
	}}})
	rest = sendRequest(t, conn, wire.Fetch, 3, fetchBody)
	fetchResp, err := wire.DecodeFetchResponse(rest)
	require.NoError(t, err)
	require.Len(t, fetchResp.Topics, 1)
	fp := fetchResp.Topics[0].Partitions[0]
	require.Equal(t, wire.NoError, fp.ErrorCode)
	require.Equal(t, int64(0), fp.HighWaterMark)

	batch, err := wire.DecodeRecordBatch(fp.Inline)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "from each according to his ability, to each according to his needs", string(batch.Records[0].Value))
}

func TestFetchDisallowedOnHeadRole(t *testing.T) {
	dir := t.TempDir()
	self := cluster.Endpoint{Host: "127.0.0.1", Port: 1}
	chains := cluster.NewChainMap([]cluster.ChainEntry{{
		Name: "c", Replicas: []cluster.Endpoint{self, {Host: "x", Port: 2}},
		TopicsStartOpen: true, TopicsEndOpen: true,
	}})
	nodes := cluster.NewNodeAssignment(chains)
	reg := registry.New([]string{dir}, vlog.Config{SegmentBytes: 1 << 20, IndexIntervalBytes: 1 << 20}, nodes, nil)
	handler, err := NewRequestHandler(reg, chains, self, time.Second, 8, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	server := &Server{Listener: ln, Role: wire.RoleHead, Handler: handler}
	go server.Serve()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	fetchBody := wire.EncodeFetchRequest(nil, wire.FetchRequest{Topics: []wire.FetchTopic{{
		Topic:      "orders",
		Partitions: []wire.FetchPartition{{Partition: 0, Offset: 0, MaxBytes: 1 << 20}},
	}}})
	rest := sendRequest(t, client, wire.Fetch, 9, fetchBody)
	fetchResp, err := wire.DecodeFetchResponse(rest)
	require.NoError(t, err)
	require.Equal(t, wire.FetchDisallowed, fetchResp.Topics[0].Partitions[0].ErrorCode)
}

func TestProduceDisallowedOnTailRole(t *testing.T) {
	dir := t.TempDir()
	self := cluster.Endpoint{Host: "127.0.0.1", Port: 2}
	chains := cluster.NewChainMap([]cluster.ChainEntry{{
		Name: "c", Replicas: []cluster.Endpoint{{Host: "x", Port: 1}, self},
		TopicsStartOpen: true, TopicsEndOpen: true,
	}})
	nodes := cluster.NewNodeAssignment(chains)
	reg := registry.New([]string{dir}, vlog.Config{SegmentBytes: 1 << 20, IndexIntervalBytes: 1 << 20}, nodes, nil)
	require.NoError(t, reg.Ensure("orders", 1))
	handler, err := NewRequestHandler(reg, chains, self, time.Second, 8, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	server := &Server{Listener: ln, Role: wire.RoleTail, Handler: handler}
	go server.Serve()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	produceBody := wire.EncodeProduceRequest(nil, wire.ProduceRequest{Topics: []wire.ProduceTopic{{
		Topic:      "orders",
		Partitions: []wire.ProducePartition{{Partition: 0, Batch: wire.RecordBatch{Records: []wire.Record{{Value: []byte("x")}}}}},
	}}})
	rest := sendRequest(t, client, wire.Produce, 4, produceBody)
	produceResp, err := wire.DecodeProduceResponse(rest)
	require.NoError(t, err)
	require.Equal(t, wire.ProduceDisallowed, produceResp.Topics[0].Partitions[0].ErrorCode)
	require.Equal(t, int64(-1), produceResp.Topics[0].Partitions[0].Offset)
}

func TestFetch2HonorsRecordLimit(t *testing.T) {
	conn, cleanup := newSoloTestServer(t)
	defer cleanup()

	ensureBody := wire.EncodeEnsureRequest(nil, wire.EnsureRequest{Topic: "orders", Partitions: 1})
	sendRequest(t, conn, wire.Ensure, 1, ensureBody)

	records := make([]wire.Record, 20)
	for i := range records {
		records[i] = wire.Record{Value: []byte("payload")}
	}
	produceBody := wire.EncodeProduceRequest(nil, wire.ProduceRequest{Topics: []wire.ProduceTopic{{
		Topic:      "orders",
		Partitions: []wire.ProducePartition{{Partition: 0, Batch: wire.RecordBatch{Records: records}}},
	}}})
	sendRequest(t, conn, wire.Produce, 2, produceBody)

	fetchBody := wire.EncodeFetch2Request(nil, wire.Fetch2Request{Topics: []wire.Fetch2Topic{{
		Topic:      "orders",
		Partitions: []wire.Fetch2Partition{{Partition: 0, Offset: 0, MaxBytes: 1 << 20, Limit: 10}},
	}}})
	rest := sendRequest(t, conn, wire.Fetch2, 3, fetchBody)
	fetchResp, err := wire.DecodeFetchResponse(rest)
	require.NoError(t, err)
	fp := fetchResp.Topics[0].Partitions[0]
	require.Equal(t, wire.NoError, fp.ErrorCode)
	require.Equal(t, int64(19), fp.HighWaterMark)

	batch, err := wire.DecodeRecordBatch(fp.Inline)
	require.NoError(t, err)
	require.Len(t, batch.Records, 10)
	require.Equal(t, int64(0), batch.Records[0].Offset)
	require.Equal(t, int64(9), batch.Records[9].Offset)
}

func TestTopicsEnumeratesEveryTopicSorted(t *testing.T) {
	conn, cleanup := newSoloTestServer(t)
	defer cleanup()

	sendRequest(t, conn, wire.Ensure, 1, wire.EncodeEnsureRequest(nil, wire.EnsureRequest{Topic: "zebra", Partitions: 1}))
	sendRequest(t, conn, wire.Ensure, 2, wire.EncodeEnsureRequest(nil, wire.EnsureRequest{Topic: "apple", Partitions: 2}))

	rest := sendRequest(t, conn, wire.Topics, 3, wire.EncodeTopicsRequest(nil, wire.TopicsRequest{}))
	resp, err := wire.DecodeTopicsResponse(rest)
	require.NoError(t, err)
	require.Len(t, resp.Topics, 2)
	require.Equal(t, "apple", resp.Topics[0].Topic)
	require.Equal(t, int32(2), resp.Topics[0].Partitions)
	require.Equal(t, "zebra", resp.Topics[1].Topic)
	require.Equal(t, int32(1), resp.Topics[1].Partitions)
}

func TestReplicateDisallowedOnSoloRole(t *testing.T) {
	conn, cleanup := newSoloTestServer(t)
	defer cleanup()

	body := wire.EncodeReplicateRequest(nil, wire.ReplicateRequest{
		Topic: "orders", Partition: 0, ExpectedStartOffset: 0,
		Batch: wire.RecordBatch{Records: []wire.Record{{Offset: 0, Value: []byte("x")}}},
	})
	rest := sendRequest(t, conn, wire.Replicate, 5, body)
	resp, err := wire.DecodeReplicateResponse(rest)
	require.NoError(t, err)
	require.Equal(t, wire.ReplicateDisallowed, resp.ErrorCode)
	require.Equal(t, int64(-1), resp.OffsetOfLast)
}

func TestUndefinedRoleClosesOnFirstBytes(t *testing.T) {
	dir := t.TempDir()
	self := cluster.Endpoint{Host: "127.0.0.1", Port: 1}
	chains := cluster.NewChainMap(nil)
	nodes := cluster.NewNodeAssignment(chains)
	reg := registry.New([]string{dir}, vlog.Config{SegmentBytes: 1 << 20, IndexIntervalBytes: 1 << 20}, nodes, nil)
	handler, err := NewRequestHandler(reg, chains, self, time.Second, 8, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	server := &Server{Listener: ln, Role: wire.RoleUndefined, Handler: handler}
	go server.Serve()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	body := wire.EncodeTopicsRequest(nil, wire.TopicsRequest{})
	header := wire.EncodeRequestHeader(nil, wire.RequestHeader{APIKey: wire.Topics, CorrelationID: 1, ClientID: "test"})
	require.NoError(t, wire.WriteFrame(client, append(header, body...)))

	_, err = wire.ReadFrame(client)
	require.Error(t, err, "a connection with no assigned role must close instead of replying")
}

// chainTestNode is one running replica in a two-hop test chain.
type chainTestNode struct {
	reg *registry.Registry
	ln  net.Listener
}

func endpointOf(t *testing.T, ln net.Listener) cluster.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return cluster.Endpoint{Host: host, Port: port}
}

// startChainPair builds a middle and a tail replica sharing one chain
// map (with an unreachable head, which these tests never dial) and
// starts both servers. It exercises the full middle -> tail replication
// hop over real sockets.
func startChainPair(t *testing.T) (middle, tail chainTestNode, cleanup func()) {
	t.Helper()

	lnMiddle, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lnTail, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	head := cluster.Endpoint{Host: "unreachable-head", Port: 1}
	epMiddle := endpointOf(t, lnMiddle)
	epTail := endpointOf(t, lnTail)

	chains := cluster.NewChainMap([]cluster.ChainEntry{{
		Name: "c", Replicas: []cluster.Endpoint{head, epMiddle, epTail},
		TopicsStartOpen: true, TopicsEndOpen: true,
	}})
	nodes := cluster.NewNodeAssignment(chains)
	cfg := vlog.Config{SegmentBytes: 1 << 20, IndexIntervalBytes: 1 << 20}

	regMiddle := registry.New([]string{t.TempDir()}, cfg, nodes, nil)
	regTail := registry.New([]string{t.TempDir()}, cfg, nodes, nil)
	require.NoError(t, regMiddle.Ensure("orders", 1))
	require.NoError(t, regTail.Ensure("orders", 1))

	hMiddle, err := NewRequestHandler(regMiddle, chains, epMiddle, time.Second, 8, nil)
	require.NoError(t, err)
	hTail, err := NewRequestHandler(regTail, chains, epTail, time.Second, 8, nil)
	require.NoError(t, err)

	go (&Server{Listener: lnMiddle, Role: wire.RoleMiddle, Handler: hMiddle}).Serve()
	go (&Server{Listener: lnTail, Role: wire.RoleTail, Handler: hTail}).Serve()

	middle = chainTestNode{reg: regMiddle, ln: lnMiddle}
	tail = chainTestNode{reg: regTail, ln: lnTail}
	return middle, tail, func() {
		lnMiddle.Close()
		lnTail.Close()
		regMiddle.Close()
		regTail.Close()
	}
}

func TestMiddleServesReplicateAndForwardsToTail(t *testing.T) {
	middle, tail, cleanup := startChainPair(t)
	defer cleanup()

	client, err := net.Dial("tcp", middle.ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	body := wire.EncodeReplicateRequest(nil, wire.ReplicateRequest{
		Topic: "orders", Partition: 0, ExpectedStartOffset: 0,
		Batch: wire.RecordBatch{Records: []wire.Record{
			{Offset: 0, Value: []byte("a")},
			{Offset: 1, Value: []byte("b")},
			{Offset: 2, Value: []byte("c")},
		}},
	})
	rest := sendRequest(t, client, wire.Replicate, 1, body)
	resp, err := wire.DecodeReplicateResponse(rest)
	require.NoError(t, err)
	require.Equal(t, wire.NoError, resp.ErrorCode)
	require.Equal(t, int64(2), resp.OffsetOfLast)

	// The reply only unwinds after the tail has appended, so both
	// replicas must be durable at offset 2 by now.
	pm, ok := middle.reg.Get("orders", 0)
	require.True(t, ok)
	require.Equal(t, int64(2), pm.HighWaterMark())
	pt, ok := tail.reg.Get("orders", 0)
	require.True(t, ok)
	require.Equal(t, int64(2), pt.HighWaterMark())
}

func TestDeleteTopicPropagatesDownChain(t *testing.T) {
	middle, tail, cleanup := startChainPair(t)
	defer cleanup()

	client, err := net.Dial("tcp", middle.ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	body := wire.EncodeDeleteTopicRequest(nil, wire.DeleteTopicRequest{Topic: "orders"})
	rest := sendRequest(t, client, wire.DeleteTopic, 1, body)
	resp, err := wire.DecodeDeleteTopicResponse(rest)
	require.NoError(t, err)
	require.Equal(t, wire.NoError, resp.ErrorCode)

	_, ok := middle.reg.Get("orders", 0)
	require.False(t, ok)
	_, ok = tail.reg.Get("orders", 0)
	require.False(t, ok, "the tail must have removed its copy before the delete reply unwound")
}

func TestMetadataOmitsUnknownTopics(t *testing.T) {
	conn, cleanup := newSoloTestServer(t)
	defer cleanup()

	ensureBody := wire.EncodeEnsureRequest(nil, wire.EnsureRequest{Topic: "exists", Partitions: 1})
	sendRequest(t, conn, wire.Ensure, 1, ensureBody)

	metaBody := wire.EncodeMetadataRequest(nil, wire.MetadataRequest{Topics: []string{"exists", "missing"}})
	rest := sendRequest(t, conn, wire.Metadata, 2, metaBody)
	metaResp, err := wire.DecodeMetadataResponse(rest)
	require.NoError(t, err)
	require.Len(t, metaResp.Topics, 1)
	require.Equal(t, "exists", metaResp.Topics[0].Topic)
}
