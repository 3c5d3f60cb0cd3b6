package chain

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vonnegut/vonnegut/internal/wire"
)

// serveOneReplicate accepts a single connection on ln and replies to
// every replicate request it receives with respond(req), until the
// listener is closed.
func serveOneReplicate(t *testing.T, ln net.Listener, respond func(wire.ReplicateRequest) wire.ReplicateResponse) {
	t.Helper()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		for {
			frame, err := wire.ReadFrame(nc)
			if err != nil {
				return
			}
			header, body, err := wire.DecodeRequestHeader(frame)
			require.NoError(t, err)
			require.Equal(t, wire.Replicate, header.APIKey)

			req, err := wire.DecodeReplicateRequest(body)
			require.NoError(t, err)

			resp := respond(req)
			respHeader := wire.EncodeResponseHeader(nil, wire.ResponseHeader{CorrelationID: header.CorrelationID})
			respBody := wire.EncodeReplicateResponse(nil, resp)
			require.NoError(t, wire.WriteFrame(nc, append(respHeader, respBody...)))
		}
	}()
}

func TestClientReplicateRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serveOneReplicate(t, ln, func(req wire.ReplicateRequest) wire.ReplicateResponse {
		return wire.ReplicateResponse{Partition: req.Partition, ErrorCode: wire.NoError, OffsetOfLast: req.ExpectedStartOffset + int64(len(req.Batch.Records)) - 1}
	})

	c := New(ln.Addr().String(), time.Second, nil)
	defer c.Close()

	batch := wire.RecordBatch{Records: []wire.Record{{Offset: 100, Value: []byte("a")}, {Offset: 101, Value: []byte("b")}}}
	resp, err := c.Replicate(wire.ReplicateRequest{Topic: "orders", Partition: 0, ExpectedStartOffset: 100, Batch: batch})
	require.NoError(t, err)
	require.Equal(t, wire.NoError, resp.ErrorCode)
	require.Equal(t, int64(101), resp.OffsetOfLast)
}

func TestForwardConvergesOnWriteRepair(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var calls int
	serveOneReplicate(t, ln, func(req wire.ReplicateRequest) wire.ReplicateResponse {
		calls++
		if calls == 1 {
			// Downstream already has offsets [100, 104]; it is ahead of the
			// upstream's assumption and reports its own tail as a repair.
			repair := wire.RecordBatch{Records: []wire.Record{
				{Offset: 100, Value: []byte("r0")},
				{Offset: 101, Value: []byte("r1")},
				{Offset: 102, Value: []byte("r2")},
				{Offset: 103, Value: []byte("r3")},
				{Offset: 104, Value: []byte("r4")},
			}}
			return wire.ReplicateResponse{Partition: req.Partition, ErrorCode: wire.WriteRepair, OffsetOfLast: -1, Repair: repair}
		}
		last := req.Batch.Records[len(req.Batch.Records)-1].Offset
		return wire.ReplicateResponse{Partition: req.Partition, ErrorCode: wire.NoError, OffsetOfLast: last}
	})

	c := New(ln.Addr().String(), time.Second, nil)
	defer c.Close()

	batch := wire.RecordBatch{Records: []wire.Record{
		{Offset: 100, Value: []byte("a")},
		{Offset: 101, Value: []byte("b")},
		{Offset: 102, Value: []byte("c")},
		{Offset: 103, Value: []byte("d")},
		{Offset: 104, Value: []byte("e")},
		{Offset: 105, Value: []byte("f")},
	}}

	last, err := c.Forward("orders", 0, 100, batch)
	require.NoError(t, err)
	require.Equal(t, int64(105), last)
	require.Equal(t, 2, calls, "the second call must carry only the unrepaired suffix")
}

func TestReplicateSurfacesTimeoutOnDialFailure(t *testing.T) {
	c := New("127.0.0.1:1", 100*time.Millisecond, nil)
	defer c.Close()

	_, err := c.Replicate(wire.ReplicateRequest{Topic: "orders", Partition: 0})
	require.Equal(t, wire.TimeoutError, err)
}
