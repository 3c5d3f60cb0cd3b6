// Package chain implements the chain client (component E): a
// persistent connection from a head or middle node to its next hop,
// issuing replicate requests and handling the write-repair convergence
// loop described in SPEC_FULL.md §4.2.
package chain

import (
	"bufio"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/vonnegut/vonnegut/internal/metrics"
	"github.com/vonnegut/vonnegut/internal/wire"
)

const (
	minBackoff = 50 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Client holds one long-lived connection to a chain's next hop.
// Concurrent callers share the connection; only one Replicate call is
// in flight at a time (replies on a TCP connection are strict FIFO, so
// a second caller arriving mid-round-trip would otherwise read the
// first caller's reply). Reconnection after a failure is deduplicated
// across concurrent callers with a singleflight.Group, modeled on
// friggdb/pool's bounded-concurrent-work shape but applied here to
// "at most one dial in flight" rather than "at most N jobs in flight."
type Client struct {
	addr     string
	dialer   net.Dialer
	timeout  time.Duration
	logger   log.Logger
	clientID string

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader

	dialGroup singleflight.Group

	correlationID int32
}

// New builds a chain client to addr. clientID is a process-unique
// identifier sent on every replicate request's envelope (distinct per
// forwarder instance, not per call), so a tail inspecting its inbound
// connections can tell which upstream hop a given replicate stream
// came from without relying on the ephemeral TCP source port.
func New(addr string, timeout time.Duration, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		addr:     addr,
		timeout:  timeout,
		logger:   log.With(logger, "next_hop", addr),
		clientID: "vonnegut-chain-" + uuid.NewString(),
	}
}

// connectLocked returns the current connection, dialing a new one
// (deduped across concurrent callers via singleflight) if none is
// live. Callers must hold c.mu; it is released across the dial and
// re-acquired before returning, since the dial itself must not block
// other goroutines discovering the connection is already back up.
func (c *Client) connectLocked() (net.Conn, *bufio.Reader, error) {
	if c.conn != nil {
		return c.conn, c.r, nil
	}

	c.mu.Unlock()
	v, err, _ := c.dialGroup.Do("dial", func() (interface{}, error) {
		return dialWithBackoff(c.addr, c.timeout)
	})
	c.mu.Lock()

	if err != nil {
		return nil, nil, err
	}
	conn := v.(net.Conn)
	if c.conn == nil {
		c.conn = conn
		c.r = bufio.NewReaderSize(conn, 64*1024)
	} else {
		conn.Close() // lost the race against another caller's successful dial
	}
	return c.conn, c.r, nil
}

func dialWithBackoff(addr string, timeout time.Duration) (net.Conn, error) {
	backoff := minBackoff
	deadline := time.Now().Add(timeout)
	var lastErr error
	for attempt := 0; time.Now().Before(deadline); attempt++ {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		}
		lastErr = err
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff/2 + jitter/2)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, errors.Wrapf(lastErr, "chain: dial %s", addr)
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.r = nil
	}
}

// roundTrip sends one framed request to the next hop and returns the
// response body, reconnecting first if the connection was previously
// torn down. A write error, read error, or timeout tears the
// connection down (so the next call redials) and surfaces as
// wire.TimeoutError, the chain failure mapping from SPEC_FULL.md §4.2.
func (c *Client) roundTrip(apiKey wire.APIKey, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, r, err := c.connectLocked()
	if err != nil {
		return nil, wire.TimeoutError
	}

	c.correlationID++
	header := wire.RequestHeader{
		APIKey:        apiKey,
		APIVersion:    0,
		CorrelationID: c.correlationID,
		ClientID:      c.clientID,
	}
	frame := wire.EncodeRequestHeader(nil, header)
	frame = append(frame, body...)

	if c.timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := wire.WriteFrame(conn, frame); err != nil {
		level.Warn(c.logger).Log("msg", "chain write failed, tearing down connection", "op", apiKey.String(), "err", err)
		c.closeLocked()
		return nil, wire.TimeoutError
	}

	respFrame, err := wire.ReadFrame(r)
	if err != nil {
		level.Warn(c.logger).Log("msg", "chain read failed, tearing down connection", "op", apiKey.String(), "err", err)
		c.closeLocked()
		return nil, wire.TimeoutError
	}

	_, rest, err := wire.DecodeResponseHeader(respFrame)
	if err != nil {
		c.closeLocked()
		return nil, errors.Wrap(err, "chain: decode response header")
	}
	return rest, nil
}

// Replicate sends one replicate request to the next hop and waits for
// its response.
func (c *Client) Replicate(req wire.ReplicateRequest) (wire.ReplicateResponse, error) {
	start := time.Now()
	defer func() { metrics.ReplicateLatency.WithLabelValues(c.addr).Observe(time.Since(start).Seconds()) }()

	rest, err := c.roundTrip(wire.Replicate, wire.EncodeReplicateRequest(nil, req))
	if err != nil {
		return wire.ReplicateResponse{}, err
	}
	resp, err := wire.DecodeReplicateResponse(rest)
	if err != nil {
		c.Close()
		return wire.ReplicateResponse{}, errors.Wrap(err, "chain: decode replicate response body")
	}
	return resp, nil
}

// ReplicateDeleteTopic propagates one partition's delete down the chain
// so every replica removes its copy before the client's delete_topic
// reply unwinds.
func (c *Client) ReplicateDeleteTopic(topic string, partition int32) error {
	body := wire.EncodeReplicateDeleteTopicRequest(nil, wire.ReplicateDeleteTopicRequest{Topic: topic, Partition: partition})
	rest, err := c.roundTrip(wire.ReplicateDeleteTopic, body)
	if err != nil {
		return err
	}
	resp, err := wire.DecodeReplicateDeleteTopicResponse(rest)
	if err != nil {
		c.Close()
		return errors.Wrap(err, "chain: decode replicate_delete_topic response")
	}
	if resp.ErrorCode != wire.NoError {
		return resp.ErrorCode
	}
	return nil
}

// Close tears down the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
