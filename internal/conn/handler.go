// Package conn implements the connection handler (component F): the
// per-accepted-socket state machine that frames incoming bytes,
// dispatches each request by (opcode, role), and replies — using a
// zero-copy file-to-socket transfer for fetch responses where the
// platform supports it and a pread+write fallback otherwise, grounded
// in the pack's Kafka-clone zero-copy fetch handler.
package conn

import (
	"context"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/vonnegut/vonnegut/internal/wire"
)

// Listen opens a TCP listener on addr with the socket options
// SPEC_FULL.md §6 requires (SO_REUSEADDR at the listener; NODELAY and a
// 64 KiB receive buffer are set per accepted connection in New).
func Listen(addr string) (net.Listener, error) {
	lc := listenConfig()
	return lc.Listen(context.Background(), "tcp", addr)
}

// initialReadBufferBytes matches the 64 KiB TCP receive buffer default
// from SPEC_FULL.md §6. Each socket read fills this fixed-size buffer;
// the bytes of an incomplete frame are retained by the FrameSplitter,
// whose own buffer grows as needed, and the connection is closed once
// it holds more than MaxFrameBytes.
const initialReadBufferBytes = 64 * 1024

// Handler resolves a decoded request into a response. Dispatch is
// implemented in dispatch.go; this file owns the connection state
// machine described in SPEC_FULL.md §4.5.
type Handler interface {
	Handle(role wire.Role, apiKey wire.APIKey, body []byte) (respBody []byte, err error)

	// HandleFetch is split out from Handle because both fetch and
	// fetch2 stream their response via FetchResponseWriter (scatter/gather
	// plus zero-copy file ranges) instead of returning a single encoded
	// buffer — the whole point of the zero-copy path. apiKey tells it
	// which of the two (structurally near-identical) request shapes to
	// decode.
	HandleFetch(role wire.Role, apiKey wire.APIKey, correlationID int32, conn *Conn, body []byte) error
}

// Conn is one accepted socket's state: role is fixed at accept time by
// the listener that produced it (role assignment is an external,
// out-of-scope concern per SPEC_FULL.md §1 — the listener that accepted
// this socket already knows which role it serves), nothing mutates it
// over the connection's lifetime except the read buffer.
type Conn struct {
	nc     net.Conn
	role   wire.Role
	logger log.Logger

	splitter wire.FrameSplitter
	readBuf  []byte
}

// New wraps an accepted net.Conn with its fixed role.
func New(nc net.Conn, role wire.Role, logger log.Logger) *Conn {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetReadBuffer(initialReadBufferBytes)
	}
	return &Conn{
		nc:      nc,
		role:    role,
		logger:  log.With(logger, "remote", nc.RemoteAddr(), "role", role),
		readBuf: make([]byte, initialReadBufferBytes),
	}
}

// RawConn exposes the underlying socket for the fetch zero-copy path.
func (c *Conn) RawConn() net.Conn { return c.nc }

// Serve runs the connection's read-dispatch-reply loop until the peer
// closes, an I/O error occurs, or a protocol error forces a close. It
// implements the Unassigned/Ready/Ready'/Closed state machine from
// SPEC_FULL.md §4.5: a connection whose listener tagged it with a real
// role starts in Ready, and every iteration is a Ready -> Ready'
// transition that dispatches every complete frame currently buffered
// before blocking on the next read. A connection still in the
// Unassigned (undefined-role) state closes on the first bytes it
// receives. Which opcodes a role may issue is the dispatcher's concern;
// a middle-role connection, for example, serves replicate and the
// metadata family but answers produce/fetch with their role-gate error
// codes.
func (c *Conn) Serve(h Handler) {
	defer c.nc.Close()

	for {
		n, err := c.nc.Read(c.readBuf)
		if err != nil {
			if !isClosedOrEOF(err) {
				level.Debug(c.logger).Log("msg", "connection read error", "err", err)
			}
			return
		}
		if c.role == wire.RoleUndefined {
			// Unassigned -> (any bytes) -> Closed: data before role
			// assignment is a protocol error.
			level.Warn(c.logger).Log("msg", "received data on a connection with no assigned role")
			return
		}
		c.splitter.Feed(c.readBuf[:n])

		for {
			frame, ok, err := c.splitter.Next()
			if err != nil {
				level.Warn(c.logger).Log("msg", "malformed frame, closing connection", "err", err)
				return
			}
			if !ok {
				break
			}
			if err := c.dispatch(h, frame); err != nil {
				level.Warn(c.logger).Log("msg", "dispatch error, closing connection", "err", err)
				return
			}
		}

		if c.splitter.Buffered() > wire.MaxFrameBytes {
			level.Warn(c.logger).Log("msg", "buffered bytes exceed max frame size, closing connection")
			return
		}
	}
}

func (c *Conn) dispatch(h Handler, frame []byte) error {
	header, body, err := wire.DecodeRequestHeader(frame)
	if err != nil {
		return err
	}

	if header.APIKey == wire.Fetch || header.APIKey == wire.Fetch2 {
		return h.HandleFetch(c.role, header.APIKey, header.CorrelationID, c, body)
	}

	respBody, err := h.Handle(c.role, header.APIKey, body)
	if err != nil {
		return err
	}

	respHeader := wire.EncodeResponseHeader(nil, wire.ResponseHeader{CorrelationID: header.CorrelationID})
	return wire.WriteFrame(c.nc, append(respHeader, respBody...))
}

func isClosedOrEOF(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}

// Server accepts connections on one listener and serves each with a
// fixed role, per SPEC_FULL.md §1's boundary: role tagging of accepted
// sockets is supplied externally. AcceptorPoolSize bounds the number of
// connections served concurrently (SPEC_FULL.md §5's back-pressure
// model): once the pool is full, newly accepted sockets are closed
// immediately rather than queued, so a slow or stuck connection can't
// let an unbounded number of others pile up behind it.
type Server struct {
	Listener net.Listener
	Role     wire.Role
	Handler  Handler
	Logger   log.Logger

	AcceptorPoolSize int
}

// Serve runs the accept loop until the listener is closed.
func (s *Server) Serve() error {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var pool chan struct{}
	if s.AcceptorPoolSize > 0 {
		pool = make(chan struct{}, s.AcceptorPoolSize)
	}

	for {
		nc, err := s.Listener.Accept()
		if err != nil {
			return err
		}

		if pool != nil {
			select {
			case pool <- struct{}{}:
			default:
				level.Warn(logger).Log("msg", "acceptor pool exhausted, refusing connection", "remote", nc.RemoteAddr())
				nc.Close()
				continue
			}
		}

		conn := New(nc, s.Role, logger)
		go func() {
			defer func() {
				if pool != nil {
					<-pool
				}
			}()
			conn.Serve(s.Handler)
		}()
	}
}
