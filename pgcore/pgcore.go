// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package pgcore implements the PGCORE component: a pipelined
// PostgreSQL client that sends queries, harvests results, and receives
// asynchronous LISTEN/NOTIFY notifications without ever blocking the
// thread.
//
// Grounded on original_source/src/pgeff.c's dbconn/query/listen trio —
// the query_waiting/listen_waiting sibling-wake arbitration, the
// per-connection attribute table, the notice processor hook, and the
// result/error table shape all carry over directly. pgeff.c's own
// "query" method is synchronous (one query in, one result out); PGCORE
// layers send_query/send_sync/get_result/get_sync pipelining on top of
// that by speaking the PostgreSQL
// frontend/backend wire protocol itself over a stream.Handle (see
// wire.go) rather than linking libpq, since no cgo-free non-blocking
// libpq binding exists and database/sql's synchronous-per-connection
// driver contract cannot host two interleaved asynchronous streams on
// one socket (see DESIGN.md).
package pgcore

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/loopkit/evcore/errs"
	"github.com/loopkit/evcore/log"
	"github.com/loopkit/evcore/sched"
	"github.com/loopkit/evcore/stream"
)

// connState is PGCORE's connection-wide lifecycle: OPEN runs queries
// normally, BROKEN surfaces
// ConnectionBroken to every subsequent caller, CLOSED rejects everything.
type connState int

const (
	stateOpen connState = iota
	stateBroken
	stateClosed
)

// NoticeProcessor receives a trimmed NOTICE/WARNING message string,
// mirroring pgeff's PQsetNoticeProcessor hook (see SPEC_FULL.md's
// supplemented features).
type NoticeProcessor func(message string)

// DefaultNoticeProcessor is the module-wide notice hook; Conn.NoticeProcessor
// overrides it per-connection, the same module-wide/per-connection
// override shape used for input/output converters.
var DefaultNoticeProcessor NoticeProcessor

// Conn is one pipelined PostgreSQL connection: libpq's role is played by
// a direct, owned wire-protocol session over a non-blocking
// stream.Handle. Two independent cooperative waiters (query and listen)
// are coordinated against the single point that is allowed to read off
// the socket, so the query and listen sides never race on the wire.
type Conn struct {
	mu    sync.Mutex
	state connState

	// ioMu serializes the one point of the connection both the query
	// and listen paths touch: consume_input off the shared socket into
	// the wire buffer, plus parsing already-buffered frames. Exactly
	// one of them holds it at a time: only one consumer of consume_input
	// may be awake at a time. Never held across a suspend.
	ioMu sync.Mutex

	handle *stream.Handle
	sched  *sched.Scheduler
	in     *wireBuf

	backendPID int32
	backendKey int32

	// pending is the FIFO of queries submitted but not yet retrieved by
	// GetResult, one entry per send_query call.
	pending []*pendingQuery
	// abortedUntilSync is set the moment an ErrorResponse is observed
	// for a pipelined query; every pending entry up to the next
	// consumed Sync surfaces PipelineAborted without further I/O,
	// mirroring libpq's own pipeline-abort bookkeeping.
	abortedUntilSync bool
	syncCount        int
	// readyPending counts ReadyForQuery ('Z') frames already read off
	// the wire (by GetResult skipping past them, or by a query-side
	// drain during GetSync) that GetSync has not yet acknowledged.
	readyPending int

	notifications []*Notification
	notifyWaiters []chan struct{}

	querySleeper  *sched.Sleeper
	queryWaker    sched.Waker
	listenSleeper *sched.Sleeper
	listenWaker   sched.Waker
	queryWaiting  bool
	listenWaiting bool

	// Attrs is the per-connection attribute map, free-form
	// user storage addressed the way pgeff's __index/__newindex
	// metamethods expose dbconn fields.
	Attrs map[string]any

	// NoticeProcessor overrides DefaultNoticeProcessor for this
	// connection only.
	NoticeProcessor NoticeProcessor
	// InputConverter overrides DefaultInputConverter for this
	// connection only.
	InputConverter InputConverter
	// OutputConverter overrides DefaultOutputConverter for this
	// connection only.
	OutputConverter OutputConverter
}

// Connect dials address over a non-blocking socket obtained from STREAM
// (network "tcp" with "host:port", port 5432 when omitted, or "unix"
// with a socket path), sends params as the startup parameters, performs
// the startup/auth handshake, and enters pipeline mode. It does not
// parse a libpq conninfo string.
// Grounded on pgeff_connect_cont's PQconnectPoll loop: where the source
// polls libpq's internal state machine on fd_read/fd_write readiness,
// Connect drives its own handshake state machine the same way, over the
// scheduler's Select.
func Connect(sc *sched.Scheduler, network, address string, params map[string]string) (*Conn, error) {
	var handle *stream.Handle
	var err error
	switch network {
	case "tcp":
		host, port, perr := splitHostPort(address)
		if perr != nil {
			return nil, errs.Wrap(errs.ConnectFailed, perr, "connect: bad address")
		}
		handle, err = stream.TCPConnect(host, port)
	case "unix":
		handle, err = stream.LocalConnect(address)
	default:
		return nil, errs.Newf(errs.BadArgument, "connect: unknown network %q", network)
	}
	if err != nil {
		return nil, errs.Wrap(errs.ConnectFailed, err, "connect")
	}
	qs, qw := sched.Notify()
	ls, lw := sched.Notify()
	c := &Conn{
		handle:        handle,
		sched:         sc,
		in:            newWireBuf(),
		querySleeper:  qs,
		queryWaker:    qw,
		listenSleeper: ls,
		listenWaker:   lw,
		Attrs:         make(map[string]any),
	}
	if err := c.handshake(params); err != nil {
		handle.Close() //nolint:errcheck
		return nil, err
	}
	log.Debugf("pgcore: connected fd=%d", handle.FD())
	return c, nil
}

// handshake sends the StartupMessage, answers one authentication
// challenge if requested, and waits for ReadyForQuery, suspending on
// fd readiness exactly as pgeff_connect_cont does on PGRES_POLLING_READING
// / PGRES_POLLING_WRITING.
func (c *Conn) handshake(params map[string]string) error {
	user := params["user"]
	if user == "" {
		user = "postgres"
	}
	if err := c.send(startupMsg(params)); err != nil {
		return errs.Wrap(errs.ConnectFailed, err, "connect: startup")
	}
	for {
		msg, err := c.recvOne()
		if err != nil {
			return errs.Wrap(errs.ConnectFailed, err, "connect: handshake")
		}
		switch msg.tag {
		case tagAuth:
			done, aerr := c.handleAuth(msg, user, params["password"])
			if aerr != nil {
				return errs.Wrap(errs.ConnectFailed, aerr, "connect: auth")
			}
			if done {
				continue
			}
		case tagParameterStatus:
			// discarded: PGCORE does not surface server GUCs.
		case tagBackendKeyData:
			if len(msg.body) >= 8 {
				c.backendPID = int32(beUint32(msg.body[0:4]))
				c.backendKey = int32(beUint32(msg.body[4:8]))
			}
		case tagErrorResponse:
			f := parseErrorFields(msg.body)
			return errs.Newf(errs.ConnectFailed, "%s", f["M"])
		case tagReadyForQuery:
			return nil
		default:
			log.Debugf("pgcore: unexpected handshake message %q", msg.tag)
		}
	}
}

func (c *Conn) handleAuth(msg message, user, password string) (handled bool, err error) {
	if len(msg.body) < 4 {
		return false, errs.New(errs.ConnectFailed, "malformed authentication message")
	}
	switch beUint32(msg.body[0:4]) {
	case 0: // AuthenticationOk
		return false, nil
	case 3: // AuthenticationCleartextPassword
		return true, c.send(passwordMsg(password))
	case 5: // AuthenticationMD5Password
		var salt [4]byte
		copy(salt[:], msg.body[4:8])
		return true, c.send(passwordMsg(md5Password(user, password, salt)))
	default:
		return false, fmt.Errorf("unsupported authentication method %d", beUint32(msg.body[0:4]))
	}
}

// Close deregisters the fd from the scheduler's EventQ before finishing
// the wire session, removing it from the scheduler's internal source map
// before the fd itself is released. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	fd := c.handle.FD()
	if fd >= 0 {
		c.sched.DeregisterFD(fd) //nolint:errcheck
	}
	return c.handle.Close()
}

func (c *Conn) checkOpen() error {
	switch c.state {
	case stateClosed:
		return errs.New(errs.InvalidState, "database handle has been closed")
	case stateBroken:
		return errs.New(errs.ConnectionBroken, "connection broken")
	default:
		return nil
	}
}

// send writes bs through the handle's buffered write path and flushes
// it immediately; a short flush is left for the next I/O round to
// complete, matching send_query's "issues ... a non-blocking flush".
func (c *Conn) send(bs []byte) error {
	if _, err := c.handle.WriteBuffered(bs, 1, len(bs)); err != nil {
		return err
	}
	if _, err := c.handle.Flush(); err != nil {
		return err
	}
	return nil
}

// recvOne blocks the calling goroutine (via the scheduler) until one
// full wire message is available and returns it.
func (c *Conn) recvOne() (message, error) {
	for {
		if msg, ok := c.in.next(); ok {
			return msg, nil
		}
		got, err := c.in.fill(c.handle)
		if err != nil {
			return message{}, err
		}
		if got {
			continue
		}
		if err := c.sched.Select(sched.FDReadTarget(c.handle.FD())); err != nil {
			return message{}, err
		}
	}
}

// splitHostPort parses a "host:port" address, defaulting to PostgreSQL's
// standard port 5432 when none is given, the same default
// github.com/lib/pq's conninfo parser applies.
func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, 5432, nil //nolint:nilerr // bare host, no port given
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
