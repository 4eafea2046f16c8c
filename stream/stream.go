// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package stream implements the STREAM component: non-blocking byte-stream
// handles over files, TCP/Unix sockets and listeners, with dual buffered
// read/write and Nagle-defeating flush coalescing on TCP.
//
// Every constructor returns handles that are already non-blocking and
// close-on-exec, grounded on original_source/nbio.c's nbio_open/
// nbio_tcpconnect/nbio_tcplisten family, translated into tnet's
// raw-syscall idiom from netfd.go and tcplistener.go.
package stream

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/loopkit/evcore/errs"
	"github.com/loopkit/evcore/internal/buffer"
	"github.com/loopkit/evcore/log"
	"github.com/loopkit/evcore/metrics"
)

// Family identifies the address family a Handle was created over. Files
// carry Unspec; nopush/coalescing logic only applies to Inet/Inet6.
type Family int

const (
	Unspec Family = iota
	Local
	Inet
	Inet6
)

// State is STREAM's lifecycle state machine: OPEN -> SHUTDOWN -> CLOSED,
// or OPEN -> CLOSED directly.
type State int

const (
	Open State = iota
	Shutdown
	Closed
)

// Chunk is the fixed unit of buffered I/O growth, matching nbio.c's
// NBIO_CHUNKSIZE.
const Chunk = buffer.Chunk

// nopushState mirrors nbio_handle_t.nopush: UNKNOWN until first touched,
// then tracks the last value written to the socket so redundant
// setsockopt calls are skipped.
type nopushState int

const (
	nopushUnknown nopushState = iota
	nopushOff
	nopushOn
)

// Handle is a non-blocking byte stream: a file, a connected socket, or
// one end of a subprocess's stdio pipe. The zero value is not usable;
// obtain one via Open/TCPConnect/LocalConnect or Listener.Accept.
type Handle struct {
	mu     sync.Mutex
	fd     int
	family Family
	// shared handles (inherited stdio) never close their fd and never
	// touch socket options, matching nbio.c's shared flag.
	shared bool
	state  State

	readBuf  *buffer.Buf
	writeBuf *buffer.Buf
	nopush   nopushState
	// readEOF is set once a zero-byte read has reported peer EOF, so
	// the read path stops issuing further syscalls without touching fd
	// (the write half and Close still need the real descriptor).
	readEOF bool
}

// NewSharedHandle wraps an already-open, already-nonblocking fd as a
// shared Handle: it never closes the fd or mutates socket options,
// matching nbio.c's shared=1 convention for the process's own inherited
// stdio (see Stdin/Stdout/Stderr).
func NewSharedHandle(fd int, family Family) *Handle {
	return newHandle(fd, family, true)
}

// NewHandle wraps an already-open, already-nonblocking fd as an owned
// Handle: Close releases it normally. Used by SUBPROC for the parent
// ends of a child's stdio socketpairs, which the spawning process owns
// even though the child's far end looks like inherited stdio from the
// child's perspective.
func NewHandle(fd int, family Family) *Handle {
	return newHandle(fd, family, false)
}

func newHandle(fd int, family Family, shared bool) *Handle {
	return &Handle{
		fd:       fd,
		family:   family,
		shared:   shared,
		state:    Open,
		readBuf:  buffer.New(),
		writeBuf: buffer.New(),
	}
}

// FD returns the underlying file descriptor, or -1 once closed.
func (h *Handle) FD() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fd
}

// Family reports the handle's address family.
func (h *Handle) Family() Family {
	return h.family
}

// State reports the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Read performs an unbuffered read of up to max bytes: it drains any
// buffered bytes first, else issues exactly one syscall. A transient
// Again/Interrupted result is reported as a zero-length, non-error read
// so the caller suspends on its own readiness wait via EVENTQ. A
// zero-byte successful read means peer EOF (reported as eof=true).
func (h *Handle) Read(max int) (data []byte, eof bool, err error) {
	if max <= 0 {
		return nil, false, errs.New(errs.BadArgument, "read: max must be positive")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		return nil, false, errs.New(errs.InvalidState, "read from closed handle")
	}
	if h.readBuf.Len() > 0 {
		return h.readBuf.Take(max), false, nil
	}
	if h.fd < 0 || h.readEOF {
		return nil, true, nil
	}
	buf := make([]byte, max)
	n, err := unix.Read(h.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		return nil, false, nil
	case err != nil:
		return nil, false, errs.Wrap(errs.IoError, err, "read")
	case n == 0:
		return nil, true, nil
	default:
		metrics.Add(metrics.StreamReadCalls, 1)
		metrics.Add(metrics.StreamReadBytes, uint64(n))
		return buf[:n], false, nil
	}
}

// ReadBuffered accumulates into the internal buffer in Chunk increments
// until either terminator is found (when non-nil) or max bytes are
// present, returning the prefix up to and including the terminator, or
// up to max bytes without one. EOF with buffered data present returns
// the remaining data; EOF with none returns eof=true.
func (h *Handle) ReadBuffered(max int, terminator *byte) (data []byte, eof bool, err error) {
	if max <= 0 {
		return nil, false, errs.New(errs.BadArgument, "read_buffered: max must be positive")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		return nil, false, errs.New(errs.InvalidState, "read from closed handle")
	}
	for {
		if n := h.bufferedPrefixLen(max, terminator); n >= 0 {
			return h.readBuf.Take(n), false, nil
		}
		if h.fd < 0 || h.readEOF {
			if h.readBuf.Len() > 0 {
				return h.readBuf.Take(h.readBuf.Len()), false, nil
			}
			return nil, true, nil
		}
		space := h.readBuf.AppendSpace(Chunk)
		n, rerr := unix.Read(h.fd, space)
		switch {
		case rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK || rerr == unix.EINTR:
			return nil, false, nil
		case rerr != nil:
			return nil, false, errs.Wrap(errs.IoError, rerr, "read_buffered")
		case n == 0:
			h.readEOF = true
			continue
		default:
			metrics.Add(metrics.StreamReadCalls, 1)
			metrics.Add(metrics.StreamReadBytes, uint64(n))
			h.readBuf.Advance(n)
			continue
		}
	}
}

// bufferedPrefixLen returns the length of the prefix ReadBuffered should
// return right now, or -1 if more data must be accumulated first.
func (h *Handle) bufferedPrefixLen(max int, terminator *byte) int {
	avail := h.readBuf.Len()
	if terminator != nil {
		if idx := h.readBuf.IndexTerminator(*terminator); idx >= 0 {
			n := idx + 1
			if n > max {
				return max
			}
			return n
		}
	}
	if avail >= max {
		return max
	}
	return -1
}

// Write performs an unbuffered write of byterange(p, start, end) (see
// NormalizeRange): it first flushes any buffered bytes; if bytes remain
// buffered after a short flush, it returns 0 so the caller suspends.
// Clears TCP coalescing on exit regardless of outcome.
func (h *Handle) Write(p []byte, start, end int) (int, error) {
	lo, hi, rerr := NormalizeRange(len(p), start, end)
	if rerr != nil {
		return 0, rerr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.setNopushLocked(false)
	if err := h.checkWritableLocked(); err != nil {
		return 0, err
	}
	if n, err := h.flushLocked(); err != nil || n > 0 {
		return 0, err
	}
	if lo == hi {
		return 0, nil
	}
	n, err := unix.Write(h.fd, p[lo:hi])
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return 0, nil
	}
	if err == unix.EPIPE {
		return 0, errs.New(errs.PeerClosed, "peer closed stream")
	}
	if err != nil {
		return 0, errs.Wrap(errs.IoError, err, "write")
	}
	metrics.Add(metrics.StreamWriteCalls, 1)
	metrics.Add(metrics.StreamWriteBytes, uint64(n))
	return n, nil
}

// WriteBuffered appends byterange(p, start, end) to the write buffer,
// draining first if the addition would overflow one Chunk, and issuing
// a direct syscall only when the buffer is empty and the slice alone
// exceeds a Chunk. Sets TCP coalescing on entry.
func (h *Handle) WriteBuffered(p []byte, start, end int) (int, error) {
	lo, hi, rerr := NormalizeRange(len(p), start, end)
	if rerr != nil {
		return 0, rerr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkWritableLocked(); err != nil {
		return 0, err
	}
	h.setNopushLocked(true)
	slice := p[lo:hi]
	if len(slice) == 0 {
		return 0, nil
	}
	if h.writeBuf.Len()+len(slice) > Chunk {
		if n, err := h.flushLocked(); err != nil {
			return 0, err
		} else if n > 0 {
			return 0, nil
		}
	}
	if h.writeBuf.Len()+len(slice) <= Chunk {
		space := h.writeBuf.AppendSpace(len(slice))
		copy(space, slice)
		h.writeBuf.Advance(len(slice))
		return len(slice), nil
	}
	if h.writeBuf.Len() > 0 {
		return 0, nil
	}
	n, err := unix.Write(h.fd, slice)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return 0, nil
	}
	if err == unix.EPIPE {
		return 0, errs.New(errs.PeerClosed, "peer closed stream")
	}
	if err != nil {
		return 0, errs.Wrap(errs.IoError, err, "write_buffered")
	}
	metrics.Add(metrics.StreamWriteCalls, 1)
	metrics.Add(metrics.StreamWriteBytes, uint64(n))
	return n, nil
}

// Flush drains the write buffer, clears TCP coalescing, and returns the
// remaining byte count (0 on complete drain). The nopush toggle on full
// drain is preserved verbatim from nbio_handle_flush (see DESIGN.md):
// it is switched off then back on, a kernel quirk of unclear origin that
// the source deliberately keeps.
func (h *Handle) Flush() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	metrics.Add(metrics.StreamFlushCalls, 1)
	n, err := h.flushLocked()
	h.setNopushLocked(false)
	if err == nil && n == 0 {
		h.setNopushLocked(true)
	}
	return n, err
}

func (h *Handle) flushLocked() (int, error) {
	for h.writeBuf.Len() > 0 {
		n, err := unix.Write(h.fd, h.writeBuf.Bytes())
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return h.writeBuf.Len(), nil
		}
		if err == unix.EPIPE {
			return h.writeBuf.Len(), errs.New(errs.PeerClosed, "peer closed stream")
		}
		if err != nil {
			return h.writeBuf.Len(), errs.Wrap(errs.IoError, err, "flush")
		}
		metrics.Add(metrics.StreamWriteCalls, 1)
		metrics.Add(metrics.StreamWriteBytes, uint64(n))
		h.writeBuf.Take(n)
	}
	return 0, nil
}

func (h *Handle) checkWritableLocked() error {
	switch h.state {
	case Shutdown, Closed:
		return errs.New(errs.InvalidState, "write after shutdown or close")
	default:
		return nil
	}
}

// Shutdown half-closes the send side: for TCP, shutdown(WR); for others,
// the fd is closed outright. Idempotent.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Open {
		return nil
	}
	h.writeBuf.Reset()
	h.state = Shutdown
	if h.fd < 0 {
		return nil
	}
	var err error
	if h.family == Inet || h.family == Inet6 {
		err = unix.Shutdown(h.fd, unix.SHUT_WR)
	} else if !h.shared {
		err = unix.Close(h.fd)
		h.fd = -1
	}
	if err != nil {
		return errs.Wrap(errs.IoError, err, "shutdown")
	}
	return nil
}

// Close releases buffers and closes the fd unless shared. Idempotent,
// safe to call from a finalizer.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		return nil
	}
	h.state = Closed
	h.readBuf.Free()
	h.writeBuf.Free()
	if h.fd < 0 || h.shared {
		h.fd = -1
		return nil
	}
	fd := h.fd
	h.fd = -1
	if err := unix.Close(fd); err != nil {
		log.Debugf("stream: close fd %d: %v", fd, err)
		return errs.Wrap(errs.IoError, err, "close")
	}
	return nil
}
