// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package stream

import (
	"golang.org/x/sys/unix"

	"github.com/loopkit/evcore/errs"
)

// Listener accepts connections inheriting its address family. Obtained
// from TCPListen or LocalListen.
type Listener struct {
	fd     int
	family Family
}

// FD returns the listener's file descriptor.
func (l *Listener) FD() int { return l.fd }

// Family reports the listener's address family.
func (l *Listener) Family() Family { return l.family }

// Accept returns a new OPEN Handle inheriting the listener's address
// family, non-blocking and close-on-exec. A pending-less listener
// reports ok=false without suspension; other errors surface as
// IoError. Grounded on nbio_listener_accept.
func (l *Listener) Accept() (h *Handle, ok bool, err error) {
	fd, _, err := acceptCloexec(l.fd)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.IoError, err, "accept")
	}
	unix.SetNonblock(fd, true) //nolint:errcheck
	return newHandle(fd, l.family, false), true, nil
}

// Close closes the listener's fd. Idempotent.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	if err := unix.Close(fd); err != nil {
		return errs.Wrap(errs.IoError, err, "close listener")
	}
	return nil
}
