// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package stream

import (
	"context"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/loopkit/evcore/errs"
)

// ListenBacklog is the fixed listen(2) backlog, matching
// NBIO_LISTEN_BACKLOG.
const ListenBacklog = 256

// Stdin, Stdout and Stderr are shared handles wrapping the process's
// inherited stdio, matching nbio.c's module-init exposure of fd 0/1/2 as
// shared=1 handles: they are never closed or mutated by STREAM.
var (
	Stdin  = newHandle(0, Unspec, true)
	Stdout = newHandle(1, Unspec, true)
	Stderr = newHandle(2, Unspec, true)
)

// resolveOrdered resolves host to a list of IPs ordered INET6 first,
// then INET, then the first result, matching nbio_tcpconnect/
// nbio_tcplisten's getaddrinfo selection order. Name resolution itself
// is explicitly out of scope here; this only imposes the ordering
// once Go's resolver has already produced candidates.
func resolveOrdered(host string) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, errs.Newf(errs.IoError, "no addresses for %q", host)
	}
	var v6, v4 []net.IP
	for _, a := range ips {
		if a.IP.To4() == nil {
			v6 = append(v6, a.IP)
		} else {
			v4 = append(v4, a.IP)
		}
	}
	out := make([]net.IP, 0, len(ips))
	out = append(out, v6...)
	out = append(out, v4...)
	return out, nil
}

func familyOf(ip net.IP) (int, Family) {
	if ip.To4() == nil {
		return unix.AF_INET6, Inet6
	}
	return unix.AF_INET, Inet
}

func sockaddrFor(ip net.IP, port int) unix.Sockaddr {
	if ip.To4() == nil {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], ip.To16())
		sa.Port = port
		return &sa
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip.To4())
	sa.Port = port
	return &sa
}

// TCPConnect opens a non-blocking TCP connection to host:port, trying
// resolved addresses in resolveOrdered's order. Grounded on
// nbio_tcpconnect.
func TCPConnect(host string, port int) (*Handle, error) {
	ips, err := resolveOrdered(host)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectFailed, err, "resolve "+host)
	}
	var lastErr error
	for _, ip := range ips {
		domain, family := familyOf(ip)
		fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			lastErr = err
			continue
		}
		trySetNoSigpipe(fd)
		err = unix.Connect(fd, sockaddrFor(ip, port))
		if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
			unix.Close(fd)
			lastErr = err
			continue
		}
		return newHandle(fd, family, false), nil
	}
	return nil, errs.Wrap(errs.ConnectFailed, lastErr, "tcp_connect "+host+":"+strconv.Itoa(port))
}

// LocalConnect opens a non-blocking AF_UNIX connection to path.
// Grounded on nbio_localconnect.
func LocalConnect(path string) (*Handle, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectFailed, err, "socket")
	}
	sa := &unix.SockaddrUnix{Name: path}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		unix.Close(fd)
		return nil, errs.Wrap(errs.ConnectFailed, err, "local_connect "+path)
	}
	return newHandle(fd, Local, false), nil
}

// TCPListen creates a non-blocking TCP listener. When host is empty,
// binds to the IPv6 any-address with IPV6_V6ONLY cleared so IPv4
// clients are also accepted; when host is given, resolves it and sets
// IPV6_V6ONLY on IPv6 sockets. SO_REUSEADDR is always set. Grounded on
// nbio_tcplisten.
func TCPListen(host string, port int) (*Listener, error) {
	var ip net.IP
	domain := unix.AF_INET6
	family := Inet6
	v6only := false
	if host == "" {
		ip = net.IPv6zero
	} else {
		ips, err := resolveOrdered(host)
		if err != nil {
			return nil, errs.Wrap(errs.ConnectFailed, err, "resolve "+host)
		}
		ip = ips[0]
		domain, family = familyOf(ip)
		v6only = family == Inet6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectFailed, err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.ConnectFailed, err, "SO_REUSEADDR")
	}
	if domain == unix.AF_INET6 {
		v6onlyVal := 0
		if v6only {
			v6onlyVal = 1
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6onlyVal); err != nil {
			unix.Close(fd)
			return nil, errs.Wrap(errs.ConnectFailed, err, "IPV6_V6ONLY")
		}
	}
	if err := unix.Bind(fd, sockaddrFor(ip, port)); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.ConnectFailed, err, "bind")
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.ConnectFailed, err, "listen")
	}
	return &Listener{fd: fd, family: family}, nil
}

// LocalListen creates a non-blocking AF_UNIX listener at path, unlinking
// a stale socket file first if one exists and is a socket (checked via
// lstat, mirroring nbio_locallisten).
func LocalListen(path string) (*Listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectFailed, err, "socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.ConnectFailed, err, "bind "+path)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.ConnectFailed, err, "listen "+path)
	}
	return &Listener{fd: fd, family: Local}, nil
}
