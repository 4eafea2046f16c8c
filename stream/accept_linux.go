// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build linux

package stream

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// acceptCloexec wraps accept4, requesting SOCK_CLOEXEC|SOCK_NONBLOCK in
// one syscall; on the rare kernel that lacks accept4 it falls back to
// accept plus a separate close-on-exec/non-blocking fixup, matching
// Go's own internal/poll/sock_cloexec.go.
func acceptCloexec(fd int) (int, unix.Sockaddr, error) {
	ns, sa, err := unix.Accept4(fd, syscall.SOCK_CLOEXEC|syscall.SOCK_NONBLOCK)
	switch err {
	case nil:
		return ns, sa, nil
	case syscall.ENOSYS, syscall.EINVAL, syscall.EACCES, syscall.EFAULT:
		// fall through to the accept-then-fixup path below
	default:
		return -1, sa, err
	}

	ns, sa, err = unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	syscall.CloseOnExec(ns)
	syscall.SetNonblock(ns, true) //nolint:errcheck
	return ns, sa, nil
}
