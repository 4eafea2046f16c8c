// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd

package stream

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// acceptCloexec wraps the accept system call, marking the returned file
// descriptor close-on-exec. BSD/Darwin have no accept4, so the
// close-on-exec flag is applied right after accept returns, matching
// Go's own internal/poll/sys_cloexec.go.
func acceptCloexec(fd int) (int, unix.Sockaddr, error) {
	ns, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	syscall.CloseOnExec(ns)
	return ns, sa, nil
}
