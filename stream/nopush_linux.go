// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build linux

package stream

import "golang.org/x/sys/unix"

// setNopushLocked toggles TCP_CORK (Linux's analogue of BSD's
// TCP_NOPUSH) on INET/INET6 sockets only, skipping shared handles and
// redundant syscalls via the cached nopush state, grounded on
// nbio_handle_set_nopush.
func (h *Handle) setNopushLocked(on bool) {
	if h.shared || (h.family != Inet && h.family != Inet6) || h.fd < 0 {
		return
	}
	want := nopushOff
	if on {
		want = nopushOn
	}
	if h.nopush == want {
		return
	}
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(h.fd, unix.IPPROTO_TCP, unix.TCP_CORK, v); err == nil {
		h.nopush = want
	}
}

func trySetNoSigpipe(int) {}
