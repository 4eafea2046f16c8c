// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd

package stream

import "golang.org/x/sys/unix"

// applyPlatformLockFlag sets O_SHLOCK/O_EXLOCK directly in the open(2)
// flags, exactly as nbio_open does on BSD/Darwin where the kernel grants
// the advisory lock atomically with the open.
func applyPlatformLockFlag(f *openFlags, exclusive bool) {
	if exclusive {
		f.sysFlags |= unix.O_EXLOCK
	} else {
		f.sysFlags |= unix.O_SHLOCK
	}
}

// postOpenLock is a no-op on platforms where the lock flag was already
// applied atomically by open(2).
func postOpenLock(fd int, shared, exclusive bool) error { return nil }
