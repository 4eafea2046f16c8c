// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build linux

package stream

import (
	"github.com/loopkit/evcore/errs"
	"golang.org/x/sys/unix"
)

// applyPlatformLockFlag is a no-op on Linux: open(2) has no O_SHLOCK/
// O_EXLOCK, so the lock is applied with a separate flock(2) call after
// open succeeds (see postOpenLock) — the supplemented feature recorded
// in SPEC_FULL.md so the flag is not silently dropped on this platform.
func applyPlatformLockFlag(f *openFlags, exclusive bool) {}

// postOpenLock applies an advisory flock(2) equivalent to the
// sharedlock/exclusivelock open flags on platforms lacking O_SHLOCK/
// O_EXLOCK.
func postOpenLock(fd int, shared, exclusive bool) error {
	if !shared && !exclusive {
		return nil
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(fd, how|unix.LOCK_NB); err != nil {
		return errs.Wrap(errs.IoError, err, "advisory lock")
	}
	return nil
}
