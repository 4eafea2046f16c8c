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

// Open opens path per a comma-separated flags string (see the
// open-flag table), returning a non-blocking, close-on-exec Handle.
// Grounded on nbio_open.
func Open(path string, flagsCSV string) (*Handle, error) {
	f, err := parseOpenFlags(flagsCSV)
	if err != nil {
		return nil, err
	}
	sysFlags := f.sysFlags | unix.O_NONBLOCK | unix.O_CLOEXEC
	fd, err := unix.Open(path, sysFlags, f.createMode)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "open "+path)
	}
	if err := postOpenLock(fd, f.shared, f.exclusive); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return newHandle(fd, Unspec, false), nil
}
