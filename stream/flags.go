// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package stream

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/loopkit/evcore/errs"
)

// openFlags is the parsed form of Open's comma-separated flag string,
// grounded on nbio_open's flag table.
type openFlags struct {
	sysFlags   int
	shared     bool
	exclusive  bool
	createMode uint32
}

// parseOpenFlags parses the CSV flag string per the open-flag table.
// Unknown flags fail with BadArgument.
func parseOpenFlags(csv string) (openFlags, error) {
	var f openFlags
	f.createMode = 0666
	var hasReadWrite bool
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "":
			continue
		case "r":
			f.sysFlags |= unix.O_RDONLY
			hasReadWrite = true
		case "w":
			f.sysFlags |= unix.O_WRONLY
			hasReadWrite = true
		case "rw":
			f.sysFlags |= unix.O_RDWR
			hasReadWrite = true
		case "append":
			f.sysFlags |= unix.O_APPEND
		case "create":
			f.sysFlags |= unix.O_CREAT
		case "truncate":
			f.sysFlags |= unix.O_TRUNC
		case "exclusive":
			f.sysFlags |= unix.O_EXCL
		case "sharedlock":
			f.shared = true
			applyPlatformLockFlag(&f, false)
		case "exclusivelock":
			f.exclusive = true
			applyPlatformLockFlag(&f, true)
		default:
			return openFlags{}, errs.Newf(errs.BadArgument, "open: unrecognized flag %q", tok)
		}
	}
	if !hasReadWrite {
		return openFlags{}, errs.New(errs.BadArgument, "open: one of r/w/rw is required")
	}
	return f, nil
}
