// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package stream

import "github.com/loopkit/evcore/errs"

// NormalizeRange turns a Lua-style 1-based, negative-indexable (start,
// end) pair into a Go half-open [lo, hi) range over a slice of length n,
// per nbio_handle_write_unbuffered's argument convention: negative
// values count from the end (-1 is the last byte), a degenerate range
// collapses to empty, and a start of 0 or outside [-n, n+1], or an end
// outside [-n, n], fails closed with BadArgument rather than silently
// clamping past the slice.
func NormalizeRange(n, start, end int) (lo, hi int, err error) {
	if start == 0 || start < -n || start > n+1 || end < -n || end > n {
		return 0, 0, errs.New(errs.BadArgument, "range out of bounds")
	}
	if start < 0 {
		start = n + start + 1
	}
	if end < 0 {
		end = n + end + 1
	}
	if start < 1 {
		start = 1
	}
	if end > n {
		end = n
	}
	if start > end {
		return 0, 0, nil
	}
	return start - 1, end, nil
}
