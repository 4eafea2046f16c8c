// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loopkit/evcore/errs"
)

func TestNewFormatsWithoutIdent(t *testing.T) {
	err := errs.New(errs.BadArgument, "missing field")
	assert.Equal(t, "bad_argument: missing field", err.Error())
}

func TestWithIdentAppendsIdentifier(t *testing.T) {
	err := errs.New(errs.IoError, "read failed").WithIdent("fd=7")
	assert.Equal(t, "io_error: read failed (fd=7)", err.Error())
}

func TestNewfFormatsMessage(t *testing.T) {
	err := errs.Newf(errs.ResourceExhausted, "limit %d exceeded", 10)
	assert.Equal(t, "resource_exhausted: limit 10 exceeded", err.Error())
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("underlying syscall failure")
	err := errs.Wrap(errs.ConnectFailed, cause, "connect")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := errs.Wrap(errs.PipelineAborted, errors.New("boom"), "aborted")
	assert.True(t, errs.Is(err, errs.PipelineAborted))
	assert.False(t, errs.Is(err, errs.ConnectFailed))
}

func TestIsFalseForNonTaxonomyError(t *testing.T) {
	assert.False(t, errs.Is(errors.New("plain error"), errs.IoError))
}

func TestIsFollowsMultipleWrapLayers(t *testing.T) {
	inner := errs.New(errs.Interrupted, "eintr")
	outer := fmtWrap(inner)
	assert.True(t, errs.Is(outer, errs.Interrupted))
}

// fmtWrap simulates an external package wrapping a taxonomy error with
// %w, as a caller outside this module might.
func fmtWrap(err error) error {
	return &wrappedErr{err}
}

type wrappedErr struct{ inner error }

func (w *wrappedErr) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrappedErr) Unwrap() error { return w.inner }

func TestQueryErrorFormatsWithAndWithoutCode(t *testing.T) {
	withCode := &errs.QueryError{Message: "syntax error", Code: "42601"}
	assert.Equal(t, "syntax error (SQLSTATE 42601)", withCode.Error())

	withoutCode := &errs.QueryError{Message: "connection reset"}
	assert.Equal(t, "connection reset", withoutCode.Error())
}
