// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package buffer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/evcore/internal/buffer"
)

func TestBufAppendAndTake(t *testing.T) {
	b := buffer.New()
	space := b.AppendSpace(5)
	copy(space, "hello")
	b.Advance(5)

	require.Equal(t, 5, b.Len())
	assert.Equal(t, []byte("hello"), b.Take(5))
	assert.Equal(t, 0, b.Len())
}

func TestBufTakeClampsToAvailable(t *testing.T) {
	b := buffer.New()
	space := b.AppendSpace(3)
	copy(space, "abc")
	b.Advance(3)

	got := b.Take(100)
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, 0, b.Len())
}

func TestBufPartialTakeLeavesRemainder(t *testing.T) {
	b := buffer.New()
	space := b.AppendSpace(5)
	copy(space, "world")
	b.Advance(5)

	assert.Equal(t, []byte("wo"), b.Take(2))
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []byte("rld"), b.Bytes())
}

func TestBufGrowCompactsBeforeReallocating(t *testing.T) {
	b := buffer.New()
	space := b.AppendSpace(buffer.Chunk)
	for i := range space {
		space[i] = byte(i)
	}
	b.Advance(buffer.Chunk)
	b.Take(buffer.Chunk - 1) // leave 1 unread byte, advance read cursor

	oldCap := b.Cap()
	b.Grow(buffer.Chunk - 1) // should fit after compaction, no reallocation needed
	assert.Equal(t, oldCap, b.Cap())
	assert.Equal(t, 1, b.Len())
}

func TestBufIndexTerminatorFindsByte(t *testing.T) {
	b := buffer.New()
	space := b.AppendSpace(6)
	copy(space, "ab\ncd\n")
	b.Advance(6)

	idx := b.IndexTerminator('\n')
	assert.Equal(t, 2, idx)
}

func TestBufIndexTerminatorMemoizesAbsence(t *testing.T) {
	b := buffer.New()
	space := b.AppendSpace(3)
	copy(space, "abc")
	b.Advance(3)

	assert.Equal(t, -1, b.IndexTerminator('\n'))
	// repeated scan for the same terminator short-circuits via the memo
	assert.Equal(t, -1, b.IndexTerminator('\n'))

	// appending new data invalidates the memo
	space = b.AppendSpace(1)
	copy(space, "\n")
	b.Advance(1)
	assert.Equal(t, 3, b.IndexTerminator('\n'))
}

func TestBufResetDropsDataKeepsAllocation(t *testing.T) {
	b := buffer.New()
	space := b.AppendSpace(4)
	copy(space, "data")
	b.Advance(4)

	cap1 := b.Cap()
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, cap1, b.Cap())
}

func TestBufFreeReleasesAllocation(t *testing.T) {
	b := buffer.New()
	space := b.AppendSpace(4)
	copy(space, "data")
	b.Advance(4)

	b.Free()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Cap())
}

func TestBufSetWritten(t *testing.T) {
	b := buffer.New()
	raw := b.Reserve(8)
	copy(raw, "abcdefgh")
	b.SetWritten(5)

	assert.Equal(t, []byte("abcde"), b.Bytes())
}
