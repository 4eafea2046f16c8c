// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleeperStartsNotReady(t *testing.T) {
	s, _ := Notify()
	assert.False(t, s.Ready())
}

func TestWakerSetsReady(t *testing.T) {
	s, wake := Notify()
	wake()
	assert.True(t, s.Ready())
}

func TestResetClearsReady(t *testing.T) {
	s, wake := Notify()
	wake()
	require.True(t, s.Ready())
	s.Reset()
	assert.False(t, s.Ready())
}

func TestWakerFiresRegisteredWaiters(t *testing.T) {
	s, wake := Notify()
	fired := 0
	id1 := s.addWaiter(func() { fired++ })
	id2 := s.addWaiter(func() { fired++ })
	_ = id2

	wake()
	assert.Equal(t, 2, fired)

	s.removeWaiter(id1)
	s.Reset()
	fired = 0
	wake()
	assert.Equal(t, 1, fired, "removed waiter must not fire again")
}

func TestRemoveWaiterIsIdempotentAndIDsAreDistinct(t *testing.T) {
	s, _ := Notify()
	id1 := s.addWaiter(func() {})
	id2 := s.addWaiter(func() {})
	assert.NotEqual(t, id1, id2)

	s.removeWaiter(id1)
	s.removeWaiter(id1) // must not panic on double removal
}

func TestSyncIsAnIndependentOneShotPair(t *testing.T) {
	s1, w1 := Sync()
	s2, w2 := Sync()
	w1()
	assert.True(t, s1.Ready())
	assert.False(t, s2.Ready(), "each Sync() call must return an independent pair")
	w2()
	assert.True(t, s2.Ready())
}

func TestSelectReturnsImmediatelyWhenSleeperAlreadyReady(t *testing.T) {
	s, wake := Notify()
	wake()

	sc := &Scheduler{}
	err := sc.Select(HandleTarget(s))
	assert.NoError(t, err)
}

func TestSelectRejectsEmptyTargetList(t *testing.T) {
	sc := &Scheduler{}
	err := sc.Select()
	assert.Error(t, err)
}
