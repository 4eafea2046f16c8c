// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package sched

import "sync"

// Sleeper is the parkable half of a notify()/sync() pair: a
// mutable ready flag plus a set of waiters registered by Select's
// HandleTarget. Grounded on original_source/src/pgeff.c's
// QUERY_SLEEPER/LISTEN_SLEEPER uservalues, where the "ready" field is
// cleared immediately before every select(..., handle=sleeper) call and
// the paired waker flips it back on.
type Sleeper struct {
	mu      sync.Mutex
	ready   bool
	nextID  uint64
	waiters map[uint64]func()
}

// Waker is the zero-argument thunk returned alongside a Sleeper: calling
// it sets the ready flag and fires every waiter currently parked on the
// sleeper through Select, resuming whichever goroutine is suspended on
// it.
type Waker func()

func newSleeper() *Sleeper {
	return &Sleeper{waiters: make(map[uint64]func())}
}

// Notify returns a fresh, reusable sleeper/waker pair. PGCORE keeps one
// such pair alive for the lifetime of a connection for each of its
// query and listen arbitration paths.
func Notify() (*Sleeper, Waker) {
	s := newSleeper()
	return s, s.wake
}

// Sync returns a one-shot sleeper/waker pair, used by the first caller
// to join a deferred-result FIFO queue; callers discard the pair after a
// single wake.
func Sync() (*Sleeper, Waker) {
	return Notify()
}

func (s *Sleeper) wake() {
	s.mu.Lock()
	s.ready = true
	waiters := make([]func(), 0, len(s.waiters))
	for _, fn := range s.waiters {
		waiters = append(waiters, fn)
	}
	s.mu.Unlock()
	for _, fn := range waiters {
		fn()
	}
}

// Ready reports the sleeper's current ready flag.
func (s *Sleeper) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Reset clears the ready flag, re-arming the sleeper before a fresh
// suspend. Callers must call Reset immediately before Select when they
// intend to wait on the sleeper again, matching the source's
// `sleeper.ready = false` assignment right before each select call.
func (s *Sleeper) Reset() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

func (s *Sleeper) addWaiter(fn func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.waiters[id] = fn
	return id
}

func (s *Sleeper) removeWaiter(id uint64) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}
