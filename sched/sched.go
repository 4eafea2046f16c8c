// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package sched is the concrete implementation of the external scheduler
// interface required from the host runtime: select/deregister_fd/
// notify/sync, the primitives PGCORE and STREAM-suspending callers
// compose with. Where original_source assumes an embedding Lua fiber
// runtime supplies these, this module has no such host to assume, so
// sched provides them directly: one goroutine drives eventq.EventQ.Wait
// in a loop and turns each delivered token into a resumed goroutine via
// a buffered channel, the same "continuation as .await" translation
// prescribed for the source's callback style.
package sched

import (
	"sync"

	"github.com/loopkit/evcore/errs"
	"github.com/loopkit/evcore/eventq"
	"github.com/loopkit/evcore/log"
)

// Kind selects what a Target waits on, mirroring the
// select(kind, ident, ...) where kind ∈ {fd_read, fd_write, handle}.
type Kind int

const (
	FDRead Kind = iota
	FDWrite
	HandleWait
)

// Target is one disjunctive-wait member passed to Select.
type Target struct {
	Kind    Kind
	FD      int
	Sleeper *Sleeper
}

// FDReadTarget builds a fd-readiness Target.
func FDReadTarget(fd int) Target { return Target{Kind: FDRead, FD: fd} }

// FDWriteTarget builds a fd-writability Target.
func FDWriteTarget(fd int) Target { return Target{Kind: FDWrite, FD: fd} }

// HandleTarget builds a Target that completes when s is woken.
func HandleTarget(s *Sleeper) Target { return Target{Kind: HandleWait, Sleeper: s} }

// Scheduler drives one EventQ and exposes the select/deregister_fd/
// notify/sync primitives over it.
type Scheduler struct {
	q      *eventq.EventQ
	stop   chan struct{}
	stopWG sync.WaitGroup
}

// New starts a scheduler loop over q. The caller retains ownership of
// q; Close stops the loop without closing q.
func New(q *eventq.EventQ) *Scheduler {
	s := &Scheduler{q: q, stop: make(chan struct{})}
	s.stopWG.Add(1)
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer s.stopWG.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		_, err := s.q.Wait(dispatch)
		if err != nil {
			log.Debugf("sched: wait error: %v", err)
		}
	}
}

// dispatch is the EventQ callback: every token registered through this
// package is a zero-argument func(), invoked directly. Reentrancy into
// EventQ from within a woken goroutine is safe because EventQ already
// extracts tokens before invoking callbacks (see eventq.EventQ.Wait).
func dispatch(token any) {
	if fn, ok := token.(func()); ok {
		fn()
	}
}

// Close stops the scheduler's background loop. It does not close the
// underlying EventQ.
func (s *Scheduler) Close() {
	close(s.stop)
	s.q.AddTimer(0, nil) //nolint:errcheck // a zero timer makes a Wait parked in the kernel return
	s.stopWG.Wait()
}

// Select suspends the calling goroutine until any one of targets fires,
// then best-effort cleans up the registrations that did not. Multiple
// fd/handle targets may be passed for one disjunctive wait, matching
// interface. A HandleTarget whose sleeper is already ready returns
// immediately without registering anything, so a caller racing a waker
// that fired just before Select never parks forever.
func (s *Scheduler) Select(targets ...Target) error {
	if len(targets) == 0 {
		return errs.New(errs.BadArgument, "select: no targets")
	}
	for _, t := range targets {
		if t.Kind == HandleWait && t.Sleeper.Ready() {
			return nil
		}
	}
	wake := make(chan struct{}, 1)
	fire := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	waiterIDs := make([]uint64, len(targets))
	for i, t := range targets {
		switch t.Kind {
		case FDRead:
			if err := s.q.RegisterFDRead(t.FD, fire, eventq.OneShot); err != nil {
				return err
			}
		case FDWrite:
			if err := s.q.RegisterFDWrite(t.FD, fire, eventq.OneShot); err != nil {
				return err
			}
		case HandleWait:
			waiterIDs[i] = t.Sleeper.addWaiter(fire)
		}
	}
	<-wake
	for i, t := range targets {
		switch t.Kind {
		case FDRead:
			s.q.UnregisterFDRead(t.FD) //nolint:errcheck
		case FDWrite:
			s.q.UnregisterFDWrite(t.FD) //nolint:errcheck
		case HandleWait:
			t.Sleeper.removeWaiter(waiterIDs[i])
		}
	}
	return nil
}

// DeregisterFD is the best-effort removal of any pending registrations
// for fd, matching deregister_fd, used by PGCORE.Close before
// the wire connection is torn down.
func (s *Scheduler) DeregisterFD(fd int) error {
	return s.q.DeregisterFD(fd)
}
