// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package eventq implements the EVENTQ component: a single kernel-queue
// event demultiplexer over per-fd readiness, signals, process exits, and
// one-shot relative timers, each carrying a user-supplied opaque
// callback token.
//
// The registry (the (identifier, filter) -> token map) lives here,
// shared by every platform backend; backend_kqueue.go and
// backend_linux.go implement only the kernel-facing half: arming and
// disarming kernel sources and turning one kevent/epoll_wait pass into a
// slice of fired source keys. This mirrors lkq.c, where lkq_push_filterid
// is the one place callback tokens are looked up by composite key
// regardless of which kqueue filter fired.
package eventq

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/loopkit/evcore/errs"
	"github.com/loopkit/evcore/log"
	"github.com/loopkit/evcore/metrics"
)

// Filter names one of the five event classes EVENTQ can multiplex.
type Filter int

const (
	FilterRead Filter = iota
	FilterWrite
	FilterSignal
	FilterProc
	FilterTimer
)

func (f Filter) String() string {
	switch f {
	case FilterRead:
		return "read"
	case FilterWrite:
		return "write"
	case FilterSignal:
		return "signal"
	case FilterProc:
		return "proc"
	case FilterTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Mode selects whether a registration fires once or persists.
type Mode int

const (
	Persistent Mode = iota
	OneShot
)

// TimerId is the opaque, address-unique handle returned by AddTimer. It
// is never an externally meaningful integer, matching lkq.c's use of a
// heap-allocated userdata pointer as the timer's identity.
type TimerId struct {
	_ [0]func() // makes TimerId values incomparable; identity is the pointer
	_ byte      // non-zero size, so every &TimerId{} has its own address
}

type sourceKey struct {
	ident  int64
	filter Filter
}

// backend is the platform-specific kernel half of EVENTQ. Each method
// mirrors one lkq_* function.
type backend interface {
	close() error
	addFDRead(fd int, oneShot bool) error
	addFDWrite(fd int, oneShot bool) error
	delFDRead(fd int) error
	delFDWrite(fd int) error
	deregisterFD(fd int) error
	addSignal(sig int) error
	delSignal(sig int) error
	addPID(pid int) error
	delPID(pid int) error
	addTimer(id int64, d time.Duration) error
	delTimer(id int64) error
	// wait blocks (timeout nil) or polls (timeout non-nil, possibly 0)
	// for at least one event, appending fired source keys to out and
	// returning the extended slice.
	wait(out []sourceKey, timeout *time.Duration) ([]sourceKey, error)
}

// EventQ is a single-owner event demultiplexer. The zero value is not
// usable; construct with New.
type EventQ struct {
	mu      sync.Mutex
	backend backend
	tokens  map[sourceKey]any
	closed  bool

	nextTimerID int64
	timerByID   map[int64]*TimerId
}

// New creates the kernel queue backing EVENTQ. It fails with
// errs.ResourceExhausted on system error.
func New() (*EventQ, error) {
	b, err := newBackend()
	if err != nil {
		return nil, errs.Wrap(errs.ResourceExhausted, err, "create event queue")
	}
	return &EventQ{
		backend:   b,
		tokens:    make(map[sourceKey]any),
		timerByID: make(map[int64]*TimerId),
	}, nil
}

// Close releases the queue. Idempotent; safe to call from a finalizer.
func (q *EventQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.tokens = make(map[sourceKey]any)
	return q.backend.close()
}

func (q *EventQ) checkOpen() error {
	if q.closed {
		return errs.New(errs.InvalidState, "event queue is closed")
	}
	return nil
}

// RegisterFDRead arms fd for read readiness, storing token under the
// (fd, FilterRead) key, replacing any prior value there.
func (q *EventQ) RegisterFDRead(fd int, token any, mode Mode) error {
	return q.registerFD(fd, FilterRead, token, mode)
}

// RegisterFDWrite arms fd for write readiness.
func (q *EventQ) RegisterFDWrite(fd int, token any, mode Mode) error {
	return q.registerFD(fd, FilterWrite, token, mode)
}

func (q *EventQ) registerFD(fd int, filter Filter, token any, mode Mode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return err
	}
	oneShot := mode == OneShot
	var err error
	if filter == FilterRead {
		err = q.backend.addFDRead(fd, oneShot)
	} else {
		err = q.backend.addFDWrite(fd, oneShot)
	}
	if err != nil {
		return errs.Wrap(errs.Registration, err, "register fd "+filter.String()).WithIdent(fdIdent(fd))
	}
	q.tokens[sourceKey{ident: int64(fd), filter: filter}] = token
	return nil
}

// UnregisterFDRead removes a prior read registration for fd.
func (q *EventQ) UnregisterFDRead(fd int) error {
	return q.unregisterFD(fd, FilterRead)
}

// UnregisterFDWrite removes a prior write registration for fd.
func (q *EventQ) UnregisterFDWrite(fd int) error {
	return q.unregisterFD(fd, FilterWrite)
}

func (q *EventQ) unregisterFD(fd int, filter Filter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return err
	}
	var err error
	if filter == FilterRead {
		err = q.backend.delFDRead(fd)
	} else {
		err = q.backend.delFDWrite(fd)
	}
	delete(q.tokens, sourceKey{ident: int64(fd), filter: filter})
	if err != nil && !errors.Is(err, errNoSuchSource) {
		return errs.Wrap(errs.Registration, err, "unregister fd "+filter.String()).WithIdent(fdIdent(fd))
	}
	return nil
}

// DeregisterFD removes both read and write registrations for fd in one
// call, tolerating either being already absent, matching lkq.c's
// receipt-based bulk delete of both filters for one fd.
func (q *EventQ) DeregisterFD(fd int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return err
	}
	err := q.backend.deregisterFD(fd)
	delete(q.tokens, sourceKey{ident: int64(fd), filter: FilterRead})
	delete(q.tokens, sourceKey{ident: int64(fd), filter: FilterWrite})
	if err != nil && !errors.Is(err, errNoSuchSource) {
		return errs.Wrap(errs.Registration, err, "deregister fd").WithIdent(fdIdent(fd))
	}
	return nil
}

// RegisterSignal arms sig for delivery, setting its disposition to
// ignore first so asynchronous delivery before the queue observes it
// cannot kill the process. This matches lkq_add_signal's ordering.
func (q *EventQ) RegisterSignal(sig int, token any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := q.backend.addSignal(sig); err != nil {
		return errs.Wrap(errs.Registration, err, "register signal").WithIdent(sigIdent(sig))
	}
	q.tokens[sourceKey{ident: int64(sig), filter: FilterSignal}] = token
	return nil
}

// UnregisterSignal removes a prior signal registration.
func (q *EventQ) UnregisterSignal(sig int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return err
	}
	err := q.backend.delSignal(sig)
	delete(q.tokens, sourceKey{ident: int64(sig), filter: FilterSignal})
	if err != nil && !errors.Is(err, errNoSuchSource) {
		return errs.Wrap(errs.Registration, err, "unregister signal").WithIdent(sigIdent(sig))
	}
	return nil
}

// RegisterPID arms pid for a one-shot exit notification.
func (q *EventQ) RegisterPID(pid int, token any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := q.backend.addPID(pid); err != nil {
		return errs.Wrap(errs.Registration, err, "register pid").WithIdent(pidIdent(pid))
	}
	q.tokens[sourceKey{ident: int64(pid), filter: FilterProc}] = token
	return nil
}

// UnregisterPID removes a prior pid registration. It deletes the kernel
// registration under the PROC filter, fixing lkq.c's remove_pid bug
// (which cleared the callback map under SIGNAL but deleted the kernel
// side under PROC): PROC is used consistently on both sides here.
func (q *EventQ) UnregisterPID(pid int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return err
	}
	err := q.backend.delPID(pid)
	delete(q.tokens, sourceKey{ident: int64(pid), filter: FilterProc})
	if err != nil && !errors.Is(err, errNoSuchSource) {
		return errs.Wrap(errs.Registration, err, "unregister pid").WithIdent(pidIdent(pid))
	}
	return nil
}

// AddTimer arms a one-shot relative timer with nanosecond resolution and
// returns its opaque, stable TimerId.
func (q *EventQ) AddTimer(d time.Duration, token any) (*TimerId, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	id := q.nextTimerID
	q.nextTimerID++
	if err := q.backend.addTimer(id, d); err != nil {
		return nil, errs.Wrap(errs.Registration, err, "add timer")
	}
	tid := &TimerId{}
	q.timerByID[id] = tid
	q.tokens[sourceKey{ident: id, filter: FilterTimer}] = token
	return tid, nil
}

// RemoveTimer deletes an armed timer.
func (q *EventQ) RemoveTimer(id *TimerId) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpen(); err != nil {
		return err
	}
	internalID, ok := q.findTimerID(id)
	if !ok {
		return nil
	}
	err := q.backend.delTimer(internalID)
	delete(q.tokens, sourceKey{ident: internalID, filter: FilterTimer})
	delete(q.timerByID, internalID)
	if err != nil && !errors.Is(err, errNoSuchSource) {
		return errs.Wrap(errs.Registration, err, "remove timer")
	}
	return nil
}

func (q *EventQ) findTimerID(id *TimerId) (int64, bool) {
	for internalID, tid := range q.timerByID {
		if tid == id {
			return internalID, true
		}
	}
	return 0, false
}

// Callback receives the opaque token stored at registration time.
type Callback func(token any)

// Wait blocks until at least one event is ready and returns the count of
// events delivered, invoking cb for each (if non-nil). An interrupted
// syscall retries transparently.
func (q *EventQ) Wait(cb Callback) (int, error) {
	return q.waitImpl(nil, cb)
}

// Poll is Wait with a zero timeout: it returns immediately with whatever
// is ready, and an interrupted syscall is reported as zero events rather
// than retried.
func (q *EventQ) Poll(cb Callback) (int, error) {
	zero := time.Duration(0)
	return q.waitImpl(&zero, cb)
}

func (q *EventQ) waitImpl(timeout *time.Duration, cb Callback) (int, error) {
	if timeout != nil {
		metrics.Add(metrics.EventQPollCalls, 1)
	} else {
		metrics.Add(metrics.EventQWaitCalls, 1)
	}
	q.mu.Lock()
	if err := q.checkOpen(); err != nil {
		q.mu.Unlock()
		return 0, err
	}
	b := q.backend
	q.mu.Unlock()

	var keys []sourceKey
	var err error
	for {
		keys, err = b.wait(keys[:0], timeout)
		if err == nil {
			break
		}
		if errors.Is(err, errInterrupted) {
			if timeout != nil {
				// poll mode: Interrupted means "no events".
				return 0, nil
			}
			log.Debug("eventq: wait interrupted, retrying")
			continue
		}
		return 0, errs.Wrap(errs.IoError, err, "event queue wait")
	}

	q.mu.Lock()
	// Extract tokens before releasing the lock and invoking callbacks, so
	// a callback that re-enters EVENTQ mid-dispatch (e.g. registering
	// further sources) never observes a partially-dispatched batch. PROC
	// and TIMER entries, which always fire once, are dropped here; a
	// one-shot fd registration keeps its entry until it is unregistered
	// or replaced.
	tokens := make([]any, len(keys))
	found := make([]bool, len(keys))
	for i, k := range keys {
		tok, ok := q.tokens[k]
		if !ok {
			continue
		}
		tokens[i] = tok
		found[i] = true
		if q.isOneShotFilter(k.filter) {
			delete(q.tokens, k)
			if k.filter == FilterTimer {
				delete(q.timerByID, k.ident)
			}
		}
	}
	q.mu.Unlock()

	n := len(keys)
	metrics.Add(metrics.EventQEventsDelivered, uint64(n))
	if cb != nil {
		for i, tok := range tokens {
			if found[i] {
				cb(tok)
			}
		}
	}
	return n, nil
}

// isOneShotFilter reports whether a filter is unconditionally one-shot:
// PROC and TIMER registrations always are. READ and WRITE persist or
// fire once depending on registration mode, which the backend applies
// via addFDRead/addFDWrite's oneShot flag and the registry does not
// record.
func (q *EventQ) isOneShotFilter(f Filter) bool {
	switch f {
	case FilterProc, FilterTimer:
		return true
	default:
		return false
	}
}

func fdIdent(fd int) string  { return "fd=" + itoa(fd) }
func sigIdent(s int) string  { return "sig=" + itoa(s) }
func pidIdent(p int) string  { return "pid=" + itoa(p) }
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
