// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build linux

package eventq

import (
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux implementation. epoll has no direct
// analogue of kqueue's EVFILT_SIGNAL/EVFILT_PROC/EVFILT_TIMER, so each
// is built from the nearest Linux primitive and folded back into one
// epoll_wait loop, the way lkq.c folds every filter into one kevent
// loop:
//
//   - SIGNAL: a signalfd, with the signal blocked via sigprocmask
//     (Linux's equivalent of lkq_add_signal's "ignore disposition before
//     arming" — a blocked signal is queued for the signalfd instead of
//     delivered or dropped) and the signalfd itself registered for read
//     readiness.
//   - TIMER: a timerfd per registration on CLOCK_MONOTONIC, armed as a
//     relative one-shot (no TFD_TIMER_ABSTIME, no interval), registered for read
//     readiness; firing is detected as readability.
//   - PROC: no fd-based primitive exists, so a goroutine blocks in
//     Wait4(pid) and posts completion through an internal self-pipe
//     (eventPipe) that is itself registered in the epoll set, waking any
//     in-progress epoll_wait.
type epollBackend struct {
	epfd int

	mu        sync.Mutex
	timerFDs  map[int64]int // timer id -> timerfd
	signalFDs map[int]int   // signal number -> signalfd
	pidWaits  map[int]struct{}

	pidDone   []sourceKey
	eventPipe [2]int
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	b := &epollBackend{
		epfd:      epfd,
		timerFDs:  make(map[int64]int),
		signalFDs: make(map[int]int),
		pidWaits:  make(map[int]struct{}),
	}
	if err := unix.Pipe2(b.eventPipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := b.epollAdd(b.eventPipe[0], unix.EPOLLIN, false); err != nil {
		unix.Close(epfd)
		unix.Close(b.eventPipe[0])
		unix.Close(b.eventPipe[1])
		return nil, err
	}
	return b, nil
}

func (b *epollBackend) close() error {
	b.mu.Lock()
	for _, fd := range b.timerFDs {
		unix.Close(fd)
	}
	for _, fd := range b.signalFDs {
		unix.Close(fd)
	}
	b.mu.Unlock()
	unix.Close(b.eventPipe[0])
	unix.Close(b.eventPipe[1])
	return unix.Close(b.epfd)
}

func (b *epollBackend) epollAdd(fd int, events uint32, oneShot bool) error {
	if oneShot {
		events |= unix.EPOLLONESHOT
	}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (b *epollBackend) epollMod(fd int, events uint32, oneShot bool) error {
	if oneShot {
		events |= unix.EPOLLONESHOT
	}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (b *epollBackend) epollDel(fd int) error {
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return errNoSuchSource
	}
	return err
}

// fdRegs tracks which of read/write is currently armed per fd so
// addFDRead/addFDWrite/delFDRead/delFDWrite can fold both into one
// epoll_ctl registration, matching the single combined event set epoll
// demands per fd (unlike kqueue's independent READ/WRITE filters).
var fdRegs sync.Map // map[int]uint32, events currently armed for fd

func (b *epollBackend) addFDRead(fd int, oneShot bool) error {
	return b.armFD(fd, unix.EPOLLIN, oneShot)
}

func (b *epollBackend) addFDWrite(fd int, oneShot bool) error {
	return b.armFD(fd, unix.EPOLLOUT, oneShot)
}

func (b *epollBackend) armFD(fd int, bit uint32, oneShot bool) error {
	v, existed := fdRegs.Load(fd)
	var cur uint32
	if existed {
		cur = v.(uint32)
	}
	next := cur | bit
	fdRegs.Store(fd, next)
	if existed {
		return b.epollMod(fd, next, oneShot)
	}
	return b.epollAdd(fd, next, oneShot)
}

func (b *epollBackend) delFDRead(fd int) error {
	return b.disarmFD(fd, unix.EPOLLIN)
}

func (b *epollBackend) delFDWrite(fd int) error {
	return b.disarmFD(fd, unix.EPOLLOUT)
}

func (b *epollBackend) disarmFD(fd int, bit uint32) error {
	v, existed := fdRegs.Load(fd)
	if !existed {
		return errNoSuchSource
	}
	cur := v.(uint32)
	next := cur &^ bit
	if next == 0 {
		fdRegs.Delete(fd)
		return b.epollDel(fd)
	}
	fdRegs.Store(fd, next)
	return b.epollMod(fd, next, false)
}

func (b *epollBackend) deregisterFD(fd int) error {
	_, existed := fdRegs.Load(fd)
	fdRegs.Delete(fd)
	if !existed {
		return errNoSuchSource
	}
	return b.epollDel(fd)
}

func (b *epollBackend) addSignal(sig int) error {
	// Tell the Go runtime to stop forwarding the signal to its own
	// handler before touching the mask, the same ordering lkq_add_signal
	// uses (disposition set before the source is armed).
	signal.Ignore(syscall.Signal(sig))
	var set unix.Sigset_t
	sigaddset(&set, sig)
	if err := unix.SigprocMask(unix.SIG_BLOCK, &set, nil); err != nil {
		return err
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.signalFDs[sig] = fd
	b.mu.Unlock()
	return b.epollAdd(fd, unix.EPOLLIN, false)
}

func (b *epollBackend) delSignal(sig int) error {
	b.mu.Lock()
	fd, ok := b.signalFDs[sig]
	delete(b.signalFDs, sig)
	b.mu.Unlock()
	if !ok {
		return errNoSuchSource
	}
	unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil) //nolint:errcheck
	return unix.Close(fd)
}

func (b *epollBackend) addPID(pid int) error {
	b.mu.Lock()
	b.pidWaits[pid] = struct{}{}
	b.mu.Unlock()
	go func() {
		var ws unix.WaitStatus
		for {
			_, err := unix.Wait4(pid, &ws, 0, nil)
			if err == unix.EINTR {
				continue
			}
			break
		}
		b.mu.Lock()
		_, stillArmed := b.pidWaits[pid]
		delete(b.pidWaits, pid)
		if stillArmed {
			b.pidDone = append(b.pidDone, sourceKey{ident: int64(pid), filter: FilterProc})
		}
		b.mu.Unlock()
		unix.Write(b.eventPipe[1], []byte{0}) //nolint:errcheck
	}()
	return nil
}

func (b *epollBackend) delPID(pid int) error {
	b.mu.Lock()
	_, ok := b.pidWaits[pid]
	delete(b.pidWaits, pid)
	b.mu.Unlock()
	if !ok {
		return errNoSuchSource
	}
	return nil
}

func (b *epollBackend) addTimer(id int64, d time.Duration) error {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return err
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		// timerfd treats an all-zero Value as "disarm"; add_timer(0) must
		// still fire on the next wait, so arm the minimal representable
		// duration instead.
		spec.Value.Nsec = 1
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return err
	}
	b.mu.Lock()
	b.timerFDs[id] = fd
	b.mu.Unlock()
	return b.epollAdd(fd, unix.EPOLLIN, false)
}

func (b *epollBackend) delTimer(id int64) error {
	b.mu.Lock()
	fd, ok := b.timerFDs[id]
	delete(b.timerFDs, id)
	b.mu.Unlock()
	if !ok {
		return errNoSuchSource
	}
	unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil) //nolint:errcheck
	return unix.Close(fd)
}

func (b *epollBackend) wait(out []sourceKey, timeout *time.Duration) ([]sourceKey, error) {
	ms := -1
	if timeout != nil {
		ms = int(timeout.Milliseconds())
	}
	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return out, errInterrupted
		}
		return out, err
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		switch {
		case fd == b.eventPipe[0]:
			drainPipe(fd)
			b.mu.Lock()
			out = append(out, b.pidDone...)
			b.pidDone = b.pidDone[:0]
			b.mu.Unlock()
		case b.isSignalFD(fd):
			out = b.drainSignalFD(fd, out)
		case b.isTimerFD(fd):
			var buf [8]byte
			unix.Read(fd, buf[:]) //nolint:errcheck
			out = append(out, sourceKey{ident: b.timerIDFor(fd), filter: FilterTimer})
		default:
			if events[i].Events&unix.EPOLLIN != 0 {
				out = append(out, sourceKey{ident: int64(fd), filter: FilterRead})
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				out = append(out, sourceKey{ident: int64(fd), filter: FilterWrite})
			}
			if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				if v, ok := fdRegs.Load(fd); ok {
					regs := v.(uint32)
					if regs&unix.EPOLLIN != 0 {
						out = append(out, sourceKey{ident: int64(fd), filter: FilterRead})
					}
					if regs&unix.EPOLLOUT != 0 {
						out = append(out, sourceKey{ident: int64(fd), filter: FilterWrite})
					}
				}
			}
		}
	}
	return out, nil
}

func (b *epollBackend) isSignalFD(fd int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.signalFDs {
		if v == fd {
			return true
		}
	}
	return false
}

func (b *epollBackend) sigNumberFor(fd int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sig, v := range b.signalFDs {
		if v == fd {
			return sig
		}
	}
	return 0
}

func (b *epollBackend) drainSignalFD(fd int, out []sourceKey) []sourceKey {
	var info unix.SignalfdSiginfo
	if _, err := readSignalfdSiginfo(fd, &info); err == nil {
		out = append(out, sourceKey{ident: int64(info.Signo), filter: FilterSignal})
	} else {
		out = append(out, sourceKey{ident: int64(b.sigNumberFor(fd)), filter: FilterSignal})
	}
	return out
}

func (b *epollBackend) isTimerFD(fd int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.timerFDs {
		if v == fd {
			return true
		}
	}
	return false
}

func (b *epollBackend) timerIDFor(fd int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, v := range b.timerFDs {
		if v == fd {
			return id
		}
	}
	return -1
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// sigaddset sets the bit for sig (1-based) directly in the Sigset_t's
// backing memory, since x/sys/unix exposes no portable sigaddset and the
// struct's internal word layout varies by architecture.
func sigaddset(set *unix.Sigset_t, sig int) {
	bytes := (*[unsafe.Sizeof(unix.Sigset_t{})]byte)(unsafe.Pointer(set))[:]
	idx := (sig - 1) / 8
	bit := uint((sig - 1) % 8)
	bytes[idx] |= 1 << bit
}

func readSignalfdSiginfo(fd int, info *unix.SignalfdSiginfo) (int, error) {
	buf := (*[unix.SizeofSignalfdSiginfo]byte)(unsafe.Pointer(info))[:]
	return unix.Read(fd, buf)
}
