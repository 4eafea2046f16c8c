// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd

package eventq

import (
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend is the BSD/Darwin implementation, grounded directly on
// lkq.c: one kqueue fd, EV_ADD/EV_DELETE per source, EVFILT_SIGNAL after
// setting the signal's disposition to ignore, EVFILT_PROC|NOTE_EXIT for
// pid exit, and EVFILT_TIMER|NOTE_NSECONDS for nanosecond-resolution
// one-shot timers.
type kqueueBackend struct {
	fd int
}

func newBackend() (backend, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &kqueueBackend{fd: fd}, nil
}

func (k *kqueueBackend) close() error {
	return unix.Close(k.fd)
}

func (k *kqueueBackend) changeOne(ev *unix.Kevent_t) error {
	_, err := unix.Kevent(k.fd, []unix.Kevent_t{*ev}, nil, nil)
	if err != nil {
		return err
	}
	if ev.Flags&unix.EV_RECEIPT != 0 && ev.Flags&unix.EV_ERROR != 0 && ev.Data != 0 {
		return unix.Errno(ev.Data)
	}
	return nil
}

func kqFlagsAdd(oneShot bool) uint16 {
	f := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if oneShot {
		f |= unix.EV_ONESHOT
	}
	return f
}

func (k *kqueueBackend) addFDRead(fd int, oneShot bool) error {
	return k.changeOne(&unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: kqFlagsAdd(oneShot)})
}

func (k *kqueueBackend) addFDWrite(fd int, oneShot bool) error {
	return k.changeOne(&unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: kqFlagsAdd(oneShot)})
}

func (k *kqueueBackend) delFDRead(fd int) error {
	err := k.changeOne(&unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	return tolerateENOENT(err)
}

func (k *kqueueBackend) delFDWrite(fd int) error {
	err := k.changeOne(&unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	return tolerateENOENT(err)
}

// deregisterFD mirrors lkq_deregister_fd: both filters are submitted in
// one EV_RECEIPT batch and ENOENT receipts are tolerated per-filter.
func (k *kqueueBackend) deregisterFD(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE | unix.EV_RECEIPT},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE | unix.EV_RECEIPT},
	}
	out := make([]unix.Kevent_t, len(changes))
	n, err := unix.Kevent(k.fd, changes, out, nil)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if out[i].Flags&unix.EV_ERROR != 0 && out[i].Data != 0 && unix.Errno(out[i].Data) != unix.ENOENT {
			return unix.Errno(out[i].Data)
		}
	}
	return nil
}

func (k *kqueueBackend) addSignal(sig int) error {
	// matches lkq_add_signal: disposition is set to ignore before arming
	// the kqueue source, so asynchronous delivery before EVENTQ observes
	// it cannot kill the process.
	signal.Ignore(syscall.Signal(sig))
	return k.changeOne(&unix.Kevent_t{Ident: uint64(sig), Filter: unix.EVFILT_SIGNAL, Flags: kqFlagsAdd(false)})
}

func (k *kqueueBackend) delSignal(sig int) error {
	err := k.changeOne(&unix.Kevent_t{Ident: uint64(sig), Filter: unix.EVFILT_SIGNAL, Flags: unix.EV_DELETE})
	return tolerateENOENT(err)
}

func (k *kqueueBackend) addPID(pid int) error {
	return k.changeOne(&unix.Kevent_t{
		Ident: uint64(pid), Filter: unix.EVFILT_PROC,
		Flags: unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		Fflags: unix.NOTE_EXIT,
	})
}

// delPID deletes under EVFILT_PROC, the filter addPID armed. lkq.c's
// remove_pid cleared its callback entry under SIGNAL while deleting the
// kernel source under PROC; here both sides use PROC.
func (k *kqueueBackend) delPID(pid int) error {
	err := k.changeOne(&unix.Kevent_t{Ident: uint64(pid), Filter: unix.EVFILT_PROC, Flags: unix.EV_DELETE})
	return tolerateENOENT(err)
}

func (k *kqueueBackend) addTimer(id int64, d time.Duration) error {
	return k.changeOne(&unix.Kevent_t{
		Ident: uint64(id), Filter: unix.EVFILT_TIMER,
		Flags: unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		Fflags: unix.NOTE_NSECONDS,
		Data:  int64(d),
	})
}

func (k *kqueueBackend) delTimer(id int64) error {
	err := k.changeOne(&unix.Kevent_t{Ident: uint64(id), Filter: unix.EVFILT_TIMER, Flags: unix.EV_DELETE})
	return tolerateENOENT(err)
}

func (k *kqueueBackend) wait(out []sourceKey, timeout *time.Duration) ([]sourceKey, error) {
	var events [64]unix.Kevent_t
	var ts *unix.Timespec
	if timeout != nil {
		spec := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &spec
	}
	n, err := unix.Kevent(k.fd, nil, events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return out, errInterrupted
		}
		return out, err
	}
	for i := 0; i < n; i++ {
		out = append(out, sourceKey{ident: int64(events[i].Ident), filter: filterFromKqueue(events[i].Filter)})
	}
	return out, nil
}

func filterFromKqueue(f int16) Filter {
	switch f {
	case unix.EVFILT_READ:
		return FilterRead
	case unix.EVFILT_WRITE:
		return FilterWrite
	case unix.EVFILT_SIGNAL:
		return FilterSignal
	case unix.EVFILT_PROC:
		return FilterProc
	case unix.EVFILT_TIMER:
		return FilterTimer
	default:
		return -1
	}
}

func tolerateENOENT(err error) error {
	if err == unix.ENOENT {
		return errNoSuchSource
	}
	return err
}
