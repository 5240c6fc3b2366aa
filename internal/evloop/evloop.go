// Package evloop is a single-threaded, readiness-based dispatcher
// modeled on original_source/utils/cube_event.c: one epoll instance per
// loop, timers and signals delivered as ordinary readable fds
// (timerfd/signalfd), and an idle queue that is fully drained both
// before and after each epoll_wait pass. Per spec.md §5 the compositor
// core never dispatches from more than one goroutine at a time, so
// nothing here needs synchronization beyond what the kernel already
// serializes through epoll_wait.
package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// EventMask is a bitmask of readiness conditions, mirroring
// CB_EVT_READABLE/WRITABLE/HANGUP/ERROR from the original event loop.
type EventMask uint32

const (
	Readable EventMask = 1 << iota
	Writable
	Hangup
	Error
)

// FDCallback is invoked when fd becomes ready. The loop ignores the
// return value; a source stays registered until it is passed to Remove.
type FDCallback func(fd int, mask EventMask) int32

// TimerCallback is invoked when a timer fires.
type TimerCallback func() int32

// SignalCallback is invoked when a blocked signal is delivered.
type SignalCallback func(signum int) int32

type sourceKind int

const (
	kindFD sourceKind = iota
	kindTimer
	kindSignal
)

// Source is a handle to a registered fd, timer, or signal source. Pass
// it to Loop.Remove to tear it down.
type Source struct {
	kind   sourceKind
	fd     int32 // underlying raw fd epoll is watching; -1 once removed
	origFD int   // caller's fd, for kindFD only
	signum int

	fdCB     FDCallback
	timerCB  TimerCallback
	signalCB SignalCallback
}

// Loop is one epoll-backed event loop instance.
type Loop struct {
	epollFd int

	sources map[int32]*Source
	idle    []func()

	destroy []*Source

	// destroyCbs are notified once, in Close, before the epoll fd
	// is closed — the Go equivalent of destroy_signal in the original.
	destroyCbs []func(*Loop)
}

// New creates an event loop backed by a close-on-exec epoll instance.
func New() (*Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evloop: epoll_create1: %w", err)
	}
	return &Loop{
		epollFd: fd,
		sources: make(map[int32]*Source),
	}, nil
}

// OnClose registers cb to run when the loop is closed, before any
// remaining sources are torn down.
func (l *Loop) OnClose(cb func(*Loop)) {
	l.destroyCbs = append(l.destroyCbs, cb)
}

// Close runs destroy listeners, releases every remaining source, and
// closes the epoll fd. The loop must not be used afterward.
func (l *Loop) Close() error {
	for _, cb := range l.destroyCbs {
		cb(l)
	}
	for _, src := range l.sources {
		l.closeSourceFD(src)
	}
	l.sources = nil
	l.idle = nil
	return unix.Close(l.epollFd)
}

// AddIdle schedules cb to run once, on the next idle drain. Idle
// callbacks run before the first epoll_wait of a Dispatch call and
// again after any fds become ready in that same call, matching the
// double drain in cb_event_loop_dispatch.
func (l *Loop) AddIdle(cb func()) {
	l.idle = append(l.idle, cb)
}

func (l *Loop) dispatchIdle() {
	for len(l.idle) > 0 {
		cb := l.idle[0]
		l.idle = l.idle[1:]
		cb()
	}
}

// AddFD registers fd for readiness notification. The callback's return
// value is ignored for liveness; call Remove explicitly to tear the
// source down, mirroring the original's explicit cb_event_source_remove.
func (l *Loop) AddFD(fd int, mask EventMask, cb FDCallback) (*Source, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("evloop: dup fd: %w", err)
	}
	src := &Source{kind: kindFD, fd: int32(dup), origFD: fd, fdCB: cb}
	if err := l.addEpoll(src, mask); err != nil {
		unix.Close(dup)
		return nil, err
	}
	return src, nil
}

// UpdateFDMask changes the readiness mask for an fd source already
// registered with AddFD.
func (l *Loop) UpdateFDMask(src *Source, mask EventMask) error {
	ev := toEpollEvent(src.fd, mask)
	return unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_MOD, int(src.fd), &ev)
}

// AddTimer creates a monotonic timerfd source. Call UpdateTimer to arm
// or disarm it; a freshly created timer is disarmed.
func (l *Loop) AddTimer(cb TimerCallback) (*Source, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("evloop: timerfd_create: %w", err)
	}
	src := &Source{kind: kindTimer, fd: int32(fd), timerCB: cb}
	if err := l.addEpoll(src, Readable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return src, nil
}

// UpdateTimer arms src to fire once after d. A zero duration disarms it.
func (l *Loop) UpdateTimer(src *Source, d time.Duration) error {
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(0),
		Value:    unix.NsecToTimespec(d.Nanoseconds()),
	}
	return unix.TimerfdSettime(int(src.fd), 0, &spec, nil)
}

// AddSignal creates a signalfd source for signum, blocking delivery of
// that signal through the usual disposition so it is only observed
// through this loop.
func (l *Loop) AddSignal(signum int, cb SignalCallback) (*Source, error) {
	var set unix.Sigset_t
	word, bit := (signum-1)/64, uint((signum-1)%64)
	set.Val[word] |= 1 << bit

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, fmt.Errorf("evloop: pthread_sigmask: %w", err)
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("evloop: signalfd: %w", err)
	}
	src := &Source{kind: kindSignal, fd: int32(fd), signum: signum, signalCB: cb}
	if err := l.addEpoll(src, Readable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return src, nil
}

// Remove stops watching src and schedules its fd for close. Matches
// cb_event_source_remove: closing is deferred to the end of the current
// Dispatch so a callback removing its own source mid-dispatch is safe.
func (l *Loop) Remove(src *Source) {
	if src == nil || src.fd < 0 {
		return
	}
	unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, int(src.fd), nil)
	delete(l.sources, src.fd)
	l.destroy = append(l.destroy, src)
}

func (l *Loop) closeSourceFD(src *Source) {
	if src.fd >= 0 {
		unix.Close(int(src.fd))
		src.fd = -1
	}
}

func (l *Loop) processDestroyList() {
	for _, src := range l.destroy {
		l.closeSourceFD(src)
	}
	l.destroy = l.destroy[:0]
}

func (l *Loop) addEpoll(src *Source, mask EventMask) error {
	ev := toEpollEvent(src.fd, mask)
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_ADD, int(src.fd), &ev); err != nil {
		return fmt.Errorf("evloop: epoll_ctl add: %w", err)
	}
	l.sources[src.fd] = src
	return nil
}

func toEpollEvent(fd int32, mask EventMask) unix.EpollEvent {
	var events uint32
	if mask&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events}
	ev.Fd = fd
	return ev
}

// Dispatch drains the idle queue, waits up to timeoutMS for readiness
// (a negative timeout blocks indefinitely), dispatches every ready
// source, processes deferred removals, and drains the idle queue again.
func (l *Loop) Dispatch(timeoutMS int) error {
	l.dispatchIdle()

	var events [32]unix.EpollEvent
	var n int
	var err error
	for {
		n, err = unix.EpollWait(l.epollFd, events[:], timeoutMS)
		if err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("evloop: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		src, ok := l.sources[events[i].Fd]
		if !ok {
			continue
		}
		l.dispatchSource(src, events[i].Events)
	}

	l.processDestroyList()
	l.dispatchIdle()
	return nil
}

func (l *Loop) dispatchSource(src *Source, events uint32) {
	switch src.kind {
	case kindFD:
		var mask EventMask
		if events&unix.EPOLLIN != 0 {
			mask |= Readable
		}
		if events&unix.EPOLLOUT != 0 {
			mask |= Writable
		}
		if events&unix.EPOLLHUP != 0 {
			mask |= Hangup
		}
		if events&unix.EPOLLERR != 0 {
			mask |= Error
		}
		src.fdCB(src.origFD, mask)
	case kindTimer:
		var buf [8]byte
		unix.Read(int(src.fd), buf[:])
		src.timerCB()
	case kindSignal:
		var buf [128]byte
		unix.Read(int(src.fd), buf[:])
		src.signalCB(src.signum)
	}
}
