//go:build linux
// +build linux

package endpoint

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

// Selector is the readiness multiplexer behind a Poller: an epoll instance
// plus an eventfd used to break a blocked wait. It tracks the interest set of
// every registered descriptor so that interest can be cleared on delivery
// (one-shot dispatch) and queried by the idle-timeout scan.
//
// Only the poller goroutine may call Select or mutate interest; every other
// goroutine is limited to Wakeup.
type Selector struct {
	epollFd  int
	wakeFd   int
	maxKeys  int
	interest map[int]uint32
	events   []unix.EpollEvent
	closed   int32
}

func NewSelector(maxKeys int) (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}

	s := &Selector{
		epollFd:  epfd,
		wakeFd:   efd,
		maxKeys:  maxKeys,
		interest: make(map[int]uint32),
		events:   make([]unix.EpollEvent, 128),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd,
		&unix.EpollEvent{Fd: int32(efd), Events: unix.EPOLLIN}); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, fmt.Errorf("register eventfd: %w", err)
	}

	return s, nil
}

// AddRead registers fd with read interest.
func (s *Selector) AddRead(fd int) error {
	if s.maxKeys > 0 && len(s.interest) >= s.maxKeys {
		return ErrPollerFull
	}
	err := os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, fd,
			&unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
	if err != nil {
		return err
	}
	s.interest[fd] = readEvents
	return nil
}

// ModRead re-arms read interest on an already registered fd.
func (s *Selector) ModRead(fd int) error {
	if _, ok := s.interest[fd]; !ok {
		return s.AddRead(fd)
	}
	err := os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_MOD, fd,
			&unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
	if err != nil {
		return err
	}
	s.interest[fd] = readEvents
	return nil
}

// ClearInterest drops every interest bit from fd without deregistering it.
// The fd stays in the epoll set but fires nothing until re-armed.
func (s *Selector) ClearInterest(fd int) error {
	err := os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_MOD, fd,
			&unix.EpollEvent{Fd: int32(fd), Events: 0}))
	if err != nil {
		return err
	}
	s.interest[fd] = 0
	return nil
}

// Interest returns the current interest bits of fd, 0 when unknown.
func (s *Selector) Interest(fd int) uint32 {
	return s.interest[fd]
}

// Registered reports whether fd is in the selector's key set.
func (s *Selector) Registered(fd int) bool {
	_, ok := s.interest[fd]
	return ok
}

// Delete removes fd from the epoll set.
func (s *Selector) Delete(fd int) error {
	if _, ok := s.interest[fd]; !ok {
		return nil
	}
	delete(s.interest, fd)
	return os.NewSyscallError("epoll_ctl del",
		unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

// Forget drops fd from interest tracking without an epoll_ctl call. Used when
// the descriptor was already closed, which deregisters it in the kernel.
func (s *Selector) Forget(fd int) {
	delete(s.interest, fd)
}

// Select waits up to timeoutMs for readiness. A negative timeout blocks until
// the next event or wakeup.
func (s *Selector) Select(timeoutMs int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(s.epollFd, s.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}
	return s.events[:n], nil
}

// Wakeup breaks a blocked Select. Callable from any goroutine.
func (s *Selector) Wakeup() {
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	var one uint64 = 1
	unix.Write(s.wakeFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
}

// IsWakeup reports whether fd is the wakeup descriptor.
func (s *Selector) IsWakeup(fd int) bool {
	return fd == s.wakeFd
}

// DrainWakeup consumes a pending wakeup token.
func (s *Selector) DrainWakeup() {
	var buf uint64
	unix.Read(s.wakeFd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
}

// Close releases the epoll and eventfd descriptors. Registered connection
// descriptors are not touched; their owners close them.
func (s *Selector) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	var errs MultiError
	if err := unix.Close(s.wakeFd); err != nil {
		errs = append(errs, fmt.Errorf("close eventfd: %w", err))
	}
	if err := unix.Close(s.epollFd); err != nil {
		errs = append(errs, fmt.Errorf("close epoll: %w", err))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
