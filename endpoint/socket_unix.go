//go:build linux
// +build linux

package endpoint

import (
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Socket wraps a connected non-blocking file descriptor. It is what the
// Handler receives; reads and writes go straight to the kernel and may return
// EAGAIN. A Socket is owned by exactly one goroutine at a time: the poller
// hands it to a worker, and the worker keeps it until it closes the socket or
// re-arms read interest.
type Socket struct {
	fd     int
	ip     string
	att    *KeyAttachment
	poller *Poller
	closed int32
}

func newSocket(fd int, ip string) *Socket {
	return &Socket{fd: fd, ip: ip}
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) IP() string {
	return s.ip
}

// Attachment returns the per-registration state, nil before registration.
func (s *Socket) Attachment() *KeyAttachment {
	return s.att
}

// Poller returns the poller the socket is registered with, nil before
// registration.
func (s *Socket) Poller() *Poller {
	return s.poller
}

func (s *Socket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *Socket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Close closes the descriptor and tells the owning poller to forget the
// registration. Safe to call more than once.
func (s *Socket) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	if s.poller != nil {
		s.poller.release(s)
	}
	return unix.Close(s.fd)
}

// closeFd closes the descriptor without notifying the poller: used before
// registration, and by the poller itself once it has dropped the key.
func (s *Socket) closeFd() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		unix.Close(s.fd)
	}
}

func (s *Socket) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// AwaitReadable parks the calling goroutine until the socket becomes readable
// again. Used by comet handlers that return from Process/Event with LONG and
// want to resume on the next request data. The wakeUp flag must be set before
// read interest is re-armed; the poller observing readiness with wakeUp set
// releases the parker instead of dispatching.
func (s *Socket) AwaitReadable() {
	s.att.SetWakeUp(true)
	s.poller.add(s, false)
	s.att.parkWait()
}

func ipFromSockaddr(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]).String()
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]).String()
	default:
		return ""
	}
}
