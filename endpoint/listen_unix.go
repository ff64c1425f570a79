//go:build linux
// +build linux

package endpoint

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sashashura/tomcat/log"
)

// bind creates the blocking listening socket. Bind failure is a fatal
// lifecycle error: it propagates and the endpoint stays uninitialized.
func (ep *Endpoint) bind() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("server socket: %w", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	addr := unix.SockaddrInet4{Port: ep.cfg.Port}
	if ep.cfg.Address != "" {
		ip := net.ParseIP(ep.cfg.Address)
		if ip == nil || ip.To4() == nil {
			unix.Close(fd)
			return fmt.Errorf("bad listen address %q", ep.cfg.Address)
		}
		copy(addr.Addr[:], ip.To4())
	}

	if err = unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s:%d: %w", ep.cfg.Address, ep.cfg.Port, err)
	}
	if err = unix.Listen(fd, ep.cfg.Backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}

	ep.boundPort = ep.cfg.Port
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			ep.boundPort = in4.Port
		}
	}

	ep.serverFd = fd
	return nil
}

func (ep *Endpoint) closeListener() error {
	if ep.serverFd < 0 {
		return nil
	}
	err := unix.Close(ep.serverFd)
	ep.serverFd = -1
	return err
}

// SetSocketOptions prepares a freshly accepted socket and registers it with a
// poller: non-blocking mode, SO_LINGER, TCP_NODELAY, the TLS handshake when
// enabled. False tells the caller to close the socket.
func (ep *Endpoint) SetSocketOptions(s *Socket) bool {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		log.Logger.Debug("set nonblock", zap.Int("fd", s.fd), zap.Error(err))
		return false
	}
	if ep.cfg.SoLinger >= 0 {
		linger := &unix.Linger{Onoff: 1, Linger: int32(ep.cfg.SoLinger)}
		if err := unix.SetsockoptLinger(s.fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
			log.Logger.Debug("set SO_LINGER", zap.Int("fd", s.fd), zap.Error(err))
			return false
		}
	}
	if ep.cfg.TCPNoDelay {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			log.Logger.Debug("set TCP_NODELAY", zap.Int("fd", s.fd), zap.Error(err))
			return false
		}
	}

	if ep.sslEnabled() {
		if err := ep.handshake(s); err != nil {
			log.Logger.Debug("tls handshake failed", zap.Int("fd", s.fd), zap.Error(err))
			return false
		}
	}

	p := ep.getPoller()
	if p == nil {
		return false
	}
	p.Register(s, false)
	return true
}
