//go:build linux
// +build linux

package endpoint

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sashashura/tomcat/log"
)

// Acceptor blocks on accept and hands every new socket to SetSocketOptions,
// which registers it with a poller. Accept failures never terminate the loop;
// they are logged and the acceptor retries.
type Acceptor struct {
	ep *Endpoint
	id int
}

func (a *Acceptor) run() {
	for a.ep.IsRunning() {

		// Spin in a sleep loop while paused.
		for a.ep.IsPaused() && a.ep.IsRunning() {
			time.Sleep(time.Second)
		}
		if !a.ep.IsRunning() {
			break
		}

		nfd, sa, err := unix.Accept(a.ep.serverFd)
		if err != nil {
			if !a.ep.IsRunning() {
				break
			}
			switch err {
			case unix.EINTR, unix.EAGAIN, unix.ECONNABORTED:
				continue
			}
			log.Logger.Error("accept failed", zap.Int("acceptor", a.id), zap.Error(err))
			continue
		}

		if !a.ep.IsRunning() {
			unix.Close(nfd)
			break
		}

		s := newSocket(nfd, ipFromSockaddr(sa))
		if !a.ep.SetSocketOptions(s) {
			s.closeFd()
		}
	}
	log.Logger.Debug("acceptor exiting", zap.Int("acceptor", a.id))
}
