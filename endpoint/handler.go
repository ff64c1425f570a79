package endpoint

import (
	"golang.org/x/sys/unix"

	"github.com/wuyongjia/pool"
)

// SocketState is the Handler's verdict on a connection after a dispatch.
type SocketState int

const (
	// SocketOpen keeps the connection alive: the core re-arms read interest
	// and returns the socket to the poller.
	SocketOpen SocketState = iota
	// SocketClosed tells the core to close the socket.
	SocketClosed
	// SocketLong leaves the socket parked: the handler has taken ownership
	// of re-arm timing (comet/long-poll).
	SocketLong
)

// Handler is the protocol boundary of the endpoint. Process is called for
// normal readiness, Event for comet readiness; errored marks an event that
// arose from cancellation or failure. The socket is non-blocking in both.
type Handler interface {
	Process(s *Socket) SocketState
	Event(s *Socket, errored bool) SocketState
}

const echoBufferSize = 16 * 1024

// EchoHandler writes back whatever it reads. It is the default handler of the
// demo binary and the workhorse of the end-to-end tests: OPEN after a served
// request, CLOSED on EOF or error.
type EchoHandler struct {
	buffers *pool.Pool
}

func NewEchoHandler() *EchoHandler {
	return &EchoHandler{
		buffers: pool.New(64, func() interface{} {
			var buf = make([]byte, echoBufferSize)
			return &buf
		}),
	}
}

func (h *EchoHandler) Process(s *Socket) SocketState {
	buf, err := h.getBuffer()
	if err != nil {
		return SocketClosed
	}
	defer h.buffers.Put(buf)

	n, err := s.Read(*buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			// Spurious readiness; wait for real data.
			return SocketOpen
		}
		return SocketClosed
	}
	if n == 0 {
		// EOF
		return SocketClosed
	}

	if !writeFull(s, (*buf)[:n]) {
		return SocketClosed
	}
	return SocketOpen
}

func (h *EchoHandler) Event(s *Socket, errored bool) SocketState {
	if errored {
		return SocketClosed
	}
	return h.Process(s)
}

func (h *EchoHandler) getBuffer() (*[]byte, error) {
	item, err := h.buffers.Get()
	if err != nil {
		return nil, err
	}
	buf, ok := item.(*[]byte)
	if !ok {
		return nil, ErrBufferPool
	}
	return buf, nil
}

// writeFull drains p to the non-blocking socket, spinning on EAGAIN. The
// worker owns the socket for the duration, so there is no poller to defer to.
func writeFull(s *Socket, p []byte) bool {
	for len(p) > 0 {
		n, err := s.Write(p)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return false
		}
		p = p[n:]
	}
	return true
}
