package endpoint

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashashura/tomcat/log"
)

func TestMain(m *testing.M) {
	log.InitDevLogger()
	os.Exit(m.Run())
}

// newTestEndpoint starts an endpoint on an ephemeral port and tears it down
// with the test.
func newTestEndpoint(t *testing.T, cfg *Config, h Handler, ex Executor) *Endpoint {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Port = 0
	cfg.Address = "127.0.0.1"
	cfg.SelectorTimeout = 200
	ep := New(cfg, h)
	if ex != nil {
		ep.SetExecutor(ex)
	}
	require.NoError(t, ep.Start())
	t.Cleanup(func() {
		ep.Stop()
		ep.Destroy()
	})
	return ep
}

func dialEndpoint(t *testing.T, ep *Endpoint) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", ep.Port()), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echoOnce(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, payload, string(buf))
}

func TestLifecycleIdempotence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Address = "127.0.0.1"
	ep := New(cfg, NewEchoHandler())

	require.NoError(t, ep.Init())
	require.NoError(t, ep.Init())

	require.NoError(t, ep.Start())
	require.NoError(t, ep.Start())
	assert.True(t, ep.IsRunning())

	ep.Pause()
	ep.Pause()
	assert.True(t, ep.IsPaused())
	ep.Resume()
	assert.False(t, ep.IsPaused())

	ep.Stop()
	ep.Stop()
	assert.False(t, ep.IsRunning())

	require.NoError(t, ep.Destroy())
	require.NoError(t, ep.Destroy())
}

func TestStartAfterDestroyRebinds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Address = "127.0.0.1"
	ep := New(cfg, NewEchoHandler())

	require.NoError(t, ep.Start())
	conn := dialEndpoint(t, ep)
	echoOnce(t, conn, "ping")
	ep.Stop()
	require.NoError(t, ep.Destroy())

	require.NoError(t, ep.Start())
	defer func() {
		ep.Stop()
		ep.Destroy()
	}()
	conn2 := dialEndpoint(t, ep)
	echoOnce(t, conn2, "pong")
}

func TestEchoConcurrentClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	ep := newTestEndpoint(t, cfg, NewEchoHandler(), nil)

	const clients = 10
	const exchanges = 20

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp",
				fmt.Sprintf("127.0.0.1:%d", ep.Port()), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			buf := make([]byte, 4)
			for i := 0; i < exchanges; i++ {
				if _, err := conn.Write([]byte("ping")); err != nil {
					errs <- err
					return
				}
				conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				if _, err := io.ReadFull(conn, buf); err != nil {
					errs <- err
					return
				}
				if string(buf) != "ping" {
					errs <- fmt.Errorf("bad echo %q", buf)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, ep.CurrentThreadCount(), 4)
	assert.Eventually(t, func() bool { return ep.KeepAliveCount() == 0 },
		5*time.Second, 20*time.Millisecond,
		"all registrations should clear after clients close")
}

// gaugeHandler echoes while measuring handler concurrency.
type gaugeHandler struct {
	inner   *EchoHandler
	current int32
	max     int32
}

func (h *gaugeHandler) Process(s *Socket) SocketState {
	cur := atomic.AddInt32(&h.current, 1)
	for {
		old := atomic.LoadInt32(&h.max)
		if cur <= old || atomic.CompareAndSwapInt32(&h.max, old, cur) {
			break
		}
	}
	time.Sleep(100 * time.Millisecond)
	state := h.inner.Process(s)
	atomic.AddInt32(&h.current, -1)
	return state
}

func (h *gaugeHandler) Event(s *Socket, errored bool) SocketState {
	return h.inner.Event(s, errored)
}

func TestMaxThreadsOneSerializesDispatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 1
	handler := &gaugeHandler{inner: NewEchoHandler()}
	ep := newTestEndpoint(t, cfg, handler, nil)

	var wg sync.WaitGroup
	for c := 0; c < 2; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp",
				fmt.Sprintf("127.0.0.1:%d", ep.Port()), 2*time.Second)
			require.NoError(t, err)
			defer conn.Close()
			_, err = conn.Write([]byte("ping"))
			require.NoError(t, err)
			buf := make([]byte, 4)
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&handler.max),
		"a single worker must serialize concurrent dispatch")
}

func TestIdleConnectionClosedBySoTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SoTimeout = 200
	ep := newTestEndpoint(t, cfg, NewEchoHandler(), nil)

	conn := dialEndpoint(t, ep)
	echoOnce(t, conn, "hi")

	// Idle past soTimeout: the scan cancels the key and closes the socket.
	assert.Eventually(t, func() bool { return ep.KeepAliveCount() == 0 },
		5*time.Second, 20*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.Error(t, err, "server side must be closed after the idle scan")
}

// payloadCountingHandler echoes and counts dispatches that carried data,
// ignoring the accept-unlock connections that close without a payload.
type payloadCountingHandler struct {
	inner *EchoHandler
	count int64
}

func (h *payloadCountingHandler) Process(s *Socket) SocketState {
	buf := make([]byte, 4096)
	n, err := s.Read(buf)
	if err != nil || n == 0 {
		return SocketClosed
	}
	atomic.AddInt64(&h.count, 1)
	if !writeFull(s, buf[:n]) {
		return SocketClosed
	}
	return SocketOpen
}

func (h *payloadCountingHandler) Event(s *Socket, errored bool) SocketState {
	return h.inner.Event(s, errored)
}

func (h *payloadCountingHandler) served() int {
	return int(atomic.LoadInt64(&h.count))
}

func TestPauseDefersAcceptUntilResume(t *testing.T) {
	handler := &payloadCountingHandler{inner: NewEchoHandler()}
	ep := newTestEndpoint(t, nil, handler, nil)

	ep.Pause()
	require.True(t, ep.IsPaused())

	// The kernel backlog still completes the TCP handshake.
	conn := dialEndpoint(t, ep)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, handler.served(), "no dispatch while paused")

	ep.Resume()

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err, "pending connection must be served after resume")
	assert.Equal(t, "ping", string(buf))
	assert.Equal(t, 1, handler.served())
}

func TestExternalExecutorBypassesPool(t *testing.T) {
	ex := &inlineExecutor{}
	ep := newTestEndpoint(t, nil, NewEchoHandler(), ex)

	var wg sync.WaitGroup
	for c := 0; c < 5; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp",
				fmt.Sprintf("127.0.0.1:%d", ep.Port()), 2*time.Second)
			require.NoError(t, err)
			defer conn.Close()
			_, err = conn.Write([]byte("ping"))
			require.NoError(t, err)
			buf := make([]byte, 4)
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, ex.Tasks(), 5, "each client dispatch goes to the executor")
	assert.Equal(t, 0, ep.CurrentThreadCount(), "worker pool must stay untouched")
}

// cometHandler marks the first dispatch of a connection as comet and parks it.
type cometHandler struct {
	sockets chan *Socket
	events  int64
	errored int64
}

func (h *cometHandler) Process(s *Socket) SocketState {
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil || n == 0 {
		return SocketClosed
	}
	s.Attachment().SetComet(true)
	h.sockets <- s
	return SocketLong
}

func (h *cometHandler) Event(s *Socket, errored bool) SocketState {
	atomic.AddInt64(&h.events, 1)
	if errored {
		atomic.AddInt64(&h.errored, 1)
	}
	return SocketClosed
}

func TestCometEventDeliveredExactlyOnce(t *testing.T) {
	handler := &cometHandler{sockets: make(chan *Socket, 1)}
	ep := newTestEndpoint(t, nil, handler, nil)

	conn := dialEndpoint(t, ep)
	_, err := conn.Write([]byte("subscribe"))
	require.NoError(t, err)

	var s *Socket
	select {
	case s = <-handler.sockets:
	case <-time.After(5 * time.Second):
		t.Fatal("first dispatch did not arrive")
	}

	// Parked: nothing may be delivered until the re-arm.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&handler.events))

	s.Poller().Add(s)
	_, err = conn.Write([]byte("data"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&handler.events) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&handler.errored))

	// No spurious redelivery.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&handler.events))
}

// gateHandler blocks in-flight dispatches until released.
type gateHandler struct {
	started chan struct{}
	release chan struct{}
	calls   int64
	done    int64
}

func (h *gateHandler) Process(s *Socket) SocketState {
	atomic.AddInt64(&h.calls, 1)
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil || n == 0 {
		return SocketClosed
	}
	h.started <- struct{}{}
	<-h.release
	writeFull(s, buf[:n])
	atomic.AddInt64(&h.done, 1)
	return SocketClosed
}

func (h *gateHandler) Event(s *Socket, errored bool) SocketState {
	return SocketClosed
}

func TestStopCompletesInFlightWork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	handler := &gateHandler{
		started: make(chan struct{}, 3),
		release: make(chan struct{}),
	}
	ep := newTestEndpoint(t, cfg, handler, nil)

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dialEndpoint(t, ep)
		_, err := conns[i].Write([]byte("work"))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-handler.started:
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight dispatch did not start")
		}
	}

	stopped := make(chan struct{})
	go func() {
		ep.Stop()
		close(stopped)
	}()

	time.Sleep(100 * time.Millisecond)
	close(handler.release)

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("stop did not return")
	}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&handler.done) == 3
	}, 5*time.Second, 10*time.Millisecond, "in-flight handler calls must complete")
	assert.False(t, ep.IsRunning())

	inFlight := atomic.LoadInt64(&handler.calls)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, inFlight, atomic.LoadInt64(&handler.calls),
		"no new dispatch may begin after stop")
}
