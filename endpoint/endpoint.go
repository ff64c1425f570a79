package endpoint

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sashashura/tomcat/log"
)

// Endpoint turns one listening TCP socket into a stream of socket-processing
// events delivered to a Handler. It owns the acceptor goroutines, the poller,
// and the bounded worker pool, and mediates the lifecycle
// init / start / pause / resume / stop / destroy.
type Endpoint struct {
	cfg      *Config
	handler  Handler
	executor Executor

	mu          sync.Mutex
	initialized bool
	running     atomic.Bool
	paused      atomic.Bool

	serverFd  int
	boundPort int

	pollers  []*Poller
	pollerRR uint32

	sendfiles  []*Sendfile
	sendfileRR uint32

	// Worker pool. All fields below are guarded by poolMu.
	poolMu         sync.Mutex
	poolCond       *sync.Cond
	workers        *WorkerStack
	curThreads     int
	curThreadsBusy int
	sequence       int
	allWorkers     []*Worker
}

func New(cfg *Config, handler Handler) *Endpoint {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ep := &Endpoint{
		cfg:      cfg,
		handler:  handler,
		serverFd: -1,
	}
	ep.poolCond = sync.NewCond(&ep.poolMu)
	return ep
}

// SetHandler replaces the handler. Only effective before Start.
func (ep *Endpoint) SetHandler(handler Handler) {
	ep.handler = handler
}

// SetExecutor installs an external executor; the internal worker pool is then
// bypassed. Only effective before Start.
func (ep *Endpoint) SetExecutor(executor Executor) {
	ep.executor = executor
}

func (ep *Endpoint) Config() *Config {
	return ep.cfg
}

func (ep *Endpoint) IsRunning() bool {
	return ep.running.Load()
}

func (ep *Endpoint) IsPaused() bool {
	return ep.paused.Load()
}

// Port returns the bound listener port, useful when configured with port 0.
func (ep *Endpoint) Port() int {
	return ep.boundPort
}

// KeepAliveCount returns the number of connections registered across all
// pollers.
func (ep *Endpoint) KeepAliveCount() int {
	ep.mu.Lock()
	pollers := ep.pollers
	ep.mu.Unlock()
	count := 0
	for _, p := range pollers {
		count += p.KeepAliveCount()
	}
	return count
}

// SendfileCount returns the number of in-flight sendfile operations.
func (ep *Endpoint) SendfileCount() int {
	ep.mu.Lock()
	sendfiles := ep.sendfiles
	ep.mu.Unlock()
	count := 0
	for _, sf := range sendfiles {
		count += sf.SendfileCount()
	}
	return count
}

// CurrentThreadCount returns the number of workers managed by the pool.
func (ep *Endpoint) CurrentThreadCount() int {
	ep.poolMu.Lock()
	defer ep.poolMu.Unlock()
	return ep.curThreads
}

// CurrentThreadsBusy returns the number of workers currently dispatching.
func (ep *Endpoint) CurrentThreadsBusy() int {
	ep.poolMu.Lock()
	defer ep.poolMu.Unlock()
	return ep.curThreadsBusy
}

// ---------------------------------------------------------------- Lifecycle

// Init binds the listening socket. Idempotent while initialized. The listener
// itself stays blocking; only accepted sockets follow the non-blocking
// discipline.
func (ep *Endpoint) Init() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.initLocked()
}

func (ep *Endpoint) initLocked() error {
	if ep.initialized {
		return nil
	}

	if ep.cfg.AcceptorThreadCount <= 0 {
		ep.cfg.AcceptorThreadCount = 1
	}
	// Limit to one poller: readiness dispatch and the idle scan assume a
	// single selector owner.
	if ep.cfg.PollerThreadCount != 1 {
		ep.cfg.PollerThreadCount = 1
	}
	if ep.cfg.SendfileThreadCount != 0 {
		ep.cfg.SendfileThreadCount = 0
	}
	if ep.cfg.UseSendfile {
		log.Logger.Warn("sendfile is not supported, disabling")
		ep.cfg.UseSendfile = false
	}
	if ep.sslEnabled() {
		if err := ep.initSSL(); err != nil {
			return err
		}
		ep.cfg.UseSendfile = false
	}

	if err := ep.bind(); err != nil {
		return err
	}

	ep.initialized = true
	return nil
}

// Start creates the acceptor goroutines and the pollers. Idempotent while
// running.
func (ep *Endpoint) Start() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if !ep.initialized {
		if err := ep.initLocked(); err != nil {
			return err
		}
	}
	if ep.running.Load() {
		return nil
	}
	if ep.handler == nil {
		return ErrNoHandler
	}

	ep.running.Store(true)
	ep.paused.Store(false)

	if ep.executor == nil {
		ep.poolMu.Lock()
		size := ep.cfg.MaxThreads
		if size < 0 {
			size = 0
		}
		ep.workers = NewWorkerStack(size)
		ep.curThreads = 0
		ep.curThreadsBusy = 0
		ep.sequence = 0
		ep.allWorkers = nil
		ep.poolMu.Unlock()
	}

	for i := 0; i < ep.cfg.AcceptorThreadCount; i++ {
		a := &Acceptor{ep: ep, id: i}
		go a.run()
	}

	pollers := make([]*Poller, ep.cfg.PollerThreadCount)
	for i := range pollers {
		p, err := NewPoller(ep)
		if err != nil {
			ep.running.Store(false)
			for _, prev := range pollers[:i] {
				prev.sel.Close()
			}
			return err
		}
		pollers[i] = p
	}
	for _, p := range pollers {
		go p.run()
	}
	ep.pollers = pollers

	if ep.cfg.UseSendfile {
		ep.sendfiles = []*Sendfile{NewSendfile()}
		for _, sf := range ep.sendfiles {
			sf.init()
		}
	}

	log.Logger.Info("endpoint started",
		zap.String("name", ep.cfg.Name), zap.Int("port", ep.boundPort))
	return nil
}

// Pause stops accepting new sockets. Connections already registered keep
// being served.
func (ep *Endpoint) Pause() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.running.Load() && !ep.paused.Load() {
		ep.paused.Store(true)
		ep.unlockAccept()
	}
}

// Resume restores accepting.
func (ep *Endpoint) Resume() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.running.Load() {
		ep.paused.Store(false)
	}
}

// Stop quiesces the endpoint: no new dispatch begins, in-flight handler calls
// run to completion, pollers shut down. Idempotent.
func (ep *Endpoint) Stop() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.stopLocked()
}

func (ep *Endpoint) stopLocked() {
	if !ep.running.Load() {
		return
	}
	ep.running.Store(false)

	// Wake parked workers and producers so they observe the stop.
	ep.poolMu.Lock()
	workers := ep.allWorkers
	ep.poolCond.Broadcast()
	ep.poolMu.Unlock()
	for _, w := range workers {
		w.wake()
	}

	ep.unlockAccept()

	for _, p := range ep.pollers {
		p.destroy()
	}
	ep.pollers = nil

	for _, sf := range ep.sendfiles {
		sf.destroy()
	}
	ep.sendfiles = nil

	log.Logger.Info("endpoint stopped", zap.String("name", ep.cfg.Name))
}

// Destroy stops the endpoint if needed, closes the listening socket and
// returns to the uninitialized state. Safe to call repeatedly.
func (ep *Endpoint) Destroy() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.stopLocked()
	if !ep.initialized {
		return nil
	}
	err := ep.closeListener()
	ep.initialized = false
	return err
}

// unlockAccept breaks the acceptor out of a blocked accept with a loopback
// connection to our own port. The dial is retried with a capped exponential
// backoff; failure is harmless when the acceptor was not blocked.
func (ep *Endpoint) unlockAccept() {
	host := ep.cfg.Address
	if host == "" {
		host = "127.0.0.1"
	}
	target := net.JoinHostPort(host, strconv.Itoa(ep.boundPort))
	dial := func() error {
		conn, err := net.DialTimeout("tcp", target, time.Second)
		if err != nil {
			return err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			// Linger 0 shuts the bogus connection down quicker.
			tc.SetLinger(0)
		}
		return conn.Close()
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(dial, policy); err != nil {
		log.Logger.Debug("accept unlock failed",
			zap.String("target", target), zap.Error(err))
	}
}

// ------------------------------------------------------- Poller acquisition

// getPoller returns a poller by round-robin.
func (ep *Endpoint) getPoller() *Poller {
	ep.mu.Lock()
	pollers := ep.pollers
	ep.mu.Unlock()
	if len(pollers) == 0 {
		return nil
	}
	idx := atomic.AddUint32(&ep.pollerRR, 1)
	return pollers[int(idx)%len(pollers)]
}

// GetCometPoller returns a poller for a comet registration. Whether a
// connection is dispatched in comet style is a per-registration attribute of
// its KeyAttachment, not a property of the poller.
func (ep *Endpoint) GetCometPoller() *Poller {
	return ep.getPoller()
}

// getSendfile returns a sendfile sender by round-robin, nil when disabled.
func (ep *Endpoint) getSendfile() *Sendfile {
	ep.mu.Lock()
	sendfiles := ep.sendfiles
	ep.mu.Unlock()
	if len(sendfiles) == 0 {
		return nil
	}
	idx := atomic.AddUint32(&ep.sendfileRR, 1)
	return sendfiles[int(idx)%len(sendfiles)]
}

// ---------------------------------------------------------------- Dispatch

// processSocket submits a socket for normal dispatch. False means the work
// could not be submitted; the caller is responsible for closing.
func (ep *Endpoint) processSocket(s *Socket) bool {
	if ep.executor != nil {
		if err := ep.executor.Submit(ep.socketProcessor(s)); err != nil {
			log.Logger.Error("executor submit failed", zap.Error(err))
			return false
		}
		return true
	}
	w := ep.getWorkerThread()
	if w == nil {
		return false
	}
	if !w.assign(s) {
		ep.recycleWorkerThread(w)
		return false
	}
	return true
}

// processSocketEvent submits a socket for event dispatch.
func (ep *Endpoint) processSocketEvent(s *Socket, errored bool) bool {
	if ep.executor != nil {
		if err := ep.executor.Submit(ep.socketEventProcessor(s, errored)); err != nil {
			log.Logger.Error("executor submit failed", zap.Error(err))
			return false
		}
		return true
	}
	w := ep.getWorkerThread()
	if w == nil {
		return false
	}
	if !w.assignEvent(s, errored) {
		ep.recycleWorkerThread(w)
		return false
	}
	return true
}

// applySocketState acts on the Handler's verdict: CLOSED closes, OPEN re-arms
// read interest, LONG leaves the socket parked.
func (ep *Endpoint) applySocketState(s *Socket, state SocketState) {
	switch state {
	case SocketClosed:
		if err := s.Close(); err != nil {
			log.Logger.Debug("socket close", zap.Int("fd", s.fd), zap.Error(err))
		}
	case SocketOpen:
		if ep.IsRunning() && s.poller != nil && !s.poller.isClosed() {
			s.poller.Add(s)
		} else {
			s.Close()
		}
	case SocketLong:
		// Parked: the handler owns re-arm timing.
	}
}

// -------------------------------------------------------------- Worker pool

// createWorkerThread pops an idle worker, or grows the pool when below
// maxThreads (unbounded when maxThreads < 0). Nil when saturated.
func (ep *Endpoint) createWorkerThread() *Worker {
	ep.poolMu.Lock()
	defer ep.poolMu.Unlock()
	if ep.workers == nil {
		return nil
	}
	if ep.workers.Size() > 0 {
		ep.curThreadsBusy++
		return ep.workers.Pop()
	}
	if ep.cfg.MaxThreads > 0 && ep.curThreads < ep.cfg.MaxThreads {
		ep.curThreadsBusy++
		return ep.newWorkerThreadLocked()
	}
	if ep.cfg.MaxThreads < 0 {
		ep.curThreadsBusy++
		return ep.newWorkerThreadLocked()
	}
	return nil
}

func (ep *Endpoint) newWorkerThreadLocked() *Worker {
	ep.curThreads++
	ep.sequence++
	w := newWorker(ep, ep.sequence)
	ep.allWorkers = append(ep.allWorkers, w)
	go w.run()
	return w
}

// getWorkerThread blocks until a worker is available. This is the endpoint's
// back-pressure point. Nil when the endpoint stops while waiting.
func (ep *Endpoint) getWorkerThread() *Worker {
	for {
		if w := ep.createWorkerThread(); w != nil {
			return w
		}
		ep.poolMu.Lock()
		if !ep.IsRunning() || ep.workers == nil {
			ep.poolMu.Unlock()
			return nil
		}
		if ep.workers.IsEmpty() {
			ep.poolCond.Wait()
		}
		ep.poolMu.Unlock()
	}
}

// recycleWorkerThread returns a worker to the stack and releases one waiter.
func (ep *Endpoint) recycleWorkerThread(w *Worker) {
	ep.poolMu.Lock()
	defer ep.poolMu.Unlock()
	ep.curThreadsBusy--
	if ep.workers == nil {
		return
	}
	ep.workers.Push(w)
	ep.poolCond.Signal()
}
