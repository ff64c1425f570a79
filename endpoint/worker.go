package endpoint

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sashashura/tomcat/log"
)

// Worker is a long-lived goroutine fed through a one-slot mailbox. The
// producer blocks while the slot is occupied; the worker blocks while it is
// empty. Exactly one hand-off happens per notify, so a worker never loses an
// assigned socket nor receives two at once.
type Worker struct {
	ep *Endpoint
	id int

	mu        sync.Mutex
	cond      *sync.Cond
	available bool
	socket    *Socket
	event     bool
	errored   bool
}

func newWorker(ep *Endpoint, id int) *Worker {
	w := &Worker{ep: ep, id: id}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// assign hands a socket to the worker for normal dispatch. Blocks while the
// previous socket has not been taken; returns false if the endpoint stopped
// while waiting.
func (w *Worker) assign(s *Socket) bool {
	return w.put(s, false, false)
}

// assignEvent hands a socket over for event dispatch.
func (w *Worker) assignEvent(s *Socket, errored bool) bool {
	return w.put(s, true, errored)
}

func (w *Worker) put(s *Socket, event, errored bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.available {
		if !w.ep.IsRunning() {
			return false
		}
		w.cond.Wait()
	}
	if !w.ep.IsRunning() {
		return false
	}
	w.socket = s
	w.event = event
	w.errored = errored
	w.available = true
	w.cond.Broadcast()
	return true
}

// await blocks until a socket is assigned, or returns nil when the endpoint
// has stopped.
func (w *Worker) await() (*Socket, bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.available {
		if !w.ep.IsRunning() {
			return nil, false, false
		}
		w.cond.Wait()
	}
	s, event, errored := w.socket, w.event, w.errored
	w.socket = nil
	w.available = false
	w.cond.Broadcast()
	return s, event, errored
}

// wake unblocks a worker parked in await or a producer parked in put so they
// can observe a stopped endpoint.
func (w *Worker) wake() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *Worker) run() {
	for w.ep.IsRunning() {
		s, event, errored := w.await()
		if s == nil {
			continue
		}

		var state SocketState
		if event {
			state = w.ep.handler.Event(s, errored)
		} else {
			state = w.ep.handler.Process(s)
		}
		w.ep.applySocketState(s, state)

		w.ep.recycleWorkerThread(w)
	}
	log.Logger.Debug("worker exiting", zap.Int("id", w.id))
}

// WorkerStack is the LIFO pool of idle workers. Most-recently-used first to
// keep the hot worker's stack and caches warm. Guarded by the endpoint's pool
// mutex.
type WorkerStack struct {
	workers []*Worker
	end     int
}

func NewWorkerStack(size int) *WorkerStack {
	return &WorkerStack{workers: make([]*Worker, size)}
}

func (ws *WorkerStack) Push(w *Worker) {
	if ws.end == len(ws.workers) {
		ws.workers = append(ws.workers, w)
		ws.end++
		return
	}
	ws.workers[ws.end] = w
	ws.end++
}

func (ws *WorkerStack) Pop() *Worker {
	if ws.end > 0 {
		ws.end--
		w := ws.workers[ws.end]
		ws.workers[ws.end] = nil
		return w
	}
	return nil
}

func (ws *WorkerStack) Size() int {
	return ws.end
}

func (ws *WorkerStack) IsEmpty() bool {
	return ws.end == 0
}
