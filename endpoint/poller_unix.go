//go:build linux
// +build linux

package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/sashashura/tomcat/log"
)

// Poller multiplexes readiness for every socket registered with it. Exactly
// one goroutine (run) performs selection and interest-set mutation; every
// other goroutine enqueues a closure on the events FIFO and wakes the
// selector. Breaking that discipline corrupts the interest registry, so all
// selector access outside run goes through AddEvent.
type Poller struct {
	ep  *Endpoint
	sel *Selector

	eventsMu sync.Mutex
	events   *queue.Queue

	closed int32
	done   chan struct{}

	// keys mirrors the selector's registration set, poller-goroutine owned.
	keys map[int]*Socket

	keepAliveCount int64
}

func NewPoller(ep *Endpoint) (*Poller, error) {
	sel, err := NewSelector(ep.cfg.PollerSize)
	if err != nil {
		return nil, err
	}
	return &Poller{
		ep:     ep,
		sel:    sel,
		events: queue.New(),
		done:   make(chan struct{}),
		keys:   make(map[int]*Socket),
	}, nil
}

// KeepAliveCount returns the number of connections currently registered.
func (p *Poller) KeepAliveCount() int {
	return int(atomic.LoadInt64(&p.keepAliveCount))
}

// AddEvent queues an action for the poller goroutine and wakes the selector.
func (p *Poller) AddEvent(event func()) {
	p.eventsMu.Lock()
	p.events.Add(event)
	p.eventsMu.Unlock()
	p.sel.Wakeup()
}

// Register attaches a newly accepted socket to this poller with read
// interest. comet marks the registration for event-style dispatch.
func (p *Poller) Register(s *Socket, comet bool) {
	att := NewKeyAttachment()
	att.SetComet(comet)
	s.att = att
	s.poller = p
	p.AddEvent(func() {
		if err := p.sel.AddRead(s.fd); err != nil {
			log.Logger.Debug("register failed", zap.Int("fd", s.fd), zap.Error(err))
			s.closeFd()
			return
		}
		p.keys[s.fd] = s
		atomic.AddInt64(&p.keepAliveCount, 1)
	})
}

// Add returns a socket to the poller awaiting more client data: read interest
// is re-armed from the poller goroutine. Any pending wakeUp flag is cleared
// first, from the caller's goroutine.
func (p *Poller) Add(s *Socket) {
	p.add(s, true)
}

func (p *Poller) add(s *Socket, clearWakeUp bool) {
	if clearWakeUp && s.att != nil {
		s.att.SetWakeUp(false)
	}
	p.AddEvent(func() {
		if cur, ok := p.keys[s.fd]; !ok || cur != s {
			// Key is gone: cancelled or replaced by a newer registration.
			s.closeFd()
			return
		}
		if err := p.sel.ModRead(s.fd); err != nil {
			log.Logger.Debug("re-arm failed", zap.Int("fd", s.fd), zap.Error(err))
			p.cancelledKey(s)
		}
	})
}

// release drops the registration of a socket whose descriptor the caller has
// closed (or is about to close). Runs out of line on the poller goroutine; the
// Socket pointer is compared so a reused fd is never clobbered.
func (p *Poller) release(s *Socket) {
	p.AddEvent(func() {
		if cur, ok := p.keys[s.fd]; ok && cur == s {
			delete(p.keys, s.fd)
			p.sel.Forget(s.fd)
			atomic.AddInt64(&p.keepAliveCount, -1)
		}
	})
}

// cancelledKey removes a key from the selector, delivers a comet error event
// if the registration asked for one, and closes the channel. Poller goroutine
// only.
func (p *Poller) cancelledKey(s *Socket) {
	if cur, ok := p.keys[s.fd]; !ok || cur != s {
		return
	}
	delete(p.keys, s.fd)
	if err := p.sel.Delete(s.fd); err != nil {
		log.Logger.Debug("deregister failed", zap.Int("fd", s.fd), zap.Error(err))
	}
	atomic.AddInt64(&p.keepAliveCount, -1)
	if s.att != nil && s.att.Comet() {
		p.ep.processSocketEvent(s, true)
	}
	s.closeFd()
}

// destroy stops the poller loop. A short grace period lets an in-flight
// selection finish before close is flagged, mirroring the selector's wait
// granularity.
func (p *Poller) destroy() {
	time.Sleep(time.Duration(p.ep.cfg.PollTime/1000) * time.Millisecond)
	atomic.StoreInt32(&p.closed, 1)
	p.sel.Wakeup()
	select {
	case <-p.done:
	case <-time.After(time.Duration(p.ep.cfg.SelectorTimeout+1000) * time.Millisecond):
		log.Logger.Error("poller did not exit in time")
	}
	if err := p.sel.Close(); err != nil {
		log.Logger.Debug("selector close", zap.Error(err))
	}
}

func (p *Poller) isClosed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}

// drainEvents executes every queued action in FIFO order. The queue is swapped
// out under its mutex and executed unlocked, so an action that blocks (a comet
// error dispatch waiting for a worker) cannot wedge producers. A failing
// action is logged and the drain continues.
func (p *Poller) drainEvents() {
	p.eventsMu.Lock()
	if p.events.Length() == 0 {
		p.eventsMu.Unlock()
		return
	}
	batch := p.events
	p.events = queue.New()
	p.eventsMu.Unlock()

	for batch.Length() > 0 {
		event := batch.Remove().(func())
		p.runEvent(event)
	}
}

func (p *Poller) runEvent(event func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("poller event panicked", zap.Any("panic", r))
		}
	}()
	event()
}

// run is the poller loop: drain queued events, select, dispatch readiness,
// then scan for idle timeouts.
func (p *Poller) run() {
	defer close(p.done)

	for p.ep.IsRunning() {
		p.drainEvents()

		if p.isClosed() {
			break
		}

		events, err := p.sel.Select(p.ep.cfg.SelectorTimeout)
		if err != nil {
			log.Logger.Error("select failed", zap.Error(err))
			continue
		}

		for i := range events {
			ev := &events[i]
			fd := int(ev.Fd)

			if p.sel.IsWakeup(fd) {
				p.sel.DrainWakeup()
				continue
			}

			s, ok := p.keys[fd]
			if !ok {
				// Stale readiness for a key we no longer track.
				p.sel.Delete(fd)
				continue
			}
			att := s.att
			att.Access()

			// One-shot dispatch: the socket will not re-fire until the
			// owner re-arms it.
			if err := p.sel.ClearInterest(fd); err != nil {
				p.cancelledKey(s)
				continue
			}

			if ev.Events&(readEvents|errorEvents) != 0 {
				if att.notifyWakeUp() {
					// Parked comet request released; nothing to dispatch.
					continue
				}
				if att.Comet() {
					if !p.ep.processSocketEvent(s, false) {
						p.ep.processSocketEvent(s, true)
					}
				} else {
					if !p.ep.processSocket(s) {
						p.cancelledKey(s)
					}
				}
			}
			if ev.Events&writeEvents != 0 {
				// Write readiness placeholder.
			}
		}

		p.timeoutScan()
	}

	p.closeIdleKeys()
}

// timeoutScan cancels keys that sat armed for read longer than soTimeout.
// Sockets under worker processing have had their interest cleared and are
// exempt.
func (p *Poller) timeoutScan() {
	soTimeout := p.ep.cfg.SoTimeout
	if soTimeout <= 0 {
		return
	}
	now := nowMillis()
	for fd, s := range p.keys {
		if p.sel.Interest(fd) != readEvents {
			continue
		}
		if now-s.att.LastAccess() > int64(soTimeout) {
			log.Logger.Debug("idle timeout", zap.Int("fd", fd))
			p.cancelledKey(s)
		}
	}
}

// closeIdleKeys closes registrations still armed for read when the loop
// exits. Sockets owned by workers mid-dispatch are left to their owners.
func (p *Poller) closeIdleKeys() {
	for fd, s := range p.keys {
		if p.sel.Interest(fd) != readEvents {
			continue
		}
		delete(p.keys, fd)
		p.sel.Delete(fd)
		atomic.AddInt64(&p.keepAliveCount, -1)
		s.closeFd()
	}
}
