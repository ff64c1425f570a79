package endpoint

import (
	"sync"
	"sync/atomic"
	"time"
)

// KeyAttachment is the per-connection state kept for every socket registered
// with a poller. lastAccess feeds the idle-timeout scan; comet marks the
// registration as event-driven; wakeUp plus the condition variable implement
// long-poll parking: a thread that wants to sleep until the next readiness sets
// wakeUp, re-arms read interest and waits, and the poller releases it instead
// of dispatching.
type KeyAttachment struct {
	mu   sync.Mutex
	cond *sync.Cond

	lastAccess    int64
	comet         bool
	wakeUp        bool
	currentAccess bool
}

func NewKeyAttachment() *KeyAttachment {
	ka := &KeyAttachment{lastAccess: nowMillis()}
	ka.cond = sync.NewCond(&ka.mu)
	return ka
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Access stamps the attachment with the current time.
func (ka *KeyAttachment) Access() {
	atomic.StoreInt64(&ka.lastAccess, nowMillis())
}

func (ka *KeyAttachment) LastAccess() int64 {
	return atomic.LoadInt64(&ka.lastAccess)
}

func (ka *KeyAttachment) Comet() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.comet
}

func (ka *KeyAttachment) SetComet(comet bool) {
	ka.mu.Lock()
	ka.comet = comet
	ka.mu.Unlock()
}

func (ka *KeyAttachment) CurrentAccess() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.currentAccess
}

func (ka *KeyAttachment) SetCurrentAccess(access bool) {
	ka.mu.Lock()
	ka.currentAccess = access
	ka.mu.Unlock()
}

func (ka *KeyAttachment) WakeUp() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.wakeUp
}

func (ka *KeyAttachment) SetWakeUp(wakeUp bool) {
	ka.mu.Lock()
	ka.wakeUp = wakeUp
	ka.mu.Unlock()
}

// notifyWakeUp is the poller side of the parking protocol: if a parker is
// waiting, clear the flag and release every waiter. Returns true when a park
// was released, in which case readiness must not be dispatched.
func (ka *KeyAttachment) notifyWakeUp() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.wakeUp {
		return false
	}
	ka.wakeUp = false
	ka.cond.Broadcast()
	return true
}

// parkWait is the parker side: sleep until the poller observes readiness and
// clears wakeUp. The caller must have set wakeUp before arming read interest,
// otherwise the release can be missed.
func (ka *KeyAttachment) parkWait() {
	ka.mu.Lock()
	for ka.wakeUp {
		ka.cond.Wait()
	}
	ka.mu.Unlock()
}
