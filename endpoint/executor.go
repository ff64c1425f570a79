package endpoint

// Executor abstracts an externally supplied task runner. When one is
// configured the internal worker pool is bypassed entirely and every dispatch
// is submitted as a one-shot task. The Handler contract is unchanged.
type Executor interface {
	Submit(task func()) error
}

// socketProcessor is the executor-mode equivalent of a normal worker
// dispatch.
func (ep *Endpoint) socketProcessor(s *Socket) func() {
	return func() {
		ep.applySocketState(s, ep.handler.Process(s))
	}
}

// socketEventProcessor is the executor-mode equivalent of an event dispatch.
func (ep *Endpoint) socketEventProcessor(s *Socket, errored bool) func() {
	return func() {
		ep.applySocketState(s, ep.handler.Event(s, errored))
	}
}
