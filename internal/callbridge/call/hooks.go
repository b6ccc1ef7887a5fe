package call

import (
	"sync"

	"github.com/sebas/callbridge/internal/callbridge/stats"
	"github.com/sebas/callbridge/internal/callbridge/transport"
)

// hooks are the single-slot callbacks of a session. Setting one replaces
// the previous handler.
type hooks struct {
	accept            func()
	reject            func()
	end               func()
	unanswered        func()
	acceptedElsewhere func()
	rejectedElsewhere func()
	peerMute          func()
	peerUnmute        func()
	err               func(reason string)
	stats             func(report stats.Report)
	status            func(status Status)
	connectionStatus  func(status transport.Status)
}

func run(fn func()) {
	if fn != nil {
		fn()
	}
}

// hookQueue runs a session's callbacks one at a time, in the order they
// were queued, on a goroutine other than the one that delivered the push.
// Handlers may therefore issue device requests.
type hookQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
	closed  bool
}

// push queues fn. It reports false once the queue is closed.
func (q *hookQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return true
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
	return true
}

func (q *hookQueue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.pending = nil
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}

// close discards every callback not yet started.
func (q *hookQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
}

// deliver queues fn with the handlers installed when it runs, so handlers
// set from an earlier callback see later events.
func (s *Session) deliver(fn func(h hooks)) {
	s.queue.push(func() {
		fn(s.snapshotHooks())
	})
}

// OnAccept fires when the call first becomes ACTIVE.
func (s *Session) OnAccept(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.accept = fn
}

// OnReject fires when the call ends as REJECTED.
func (s *Session) OnReject(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.reject = fn
}

// OnEnd fires once, after any terminal transition.
func (s *Session) OnEnd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.end = fn
}

// OnUnanswered fires when the call ends as NOT_ANSWERED.
func (s *Session) OnUnanswered(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.unanswered = fn
}

// OnAcceptedElsewhere fires when another device of the same identity
// picked the call up.
func (s *Session) OnAcceptedElsewhere(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.acceptedElsewhere = fn
}

// OnRejectedElsewhere fires when another device of the same identity
// declined the call.
func (s *Session) OnRejectedElsewhere(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.rejectedElsewhere = fn
}

// OnPeerMute fires when the far end mutes.
func (s *Session) OnPeerMute(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.peerMute = fn
}

// OnPeerUnmute fires when the far end unmutes.
func (s *Session) OnPeerUnmute(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.peerUnmute = fn
}

// OnError fires with the device's reason before the call ends as FAILED.
func (s *Session) OnError(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.err = fn
}

// OnStats fires with every stats report, pushed or measured locally.
func (s *Session) OnStats(fn func(report stats.Report)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.stats = fn
}

// OnStatus fires on every status transition.
func (s *Session) OnStatus(fn func(status Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.status = fn
}

// OnConnectionStatus subscribes to the audio transport status. A bound
// transport reports its current status right away.
func (s *Session) OnConnectionStatus(fn func(status transport.Status)) {
	s.mu.Lock()
	s.hooks.connectionStatus = fn
	bound := s.negotiator != nil
	current := s.connStatus
	s.mu.Unlock()

	if fn != nil && bound {
		fn(current)
	}
}

func (s *Session) snapshotHooks() hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks
}
