package kelvin

import (
	"sync"

	"go.uber.org/zap"
)

// router demultiplexes inbound frames by token and delivers each to the
// matching in-flight query's sink. It is the token→sink mapping called out
// in DESIGN.md: a concurrent map guarding per-entry bounded channels, not a
// topic-based publish/subscribe bus.
type router struct {
	mu     sync.Mutex
	sinks  map[uint64]chan wireFrame
	closed bool
	log    *zap.Logger
}

func newRouter(log *zap.Logger) *router {
	return &router{
		sinks: make(map[uint64]chan wireFrame),
		log:   log,
	}
}

// register creates and stores a fresh sink for token. It fails if the
// router has already seen the connection close, and panics on a reused
// token — the inflight invariant in DESIGN.md §3 forbids a token from being
// registered twice concurrently, which would indicate a dispatcher bug
// rather than a recoverable runtime condition.
func (r *router) register(token uint64) (chan wireFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrConnectionClosed
	}
	if _, exists := r.sinks[token]; exists {
		panic("kelvin: token registered twice")
	}
	ch := make(chan wireFrame, sinkCapacity)
	r.sinks[token] = ch
	return ch, nil
}

// unregister removes the sink for token, if any. It does not close the
// channel: a goroutine may still be mid-receive on it, and closing would
// race with dispatch's send. The channel is left for the garbage collector
// once both sides drop their reference.
func (r *router) unregister(token uint64) {
	r.mu.Lock()
	delete(r.sinks, token)
	r.mu.Unlock()
}

// dispatch delivers one inbound frame to its token's sink, or discards it:
// with a warning if the token is unknown (an expected outcome for responses
// racing a cancellation), silently if the router has already closed. The closed
// check and the sink lookup happen under the same lock closeAll takes to
// flip that flag, so a dispatch that observes closed==false is guaranteed
// to be sending on a channel closeAll has not touched.
func (r *router) dispatch(f wireFrame) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ch := r.sinks[f.Token]
	r.mu.Unlock()

	if ch == nil {
		r.log.Warn("kelvin: response for unknown token, discarding", zap.Uint64("token", f.Token))
		return
	}
	ch <- f
}

// closeAll flips the router into its closed state and drops every sink
// reference. It deliberately does not close the individual channels: a
// dispatch already past the closed check may still be sending on one, and
// closing out from under that send would panic. Every consumer also selects
// on the connection's shared closed channel, which is what actually
// unblocks them; an abandoned sink is simply left for the garbage collector
// once both dispatch and the consumer drop their reference to it.
func (r *router) closeAll() {
	r.mu.Lock()
	r.sinks = make(map[uint64]chan wireFrame)
	r.closed = true
	r.mu.Unlock()
}
