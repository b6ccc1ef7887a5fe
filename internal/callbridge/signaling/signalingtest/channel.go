// Package signalingtest provides an in-memory signaling.Channel for tests.
package signalingtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sebas/callbridge/internal/callbridge/signaling"
)

// Request is one recorded Request or Emit.
type Request struct {
	Event string
	Args  []any
	Emit  bool
}

// Responder scripts the outcome of a request.
type Responder func(args []any) (any, error)

// Channel records outbound traffic and lets tests inject pushes and link
// state changes. Pushes are delivered synchronously on the caller's
// goroutine.
type Channel struct {
	mu         sync.Mutex
	requests   []Request
	responders map[string]Responder
	onPush     func(signaling.Push)
	onState    func(signaling.StateChange)
	connected  bool
	connectErr error
	connects   int
	closed     bool
}

var _ signaling.Channel = (*Channel)(nil)

// New returns a disconnected channel.
func New() *Channel {
	return &Channel{responders: make(map[string]Responder)}
}

// Respond scripts replies to event. A nil result with a nil error acks with
// no payload.
func (c *Channel) Respond(event string, fn Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders[event] = fn
}

// RespondWith scripts a fixed reply to event.
func (c *Channel) RespondWith(event string, result any, err error) {
	c.Respond(event, func([]any) (any, error) { return result, err })
}

// FailConnect makes Connect return err.
func (c *Channel) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	c.connected = true
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(signaling.StateChange{State: signaling.StateConnected})
	}
	return nil
}

func (c *Channel) Request(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, signaling.ErrClosed
	}
	c.requests = append(c.requests, Request{Event: event, Args: args})
	fn := c.responders[event]
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, nil
	}
	result, err := fn(args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(result)
}

func (c *Channel) Emit(event string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return signaling.ErrClosed
	}
	c.requests = append(c.requests, Request{Event: event, Args: args, Emit: true})
	return nil
}

func (c *Channel) OnPush(fn func(signaling.Push)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPush = fn
}

func (c *Channel) OnState(fn func(signaling.StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

// Push delivers a server push built from args.
func (c *Channel) Push(event string, args ...any) {
	p, err := signaling.NewPush(event, args...)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	fn := c.onPush
	c.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Drop simulates an undesired link loss.
func (c *Channel) Drop() {
	c.mu.Lock()
	c.connected = false
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(signaling.StateChange{State: signaling.StateDisconnected})
	}
}

// Recover simulates the link coming back after Drop.
func (c *Channel) Recover() {
	c.mu.Lock()
	c.connected = true
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(signaling.StateChange{State: signaling.StateConnected, Reconnected: true})
	}
}

// Requests returns a copy of the recorded traffic.
func (c *Channel) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// Events returns the recorded event names in order.
func (c *Channel) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, r.Event)
	}
	return out
}

// Count returns how many times event was sent.
func (c *Channel) Count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.requests {
		if r.Event == event {
			n++
		}
	}
	return n
}

// Connects returns how many times Connect ran.
func (c *Channel) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Closed reports whether Close ran.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
