// Package signaling defines the per-device request/response and push channel
// and ships a websocket implementation of it.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
)

// Channel is a bidirectional signaling channel to one device.
//
// Request blocks until the server acknowledges or the ack timeout elapses.
// Push handlers are invoked from the channel's read goroutine in delivery
// order, so they must not block on further requests to the same channel.
type Channel interface {
	Connect(ctx context.Context) error
	Request(ctx context.Context, event string, args ...any) (json.RawMessage, error)
	Emit(event string, args ...any) error
	OnPush(fn func(Push))
	OnState(fn func(StateChange))
	Connected() bool
	Close() error
}

// State is the link state reported to OnState handlers.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// StateChange describes a link transition. Reconnected is set when a
// connection is re-established after an undesired drop. A deliberate Close
// is never reported.
type StateChange struct {
	State       State
	Reconnected bool
	Err         error
}

// Push is a server-initiated event.
type Push struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

// Arg decodes the i-th argument into v.
func (p Push) Arg(i int, v any) error {
	if i >= len(p.Args) {
		return fmt.Errorf("%s: missing argument %d", p.Event, i)
	}
	if err := json.Unmarshal(p.Args[i], v); err != nil {
		return fmt.Errorf("%s: decode argument %d: %w", p.Event, i, err)
	}
	return nil
}

// StringArg returns the i-th argument as a string, or "" when absent or not
// a string.
func (p Push) StringArg(i int) string {
	var s string
	if err := p.Arg(i, &s); err != nil {
		return ""
	}
	return s
}

// NewPush builds a push from already-encodable arguments. Used by fakes and
// tests that feed events into consumers directly.
func NewPush(event string, args ...any) (Push, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return Push{}, err
	}
	return Push{Event: event, Args: raw}, nil
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		raw = append(raw, b)
	}
	return raw, nil
}
