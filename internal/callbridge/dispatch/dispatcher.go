// Package dispatch places outbound calls over the first device that can
// take them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/callbridge/internal/callbridge/call"
	"github.com/sebas/callbridge/internal/callbridge/device"
	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/metrics"
)

const cleanupTimeout = 5 * time.Second

// Device is a candidate for origination.
type Device interface {
	call.Device
	CanCall() error
	StartCall(ctx context.Context, address string) (*device.StartedCall, error)
}

var _ Device = (*device.Connection)(nil)

// Directory resolves candidate devices.
type Directory interface {
	// Device returns the registered device for token.
	Device(token string) (Device, bool)
	// Devices returns every registered device in preference order.
	Devices() []Device
}

// Sessions registers the call a device started.
type Sessions interface {
	Outgoing(d call.Device, started *device.StartedCall) (*call.Session, error)
}

var _ Sessions = (*call.Registry)(nil)

// Config wires a Dispatcher.
type Config struct {
	// Gate runs before any device is touched; nil means no check.
	Gate      func(ctx context.Context) error
	Metrics   *metrics.Metrics
	Publisher events.Publisher
	Events    *events.Builder
}

// Dispatcher tries candidates one at a time and stops at the first device
// that starts the call, so a peer never rings twice for one dispatch.
type Dispatcher struct {
	dir   Directory
	calls Sessions
	cfg   Config
}

// New creates a Dispatcher.
func New(dir Directory, calls Sessions, cfg Config) *Dispatcher {
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewNoopPublisher()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBuilder("")
	}
	return &Dispatcher{dir: dir, calls: calls, cfg: cfg}
}

// Update is one step of a streamed dispatch. Exactly one of Failure,
// Session or Err is set; the last update carries Session or Err.
type Update struct {
	Failure *Failure
	Session *call.Session
	Err     error
}

// Done reports whether this is the final update.
func (u Update) Done() bool {
	return u.Failure == nil
}

// Dispatch calls address from the first candidate that accepts. An empty
// token list means every registered device in registration order.
func (d *Dispatcher) Dispatch(ctx context.Context, address string, tokens []string) (*call.Session, error) {
	return d.run(ctx, address, tokens, nil)
}

// Stream runs Dispatch and reports every failed attempt as it happens. The
// channel is closed after the final update. Updates are dropped once ctx
// is done.
func (d *Dispatcher) Stream(ctx context.Context, address string, tokens []string) <-chan Update {
	out := make(chan Update, 1)
	go func() {
		defer close(out)
		send := func(u Update) {
			select {
			case out <- u:
			case <-ctx.Done():
			}
		}
		s, err := d.run(ctx, address, tokens, func(f Failure) {
			send(Update{Failure: &f})
		})
		if err != nil {
			send(Update{Err: err})
			return
		}
		send(Update{Session: s})
	}()
	return out
}

func (d *Dispatcher) run(ctx context.Context, address string, tokens []string, onFailure func(Failure)) (*call.Session, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", device.ErrInvalidArgument)
	}
	if d.cfg.Gate != nil {
		if err := d.cfg.Gate(ctx); err != nil {
			slog.Warn("[Dispatch] Capture gate refused dispatch", "address", address, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
		}
	}

	type candidate struct {
		token string
		dev   Device
	}
	var candidates []candidate
	if len(tokens) == 0 {
		for _, dev := range d.dir.Devices() {
			candidates = append(candidates, candidate{token: dev.Token(), dev: dev})
		}
	} else {
		seen := make(map[string]bool, len(tokens))
		for _, token := range tokens {
			if seen[token] {
				continue
			}
			seen[token] = true
			dev, _ := d.dir.Device(token)
			candidates = append(candidates, candidate{token: token, dev: dev})
		}
	}

	dispatchErr := &DispatchError{Message: MessageAllFailed}
	if len(candidates) == 0 {
		dispatchErr.Message = MessageNoDevices
		d.failed(address, dispatchErr)
		return nil, dispatchErr
	}

	fail := func(token string, err error) {
		f := dispatchErr.add(token, err)
		d.cfg.Metrics.RecordDispatchAttempt("failed")
		slog.Info("[Dispatch] Candidate failed", "address", address, "token", token, "reason", f.Reason)
		if onFailure != nil {
			onFailure(f)
		}
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.dev == nil {
			fail(c.token, ErrNotRegistered)
			continue
		}
		if err := c.dev.CanCall(); err != nil {
			fail(c.token, err)
			continue
		}

		started, err := c.dev.StartCall(ctx, address)
		if err != nil {
			fail(c.token, err)
			continue
		}

		s, err := d.calls.Outgoing(c.dev, started)
		if err != nil {
			d.abandon(c.dev, started.ID)
			fail(c.token, err)
			continue
		}

		d.cfg.Metrics.RecordDispatchAttempt("started")
		d.cfg.Publisher.PublishAsync(d.cfg.Events.CallOffered(s.ID(), c.token).
			Direction(events.DirectionOutgoing).
			Peer(events.Peer{Phone: s.Peer().Phone, DisplayName: s.Peer().DisplayName}).
			Transport(string(s.Info().Transport)).
			Build())
		slog.Info("[Dispatch] Call started", "address", address, "token", c.token, "call_id", s.ID())
		return s, nil
	}

	d.failed(address, dispatchErr)
	return nil, dispatchErr
}

// abandon hangs up a call the device started but that could not be
// registered.
func (d *Dispatcher) abandon(dev Device, callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := dev.EndCall(ctx); err != nil {
		slog.Warn("[Dispatch] Failed to end abandoned call", "token", dev.Token(), "call_id", callID, "error", err)
	}
}

func (d *Dispatcher) failed(address string, e *DispatchError) {
	slog.Warn("[Dispatch] Dispatch failed", "address", address, "message", e.Message, "attempts", len(e.Devices))
	b := d.cfg.Events.DispatchFailed(address, e.Message)
	for _, f := range e.Devices {
		b.Attempt(f.Token, f.Reason)
	}
	d.cfg.Publisher.PublishAsync(b.Build())
}

// registryDirectory adapts a device.Registry.
type registryDirectory struct {
	reg *device.Registry
}

// FromRegistry exposes reg as a Directory.
func FromRegistry(reg *device.Registry) Directory {
	return registryDirectory{reg: reg}
}

func (r registryDirectory) Device(token string) (Device, bool) {
	conn, ok := r.reg.Get(token)
	if !ok {
		return nil, false
	}
	return conn, true
}

func (r registryDirectory) Devices() []Device {
	conns := r.reg.All()
	out := make([]Device, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}
