package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

// NegotiatorConfig carries everything the negotiator needs to build either
// transport variant.
type NegotiatorConfig struct {
	CallID string
	// Token is the device token; the websocket variant authenticates with it.
	Token    string
	Media    media.Capability
	Answers  AnswerSender
	Observer Observer

	InputID  string
	OutputID string

	StatsInterval    time.Duration
	MuteInterval     time.Duration
	SilenceThreshold float64

	ReconnectDelay time.Duration
	Insecure       bool
	Dialer         *websocket.Dialer
	OnReconnect    func(kind Kind)
}

// Negotiator binds one call to the transport its descriptor selects.
//
// Each Start builds a fresh transport, so a call that resumes after a drop
// gets a new audio path from the same negotiator. Close is final.
type Negotiator struct {
	cfg  NegotiatorConfig
	desc Descriptor

	mu      sync.Mutex
	current Transport
	muted   bool
	closed  bool
	starts  int
}

// NewNegotiator validates the descriptor and returns an idle negotiator.
func NewNegotiator(desc Descriptor, cfg NegotiatorConfig) (*Negotiator, error) {
	switch desc.(type) {
	case Official, Unofficial:
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidDescriptor, desc)
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("negotiator for call %s: no media capability", cfg.CallID)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Negotiator{cfg: cfg, desc: desc}, nil
}

// Kind returns the descriptor tag.
func (n *Negotiator) Kind() Kind {
	return n.desc.Kind()
}

// Start brings up a transport unless one is already running.
func (n *Negotiator) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrStopped
	}
	if n.current != nil {
		n.mu.Unlock()
		return nil
	}
	t := n.build()
	n.current = t
	n.starts++
	muted := n.muted
	n.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		n.mu.Lock()
		if n.current == t {
			n.current = nil
		}
		n.mu.Unlock()
		_ = t.Stop()
		return fmt.Errorf("start %s transport: %w", n.desc.Kind(), err)
	}
	if muted {
		t.SetMuted(true)
	}
	return nil
}

// Stop tears down the running transport. It is idempotent.
func (n *Negotiator) Stop() error {
	n.mu.Lock()
	t := n.current
	n.current = nil
	n.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Stop()
}

// Close stops the transport and prevents any further Start.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return n.Stop()
}

// SetMuted mutes the running transport and remembers the choice for the
// next one.
func (n *Negotiator) SetMuted(muted bool) {
	n.mu.Lock()
	n.muted = muted
	t := n.current
	n.mu.Unlock()

	if t != nil {
		t.SetMuted(muted)
	}
}

// Status returns the running transport's status, or disconnected.
func (n *Negotiator) Status() Status {
	n.mu.Lock()
	t := n.current
	n.mu.Unlock()

	if t == nil {
		return StatusDisconnected
	}
	return t.Status()
}

// Running reports whether a transport is bound.
func (n *Negotiator) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current != nil
}

// Starts returns how many transports have been built.
func (n *Negotiator) Starts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.starts
}

func (n *Negotiator) build() Transport {
	switch d := n.desc.(type) {
	case Official:
		return NewOfficialTransport(OfficialConfig{
			CallID:           n.cfg.CallID,
			Offer:            d.SDPOffer,
			InputID:          n.cfg.InputID,
			StatsInterval:    n.cfg.StatsInterval,
			MuteInterval:     n.cfg.MuteInterval,
			SilenceThreshold: n.cfg.SilenceThreshold,
		}, n.cfg.Media, n.cfg.Answers, n.cfg.Observer)

	case Unofficial:
		var onReconnect func()
		if n.cfg.OnReconnect != nil {
			onReconnect = func() { n.cfg.OnReconnect(KindUnofficial) }
		}
		return NewWebsocketTransport(WebsocketConfig{
			CallID:         n.cfg.CallID,
			Server:         d,
			Token:          n.cfg.Token,
			InputID:        n.cfg.InputID,
			OutputID:       n.cfg.OutputID,
			Insecure:       n.cfg.Insecure,
			ReconnectDelay: n.cfg.ReconnectDelay,
			Dialer:         n.cfg.Dialer,
			OnReconnect:    onReconnect,
		}, n.cfg.Media, n.cfg.Observer)

	default:
		panic(fmt.Sprintf("transport: unhandled descriptor %T", d))
	}
}
