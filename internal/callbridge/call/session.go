package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/callbridge/internal/callbridge/device"
	"github.com/sebas/callbridge/internal/callbridge/stats"
	"github.com/sebas/callbridge/internal/callbridge/transport"
)

// Device is the request surface a session drives. *device.Connection
// satisfies it.
type Device interface {
	Token() string
	AcceptCall(ctx context.Context, id string) (transport.Descriptor, error)
	RejectCall(ctx context.Context, id string) error
	EndCall(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	ResumeCall(ctx context.Context, id string) error
	SendSdpAnswer(answer string) error
}

var _ Device = (*device.Connection)(nil)

// Info is an immutable view of a session.
type Info struct {
	ID               string           `json:"id"`
	DeviceToken      string           `json:"device_token"`
	Direction        Direction        `json:"direction"`
	Status           Status           `json:"status"`
	Peer             device.Peer      `json:"peer"`
	Muted            bool             `json:"muted"`
	PeerMuted        bool             `json:"peer_muted"`
	Transport        transport.Kind   `json:"transport,omitempty"`
	ConnectionStatus transport.Status `json:"connection_status,omitempty"`
	Stats            *stats.Report    `json:"stats,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ActiveAt         *time.Time       `json:"active_at,omitempty"`
}

// Session is one call. Status only changes when the device pushes it;
// local actions issue requests and wait for the push. Callbacks are
// delivered in order off the push goroutine.
type Session struct {
	id        string
	direction Direction
	device    Device
	registry  *Registry
	createdAt time.Time

	mu         sync.RWMutex
	machine    *machine
	prior      Status
	activeAt   time.Time
	peer       device.Peer
	muted      bool
	peerMuted  bool
	descriptor transport.Descriptor
	negotiator *transport.Negotiator
	connStatus transport.Status
	lastStats  *stats.Report
	hooks      hooks

	queue hookQueue
}

func newSession(id string, dir Direction, d Device, peer device.Peer, r *Registry) *Session {
	return &Session{
		id:        id,
		direction: dir,
		device:    d,
		registry:  r,
		createdAt: time.Now(),
		machine:   newMachine(StatusRinging),
		peer:      peer,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Direction() Direction { return s.direction }
func (s *Session) DeviceToken() string  { return s.device.Token() }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine.current()
}

// Peer returns the far end.
func (s *Session) Peer() device.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Muted reports the local mute flag as confirmed by the device.
func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

// PeerMuted reports whether the far end is muted.
func (s *Session) PeerMuted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerMuted
}

// Descriptor returns the bound transport descriptor, if any.
func (s *Session) Descriptor() transport.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descriptor
}

// Info returns a snapshot for presentation.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:               s.id,
		DeviceToken:      s.device.Token(),
		Direction:        s.direction,
		Status:           s.machine.current(),
		Peer:             s.peer,
		Muted:            s.muted,
		PeerMuted:        s.peerMuted,
		ConnectionStatus: s.connStatus,
		CreatedAt:        s.createdAt,
	}
	if s.descriptor != nil {
		info.Transport = s.descriptor.Kind()
	}
	if s.lastStats != nil {
		st := *s.lastStats
		info.Stats = &st
	}
	if !s.activeAt.IsZero() {
		at := s.activeAt
		info.ActiveAt = &at
	}
	return info
}

// Accept answers an incoming ringing call. The capture gate runs first.
// ACTIVE is entered when the device confirms it.
func (s *Session) Accept(ctx context.Context) error {
	if err := s.expect(DirectionIncoming, StatusRinging); err != nil {
		return err
	}
	if err := s.registry.gate(ctx); err != nil {
		return err
	}

	desc, err := s.device.AcceptCall(ctx, s.id)
	if err != nil {
		return err
	}
	if err := s.registry.bind(s, desc); err != nil {
		if endErr := s.device.EndCall(ctx); endErr != nil {
			slog.Warn("[Call] Failed to end call without transport", "call_id", s.id, "error", endErr)
		}
		return err
	}
	return nil
}

// Reject declines an incoming ringing call. REJECTED is entered when the
// device confirms it.
func (s *Session) Reject(ctx context.Context) error {
	if err := s.expect(DirectionIncoming, StatusRinging); err != nil {
		return err
	}
	return s.device.RejectCall(ctx, s.id)
}

// End hangs up. The terminal status arrives by push.
func (s *Session) End(ctx context.Context) error {
	if s.Status().IsTerminal() {
		return ErrCallEnded
	}
	return s.device.EndCall(ctx)
}

// Mute mutes the local side. The flag and the outgoing track change only
// after the device accepted the request.
func (s *Session) Mute(ctx context.Context) error {
	return s.setMuted(ctx, true)
}

// Unmute reverses Mute with the same guarantees.
func (s *Session) Unmute(ctx context.Context) error {
	return s.setMuted(ctx, false)
}

func (s *Session) setMuted(ctx context.Context, muted bool) error {
	if s.Status().IsTerminal() {
		return ErrCallEnded
	}

	var err error
	if muted {
		err = s.device.Mute(ctx)
	} else {
		err = s.device.Unmute(ctx)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.muted = muted
	neg := s.negotiator
	s.mu.Unlock()

	if neg != nil {
		neg.SetMuted(muted)
	}
	return nil
}

func (s *Session) expect(dir Direction, status Status) error {
	current := s.Status()
	if current.IsTerminal() {
		return ErrCallEnded
	}
	if s.direction != dir || current != status {
		return fmt.Errorf("%w: %s call is %s", ErrInvalidState, s.direction, current)
	}
	return nil
}

// transition moves the machine and returns the previous status.
func (s *Session) transition(to Status) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.machine.current()
	if from == StatusDisconnected && (to == StatusRinging || to == StatusActive) && to != s.prior {
		return from, &TransitionError{CallID: s.id, From: from, To: to, Err: ErrInvalidTransition}
	}
	if err := s.machine.fire(to); err != nil {
		if te, ok := err.(*TransitionError); ok {
			te.CallID = s.id
		}
		return from, err
	}
	if to == StatusDisconnected {
		s.prior = from
	}
	if to == StatusActive && s.activeAt.IsZero() {
		s.activeAt = time.Now()
	}
	return from, nil
}

// priorStatus is the status held before the last drop.
func (s *Session) priorStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prior
}

func (s *Session) setPeerMuted(muted bool) {
	s.mu.Lock()
	if s.peerMuted == muted {
		s.mu.Unlock()
		return
	}
	s.peerMuted = muted
	s.mu.Unlock()

	s.deliver(func(h hooks) {
		if muted {
			run(h.peerMute)
		} else {
			run(h.peerUnmute)
		}
	})
}

func (s *Session) setStats(report stats.Report) {
	s.mu.Lock()
	s.lastStats = &report
	s.mu.Unlock()

	s.deliver(func(h hooks) {
		if h.stats != nil {
			h.stats(report)
		}
	})
}

func (s *Session) setConnectionStatus(status transport.Status) {
	s.mu.Lock()
	s.connStatus = status
	s.mu.Unlock()

	s.deliver(func(h hooks) {
		if h.connectionStatus != nil {
			h.connectionStatus(status)
		}
	})
}

func (s *Session) boundNegotiator() *transport.Negotiator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiator
}

// durations returns the total and talk time so far.
func (s *Session) durations() (total, talk time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	total = now.Sub(s.createdAt)
	if !s.activeAt.IsZero() {
		talk = now.Sub(s.activeAt)
	}
	return total, talk
}
