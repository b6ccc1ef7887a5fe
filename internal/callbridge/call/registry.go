package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sebas/callbridge/internal/callbridge/device"
	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/metrics"
	"github.com/sebas/callbridge/internal/callbridge/signaling"
	"github.com/sebas/callbridge/internal/callbridge/stats"
	"github.com/sebas/callbridge/internal/callbridge/store"
	"github.com/sebas/callbridge/internal/callbridge/transport"
)

// Push events routed to sessions.
const (
	EventOffer             = "call:offer"
	EventStatus            = "call:status"
	EventStats             = "call:stats"
	EventError             = "call:error"
	EventSignaling         = "call:signaling"
	EventPeerMute          = "peer:mute"
	EventAcceptedElsewhere = "peer:accepted_elsewhere"
	EventRejectedElsewhere = "peer:rejected_elsewhere"
)

const (
	// DefaultResumeWindow is how long a DISCONNECTED call waits for its
	// device to come back.
	DefaultResumeWindow = 30 * time.Second

	resumeTimeout = 10 * time.Second
)

// Config wires a Registry.
type Config struct {
	// Media is the audio capability handed to every negotiator.
	Media media.Capability
	// Gate runs before accepting a call; nil means no check.
	Gate func(ctx context.Context) error

	ResumeWindow time.Duration

	InputID          string
	OutputID         string
	StatsInterval    time.Duration
	MuteInterval     time.Duration
	SilenceThreshold float64
	ReconnectDelay   time.Duration
	Insecure         bool

	Metrics   *metrics.Metrics
	Publisher events.Publisher
	Events    *events.Builder
}

// Registry owns every live session and routes device traffic to them. It
// implements device.CallEvents.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	devices   map[string]Device
	sessions  map[string]*Session
	onOffer   func(*Session)
	onRemoved func(*Session)
	closed    bool

	parked *store.TTLStore[string, *Session]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ device.CallEvents = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = DefaultResumeWindow
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewNoopPublisher()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBuilder("")
	}

	sweep := cfg.ResumeWindow / 10
	if sweep < 5*time.Millisecond {
		sweep = 5 * time.Millisecond
	}
	if sweep > time.Second {
		sweep = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:      cfg,
		devices:  make(map[string]Device),
		sessions: make(map[string]*Session),
		parked:   store.NewTTLStore[string, *Session](sweep),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.parked.SetOnEvict(func(id string, s *Session) {
		slog.Info("[Call] Resume window expired", "call_id", id)
		r.expire(s)
	})
	return r
}

// OnOffer replaces the handler for new incoming calls. It is the first
// callback delivered for the session.
func (r *Registry) OnOffer(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOffer = fn
}

// OnRemoved replaces the handler run after a session leaves the registry,
// once its own hooks have run.
func (r *Registry) OnRemoved(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemoved = fn
}

// Attach makes d's pushes routable.
func (r *Registry) Attach(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.Token()] = d
}

// Detach forgets a removed device. Its calls are handled as if the link
// dropped and never came back.
func (r *Registry) Detach(token string) {
	r.HandleLinkDown(token)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, token)
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns every live session, oldest first.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Parked returns how many sessions wait for resumption.
func (r *Registry) Parked() int {
	return r.parked.Len()
}

// Outgoing registers a call the dispatcher started on d and binds its
// transport.
func (r *Registry) Outgoing(d Device, started *device.StartedCall) (*Session, error) {
	if started == nil || started.ID == "" {
		return nil, fmt.Errorf("%w: empty call", device.ErrInvalidArgument)
	}
	s, created := r.add(started.ID, DirectionOutgoing, d, started.Peer)
	if !created {
		return s, nil
	}
	if err := r.bind(s, started.Transport); err != nil {
		r.apply(s, StatusFailed, cause{reason: events.EndReasonError, detail: err.Error()})
		return nil, err
	}
	return s, nil
}

// Close stops every transport and drops all sessions without hooks.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	r.cancel()
	r.parked.Close()
	for _, s := range sessions {
		s.queue.close()
		if neg := s.boundNegotiator(); neg != nil {
			_ = neg.Close()
		}
	}
	r.wg.Wait()
	return nil
}

// HandleCallPush routes one push from token's channel.
func (r *Registry) HandleCallPush(token string, p signaling.Push) {
	switch p.Event {
	case EventOffer:
		r.handleOffer(token, p)

	case EventStatus:
		s := r.route(token, p)
		if s == nil {
			return
		}
		raw := p.StringArg(1)
		status, ok := ParseStatus(raw)
		if !ok {
			slog.Warn("[Call] Unknown call status", "call_id", s.id, "status", raw)
			return
		}
		r.apply(s, status, statusCause(status))

	case EventStats:
		s := r.route(token, p)
		if s == nil {
			return
		}
		report, err := decodeStats(p)
		if err != nil {
			slog.Warn("[Call] Dropping malformed stats", "call_id", s.id, "error", err)
			return
		}
		r.recordStats(s, report)

	case EventError:
		s := r.route(token, p)
		if s == nil {
			return
		}
		reason := p.StringArg(1)
		r.apply(s, StatusFailed, cause{reason: events.EndReasonError, detail: reason, err: true})

	case EventPeerMute:
		s := r.route(token, p)
		if s == nil {
			return
		}
		var muted bool
		if err := p.Arg(1, &muted); err != nil {
			slog.Warn("[Call] Dropping malformed peer mute", "call_id", s.id, "error", err)
			return
		}
		s.setPeerMuted(muted)

	case EventAcceptedElsewhere:
		if s := r.route(token, p); s != nil {
			r.apply(s, StatusEnded, cause{reason: events.EndReasonAcceptedElsewhere, elsewhere: elsewhereAccepted})
		}

	case EventRejectedElsewhere:
		if s := r.route(token, p); s != nil {
			r.apply(s, StatusEnded, cause{reason: events.EndReasonRejectedElsewhere, elsewhere: elsewhereRejected})
		}

	case EventSignaling:
		r.handleSignaling(token, p)

	default:
		slog.Debug("[Call] Unhandled push", "token", token, "event", p.Event)
	}
}

// HandleLinkDown parks every live call of token until its device returns.
func (r *Registry) HandleLinkDown(token string) {
	for _, s := range r.byDevice(token) {
		status := s.Status()
		if status == StatusDisconnected || status.IsTerminal() {
			continue
		}
		if !r.apply(s, StatusDisconnected, cause{}) {
			continue
		}
		r.parked.Set(s.id, s, r.cfg.ResumeWindow)
		slog.Info("[Call] Parked for resumption", "call_id", s.id, "token", token, "window", r.cfg.ResumeWindow)
	}
}

// HandleLinkUp offers every parked call of token back to its device.
func (r *Registry) HandleLinkUp(token string) {
	for _, s := range r.byDevice(token) {
		if s.Status() != StatusDisconnected {
			continue
		}
		if _, ok := r.parked.Take(s.id); !ok {
			r.expire(s)
			continue
		}
		r.resume(s)
	}
}

func (r *Registry) expire(s *Session) {
	if r.apply(s, StatusEnded, cause{reason: events.EndReasonResumeFailed, detail: "resume window expired"}) {
		r.cfg.Metrics.RecordResume("expired")
	}
}

func (r *Registry) resume(s *Session) {
	ctx, cancel := context.WithTimeout(r.ctx, resumeTimeout)
	defer cancel()

	if err := s.device.ResumeCall(ctx, s.id); err != nil {
		slog.Info("[Call] Resume rejected", "call_id", s.id, "error", err)
		r.cfg.Metrics.RecordResume("rejected")
		r.apply(s, StatusEnded, cause{reason: events.EndReasonResumeFailed, detail: err.Error()})
		return
	}

	prior := s.priorStatus()
	if r.apply(s, prior, cause{}) {
		r.cfg.Metrics.RecordResume("resumed")
		slog.Info("[Call] Resumed", "call_id", s.id, "status", prior)
	}
}

type elsewhere int

const (
	elsewhereNone elsewhere = iota
	elsewhereAccepted
	elsewhereRejected
)

// cause carries why a transition happened, for hooks and events.
type cause struct {
	reason    events.EndReason
	detail    string
	err       bool
	elsewhere elsewhere
}

func statusCause(status Status) cause {
	switch status {
	case StatusRejected:
		return cause{reason: events.EndReasonRejected}
	case StatusNotAnswered:
		return cause{reason: events.EndReasonNoAnswer}
	case StatusFailed:
		return cause{reason: events.EndReasonError}
	default:
		return cause{reason: events.EndReasonNormal}
	}
}

// apply runs one transition and its side effects. It reports whether the
// transition happened.
func (r *Registry) apply(s *Session, to Status, c cause) bool {
	from, err := s.transition(to)
	if err != nil {
		slog.Debug("[Call] Transition ignored", "call_id", s.id, "error", err)
		return false
	}

	slog.Info("[Call] Status changed", "call_id", s.id, "from", from, "to", to)
	r.publish(r.cfg.Events.CallStatus(s.id, s.DeviceToken(), string(from), string(to)))

	s.deliver(func(h hooks) {
		if h.status != nil {
			h.status(to)
		}
		if to == StatusActive && from == StatusRinging {
			run(h.accept)
		}
	})

	switch {
	case to == StatusActive:
		r.startTransport(s)

	case to == StatusDisconnected:
		if neg := s.boundNegotiator(); neg != nil {
			if err := neg.Stop(); err != nil {
				slog.Debug("[Call] Transport stop failed", "call_id", s.id, "error", err)
			}
		}

	case to.IsTerminal():
		s.deliver(func(h hooks) {
			switch {
			case c.elsewhere == elsewhereAccepted:
				run(h.acceptedElsewhere)
			case c.elsewhere == elsewhereRejected:
				run(h.rejectedElsewhere)
			case to == StatusRejected:
				run(h.reject)
			case to == StatusNotAnswered:
				run(h.unanswered)
			case to == StatusFailed && h.err != nil:
				h.err(c.detail)
			}
			run(h.end)
		})
		r.remove(s, to, c)
	}
	return true
}

func (r *Registry) add(id string, dir Direction, d Device, peer device.Peer) (*Session, bool) {
	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		slog.Warn("[Call] Duplicate call id", "call_id", id)
		return existing, false
	}
	s := newSession(id, dir, d, peer, r)
	r.sessions[id] = s
	r.mu.Unlock()

	r.cfg.Metrics.RecordCallStart(string(dir))
	slog.Info("[Call] Created", "call_id", id, "token", d.Token(), "direction", dir)
	return s, true
}

func (r *Registry) remove(s *Session, final Status, c cause) {
	r.mu.Lock()
	if r.sessions[s.id] != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	onRemoved := r.onRemoved
	r.mu.Unlock()

	r.parked.Delete(s.id)
	if neg := s.boundNegotiator(); neg != nil {
		if err := neg.Close(); err != nil {
			slog.Debug("[Call] Transport close failed", "call_id", s.id, "error", err)
		}
	}

	total, talk := s.durations()
	r.cfg.Metrics.RecordCallEnd(string(final), total)
	r.publish(r.cfg.Events.CallEnded(s.id, s.DeviceToken()).
		Direction(events.Direction(s.direction)).
		FinalStatus(string(final)).
		Reason(c.reason, c.detail).
		Durations(total, talk).
		Build())

	slog.Info("[Call] Removed", "call_id", s.id, "status", final)
	if onRemoved != nil {
		s.queue.push(func() { onRemoved(s) })
	}
}

// bind creates the session's negotiator. A session binds once.
func (r *Registry) bind(s *Session, desc transport.Descriptor) error {
	if desc == nil {
		return fmt.Errorf("%w: no descriptor", ErrTransport)
	}

	s.mu.Lock()
	if s.negotiator != nil {
		s.mu.Unlock()
		return nil
	}
	neg, err := transport.NewNegotiator(desc, transport.NegotiatorConfig{
		CallID:           s.id,
		Token:            s.device.Token(),
		Media:            r.cfg.Media,
		Answers:          s.device,
		Observer:         sessionObserver{r: r, s: s},
		InputID:          r.cfg.InputID,
		OutputID:         r.cfg.OutputID,
		StatsInterval:    r.cfg.StatsInterval,
		MuteInterval:     r.cfg.MuteInterval,
		SilenceThreshold: r.cfg.SilenceThreshold,
		ReconnectDelay:   r.cfg.ReconnectDelay,
		Insecure:         r.cfg.Insecure,
		OnReconnect: func(kind transport.Kind) {
			r.cfg.Metrics.RecordTransportReconnect(string(kind))
		},
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.descriptor = desc
	s.negotiator = neg
	s.connStatus = transport.StatusDisconnected
	neg.SetMuted(s.muted)
	active := s.machine.current() == StatusActive
	s.mu.Unlock()

	slog.Debug("[Call] Transport bound", "call_id", s.id, "kind", desc.Kind())
	// ACTIVE can be pushed before the accept ack returns.
	if active {
		r.startTransport(s)
	}
	return nil
}

// startTransport starts the bound negotiator off the push goroutine. A
// transport that cannot start ends the call.
func (r *Registry) startTransport(s *Session) {
	neg := s.boundNegotiator()
	if neg == nil {
		return
	}

	r.mu.RLock()
	closed := r.closed
	if !closed {
		r.wg.Add(1)
	}
	r.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer r.wg.Done()
		err := neg.Start(r.ctx)
		if err == nil || errors.Is(err, transport.ErrStopped) || r.ctx.Err() != nil {
			return
		}

		slog.Error("[Call] Transport failed to start", "call_id", s.id, "kind", neg.Kind(), "error", err)
		reason := fmt.Sprintf("%v: %v", ErrTransport, err)
		s.deliver(func(h hooks) {
			if h.err != nil {
				h.err(reason)
			}
		})
		ctx, cancel := context.WithTimeout(r.ctx, resumeTimeout)
		defer cancel()
		if endErr := s.device.EndCall(ctx); endErr != nil {
			slog.Warn("[Call] Failed to end call after transport failure", "call_id", s.id, "error", endErr)
		}
	}()
}

func (r *Registry) handleOffer(token string, p signaling.Push) {
	var offer struct {
		ID        string          `json:"id"`
		Peer      device.Peer     `json:"peer"`
		Transport json.RawMessage `json:"transport"`
	}
	if err := p.Arg(0, &offer); err != nil || offer.ID == "" {
		slog.Warn("[Call] Dropping malformed offer", "token", token, "error", err)
		return
	}

	r.mu.RLock()
	d, ok := r.devices[token]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("[Call] Offer from unattached device", "token", token, "call_id", offer.ID)
		return
	}

	s, created := r.add(offer.ID, DirectionIncoming, d, offer.Peer)
	if !created {
		return
	}

	kind := ""
	if len(offer.Transport) > 0 && string(offer.Transport) != "null" {
		if desc, err := transport.ParseDescriptor(offer.Transport); err == nil {
			s.mu.Lock()
			s.descriptor = desc
			s.mu.Unlock()
			kind = string(desc.Kind())
		}
	}

	r.publish(r.cfg.Events.CallOffered(s.id, token).
		Direction(events.DirectionIncoming).
		Peer(events.Peer{Phone: offer.Peer.Phone, DisplayName: offer.Peer.DisplayName}).
		Transport(kind).
		Build())

	r.mu.RLock()
	fn := r.onOffer
	r.mu.RUnlock()
	if fn != nil {
		s.queue.push(func() { fn(s) })
	}
}

type signalingPacket struct {
	Tag   string            `json:"tag"`
	Attrs map[string]string `json:"attrs"`
}

func (r *Registry) handleSignaling(token string, p signaling.Push) {
	var id string
	if err := p.Arg(1, &id); err != nil {
		slog.Warn("[Call] Dropping signaling without call id", "token", token, "error", err)
		return
	}
	s := r.lookup(token, id)
	if s == nil {
		return
	}

	var packet signalingPacket
	if err := p.Arg(0, &packet); err != nil {
		slog.Warn("[Call] Dropping malformed signaling", "call_id", id, "error", err)
		return
	}

	switch packet.Tag {
	case "accept":
		r.apply(s, StatusActive, cause{})
	case "reject":
		r.apply(s, StatusRejected, statusCause(StatusRejected))
	case "terminate":
		if s.Status() == StatusActive {
			r.apply(s, StatusEnded, statusCause(StatusEnded))
		} else {
			r.apply(s, StatusNotAnswered, statusCause(StatusNotAnswered))
		}
	case "mute_v2":
		s.setPeerMuted(packet.Attrs["mute-state"] != "0")
	default:
		slog.Debug("[Call] Ignoring signaling packet", "call_id", id, "tag", packet.Tag)
	}
}

// route finds the session a per-call push targets. The call id is the
// first argument.
func (r *Registry) route(token string, p signaling.Push) *Session {
	return r.lookup(token, p.StringArg(0))
}

func (r *Registry) lookup(token, id string) *Session {
	if id == "" {
		return nil
	}
	s, ok := r.Get(id)
	if !ok {
		slog.Debug("[Call] Push for unknown call", "call_id", id, "token", token)
		return nil
	}
	if s.DeviceToken() != token {
		slog.Warn("[Call] Push from a foreign device", "call_id", id, "token", token, "owner", s.DeviceToken())
		return nil
	}
	return s
}

func (r *Registry) byDevice(token string) []*Session {
	var out []*Session
	for _, s := range r.All() {
		if s.DeviceToken() == token {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) gate(ctx context.Context) error {
	if r.cfg.Gate == nil {
		return nil
	}
	return r.cfg.Gate(ctx)
}

func (r *Registry) recordStats(s *Session, report stats.Report) {
	r.cfg.Metrics.RecordRTT(report.RTT.Avg)
	s.setStats(report)
}

func (r *Registry) publish(ev events.Event) {
	r.cfg.Publisher.PublishAsync(ev)
}

// decodeStats reads a device stats push. RTT arrives split per leg and is
// summed; a plain triple is accepted too.
func decodeStats(p signaling.Push) (stats.Report, error) {
	var wire struct {
		RTT json.RawMessage `json:"rtt"`
		TX  stats.Counter   `json:"tx"`
		RX  stats.Counter   `json:"rx"`
	}
	if err := p.Arg(1, &wire); err != nil {
		return stats.Report{}, err
	}

	report := stats.Report{TX: wire.TX, RX: wire.RX}
	if len(wire.RTT) == 0 {
		return report, nil
	}
	var legs stats.LegRTT
	if err := json.Unmarshal(wire.RTT, &legs); err != nil {
		return stats.Report{}, fmt.Errorf("decode rtt: %w", err)
	}
	if legs != (stats.LegRTT{}) {
		report.RTT = legs.Combined()
		return report, nil
	}
	if err := json.Unmarshal(wire.RTT, &report.RTT); err != nil {
		return stats.Report{}, fmt.Errorf("decode rtt: %w", err)
	}
	return report, nil
}

// sessionObserver feeds transport signals into the session.
type sessionObserver struct {
	r *Registry
	s *Session
}

func (o sessionObserver) OnConnectionStatus(status transport.Status) {
	o.s.setConnectionStatus(status)
}

func (o sessionObserver) OnStats(report stats.Report) {
	o.r.recordStats(o.s, report)
}

func (o sessionObserver) OnPeerMute(muted bool) {
	o.s.setPeerMuted(muted)
}
