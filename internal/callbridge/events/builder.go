package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder provides fluent construction of events with consistent defaults.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates an event builder stamping nodeID on every event.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

func (b *Builder) newBase(t EventType, callID, token string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: t,
		EventTime: b.now().UTC(),
		Call:      callID,
		Device:    token,
		NodeID:    b.nodeID,
	}
}

// CallOfferedBuilder constructs CallOfferedEvent.
type CallOfferedBuilder struct {
	event *CallOfferedEvent
}

// CallOffered starts building a CallOfferedEvent.
func (b *Builder) CallOffered(callID, token string) *CallOfferedBuilder {
	return &CallOfferedBuilder{
		event: &CallOfferedEvent{
			BaseEvent: b.newBase(CallOffered, callID, token),
			Direction: DirectionIncoming,
		},
	}
}

func (cb *CallOfferedBuilder) Direction(d Direction) *CallOfferedBuilder {
	cb.event.Direction = d
	return cb
}

func (cb *CallOfferedBuilder) Peer(p Peer) *CallOfferedBuilder {
	cb.event.Peer = p
	return cb
}

func (cb *CallOfferedBuilder) Transport(kind string) *CallOfferedBuilder {
	cb.event.Transport = kind
	return cb
}

func (cb *CallOfferedBuilder) Build() *CallOfferedEvent {
	return cb.event
}

// CallStatus builds a CallStatusEvent.
func (b *Builder) CallStatus(callID, token, from, to string) *CallStatusEvent {
	return &CallStatusEvent{
		BaseEvent: b.newBase(CallStatus, callID, token),
		From:      from,
		To:        to,
	}
}

// CallEndedBuilder constructs CallEndedEvent.
type CallEndedBuilder struct {
	event *CallEndedEvent
}

// CallEnded starts building a CallEndedEvent.
func (b *Builder) CallEnded(callID, token string) *CallEndedBuilder {
	return &CallEndedBuilder{
		event: &CallEndedEvent{
			BaseEvent: b.newBase(CallEnded, callID, token),
			EndReason: EndReasonNormal,
		},
	}
}

func (cb *CallEndedBuilder) Direction(d Direction) *CallEndedBuilder {
	cb.event.Direction = d
	return cb
}

func (cb *CallEndedBuilder) FinalStatus(status string) *CallEndedBuilder {
	cb.event.FinalStatus = status
	return cb
}

func (cb *CallEndedBuilder) Reason(r EndReason, detail string) *CallEndedBuilder {
	cb.event.EndReason = r
	cb.event.Detail = detail
	return cb
}

func (cb *CallEndedBuilder) Durations(total, talk time.Duration) *CallEndedBuilder {
	cb.event.DurationMs = total.Milliseconds()
	cb.event.TalkDurationMs = talk.Milliseconds()
	return cb
}

func (cb *CallEndedBuilder) Build() *CallEndedEvent {
	return cb.event
}

// DeviceStatus builds a DeviceStatusEvent.
func (b *Builder) DeviceStatus(token, from, to string) *DeviceStatusEvent {
	return &DeviceStatusEvent{
		BaseEvent: b.newBase(DeviceStatus, "", token),
		From:      from,
		To:        to,
	}
}

// DispatchFailedBuilder constructs DispatchFailedEvent.
type DispatchFailedBuilder struct {
	event *DispatchFailedEvent
}

// DispatchFailed starts building a DispatchFailedEvent.
func (b *Builder) DispatchFailed(address, message string) *DispatchFailedBuilder {
	return &DispatchFailedBuilder{
		event: &DispatchFailedEvent{
			BaseEvent: b.newBase(DispatchFailed, "", ""),
			Address:   address,
			Message:   message,
			Attempts:  []Attempt{},
		},
	}
}

func (db *DispatchFailedBuilder) Attempt(token, reason string) *DispatchFailedBuilder {
	db.event.Attempts = append(db.event.Attempts, Attempt{Token: token, Reason: reason})
	return db
}

func (db *DispatchFailedBuilder) Build() *DispatchFailedEvent {
	return db.event
}
