// Package events defines call and device lifecycle events and the
// publishers that ship them.
package events

import "time"

// EventType identifies the type of event.
type EventType string

const (
	// CallOffered fires when a session is created, inbound or outbound.
	CallOffered EventType = "call.offered"
	// CallStatus fires on every session status transition.
	CallStatus EventType = "call.status"
	// CallEnded fires when a session leaves the registry.
	CallEnded EventType = "call.ended"
	// DeviceStatus fires when a device reports a new status.
	DeviceStatus EventType = "device.status"
	// DispatchFailed fires when every candidate device failed to originate.
	DispatchFailed EventType = "dispatch.failed"
)

// EndReason explains why a call ended.
type EndReason string

const (
	EndReasonNormal            EndReason = "normal"
	EndReasonRejected          EndReason = "rejected"
	EndReasonNoAnswer          EndReason = "no_answer"
	EndReasonAcceptedElsewhere EndReason = "accepted_elsewhere"
	EndReasonRejectedElsewhere EndReason = "rejected_elsewhere"
	EndReasonError             EndReason = "error"
	EndReasonResumeFailed      EndReason = "resume_failed"
)

// Direction mirrors the call direction.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// Event is the interface every event implements.
type Event interface {
	Type() EventType
	// Topic returns the topic below prefix this event publishes to.
	Topic(prefix string) string
	Timestamp() time.Time
	CallID() string
}

// BaseEvent holds the fields common to every event.
type BaseEvent struct {
	// EventID deduplicates redeliveries.
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	Call      string    `json:"call_id,omitempty"`
	Device    string    `json:"device_token,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.Call }

// Topic routes call events per call, device events per device and
// dispatch events to a shared topic.
func (e *BaseEvent) Topic(prefix string) string {
	switch e.EventType {
	case DeviceStatus:
		return DeviceTopic(prefix, e.Device, TopicDeviceStatus)
	case DispatchFailed:
		return DispatchTopic(prefix, TopicDispatchFailed)
	default:
		return CallTopic(prefix, e.Call, TopicForEventType(e.EventType))
	}
}

// Peer is the far end of a call.
type Peer struct {
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name,omitempty"`
}

// CallOfferedEvent fires when a session is created.
type CallOfferedEvent struct {
	BaseEvent
	Direction Direction `json:"direction"`
	Peer      Peer      `json:"peer"`
	// Transport is the descriptor kind, empty when not yet known.
	Transport string `json:"transport,omitempty"`
}

// CallStatusEvent fires on a status transition.
type CallStatusEvent struct {
	BaseEvent
	From string `json:"from"`
	To   string `json:"to"`
}

// CallEndedEvent fires when a session is removed.
type CallEndedEvent struct {
	BaseEvent
	Direction   Direction `json:"direction"`
	FinalStatus string    `json:"final_status"`
	EndReason   EndReason `json:"end_reason"`
	Detail      string    `json:"detail,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	// TalkDurationMs counts from the first ACTIVE transition.
	TalkDurationMs int64 `json:"talk_duration_ms,omitempty"`
}

// DeviceStatusEvent fires on a device status change.
type DeviceStatusEvent struct {
	BaseEvent
	From string `json:"from"`
	To   string `json:"to"`
}

// Attempt is one failed device in a dispatch.
type Attempt struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

// DispatchFailedEvent fires when no candidate could originate.
type DispatchFailedEvent struct {
	BaseEvent
	Address  string    `json:"address"`
	Message  string    `json:"message"`
	Attempts []Attempt `json:"attempts"`
}
