package events

import "strings"

// Topic naming for MQTT.
//
// Hierarchy:
//   <prefix>/calls/<call_id>/<suffix>     - Per-call events
//   <prefix>/devices/<token>/status       - Device status
//   <prefix>/dispatch/failed              - Exhausted dispatches
//
// Wildcard subscriptions:
//   <prefix>/calls/#                      - All call events
//   <prefix>/calls/+/ended                - All call.ended events

// DefaultPrefix is the root topic.
const DefaultPrefix = "callbridge"

const (
	TopicCallOffered    = "offered"
	TopicCallStatus     = "status"
	TopicCallEnded      = "ended"
	TopicDeviceStatus   = "status"
	TopicDispatchFailed = "failed"
)

// CallTopic builds the topic of one call event.
// Example: CallTopic("callbridge", "abc", "ended") => "callbridge/calls/abc/ended"
func CallTopic(prefix, callID, suffix string) string {
	return join(prefix, "calls", callID, suffix)
}

// DeviceTopic builds the topic of one device event.
func DeviceTopic(prefix, token, suffix string) string {
	return join(prefix, "devices", token, suffix)
}

// DispatchTopic builds the topic of a dispatch event.
func DispatchTopic(prefix, suffix string) string {
	return join(prefix, "dispatch", suffix)
}

// PatternAllCalls matches every call event under prefix.
func PatternAllCalls(prefix string) string {
	return join(prefix, "calls", "#")
}

// PatternCallEnded matches every call.ended event under prefix.
func PatternCallEnded(prefix string) string {
	return join(prefix, "calls", "+", TopicCallEnded)
}

// TopicForEventType returns the suffix used for a call event type.
func TopicForEventType(t EventType) string {
	switch t {
	case CallOffered:
		return TopicCallOffered
	case CallStatus:
		return TopicCallStatus
	case CallEnded:
		return TopicCallEnded
	case DeviceStatus:
		return TopicDeviceStatus
	case DispatchFailed:
		return TopicDispatchFailed
	default:
		return "unknown"
	}
}

func join(prefix string, parts ...string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	// MQTT wildcards are not allowed inside an id segment.
	for i, p := range parts {
		if p != "#" && p != "+" {
			parts[i] = strings.NewReplacer("/", "_", "#", "_", "+", "_").Replace(p)
		}
	}
	return prefix + "/" + strings.Join(parts, "/")
}
