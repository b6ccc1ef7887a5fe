package signaling

import "errors"

var (
	// ErrNotConnected is returned when a request is issued with no live link.
	ErrNotConnected = errors.New("signaling channel not connected")

	// ErrDisconnected fails requests still waiting for an ack when the link drops.
	ErrDisconnected = errors.New("signaling channel disconnected before ack")

	// ErrAckTimeout is returned when the server does not acknowledge in time.
	ErrAckTimeout = errors.New("signaling request ack timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("signaling channel closed")
)

// RequestError is an error acknowledgement from the device. Message is the
// server's text and is surfaced verbatim.
type RequestError struct {
	Event   string
	Message string
	Code    string
}

func (e *RequestError) Error() string {
	return e.Message
}

// IsBusy reports whether the device refused because it already has a call.
func (e *RequestError) IsBusy() bool {
	return e.Code == "busy"
}
