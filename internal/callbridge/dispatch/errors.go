package dispatch

import (
	"errors"
	"strings"
)

const (
	// MessageNoDevices is the DispatchError message when there is nothing
	// to try.
	MessageNoDevices = "no devices available"
	// MessageAllFailed is the DispatchError message when every candidate
	// failed.
	MessageAllFailed = "could not place the call"
)

var (
	// ErrCaptureUnavailable is returned when the capture gate refuses the
	// dispatch before any device is tried.
	ErrCaptureUnavailable = errors.New("audio capture unavailable")

	// ErrNotRegistered is recorded for explicit tokens with no device.
	ErrNotRegistered = errors.New("device not registered")
)

// Failure is one candidate that could not originate.
type Failure struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

// DispatchError aggregates the failures of an exhausted dispatch in
// candidate order.
type DispatchError struct {
	Message string    `json:"message"`
	Devices []Failure `json:"devices"`

	errs []error
}

func (e *DispatchError) add(token string, err error) Failure {
	f := Failure{Token: token, Reason: err.Error()}
	e.Devices = append(e.Devices, f)
	e.errs = append(e.errs, err)
	return f
}

func (e *DispatchError) Error() string {
	if len(e.Devices) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Devices))
	for _, f := range e.Devices {
		parts = append(parts, f.Token+": "+f.Reason)
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

// Unwrap exposes the per-device causes to errors.Is and errors.As.
func (e *DispatchError) Unwrap() []error {
	return e.errs
}
