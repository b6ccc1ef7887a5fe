package device

import "errors"

// Pre-flight failures returned by CanCall. Messages are shown to users.
var (
	ErrNotReady    = errors.New("device is not ready to call")
	ErrDeviceError = errors.New("device error")
	ErrNotLinked   = errors.New("a phone number must be linked to the device")
	ErrRestarting  = errors.New("device is restarting")
)

var (
	// ErrInvalidArgument marks calls that violate an argument contract.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProbeFailed is returned when the boot probe exhausts its attempts.
	ErrProbeFailed = errors.New("device info probe failed")

	// ErrNoTransport is returned when the device answers without a usable
	// transport descriptor.
	ErrNoTransport = errors.New("device returned no transport")

	// ErrClosed is returned by operations on a removed device.
	ErrClosed = errors.New("device connection closed")
)
