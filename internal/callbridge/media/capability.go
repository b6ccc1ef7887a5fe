// Package media describes the capture, playback and peer-connection
// capability the call core consumes. Real audio stacks live outside this
// module; they plug in by implementing Capability.
package media

import (
	"context"
	"errors"
)

// Encoding is the sample format of a capture stream.
type Encoding int

const (
	// EncodingPCM16 is little-endian signed 16-bit linear PCM.
	EncodingPCM16 Encoding = iota
	// EncodingPCMU is G.711 µ-law.
	EncodingPCMU
	// EncodingPCMA is G.711 A-law.
	EncodingPCMA
)

func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "pcm16"
	case EncodingPCMU:
		return "pcmu"
	case EncodingPCMA:
		return "pcma"
	default:
		return "unknown"
	}
}

// SampleRate is the rate every stream handed to the transports runs at.
const SampleRate = 16000

// DeviceInfo identifies an input or output endpoint.
type DeviceInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Stream is an acquired capture stream. Disabling it must make ReadFrame
// deliver nothing to the wire; the transports also skip frames while it is
// disabled.
type Stream interface {
	ID() string
	Encoding() Encoding
	ReadFrame(ctx context.Context) ([]byte, error)
	SetEnabled(enabled bool)
	Enabled() bool
}

// Sink renders inbound PCM16 frames.
type Sink interface {
	WriteFrame(frame []byte) error
	Close() error
}

// PeerState is the connection state of a negotiated peer.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InboundReport is the inbound RTP summary of a peer.
type InboundReport struct {
	PacketsReceived int64
	PacketsLost     int64
	BytesReceived   int64
}

// OutboundReport is the outbound RTP summary of a peer.
type OutboundReport struct {
	BytesSent int64
}

// RemoteReport is what the far end reports about our outbound stream.
type RemoteReport struct {
	PacketsReceived int64
	PacketsLost     int64
	RoundTripTime   float64
	RTTMeasurements int
}

// PeerReport is a single stats poll.
type PeerReport struct {
	Inbound  *InboundReport
	Outbound *OutboundReport
	Remote   *RemoteReport
}

// Peer is a negotiated WebRTC-style connection.
type Peer interface {
	// Answer returns the local SDP answer.
	Answer() string
	Stats(ctx context.Context) (PeerReport, error)
	// Level returns the mean absolute deviation of the inbound analyser
	// window, in the analyser's byte scale.
	Level() float64
	OnState(fn func(PeerState))
	// SuspendPlayback stops local rendering after the peer closes.
	SuspendPlayback()
	Close() error
}

// Capability is the audio I/O surface the core needs.
type Capability interface {
	ListInputs(ctx context.Context) ([]DeviceInfo, error)
	ListOutputs(ctx context.Context) ([]DeviceInfo, error)
	Acquire(ctx context.Context, inputID string) (Stream, error)
	Release(stream Stream) error
	OpenOutput(ctx context.Context, outputID string) (Sink, error)
	Negotiate(ctx context.Context, offer string, local Stream) (Peer, error)
}

var (
	// ErrNoInput means no capture device is available.
	ErrNoInput = errors.New("no audio input available")

	// ErrNegotiationUnsupported is returned by capabilities without a peer stack.
	ErrNegotiationUnsupported = errors.New("peer negotiation not supported")
)

// CheckCapture verifies that at least one input can be listed. It is the
// pre-flight used before originating or accepting calls.
func CheckCapture(ctx context.Context, c Capability) error {
	if c == nil {
		return ErrNoInput
	}
	inputs, err := c.ListInputs(ctx)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return ErrNoInput
	}
	return nil
}
