// Package transport binds a call to its audio transport: a WebRTC-style
// peer negotiated over SDP, or a raw PCM websocket.
package transport

import (
	"context"
	"errors"

	"github.com/sebas/callbridge/internal/callbridge/stats"
)

// Status is the connection status of a running transport.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Observer receives transport-level signals for one call. Methods are
// called from transport goroutines and must not block.
type Observer interface {
	OnConnectionStatus(status Status)
	OnStats(report stats.Report)
	OnPeerMute(muted bool)
}

// Transport is one running audio path.
type Transport interface {
	Start(ctx context.Context) error
	// Stop is idempotent and releases every resource the transport holds.
	Stop() error
	Status() Status
	// SetMuted enables or disables the outgoing track.
	SetMuted(muted bool)
}

// AnswerSender delivers the local SDP answer back through signaling.
type AnswerSender interface {
	SendSdpAnswer(answer string) error
}

// NopObserver discards every signal.
type NopObserver struct{}

func (NopObserver) OnConnectionStatus(Status) {}
func (NopObserver) OnStats(stats.Report)      {}
func (NopObserver) OnPeerMute(bool)           {}

var (
	// ErrNoAudioSection is returned for SDP without an audio media line.
	ErrNoAudioSection = errors.New("sdp has no audio media section")

	// ErrStopped is returned when starting a transport that was stopped.
	ErrStopped = errors.New("transport stopped")
)
