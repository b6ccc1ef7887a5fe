package media

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// FrameDuration is the pacing of generated frames.
const FrameDuration = 20 * time.Millisecond

// frameBytes is one PCM16 mono frame at SampleRate.
const frameBytes = SampleRate / 1000 * int(FrameDuration/time.Millisecond) * 2

// Silent is a headless Capability for hosts without audio hardware. Its
// single input produces paced silence and its outputs discard audio. It
// cannot negotiate peers, so only the websocket transport works with it.
type Silent struct {
	mu      sync.Mutex
	streams map[string]*silentStream
	seq     atomic.Int64
}

var _ Capability = (*Silent)(nil)

// NewSilent creates a headless capability.
func NewSilent() *Silent {
	return &Silent{streams: make(map[string]*silentStream)}
}

func (s *Silent) ListInputs(context.Context) ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "silence", Label: "Silence generator"}}, nil
}

func (s *Silent) ListOutputs(context.Context) ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "discard", Label: "Discard"}}, nil
}

func (s *Silent) Acquire(_ context.Context, inputID string) (Stream, error) {
	if inputID != "" && inputID != "silence" {
		return nil, ErrNoInput
	}
	st := &silentStream{id: "silence-" + strconv.FormatInt(s.seq.Add(1), 10)}
	st.enabled.Store(true)

	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()
	return st, nil
}

func (s *Silent) Release(stream Stream) error {
	if stream == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, stream.ID())
	return nil
}

// Active returns how many streams are currently acquired.
func (s *Silent) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Silent) OpenOutput(context.Context, string) (Sink, error) {
	return &discardSink{}, nil
}

func (s *Silent) Negotiate(context.Context, string, Stream) (Peer, error) {
	return nil, ErrNegotiationUnsupported
}

type silentStream struct {
	id      string
	enabled atomic.Bool
}

func (st *silentStream) ID() string         { return st.id }
func (st *silentStream) Encoding() Encoding { return EncodingPCM16 }
func (st *silentStream) SetEnabled(v bool)  { st.enabled.Store(v) }
func (st *silentStream) Enabled() bool      { return st.enabled.Load() }

func (st *silentStream) ReadFrame(ctx context.Context) ([]byte, error) {
	t := time.NewTimer(FrameDuration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return make([]byte, frameBytes), nil
	}
}

type discardSink struct{}

func (discardSink) WriteFrame([]byte) error { return nil }
func (discardSink) Close() error            { return nil }
