package transport

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/stats"
)

const testOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n"

const testAnswer = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

const videoOnlySDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

type fakeStream struct {
	id      string
	enc     media.Encoding
	frames  chan []byte
	enabled atomic.Bool
}

func newFakeStream(enc media.Encoding) *fakeStream {
	return &fakeStream{id: "mic", enc: enc, frames: make(chan []byte, 16)}
}

func (s *fakeStream) ID() string               { return s.id }
func (s *fakeStream) Encoding() media.Encoding { return s.enc }
func (s *fakeStream) SetEnabled(v bool)        { s.enabled.Store(v) }
func (s *fakeStream) Enabled() bool            { return s.enabled.Load() }

func (s *fakeStream) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-s.frames:
		return f, nil
	}
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *recordingSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakePeer struct {
	answer string

	mu        sync.Mutex
	report    media.PeerReport
	level     float64
	onState   func(media.PeerState)
	suspended bool
	closed    bool
}

func (p *fakePeer) Answer() string { return p.answer }

func (p *fakePeer) Stats(context.Context) (media.PeerReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report, nil
}

func (p *fakePeer) Level() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *fakePeer) OnState(fn func(media.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) SuspendPlayback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) emit(state media.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *fakePeer) set(fn func(p *fakePeer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type fakeMedia struct {
	stream *fakeStream
	sink   *recordingSink
	peer   *fakePeer

	// acquireGate, when set, holds Acquire until it is closed; acquiring
	// is signalled on entry.
	acquireGate chan struct{}
	acquiring   chan struct{}

	mu        sync.Mutex
	acquired  int
	released  int
	offers    []string
	negotiate error
}

func newFakeMedia(enc media.Encoding) *fakeMedia {
	return &fakeMedia{
		stream: newFakeStream(enc),
		sink:   &recordingSink{},
		peer:   &fakePeer{answer: testAnswer, level: 10},
	}
}

func (m *fakeMedia) ListInputs(context.Context) ([]media.DeviceInfo, error) {
	return []media.DeviceInfo{{ID: "mic", Label: "Mic"}}, nil
}

func (m *fakeMedia) ListOutputs(context.Context) ([]media.DeviceInfo, error) {
	return []media.DeviceInfo{{ID: "speaker", Label: "Speaker"}}, nil
}

func (m *fakeMedia) Acquire(context.Context, string) (media.Stream, error) {
	if m.acquireGate != nil {
		close(m.acquiring)
		<-m.acquireGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
	return m.stream, nil
}

func (m *fakeMedia) Release(media.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

func (m *fakeMedia) OpenOutput(context.Context, string) (media.Sink, error) {
	return m.sink, nil
}

func (m *fakeMedia) Negotiate(_ context.Context, offer string, _ media.Stream) (media.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.negotiate != nil {
		return nil, m.negotiate
	}
	m.offers = append(m.offers, offer)
	return m.peer, nil
}

func (m *fakeMedia) counts() (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []Status
	reports  []stats.Report
	mutes    []bool
}

func (o *recordingObserver) OnConnectionStatus(s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func (o *recordingObserver) OnStats(r stats.Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func (o *recordingObserver) OnPeerMute(muted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mutes = append(o.mutes, muted)
}

func (o *recordingObserver) lastStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.statuses) == 0 {
		return ""
	}
	return o.statuses[len(o.statuses)-1]
}

func (o *recordingObserver) lastReport() (stats.Report, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.reports) == 0 {
		return stats.Report{}, false
	}
	return o.reports[len(o.reports)-1], true
}

func (o *recordingObserver) muteFlips() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.mutes...)
}

type answerRecorder struct {
	mu      sync.Mutex
	answers []string
}

func (a *answerRecorder) SendSdpAnswer(answer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, answer)
	return nil
}

func (a *answerRecorder) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.answers...)
}

func containsCodec(codecs []string, prefix string) bool {
	for _, c := range codecs {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
