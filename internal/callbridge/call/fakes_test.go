package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/metrics"
	"github.com/sebas/callbridge/internal/callbridge/signaling"
	"github.com/sebas/callbridge/internal/callbridge/transport"
)

const testOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

type fakeDevice struct {
	token string

	mu         sync.Mutex
	requests   []string
	acceptDesc transport.Descriptor
	acceptErr  error
	rejectErr  error
	muteErr    error
	resumeErr  error
	ended      chan struct{}
}

func newFakeDevice(token string) *fakeDevice {
	return &fakeDevice{
		token:      token,
		acceptDesc: transport.Official{SDPOffer: testOffer},
		ended:      make(chan struct{}, 8),
	}
}

func (d *fakeDevice) record(req string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
}

func (d *fakeDevice) Requests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

func (d *fakeDevice) Token() string { return d.token }

func (d *fakeDevice) AcceptCall(ctx context.Context, id string) (transport.Descriptor, error) {
	d.record("accept:" + id)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acceptDesc, d.acceptErr
}

func (d *fakeDevice) RejectCall(ctx context.Context, id string) error {
	d.record("reject:" + id)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejectErr
}

func (d *fakeDevice) EndCall(ctx context.Context) error {
	d.record("end")
	d.ended <- struct{}{}
	return nil
}

func (d *fakeDevice) Mute(ctx context.Context) error {
	d.record("mute")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muteErr
}

func (d *fakeDevice) Unmute(ctx context.Context) error {
	d.record("unmute")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muteErr
}

func (d *fakeDevice) ResumeCall(ctx context.Context, id string) error {
	d.record("resume:" + id)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumeErr
}

func (d *fakeDevice) SendSdpAnswer(answer string) error {
	d.record("answer")
	return nil
}

type testEnv struct {
	reg     *Registry
	dev     *fakeDevice
	metrics *metrics.Metrics
	pub     *events.ChannelPublisher
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		dev:     newFakeDevice("dev-1"),
		metrics: metrics.New("test"),
		pub:     events.NewChannelPublisher(256),
	}
	cfg := Config{
		Media:        media.NewSilent(),
		ResumeWindow: DefaultResumeWindow,
		Metrics:      env.metrics,
		Publisher:    env.pub,
		Events:       events.NewBuilder("node-test"),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	env.reg = NewRegistry(cfg)
	env.reg.Attach(env.dev)
	t.Cleanup(func() { _ = env.reg.Close() })
	return env
}

func (e *testEnv) push(t *testing.T, event string, args ...any) {
	t.Helper()
	e.pushFrom(t, e.dev.token, event, args...)
}

func (e *testEnv) pushFrom(t *testing.T, token, event string, args ...any) {
	t.Helper()
	p, err := signaling.NewPush(event, args...)
	require.NoError(t, err)
	e.reg.HandleCallPush(token, p)
}

// offer pushes an incoming call and returns its session.
func (e *testEnv) offer(t *testing.T, id string) *Session {
	t.Helper()
	e.push(t, EventOffer, map[string]any{
		"id":   id,
		"peer": map[string]any{"phone": "+15550100", "display_name": "Ada"},
	})
	s, ok := e.reg.Get(id)
	require.True(t, ok, "offer %s not registered", id)
	settle(s)
	return s
}

// settle waits until every callback queued for s so far has run.
func settle(s *Session) {
	done := make(chan struct{})
	if !s.queue.push(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// published drains every event published so far.
func (e *testEnv) published() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-e.pub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (e *testEnv) endedEvents() []*events.CallEndedEvent {
	var out []*events.CallEndedEvent
	for _, ev := range e.published() {
		if ended, ok := ev.(*events.CallEndedEvent); ok {
			out = append(out, ended)
		}
	}
	return out
}

// hookLog records hook invocations in order.
type hookLog struct {
	s *Session

	mu    sync.Mutex
	calls []string
}

func (l *hookLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *hookLog) fn(name string) func() {
	return func() { l.add(name) }
}

// all returns the invocations once the queued callbacks have run.
func (l *hookLog) all() []string {
	if l.s != nil {
		settle(l.s)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// watch records every hook of s. Callbacks already queued are delivered
// first, without being recorded.
func watch(s *Session) *hookLog {
	settle(s)
	log := &hookLog{s: s}
	s.OnAccept(log.fn("accept"))
	s.OnReject(log.fn("reject"))
	s.OnEnd(log.fn("end"))
	s.OnUnanswered(log.fn("unanswered"))
	s.OnAcceptedElsewhere(log.fn("accepted_elsewhere"))
	s.OnRejectedElsewhere(log.fn("rejected_elsewhere"))
	s.OnPeerMute(log.fn("peer_mute"))
	s.OnPeerUnmute(log.fn("peer_unmute"))
	s.OnError(func(reason string) { log.add("error:" + reason) })
	s.OnStatus(func(status Status) { log.add("status:" + string(status)) })
	return log
}
