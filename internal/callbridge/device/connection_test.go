package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/callbridge/signaling"
	"github.com/sebas/callbridge/internal/callbridge/signaling/signalingtest"
	"github.com/sebas/callbridge/internal/callbridge/transport"
)

type fakeInfo struct {
	mu       sync.Mutex
	info     map[string]*AllInfo
	failures int
	err      error
	calls    int
	restarts []string
	logouts  []string

	// gate, when set, holds the next AllInfo call until it receives the
	// error to return; held is signalled once the call is waiting.
	gate chan error
	held chan struct{}
}

func newFakeInfo() *fakeInfo {
	return &fakeInfo{info: make(map[string]*AllInfo)}
}

func (f *fakeInfo) set(token, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info[token] = &AllInfo{Status: status, Phone: "5511999990000", Name: "Front desk"}
}

// holdNext makes the next AllInfo call block until release is called.
func (f *fakeInfo) holdNext() (held <-chan struct{}, release func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan error, 1)
	f.gate = gate
	f.held = make(chan struct{})
	return f.held, func(err error) { gate <- err }
}

func (f *fakeInfo) AllInfo(ctx context.Context, token string) (*AllInfo, error) {
	f.mu.Lock()
	if gate := f.gate; gate != nil {
		f.gate = nil
		f.calls++
		close(f.held)
		f.mu.Unlock()
		// Ignores ctx so a late answer still arrives after cancellation.
		if err := <-gate; err != nil {
			return nil, err
		}
		return &AllInfo{Status: "open"}, nil
	}
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, f.err
	}
	info, ok := f.info[token]
	if !ok {
		return nil, errors.New("all_info: unexpected status: 404")
	}
	cp := *info
	return &cp, nil
}

func (f *fakeInfo) Restart(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, token)
	return nil
}

func (f *fakeInfo) Logout(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, token)
	return nil
}

func (f *fakeInfo) probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedEvents struct {
	mu     sync.Mutex
	pushes []signaling.Push
	downs  []string
	ups    []string
}

func (r *recordedEvents) HandleCallPush(token string, p signaling.Push) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, p)
}

func (r *recordedEvents) HandleLinkDown(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downs = append(r.downs, token)
}

func (r *recordedEvents) HandleLinkUp(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ups = append(r.ups, token)
}

func (r *recordedEvents) counts() (pushes, downs, ups int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes), len(r.downs), len(r.ups)
}

func newTestConnection(t *testing.T, info *fakeInfo) (*Connection, *signalingtest.Channel) {
	t.Helper()
	ch := signalingtest.New()
	c := NewConnection("dev-1", ch, info, Options{ProbeInterval: time.Millisecond, ProbeAttempts: 3})
	t.Cleanup(func() { _ = c.Close() })
	return c, ch
}

func TestConnectSeedsStatusFromInfo(t *testing.T) {
	info := newFakeInfo()
	info.set("dev-1", "connected")
	c, ch := newTestConnection(t, info)

	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, StatusOpen, c.Status())
	assert.Equal(t, 1, ch.Connects())
	snap := c.Snapshot()
	assert.True(t, snap.Connected)
	require.NotNil(t, snap.Contact)
	assert.Equal(t, "5511999990000", snap.Contact.Phone)
	assert.NoError(t, c.CanCall())
}

func TestConnectRetriesProbe(t *testing.T) {
	info := newFakeInfo()
	info.set("dev-1", "open")
	info.failures = 2
	info.err = errors.New("boom")
	c, _ := newTestConnection(t, info)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 3, info.probes())
	assert.Equal(t, StatusOpen, c.Status())
}

func TestConnectProbeExhaustedMarksError(t *testing.T) {
	info := newFakeInfo()
	info.failures = -1
	info.err = errors.New("boom")
	c, ch := newTestConnection(t, info)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrProbeFailed)
	assert.Equal(t, 3, info.probes())
	assert.Equal(t, StatusError, c.Status())
	assert.Zero(t, ch.Connects())
	assert.ErrorIs(t, c.CanCall(), ErrDeviceError)
}

func TestConnectChannelFailureIsNotFatal(t *testing.T) {
	info := newFakeInfo()
	info.set("dev-1", "open")
	c, ch := newTestConnection(t, info)
	ch.FailConnect(errors.New("dial refused"))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StatusOpen, c.Status())
	assert.False(t, c.Snapshot().Connected)
}

func TestCanCall(t *testing.T) {
	tests := []struct {
		status string
		want   error
	}{
		{"", ErrNotReady},
		{"error", ErrDeviceError},
		{"connecting", ErrNotLinked},
		{"restarting", ErrRestarting},
		{"open", nil},
		{"disconnected", nil},
		{"hibernating", nil},
		{"waiting_payment", nil},
	}

	for _, tt := range tests {
		t.Run(ParseStatus(tt.status).String(), func(t *testing.T) {
			c, ch := newTestConnection(t, newFakeInfo())
			ch.Push(EventDeviceStatus, tt.status)

			err := c.CanCall()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, "a phone number must be linked to the device", ErrNotLinked.Error())
}

func TestSubscribersAreReplaced(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())

	var first, second []Status
	c.OnStatus(func(s Status) { first = append(first, s) })
	c.OnStatus(func(s Status) { second = append(second, s) })

	ch.Push(EventDeviceStatus, "open")
	ch.Push(EventDeviceStatus, "open")

	assert.Empty(t, first)
	assert.Equal(t, []Status{StatusOpen, StatusOpen}, second)
}

func TestStatusChangedOnlyOnTransitions(t *testing.T) {
	ch := signalingtest.New()
	var changes [][2]Status
	c := NewConnection("dev-1", ch, newFakeInfo(), Options{
		StatusChanged: func(token string, from, to Status) {
			changes = append(changes, [2]Status{from, to})
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	ch.Push(EventDeviceStatus, "connecting")
	ch.Push(EventDeviceStatus, "connecting")
	ch.Push(EventDeviceStatus, "open")

	assert.Equal(t, [][2]Status{
		{StatusNone, StatusConnecting},
		{StatusConnecting, StatusOpen},
	}, changes)
}

func TestDevicePushesStayLocal(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())
	ev := &recordedEvents{}
	c.Bind(ev)

	var qr string
	var contact Contact
	c.OnQRCode(func(code string) { qr = code })
	c.OnContact(func(ct Contact) { contact = ct })

	ch.Push(EventQRCode, "2@abc")
	ch.Push(EventContact, Contact{Phone: "5511888880000", Name: "Ana"})
	ch.Push("call:status", "call-1", "ACTIVE")

	assert.Equal(t, "2@abc", qr)
	assert.Equal(t, "Ana", contact.Name)
	assert.Equal(t, "2@abc", c.Snapshot().QRCode)

	pushes, _, _ := ev.counts()
	assert.Equal(t, 1, pushes)
	assert.Equal(t, "call:status", ev.pushes[0].Event)
	assert.Equal(t, "call-1", ev.pushes[0].StringArg(0))
}

func TestLinkDropAndRecovery(t *testing.T) {
	info := newFakeInfo()
	info.set("dev-1", "open")
	c, ch := newTestConnection(t, info)
	ev := &recordedEvents{}
	c.Bind(ev)
	require.NoError(t, c.Connect(context.Background()))

	info.set("dev-1", "restarting")
	ch.Drop()

	_, downs, _ := ev.counts()
	assert.Equal(t, 1, downs)
	require.Eventually(t, func() bool { return c.Status() == StatusRestarting }, time.Second, 5*time.Millisecond)

	info.set("dev-1", "open")
	ch.Recover()
	require.Eventually(t, func() bool {
		_, _, ups := ev.counts()
		return ups == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusOpen, c.Status())
}

func TestLinkDropRefreshFailureMarksError(t *testing.T) {
	info := newFakeInfo()
	info.set("dev-1", "open")
	c, ch := newTestConnection(t, info)
	require.NoError(t, c.Connect(context.Background()))

	info.mu.Lock()
	info.failures = -1
	info.err = errors.New("unreachable")
	info.mu.Unlock()

	ch.Drop()
	require.Eventually(t, func() bool { return c.Status() == StatusError }, time.Second, 5*time.Millisecond)
}

func TestStaleRefreshDoesNotOverrideReconnect(t *testing.T) {
	info := newFakeInfo()
	info.set("dev-1", "open")
	c, ch := newTestConnection(t, info)
	ev := &recordedEvents{}
	c.Bind(ev)
	require.NoError(t, c.Connect(context.Background()))

	held, release := info.holdNext()
	ch.Drop()
	<-held

	ch.Recover()
	require.Eventually(t, func() bool {
		_, _, ups := ev.counts()
		return ups == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StatusOpen, c.Status())

	release(errors.New("unreachable"))
	time.Sleep(20 * time.Millisecond)

	assert.True(t, ch.Connected())
	assert.Equal(t, StatusOpen, c.Status())
	assert.NoError(t, c.CanCall())
}

func TestStatusPushSupersedesRefreshInFlight(t *testing.T) {
	info := newFakeInfo()
	info.set("dev-1", "open")
	c, ch := newTestConnection(t, info)
	require.NoError(t, c.Connect(context.Background()))

	held, release := info.holdNext()
	ch.Drop()
	<-held

	ch.Push(EventDeviceStatus, "connecting")
	require.Equal(t, StatusConnecting, c.Status())

	release(nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusConnecting, c.Status())
}

func TestStartCall(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())
	ch.RespondWith(EventStart, map[string]any{
		"call_id":   "call-9",
		"peer":      map[string]any{"phone": "5511777770000", "display_name": "Bob"},
		"transport": map[string]any{"type": "unofficial", "server": map[string]any{"host": "10.0.0.5", "port": "9000"}},
	}, nil)

	started, err := c.StartCall(context.Background(), "5511777770000")
	require.NoError(t, err)
	assert.Equal(t, "call-9", started.ID)
	assert.Equal(t, "Bob", started.Peer.DisplayName)
	assert.Equal(t, transport.Unofficial{Host: "10.0.0.5", Port: 9000}, started.Transport)

	reqs := ch.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []any{"5511777770000"}, reqs[0].Args)
}

func TestStartCallWithoutTransportEndsTheCall(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())
	ch.RespondWith(EventStart, map[string]any{"call_id": "call-9", "peer": map[string]any{}}, nil)

	_, err := c.StartCall(context.Background(), "5511777770000")
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.Equal(t, []string{EventStart, EventEnd}, ch.Events())
}

func TestStartCallValidation(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())

	_, err := c.StartCall(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, ch.Requests())

	ch.RespondWith(EventStart, "nonsense", nil)
	_, err = c.StartCall(context.Background(), "551100")
	assert.Error(t, err)
}

func TestStartCallSurfacesServerMessage(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())
	ch.RespondWith(EventStart, nil, &signaling.RequestError{Event: EventStart, Message: "Phone is busy", Code: "busy"})

	_, err := c.StartCall(context.Background(), "551100")
	require.Error(t, err)
	assert.Equal(t, "Phone is busy", err.Error())

	var reqErr *signaling.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.IsBusy())
}

func TestAcceptCallDescriptorShapes(t *testing.T) {
	offer := map[string]any{"type": "official", "sdp": "v=0\r\n"}

	tests := []struct {
		name   string
		result any
	}{
		{name: "bare", result: offer},
		{name: "wrapped", result: map[string]any{"transport": offer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ch := newTestConnection(t, newFakeInfo())
			ch.RespondWith(EventAccept, tt.result, nil)

			desc, err := c.AcceptCall(context.Background(), "call-1")
			require.NoError(t, err)
			assert.Equal(t, transport.Official{SDPOffer: "v=0\r\n"}, desc)
		})
	}
}

func TestAcceptCallWithoutTransport(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())
	ch.RespondWith(EventAccept, true, nil)

	_, err := c.AcceptCall(context.Background(), "call-1")
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = c.AcceptCall(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCallRequestsAndEmit(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())
	ctx := context.Background()

	require.NoError(t, c.RejectCall(ctx, "call-1"))
	require.NoError(t, c.Mute(ctx))
	require.NoError(t, c.Unmute(ctx))
	require.NoError(t, c.EndCall(ctx))
	require.NoError(t, c.ResumeCall(ctx, "call-1"))
	require.NoError(t, c.SendSdpAnswer("answer-sdp"))
	assert.ErrorIs(t, c.RejectCall(ctx, ""), ErrInvalidArgument)

	assert.Equal(t, []string{EventReject, EventMute, EventUnmute, EventEnd, EventResume, EventSdpAnswer}, ch.Events())
	reqs := ch.Requests()
	assert.True(t, reqs[5].Emit)
	assert.Equal(t, []any{"answer-sdp"}, reqs[5].Args)
}

func TestRequestPairingCode(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())
	ch.RespondWith(EventPairingCode, "ABCD-1234", nil)

	code, err := c.RequestPairingCode(context.Background(), "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", code)

	_, err = c.RequestPairingCode(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeviceActionsUseInfoSource(t *testing.T) {
	info := newFakeInfo()
	c, _ := newTestConnection(t, info)

	require.NoError(t, c.Restart(context.Background()))
	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, []string{"dev-1"}, info.restarts)
	assert.Equal(t, []string{"dev-1"}, info.logouts)
}

func TestCloseSilencesStatus(t *testing.T) {
	c, ch := newTestConnection(t, newFakeInfo())
	var seen []Status
	c.OnStatus(func(s Status) { seen = append(seen, s) })

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, ch.Closed())

	ch.Push(EventDeviceStatus, "open")
	ch.Drop()
	assert.Empty(t, seen)
	assert.Equal(t, StatusNone, c.Status())
}
