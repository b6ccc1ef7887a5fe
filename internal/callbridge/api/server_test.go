package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/sebas/callbridge/api/types/v1"
	"github.com/sebas/callbridge/internal/callbridge/call"
	"github.com/sebas/callbridge/internal/callbridge/device"
	"github.com/sebas/callbridge/internal/callbridge/dispatch"
	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/metrics"
	"github.com/sebas/callbridge/internal/callbridge/signaling"
	"github.com/sebas/callbridge/internal/callbridge/signaling/signalingtest"
	"github.com/sebas/callbridge/internal/callbridge/transport"
)

type fakeInfo struct{}

func (fakeInfo) AllInfo(ctx context.Context, token string) (*device.AllInfo, error) {
	return &device.AllInfo{Status: "open", Phone: "+15550000", Name: "Front desk"}, nil
}
func (fakeInfo) Restart(context.Context, string) error { return nil }
func (fakeInfo) Logout(context.Context, string) error  { return nil }

// callDevice is the request surface behind API-created sessions.
type callDevice struct {
	mu    sync.Mutex
	calls []string
}

func (d *callDevice) record(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, s)
}

func (d *callDevice) Token() string { return "dev-1" }
func (d *callDevice) AcceptCall(ctx context.Context, id string) (transport.Descriptor, error) {
	d.record("accept")
	return transport.Unofficial{Host: "127.0.0.1", Port: 9}, nil
}
func (d *callDevice) RejectCall(context.Context, string) error {
	d.record("reject")
	return nil
}
func (d *callDevice) EndCall(context.Context) error {
	d.record("end")
	return nil
}
func (d *callDevice) Mute(context.Context) error {
	return &signaling.RequestError{Event: device.EventMute, Message: "not in call"}
}
func (d *callDevice) Unmute(context.Context) error             { return nil }
func (d *callDevice) ResumeCall(context.Context, string) error { return nil }
func (d *callDevice) SendSdpAnswer(string) error               { return nil }

type fakeDispatcher struct {
	session *call.Session
	err     error
	got     types.StartCallRequest
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, address string, tokens []string) (*call.Session, error) {
	f.got = types.StartCallRequest{To: address, FromTokens: tokens}
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", device.ErrInvalidArgument)
	}
	return f.session, f.err
}

type fakeHealth int

func (h fakeHealth) Open() int { return int(h) }

type testEnv struct {
	srv        *Server
	devices    *device.Registry
	channels   map[string]*signalingtest.Channel
	calls      *call.Registry
	callDev    *callDevice
	dispatcher *fakeDispatcher
}

func newTestEnv(t *testing.T, open int) *testEnv {
	t.Helper()

	env := &testEnv{
		channels:   make(map[string]*signalingtest.Channel),
		callDev:    &callDevice{},
		dispatcher: &fakeDispatcher{},
	}
	var mu sync.Mutex
	env.devices = device.NewRegistry(func(token string) *device.Connection {
		ch := signalingtest.New()
		mu.Lock()
		env.channels[token] = ch
		mu.Unlock()
		return device.NewConnection(token, ch, fakeInfo{}, device.Options{ProbeInterval: time.Millisecond, ProbeAttempts: 1})
	})
	env.devices.Add("dev-1", "dev-2")
	t.Cleanup(func() { _ = env.devices.Close() })

	env.calls = call.NewRegistry(call.Config{Media: media.NewSilent()})
	env.calls.Attach(env.callDev)
	t.Cleanup(func() { _ = env.calls.Close() })

	env.srv = NewServer(Config{
		Addr:       "127.0.0.1:0",
		NodeID:     "node-test",
		Devices:    env.devices,
		Calls:      env.calls,
		Dispatcher: env.dispatcher,
		Health:     fakeHealth(open),
		Metrics:    metrics.New("callbridge"),
	})
	return env
}

func (e *testEnv) offer(t *testing.T, id string) *call.Session {
	t.Helper()
	p, err := signaling.NewPush(call.EventOffer, map[string]any{"id": id, "peer": map[string]any{"phone": "+15550100"}})
	require.NoError(t, err)
	e.calls.HandleCallPush("dev-1", p)
	s, ok := e.calls.Get(id)
	require.True(t, ok)
	return s
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 2)
	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[types.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "node-test", resp.NodeID)
	assert.Equal(t, 2, resp.OpenDevices)

	degraded := newTestEnv(t, 0)
	resp = decode[types.HealthResponse](t, degraded.do(t, http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, "degraded", resp.Status)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, 1)
	env.offer(t, "c1")

	resp := decode[types.StatsResponse](t, env.do(t, http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, 2, resp.TotalDevices)
	assert.Equal(t, 1, resp.ActiveCalls)
	assert.Equal(t, 1, resp.CallsByStatus["RINGING"])
}

func TestDevices(t *testing.T) {
	env := newTestEnv(t, 1)

	list := decode[[]types.Device](t, env.do(t, http.MethodGet, "/api/v1/devices", nil))
	require.Len(t, list, 2)
	assert.Equal(t, "dev-1", list[0].Token)
	assert.Equal(t, "dev-2", list[1].Token)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/dev-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev-2", decode[types.Device](t, rec).Token)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "device not found", decode[types.ErrorResponse](t, rec).Error)
}

func TestPairingCode(t *testing.T) {
	env := newTestEnv(t, 1)
	env.channels["dev-1"].RespondWith(device.EventPairingCode, "ABCD-1234", nil)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/dev-1/pairing-code", types.PairingCodeRequest{Phone: "+15550100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[types.PairingCodeResponse](t, rec)
	assert.Equal(t, "ABCD-1234", resp.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/devices/dev-1/pairing-code", types.PairingCodeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/devices/dev-1/pairing-code", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.channels["dev-2"].RespondWith(device.EventPairingCode, nil, &signaling.RequestError{Message: "already linked"})
	rec = env.do(t, http.MethodPost, "/api/v1/devices/dev-2/pairing-code", types.PairingCodeRequest{Phone: "+15550100"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "already linked", decode[types.ErrorResponse](t, rec).Error)
}

func TestWake(t *testing.T) {
	env := newTestEnv(t, 1)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/dev-1/wake", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[types.WakeResponse](t, rec)
	assert.Equal(t, "dev-1", resp.Token)
	assert.True(t, resp.Waken)
}

func TestCalls(t *testing.T) {
	env := newTestEnv(t, 1)
	env.offer(t, "c1")

	list := decode[[]types.Call](t, env.do(t, http.MethodGet, "/api/v1/calls", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ID)
	assert.Equal(t, "INCOMING", list[0].Direction)
	assert.Equal(t, "RINGING", list[0].Status)
	assert.Equal(t, "+15550100", list[0].Peer.Phone)

	rec := env.do(t, http.MethodGet, "/api/v1/calls/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", decode[types.Call](t, rec).ID)

	rec = env.do(t, http.MethodGet, "/api/v1/calls/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallActions(t *testing.T) {
	env := newTestEnv(t, 1)
	env.offer(t, "c1")

	rec := env.do(t, http.MethodPost, "/api/v1/calls/c1/accept", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "c1", decode[types.ActionResponse](t, rec).CallID)

	rec = env.do(t, http.MethodPost, "/api/v1/calls/c1/end", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/calls/c1/mute", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "not in call", decode[types.ErrorResponse](t, rec).Error)

	rec = env.do(t, http.MethodPost, "/api/v1/calls/c1/hold", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/calls/nope/end", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{"accept", "end"}, env.callDev.calls)
}

func TestCallActionInvalidState(t *testing.T) {
	env := newTestEnv(t, 1)
	s := env.offer(t, "c1")

	p, err := signaling.NewPush(call.EventStatus, "c1", "ACTIVE")
	require.NoError(t, err)
	env.calls.HandleCallPush("dev-1", p)
	require.Equal(t, call.StatusActive, s.Status())

	rec := env.do(t, http.MethodPost, "/api/v1/calls/c1/reject", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartCall(t *testing.T) {
	env := newTestEnv(t, 1)
	env.dispatcher.session = env.offer(t, "c1")

	rec := env.do(t, http.MethodPost, "/api/v1/calls", types.StartCallRequest{To: "+15550199", FromTokens: []string{"dev-1"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "c1", decode[types.Call](t, rec).ID)
	assert.Equal(t, "+15550199", env.dispatcher.got.To)
	assert.Equal(t, []string{"dev-1"}, env.dispatcher.got.FromTokens)

	rec = env.do(t, http.MethodPost, "/api/v1/calls", types.StartCallRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartCallFailures(t *testing.T) {
	env := newTestEnv(t, 1)

	env.dispatcher.err = &dispatch.DispatchError{
		Message: dispatch.MessageAllFailed,
		Devices: []dispatch.Failure{{Token: "dev-1", Reason: "device is not ready to call"}},
	}
	rec := env.do(t, http.MethodPost, "/api/v1/calls", types.StartCallRequest{To: "+15550199"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[types.ErrorResponse](t, rec)
	assert.Equal(t, dispatch.MessageAllFailed, resp.Error)
	assert.Equal(t, []types.DeviceFailure{{Token: "dev-1", Reason: "device is not ready to call"}}, resp.Devices)

	env.dispatcher.err = fmt.Errorf("%w: no input", dispatch.ErrCaptureUnavailable)
	rec = env.do(t, http.MethodPost, "/api/v1/calls", types.StartCallRequest{To: "+15550199"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 1)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, 1)

	rec := env.do(t, http.MethodDelete, "/api/v1/calls", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", device.ErrInvalidArgument), http.StatusBadRequest},
		{call.ErrNotFound, http.StatusNotFound},
		{call.ErrInvalidState, http.StatusConflict},
		{call.ErrCallEnded, http.StatusConflict},
		{&call.TransitionError{Err: call.ErrInvalidTransition}, http.StatusConflict},
		{dispatch.ErrCaptureUnavailable, http.StatusServiceUnavailable},
		{&dispatch.DispatchError{Message: dispatch.MessageNoDevices}, http.StatusBadGateway},
		{&signaling.RequestError{Message: "busy", Code: "busy"}, http.StatusBadGateway},
		{signaling.ErrAckTimeout, http.StatusBadGateway},
		{device.ErrClosed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
