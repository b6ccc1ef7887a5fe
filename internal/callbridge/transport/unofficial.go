package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/callbridge/internal/callbridge/media"
)

const (
	// DefaultReconnectDelay is the pause before redialling a dropped audio socket.
	DefaultReconnectDelay = time.Second

	heartbeatSize = 4
	writeTimeout  = 5 * time.Second
	dialTimeout   = 10 * time.Second
)

var reconnectCodes = map[int]bool{
	websocket.CloseGoingAway:         true, // 1001
	websocket.CloseAbnormalClosure:   true, // 1006
	websocket.CloseInternalServerErr: true, // 1011
	websocket.CloseTLSHandshake:      true, // 1015
}

// ShouldReconnect reports whether a socket closed with code is redialled.
func ShouldReconnect(code int) bool {
	return reconnectCodes[code]
}

// WebsocketConfig configures a raw PCM websocket transport.
type WebsocketConfig struct {
	CallID string
	Server Unofficial
	// Token authenticates the socket; it is the device token.
	Token    string
	InputID  string
	OutputID string
	// Insecure dials ws:// instead of wss://.
	Insecure       bool
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	OnReconnect    func()
}

// WebsocketTransport streams 16 kHz mono PCM over a dedicated websocket.
type WebsocketTransport struct {
	cfg   WebsocketConfig
	media media.Capability
	obs   Observer

	mu         sync.Mutex
	status     Status
	link       *wsLink
	stream     media.Stream
	sink       media.Sink
	timer      *time.Timer
	cancel     context.CancelFunc
	started    bool
	stopped    bool
	reconnects int
	wg         sync.WaitGroup
}

var _ Transport = (*WebsocketTransport)(nil)

type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
}

func (l *wsLink) write(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(messageType, data)
}

// NewWebsocketTransport creates an idle transport.
func NewWebsocketTransport(cfg WebsocketConfig, capability media.Capability, obs Observer) *WebsocketTransport {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &WebsocketTransport{
		cfg:    cfg,
		media:  capability,
		obs:    obs,
		status: StatusConnecting,
	}
}

// URL returns the audio socket address including the auth token.
func (t *WebsocketTransport) URL() string {
	scheme := "wss"
	if t.cfg.Insecure {
		scheme = "ws"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     t.cfg.Server.Addr(),
		Path:     "/",
		RawQuery: url.Values{"token": {t.cfg.Token}}.Encode(),
	}
	return u.String()
}

// Start acquires capture and playback and dials the socket. A failed
// first dial is returned; later drops are handled by the reconnect policy.
// Stop cancels a Start still in progress.
func (t *WebsocketTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	stream, err := t.media.Acquire(ctx, t.cfg.InputID)
	if err != nil {
		return t.startErr(fmt.Errorf("acquire input: %w", err))
	}
	stream.SetEnabled(true)

	sink, err := t.media.OpenOutput(ctx, t.cfg.OutputID)
	if err != nil {
		_ = t.media.Release(stream)
		return t.startErr(fmt.Errorf("open output: %w", err))
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = sink.Close()
		_ = t.media.Release(stream)
		return ErrStopped
	}
	t.stream = stream
	t.sink = sink
	t.mu.Unlock()

	// From here on Stop owns the stream and the sink.
	if err := t.dial(ctx); err != nil {
		_ = t.Stop()
		return t.startErr(err)
	}
	return nil
}

// startErr reports ErrStopped for a failure caused by a concurrent Stop.
func (t *WebsocketTransport) startErr(err error) error {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	return err
}

// Stop closes the socket, cancels any pending reconnect and releases
// capture and playback. No status is reported for a deliberate stop.
func (t *WebsocketTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	link, stream, sink := t.link, t.stream, t.sink
	t.link, t.stream, t.sink = nil, nil, nil
	t.status = StatusDisconnected
	t.mu.Unlock()

	if link != nil {
		link.cancel()
		_ = link.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = link.conn.Close()
	}

	t.wg.Wait()

	var errs []error
	if sink != nil {
		errs = append(errs, sink.Close())
	}
	if stream != nil {
		errs = append(errs, t.media.Release(stream))
	}
	return errors.Join(errs...)
}

// Status returns the socket status.
func (t *WebsocketTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetMuted toggles the capture stream; disabled frames are never sent.
func (t *WebsocketTransport) SetMuted(muted bool) {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream != nil {
		stream.SetEnabled(!muted)
	}
}

// Reconnects returns how many redials the close-code policy has triggered.
func (t *WebsocketTransport) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

func (t *WebsocketTransport) dial(ctx context.Context) error {
	t.setStatus(StatusConnecting)

	conn, _, err := t.cfg.Dialer.DialContext(ctx, t.URL(), nil)
	if err != nil {
		return fmt.Errorf("dial audio socket %s: %w", t.cfg.Server.Addr(), err)
	}

	writeCtx, cancel := context.WithCancel(context.Background())
	link := &wsLink{conn: conn, cancel: cancel}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrStopped
	}
	t.link = link
	stream, sink := t.stream, t.sink
	t.wg.Add(2)
	t.mu.Unlock()

	go t.readLoop(link, sink)
	go t.writeLoop(writeCtx, link, stream)

	slog.Debug("[Transport] Audio socket connected", "call_id", t.cfg.CallID, "addr", t.cfg.Server.Addr())
	t.setStatus(StatusConnected)
	return nil
}

func (t *WebsocketTransport) readLoop(link *wsLink, sink media.Sink) {
	defer t.wg.Done()
	defer link.cancel()

	for {
		messageType, data, err := link.conn.ReadMessage()
		if err != nil {
			t.handleClose(link, closeCode(err))
			return
		}

		if len(data) == heartbeatSize {
			if err := link.write(websocket.TextMessage, []byte("pong")); err != nil {
				slog.Debug("[Transport] Heartbeat reply failed", "call_id", t.cfg.CallID, "error", err)
			}
			continue
		}
		if messageType != websocket.BinaryMessage || sink == nil {
			continue
		}
		if err := sink.WriteFrame(data); err != nil {
			slog.Debug("[Transport] Playback write failed", "call_id", t.cfg.CallID, "error", err)
		}
	}
}

func (t *WebsocketTransport) writeLoop(ctx context.Context, link *wsLink, stream media.Stream) {
	defer t.wg.Done()
	if stream == nil {
		return
	}

	for {
		frame, err := stream.ReadFrame(ctx)
		if err != nil {
			return
		}
		if !stream.Enabled() || len(frame) == 0 {
			continue
		}
		if err := link.write(websocket.BinaryMessage, ToPCM16(stream.Encoding(), frame)); err != nil {
			return
		}
	}
}

func (t *WebsocketTransport) handleClose(link *wsLink, code int) {
	_ = link.conn.Close()

	t.mu.Lock()
	if t.stopped || t.link != link {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.status = StatusDisconnected
	retry := ShouldReconnect(code)
	if retry {
		t.timer = time.AfterFunc(t.cfg.ReconnectDelay, t.reconnect)
	}
	t.mu.Unlock()

	slog.Info("[Transport] Audio socket closed",
		"call_id", t.cfg.CallID,
		"code", code,
		"reconnect", retry,
	)
	t.obs.OnConnectionStatus(StatusDisconnected)
}

func (t *WebsocketTransport) reconnect() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.reconnects++
	t.mu.Unlock()

	if t.cfg.OnReconnect != nil {
		t.cfg.OnReconnect()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	err := t.dial(ctx)
	if err == nil || errors.Is(err, ErrStopped) {
		return
	}

	slog.Warn("[Transport] Audio socket redial failed", "call_id", t.cfg.CallID, "error", err)
	t.mu.Lock()
	if !t.stopped {
		t.status = StatusDisconnected
		t.timer = time.AfterFunc(t.cfg.ReconnectDelay, t.reconnect)
	}
	t.mu.Unlock()
	t.obs.OnConnectionStatus(StatusDisconnected)
}

func (t *WebsocketTransport) setStatus(s Status) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.status = s
	t.mu.Unlock()
	t.obs.OnConnectionStatus(s)
}

// closeCode extracts the websocket close code; transport errors without a
// close frame count as an abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
