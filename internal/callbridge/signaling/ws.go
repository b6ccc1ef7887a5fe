package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

// WSConfig configures a websocket signaling channel.
type WSConfig struct {
	URL           string
	Header        http.Header
	AckTimeout    time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultWSConfig returns production defaults for url.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:           url,
		AckTimeout:    10 * time.Second,
		DialTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
		ReconnectBase: 500 * time.Millisecond,
		ReconnectMax:  10 * time.Second,
	}
}

// DeviceURL builds the per-device socket URL: <base>/<token>/websocket.
// http(s) schemes are rewritten to ws(s).
func DeviceURL(base, token string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/" + token + "/websocket"
}

type ackResult struct {
	data *ackData
	err  error
}

// WSChannel is a Channel over one gorilla websocket connection. After an
// undesired drop it redials with capped exponential backoff until it
// succeeds or Close is called.
type WSChannel struct {
	cfg    WSConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan ackResult
	onPush  func(Push)
	onState func(StateChange)

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ Channel = (*WSChannel)(nil)

// NewWSChannel creates an unconnected channel.
func NewWSChannel(cfg WSConfig) *WSChannel {
	def := DefaultWSConfig(cfg.URL)
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WSChannel{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]chan ackResult),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnPush replaces the push handler.
func (c *WSChannel) OnPush(fn func(Push)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPush = fn
}

// OnState replaces the link state handler.
func (c *WSChannel) OnState(fn func(StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Connected reports whether a link is currently up.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials once. A failed first dial is retried in the background the
// same way as a drop, and the dial error is returned.
func (c *WSChannel) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.Connected() {
		return nil
	}
	if err := c.dial(ctx, false); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.wg.Add(1)
		go c.reconnectLoop()
		return err
	}
	return nil
}

// Request sends event and waits for its ack.
func (c *WSChannel) Request(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", event, err)
	}

	id := uuid.NewString()
	ch := make(chan ackResult, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", event, ErrNotConnected)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(conn, envelope{ID: id, Event: event, Args: raw}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", event, err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", event, res.err)
		}
		return res.data.result(event)
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", event, ErrAckTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// Emit sends a one-way event.
func (c *WSChannel) Emit(event string, args ...any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", event, ErrNotConnected)
	}
	return c.write(conn, envelope{Event: event, Args: raw})
}

// Close tears the link down without reporting a state change. It must not
// be called from a push or state handler.
func (c *WSChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	c.wg.Wait()
	return nil
}

func (c *WSChannel) dial(ctx context.Context, reconnected bool) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	slog.Debug("[Signaling] Connected", "url", c.cfg.URL, "reconnected", reconnected)
	c.notify(StateChange{State: StateConnected, Reconnected: reconnected})

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *WSChannel) reconnectLoop() {
	defer c.wg.Done()

	b := retry.WithCappedDuration(c.cfg.ReconnectMax, retry.NewExponential(c.cfg.ReconnectBase))
	err := retry.Do(c.ctx, b, func(ctx context.Context) error {
		if err := c.dial(ctx, true); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			slog.Debug("[Signaling] Reconnect attempt failed", "url", c.cfg.URL, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && !c.closed.Load() {
		slog.Warn("[Signaling] Reconnect abandoned", "url", c.cfg.URL, "error", err)
	}
}

func (c *WSChannel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("[Signaling] Dropping malformed frame", "error", err)
			continue
		}

		switch {
		case env.Ack != "":
			c.resolve(env.Ack, ackResult{data: env.Data})
		case env.Event != "":
			c.mu.Lock()
			fn := c.onPush
			c.mu.Unlock()
			if fn != nil {
				fn(Push{Event: env.Event, Args: env.Args})
			}
		}
	}
}

func (c *WSChannel) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan ackResult)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		ch <- ackResult{err: ErrDisconnected}
	}

	if c.closed.Load() {
		return
	}

	slog.Info("[Signaling] Link dropped", "url", c.cfg.URL, "error", cause)
	c.notify(StateChange{State: StateDisconnected, Err: cause})

	c.wg.Add(1)
	go c.reconnectLoop()
}

func (c *WSChannel) resolve(id string, res ackResult) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *WSChannel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSChannel) notify(change StateChange) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}

func (c *WSChannel) write(conn *websocket.Conn, env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
