// Package device manages the signaling connection of each calling device.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sebas/callbridge/internal/callbridge/signaling"
	"github.com/sebas/callbridge/internal/callbridge/transport"
)

// Request and push event names on the device channel.
const (
	EventStart        = "calls:start"
	EventAccept       = "calls:accept"
	EventReject       = "calls:reject"
	EventEnd          = "calls:end"
	EventMute         = "calls:mute"
	EventUnmute       = "calls:unmute"
	EventResume       = "calls:resume"
	EventSdpAnswer    = "calls:sdp_answer"
	EventPairingCode  = "whatsapp:pairing_code"
	EventDeviceStatus = "device_status"
	EventQRCode       = "qrcode"
	EventContact      = "contact"
)

// DefaultProbeInterval is the pause between boot probe attempts.
const DefaultProbeInterval = 3 * time.Second

// Peer describes the far end of a call.
type Peer struct {
	Phone          string `json:"phone"`
	DisplayName    string `json:"display_name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// Contact is the identity linked to the device.
type Contact struct {
	Phone          string `json:"phone"`
	Name           string `json:"name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// StartedCall is the device's answer to calls:start.
type StartedCall struct {
	ID        string
	Peer      Peer
	Transport transport.Descriptor
}

// Snapshot is the public view of a device.
type Snapshot struct {
	Token     string   `json:"token"`
	Status    Status   `json:"status"`
	QRCode    string   `json:"qrcode,omitempty"`
	Contact   *Contact `json:"contact,omitempty"`
	Connected bool     `json:"connected"`
}

// CallEvents receives the call traffic of a device: every push that is not
// device-level, plus link drops and recoveries.
type CallEvents interface {
	HandleCallPush(token string, push signaling.Push)
	HandleLinkDown(token string)
	HandleLinkUp(token string)
}

// Options tunes a Connection.
type Options struct {
	// ProbeInterval is the fixed pause between boot probe attempts.
	ProbeInterval time.Duration
	// ProbeAttempts bounds the boot probe; 0 retries until success.
	ProbeAttempts uint64
	// StatusChanged observes every status transition.
	StatusChanged func(token string, from, to Status)
}

// Connection owns one device's signaling lifecycle.
type Connection struct {
	token   string
	channel signaling.Channel
	info    InfoSource
	opts    Options

	mu        sync.RWMutex
	status    Status
	qrcode    string
	contact   *Contact
	onStatus  func(Status)
	onQRCode  func(string)
	onContact func(Contact)
	calls     CallEvents
	closed    bool
	// epoch advances on every status change; a probe only applies its
	// result if no newer status arrived while it ran.
	epoch         uint64
	refreshCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnection wires a connection over ch. Nothing is dialled until
// Connect.
func NewConnection(token string, ch signaling.Channel, info InfoSource, opts Options) *Connection {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		token:   token,
		channel: ch,
		info:    info,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
	ch.OnPush(c.handlePush)
	ch.OnState(c.handleState)
	return c
}

// Token returns the device token.
func (c *Connection) Token() string {
	return c.token
}

// Status returns the last authoritative status.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Snapshot returns the public view of the device.
func (c *Connection) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Token:     c.token,
		Status:    c.status,
		QRCode:    c.qrcode,
		Connected: c.channel.Connected(),
	}
	if c.contact != nil {
		contact := *c.contact
		s.Contact = &contact
	}
	return s
}

// OnStatus replaces the status subscriber.
func (c *Connection) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// OnQRCode replaces the qrcode subscriber.
func (c *Connection) OnQRCode(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onQRCode = fn
}

// OnContact replaces the contact subscriber.
func (c *Connection) OnContact(fn func(Contact)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onContact = fn
}

// Bind routes call traffic to ev, replacing any previous binding.
func (c *Connection) Bind(ev CallEvents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = ev
}

// Connect probes the device until it answers, seeds the status from the
// snapshot and opens the persistent channel. When the probe gives up the
// status becomes error.
func (c *Connection) Connect(ctx context.Context) error {
	epoch := c.currentEpoch()
	info, err := c.probe(ctx)
	if err != nil {
		if ctx.Err() == nil && !c.isClosed() {
			c.setStatus(StatusError)
		}
		return fmt.Errorf("device %s: %w: %v", c.token, ErrProbeFailed, err)
	}
	c.applyInfo(epoch, info)

	if err := c.channel.Connect(ctx); err != nil {
		// The channel keeps redialling on its own.
		slog.Warn("[Device] Channel connect failed", "token", c.token, "error", err)
	}
	return nil
}

// CanCall is the synchronous pre-flight for originating a call.
func (c *Connection) CanCall() error {
	switch c.Status() {
	case StatusNone:
		return ErrNotReady
	case StatusError:
		return ErrDeviceError
	case StatusConnecting:
		return ErrNotLinked
	case StatusRestarting:
		return ErrRestarting
	}
	return nil
}

type startResult struct {
	CallID    string          `json:"call_id"`
	Peer      Peer            `json:"peer"`
	Transport json.RawMessage `json:"transport"`
}

// StartCall asks the device to ring address.
func (c *Connection) StartCall(ctx context.Context, address string) (*StartedCall, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidArgument)
	}

	raw, err := c.channel.Request(ctx, EventStart, address)
	if err != nil {
		return nil, err
	}

	var res startResult
	if err := json.Unmarshal(raw, &res); err != nil || res.CallID == "" {
		return nil, fmt.Errorf("%s: malformed result %s", EventStart, string(raw))
	}

	desc, err := transport.ParseDescriptor(res.Transport)
	if err != nil {
		// The call is already ringing; do not leave it behind.
		if endErr := c.EndCall(ctx); endErr != nil {
			slog.Warn("[Device] Failed to end call without transport", "token", c.token, "call_id", res.CallID, "error", endErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoTransport, err)
	}

	if res.Peer.Phone == "" {
		res.Peer.Phone = address
	}
	return &StartedCall{ID: res.CallID, Peer: res.Peer, Transport: desc}, nil
}

// AcceptCall accepts an incoming call and returns its transport.
func (c *Connection) AcceptCall(ctx context.Context, id string) (transport.Descriptor, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty call id", ErrInvalidArgument)
	}

	raw, err := c.channel.Request(ctx, EventAccept, id)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Transport json.RawMessage `json:"transport"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && len(wrapped.Transport) > 0 {
		raw = wrapped.Transport
	}
	desc, err := transport.ParseDescriptor(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoTransport, err)
	}
	return desc, nil
}

// RejectCall rejects an incoming call.
func (c *Connection) RejectCall(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty call id", ErrInvalidArgument)
	}
	return c.request(ctx, EventReject, id)
}

// EndCall hangs up the device's current call.
func (c *Connection) EndCall(ctx context.Context) error {
	return c.request(ctx, EventEnd)
}

// Mute mutes the device's current call.
func (c *Connection) Mute(ctx context.Context) error {
	return c.request(ctx, EventMute)
}

// Unmute unmutes the device's current call.
func (c *Connection) Unmute(ctx context.Context) error {
	return c.request(ctx, EventUnmute)
}

// ResumeCall reattaches to id after the channel came back.
func (c *Connection) ResumeCall(ctx context.Context, id string) error {
	return c.request(ctx, EventResume, id)
}

// SendSdpAnswer pushes the local SDP answer. There is no acknowledgement.
func (c *Connection) SendSdpAnswer(answer string) error {
	return c.channel.Emit(EventSdpAnswer, answer)
}

// RequestPairingCode asks for a code to link phone to the device.
func (c *Connection) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("%w: empty phone", ErrInvalidArgument)
	}
	raw, err := c.channel.Request(ctx, EventPairingCode, phone)
	if err != nil {
		return "", err
	}
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		return "", fmt.Errorf("%s: malformed result %s", EventPairingCode, string(raw))
	}
	return code, nil
}

// GetInfos fetches the out-of-band snapshot once.
func (c *Connection) GetInfos(ctx context.Context) (*AllInfo, error) {
	return c.info.AllInfo(ctx, c.token)
}

// Restart restarts the device's phone session.
func (c *Connection) Restart(ctx context.Context) error {
	return c.info.Restart(ctx, c.token)
}

// Logout unlinks the phone number.
func (c *Connection) Logout(ctx context.Context) error {
	return c.info.Logout(ctx, c.token)
}

// Close shuts the channel down. No status is published afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.channel.Close()
	c.wg.Wait()
	return err
}

func (c *Connection) request(ctx context.Context, event string, args ...any) error {
	_, err := c.channel.Request(ctx, event, args...)
	return err
}

func (c *Connection) probe(ctx context.Context) (*AllInfo, error) {
	b := retry.NewConstant(c.opts.ProbeInterval)
	if c.opts.ProbeAttempts > 0 {
		b = retry.WithMaxRetries(c.opts.ProbeAttempts-1, b)
	}

	var info *AllInfo
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if c.isClosed() {
			return ErrClosed
		}
		i, err := c.info.AllInfo(ctx, c.token)
		if err != nil {
			slog.Debug("[Device] Info probe failed", "token", c.token, "error", err)
			return retry.RetryableError(err)
		}
		info = i
		return nil
	})
	return info, err
}

// applyInfo records a probe result taken at epoch. It is dropped when a
// newer status arrived in the meantime.
func (c *Connection) applyInfo(epoch uint64, info *AllInfo) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		slog.Debug("[Device] Dropping superseded probe result", "token", c.token, "status", info.Status)
		return
	}
	if info.Phone != "" {
		c.contact = &Contact{Phone: info.Phone, Name: info.Name, ProfilePicture: info.ProfilePicture}
	}
	c.commitStatus(ParseStatus(info.Status))
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connection) currentEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.commitStatus(s)
}

// setStatusAt records s only if nothing changed the status since epoch.
func (c *Connection) setStatusAt(epoch uint64, s Status) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		slog.Debug("[Device] Dropping superseded status", "token", c.token, "status", s.String())
		return
	}
	c.commitStatus(s)
}

// commitStatus must be called with c.mu held; it releases it.
func (c *Connection) commitStatus(s Status) {
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = s
	c.epoch++
	fn := c.onStatus
	c.mu.Unlock()

	if prev != s {
		slog.Info("[Device] Status changed", "token", c.token, "from", prev.String(), "to", s.String())
		if c.opts.StatusChanged != nil {
			c.opts.StatusChanged(c.token, prev, s)
		}
	}
	if fn != nil {
		fn(s)
	}
}

func (c *Connection) handlePush(p signaling.Push) {
	switch p.Event {
	case EventDeviceStatus:
		c.setStatus(ParseStatus(p.StringArg(0)))

	case EventQRCode:
		code := p.StringArg(0)
		c.mu.Lock()
		c.qrcode = code
		fn := c.onQRCode
		c.mu.Unlock()
		if fn != nil {
			fn(code)
		}

	case EventContact:
		var contact Contact
		if err := p.Arg(0, &contact); err != nil {
			slog.Warn("[Device] Dropping malformed contact", "token", c.token, "error", err)
			return
		}
		c.mu.Lock()
		c.contact = &contact
		fn := c.onContact
		c.mu.Unlock()
		if fn != nil {
			fn(contact)
		}

	default:
		c.mu.RLock()
		calls := c.calls
		c.mu.RUnlock()
		if calls == nil {
			slog.Debug("[Device] Unrouted push", "token", c.token, "event", p.Event)
			return
		}
		calls.HandleCallPush(c.token, p)
	}
}

// handleState runs on the channel goroutine, which may not be reading yet,
// so anything that issues requests is moved off it.
func (c *Connection) handleState(change signaling.StateChange) {
	if c.isClosed() {
		return
	}

	c.mu.RLock()
	calls := c.calls
	c.mu.RUnlock()

	switch {
	case change.State == signaling.StateDisconnected:
		c.setStatus(StatusDisconnected)
		if calls != nil {
			calls.HandleLinkDown(c.token)
		}
		c.startRefresh(nil)

	case change.State == signaling.StateConnected && change.Reconnected:
		c.startRefresh(func() {
			if calls != nil {
				calls.HandleLinkUp(c.token)
			}
		})
	}
}

// startRefresh cancels the refresh in flight and probes the device again.
// then runs after the probe unless a newer link change superseded it.
func (c *Connection) startRefresh(then func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.refreshCancel != nil {
		c.refreshCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.refreshCancel = cancel
	epoch := c.epoch
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()
		c.refresh(ctx, epoch)
		if then != nil && ctx.Err() == nil {
			then()
		}
	}()
}

func (c *Connection) refresh(ctx context.Context, epoch uint64) {
	info, err := c.info.AllInfo(ctx, c.token)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("[Device] Reconnect probe failed", "token", c.token, "error", err)
		c.setStatusAt(epoch, StatusError)
		return
	}
	c.applyInfo(epoch, info)
}
