package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/stats"
)

// OfficialConfig configures an SDP-negotiated transport.
type OfficialConfig struct {
	CallID        string
	Offer         string
	InputID       string
	StatsInterval time.Duration
	MuteInterval  time.Duration
	// SilenceThreshold of zero selects media.DefaultSilenceThreshold.
	SilenceThreshold float64
}

// OfficialTransport answers the device's SDP offer through the media
// capability and reports aggregate stats and inferred peer mute.
type OfficialTransport struct {
	cfg     OfficialConfig
	media   media.Capability
	answers AnswerSender
	obs     Observer

	mu      sync.Mutex
	status  Status
	stream  media.Stream
	peer    media.Peer
	cancel  context.CancelFunc
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	silence *media.SilenceDetector
	rtt     stats.RunningRTT
	report  stats.Report
}

var _ Transport = (*OfficialTransport)(nil)

// NewOfficialTransport creates an idle transport.
func NewOfficialTransport(cfg OfficialConfig, capability media.Capability, answers AnswerSender, obs Observer) *OfficialTransport {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}
	if cfg.MuteInterval <= 0 {
		cfg.MuteInterval = time.Second
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &OfficialTransport{
		cfg:     cfg,
		media:   capability,
		answers: answers,
		obs:     obs,
		status:  StatusConnecting,
		stopCh:  make(chan struct{}),
		silence: media.NewSilenceDetector(cfg.SilenceThreshold),
	}
}

// Start validates the offer, acquires capture, negotiates the peer and
// pushes the answer back to the device. The context handed to the media
// capability is cancelled by Stop.
func (t *OfficialTransport) Start(ctx context.Context) error {
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

	offer, err := ParseAudio(t.cfg.Offer)
	if err != nil {
		return fmt.Errorf("offer: %w", err)
	}

	stream, err := t.media.Acquire(ctx, t.cfg.InputID)
	if err != nil {
		return fmt.Errorf("acquire input: %w", err)
	}
	stream.SetEnabled(true)

	peer, err := t.media.Negotiate(ctx, t.cfg.Offer, stream)
	if err != nil {
		_ = t.media.Release(stream)
		return fmt.Errorf("negotiate: %w", err)
	}

	answer := peer.Answer()
	if _, err := ParseAudio(answer); err != nil {
		_ = peer.Close()
		_ = t.media.Release(stream)
		return fmt.Errorf("answer: %w", err)
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = peer.Close()
		_ = t.media.Release(stream)
		return ErrStopped
	}
	t.stream = stream
	t.peer = peer
	t.wg.Add(2)
	t.mu.Unlock()

	t.setStatus(StatusConnecting)
	peer.OnState(t.handlePeerState)

	if t.answers == nil {
		slog.Warn("[Transport] No answer sender bound", "call_id", t.cfg.CallID)
	} else if err := t.answers.SendSdpAnswer(answer); err != nil {
		slog.Warn("[Transport] Failed to push SDP answer", "call_id", t.cfg.CallID, "error", err)
	}

	slog.Info("[Transport] Official transport negotiated",
		"call_id", t.cfg.CallID,
		"codecs", offer.Codecs,
		"direction", offer.Direction,
	)

	go t.statsLoop()
	go t.muteLoop()
	return nil
}

// Stop closes the peer and releases capture. Safe to call repeatedly.
func (t *OfficialTransport) Stop() error {
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
	close(t.stopCh)
	peer, stream := t.peer, t.stream
	t.peer, t.stream = nil, nil
	t.status = StatusDisconnected
	t.mu.Unlock()

	t.wg.Wait()

	var firstErr error
	if peer != nil {
		if err := peer.Close(); err != nil {
			firstErr = err
		}
	}
	if stream != nil {
		if err := t.media.Release(stream); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status returns the last reported connection status.
func (t *OfficialTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetMuted toggles the outgoing track.
func (t *OfficialTransport) SetMuted(muted bool) {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream != nil {
		stream.SetEnabled(!muted)
	}
}

func (t *OfficialTransport) handlePeerState(state media.PeerState) {
	t.mu.Lock()
	stopped := t.stopped
	peer := t.peer
	t.mu.Unlock()
	if stopped {
		return
	}

	switch state {
	case media.PeerConnecting:
		t.setStatus(StatusConnecting)
	case media.PeerConnected:
		t.setStatus(StatusConnected)
	case media.PeerDisconnected:
		t.setStatus(StatusDisconnected)
	case media.PeerClosed:
		t.setStatus(StatusDisconnected)
		if peer != nil {
			peer.SuspendPlayback()
		}
	}
}

func (t *OfficialTransport) setStatus(s Status) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.status = s
	t.mu.Unlock()
	t.obs.OnConnectionStatus(s)
}

func (t *OfficialTransport) statsLoop() {
	defer t.wg.Done()

	t.pollStats()

	ticker := time.NewTicker(t.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.pollStats()
		case <-t.stopCh:
			return
		}
	}
}

func (t *OfficialTransport) pollStats() {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StatsInterval)
	defer cancel()
	r, err := peer.Stats(ctx)
	if err != nil {
		slog.Debug("[Transport] Stats poll failed", "call_id", t.cfg.CallID, "error", err)
		return
	}

	t.mu.Lock()
	if in := r.Inbound; in != nil {
		t.report.RX.TotalBytes = in.BytesReceived
		t.report.RX.Loss = in.PacketsLost
		t.report.RX.Total = in.PacketsReceived
	}
	if out := r.Outbound; out != nil {
		t.report.TX.TotalBytes = out.BytesSent
	}
	if rem := r.Remote; rem != nil {
		t.report.TX.Loss = rem.PacketsLost
		t.report.TX.Total = rem.PacketsReceived
		// Fold only new measurements; repeated polls report the same count.
		if rem.RoundTripTime > 0 && rem.RTTMeasurements > t.rtt.Count() {
			t.report.RTT = t.rtt.AddWithCount(rem.RoundTripTime, rem.RTTMeasurements)
		}
	}
	report := t.report
	t.mu.Unlock()

	t.obs.OnStats(report)
}

func (t *OfficialTransport) muteLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.MuteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			peer := t.peer
			t.mu.Unlock()
			if peer == nil {
				continue
			}
			if muted, changed := t.silence.Observe(peer.Level()); changed {
				t.obs.OnPeerMute(muted)
			}
		case <-t.stopCh:
			return
		}
	}
}
