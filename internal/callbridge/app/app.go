// Package app wires the bridge together and owns its lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/callbridge/internal/callbridge/api"
	"github.com/sebas/callbridge/internal/callbridge/call"
	"github.com/sebas/callbridge/internal/callbridge/config"
	"github.com/sebas/callbridge/internal/callbridge/device"
	"github.com/sebas/callbridge/internal/callbridge/dispatch"
	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/health"
	"github.com/sebas/callbridge/internal/callbridge/media"
	"github.com/sebas/callbridge/internal/callbridge/metrics"
	"github.com/sebas/callbridge/internal/callbridge/signaling"
)

const flushTimeout = 5 * time.Second

// deps are the collaborators New builds from the configuration. Tests
// replace them with fakes.
type deps struct {
	channel   func(token string) signaling.Channel
	info      device.InfoSource
	media     media.Capability
	publisher events.Publisher
}

// App owns every component of the bridge.
type App struct {
	cfg *config.Config

	metrics    *metrics.Metrics
	publisher  events.Publisher
	builder    *events.Builder
	health     *health.Reporter
	devices    *device.Registry
	calls      *call.Registry
	dispatcher *dispatch.Dispatcher
	apiServer  *api.Server
}

// New creates the bridge from cfg. Devices are not contacted until Run.
func New(cfg *config.Config) (*App, error) {
	d := deps{
		channel: func(token string) signaling.Channel {
			ws := signaling.DefaultWSConfig(signaling.DeviceURL(cfg.SignalingURL, token))
			ws.AckTimeout = cfg.AckTimeout
			return signaling.NewWSChannel(ws)
		},
		info:  device.NewInfoClient(cfg.InfoURL),
		media: media.NewSilent(),
	}

	logging := events.NewLoggingPublisher(slog.Default(), cfg.MQTTTopicPrefix)
	if cfg.MQTTBrokerURL == "" {
		d.publisher = logging
	} else {
		mqttCfg := events.DefaultMQTTConfig()
		mqttCfg.BrokerURL = cfg.MQTTBrokerURL
		mqttCfg.ClientID = "callbridge-" + cfg.NodeID
		mqttCfg.TopicPrefix = cfg.MQTTTopicPrefix
		pub, err := events.NewMQTTPublisher(mqttCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT publisher: %w", err)
		}
		slog.Info("[App] Publishing events to MQTT", "broker", cfg.MQTTBrokerURL, "prefix", cfg.MQTTTopicPrefix)
		d.publisher = events.NewMultiPublisher(logging, pub)
	}

	return newApp(cfg, d), nil
}

func newApp(cfg *config.Config, d deps) *App {
	a := &App{
		cfg:       cfg,
		metrics:   metrics.New("callbridge"),
		publisher: d.publisher,
		builder:   events.NewBuilder(cfg.NodeID),
		health:    health.NewReporter(),
	}
	if a.publisher == nil {
		a.publisher = events.NewNoopPublisher()
	}

	var gate func(ctx context.Context) error
	if cfg.RequireCapture {
		gate = func(ctx context.Context) error {
			return media.CheckCapture(ctx, d.media)
		}
	}

	a.calls = call.NewRegistry(call.Config{
		Media:          d.media,
		Gate:           gate,
		ResumeWindow:   cfg.ResumeWindow,
		ReconnectDelay: cfg.TransportReconnectDelay,
		Metrics:        a.metrics,
		Publisher:      a.publisher,
		Events:         a.builder,
	})
	a.calls.OnOffer(func(s *call.Session) {
		info := s.Info()
		slog.Info("[App] Incoming call", "call_id", info.ID, "token", info.DeviceToken, "peer", info.Peer.Phone)
	})
	a.calls.OnRemoved(func(s *call.Session) {
		slog.Debug("[App] Call removed", "call_id", s.ID(), "status", s.Status())
	})

	opts := device.Options{
		ProbeInterval: cfg.ProbeInterval,
		ProbeAttempts: cfg.ProbeAttempts,
		StatusChanged: a.deviceStatusChanged,
	}
	a.devices = device.NewRegistry(func(token string) *device.Connection {
		return device.NewConnection(token, d.channel(token), d.info, opts)
	})
	a.devices.OnAdd(func(c *device.Connection) {
		a.calls.Attach(c)
		c.Bind(a.calls)
		a.health.SetDevice(c.Token(), c.Status())
	})
	a.devices.OnRemove(func(c *device.Connection) {
		a.calls.Detach(c.Token())
		a.health.RemoveDevice(c.Token())
		a.metrics.RecordDeviceRemoved(c.Status().String())
	})

	a.dispatcher = dispatch.New(dispatch.FromRegistry(a.devices), a.calls, dispatch.Config{
		Gate:      gate,
		Metrics:   a.metrics,
		Publisher: a.publisher,
		Events:    a.builder,
	})

	a.apiServer = api.NewServer(api.Config{
		Addr:       cfg.APIAddr,
		NodeID:     cfg.NodeID,
		Devices:    a.devices,
		Calls:      a.calls,
		Dispatcher: a.dispatcher,
		Health:     a.health,
		Metrics:    a.metrics,
	})
	return a
}

func (a *App) deviceStatusChanged(token string, from, to device.Status) {
	slog.Info("[App] Device status changed", "token", token, "from", from, "to", to)
	a.metrics.RecordDeviceStatus(from.String(), to.String())
	a.publisher.PublishAsync(a.builder.DeviceStatus(token, from.String(), to.String()))
	a.health.SetDevice(token, to)
}

// Devices returns the device registry.
func (a *App) Devices() *device.Registry { return a.devices }

// Calls returns the call registry.
func (a *App) Calls() *call.Registry { return a.calls }

// Dispatcher returns the outbound call dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Health returns the health reporter.
func (a *App) Health() *health.Reporter { return a.health }

// Run registers the configured devices and serves the API and the health
// service until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	added := a.devices.Add(a.cfg.Tokens...)
	slog.Info("[App] Starting callbridge", "devices", len(added), "api", a.cfg.APIAddr, "health", a.cfg.HealthAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.apiServer.Run(gctx)
	})
	g.Go(func() error {
		return a.health.Serve(gctx, a.cfg.HealthAddr)
	})
	return g.Wait()
}

// Close releases the transports of live calls, closes every device and
// flushes pending events.
func (a *App) Close() error {
	var errs []error
	if err := a.calls.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close calls: %w", err))
	}
	if err := a.devices.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close devices: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := a.publisher.Flush(ctx); err != nil {
		slog.Warn("[App] Failed to flush events", "error", err)
	}
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	return errors.Join(errs...)
}
