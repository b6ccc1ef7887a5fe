package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	// BrokerURL, e.g. tcp://localhost:1883 or ssl://broker:8883.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// TopicPrefix is the root topic (default: "callbridge").
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// DefaultMQTTConfig returns defaults suitable for a single broker.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "callbridge",
		TopicPrefix:    DefaultPrefix,
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// ErrPublishTimeout is returned when the broker does not confirm in time.
var ErrPublishTimeout = errors.New("mqtt publish timeout")

// MQTTPublisher publishes JSON-encoded events to an MQTT broker.
type MQTTPublisher struct {
	client mqtt.Client
	cfg    MQTTConfig

	mu      sync.Mutex
	pending []mqtt.Token
	closed  bool
}

// NewMQTTPublisher connects to the broker and returns a publisher.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	def := DefaultMQTTConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	// Unique client id so several instances can share a broker.
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[Events] MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		slog.Info("[Events] MQTT connected", "broker", cfg.BrokerURL)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, err)
	}
	return newMQTTPublisher(client, cfg), nil
}

func newMQTTPublisher(client mqtt.Client, cfg MQTTConfig) *MQTTPublisher {
	def := DefaultMQTTConfig()
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.QoS > 2 {
		cfg.QoS = def.QoS
	}
	return &MQTTPublisher{client: client, cfg: cfg}
}

// Publish sends event and waits for the broker to confirm it.
func (p *MQTTPublisher) Publish(ctx context.Context, event Event) error {
	token, err := p.send(event)
	if err != nil {
		return err
	}
	wait := p.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return ErrPublishTimeout
	}
}

// PublishAsync sends event without waiting. Flush waits for it.
func (p *MQTTPublisher) PublishAsync(event Event) {
	token, err := p.send(event)
	if err != nil {
		slog.Warn("[Events] MQTT publish failed", "type", event.Type(), "call_id", event.CallID(), "error", err)
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, token)
	p.mu.Unlock()
}

// Flush waits for every async publish issued so far.
func (p *MQTTPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	var errs []error
	for _, token := range pending {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending publishes and disconnects.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()
	err := p.Flush(ctx)
	p.client.Disconnect(250)
	return err
}

func (p *MQTTPublisher) send(event Event) (mqtt.Token, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.New("mqtt publisher closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event.Type(), err)
	}
	return p.client.Publish(event.Topic(p.cfg.TopicPrefix), p.cfg.QoS, false, payload), nil
}
