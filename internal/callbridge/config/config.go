package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the bridge configuration
type Config struct {
	// Devices
	Tokens        []string      `yaml:"tokens"`
	SignalingURL  string        `yaml:"signaling_url"`
	InfoURL       string        `yaml:"info_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeAttempts uint64        `yaml:"probe_attempts"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`

	// Calls
	ResumeWindow            time.Duration `yaml:"resume_window"`
	TransportReconnectDelay time.Duration `yaml:"transport_reconnect_delay"`
	RequireCapture          bool          `yaml:"require_capture"`

	// Surfaces
	APIAddr    string `yaml:"api_addr"`
	HealthAddr string `yaml:"health_addr"`
	LogLevel   string `yaml:"log_level"`
	NodeID     string `yaml:"node_id"`

	// Events; an empty broker disables MQTT
	MQTTBrokerURL   string `yaml:"mqtt_broker_url"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		SignalingURL:            "wss://devices.wavoip.com",
		InfoURL:                 "https://devices.wavoip.com",
		ProbeInterval:           3 * time.Second,
		ProbeAttempts:           10,
		AckTimeout:              10 * time.Second,
		ResumeWindow:            30 * time.Second,
		TransportReconnectDelay: time.Second,
		RequireCapture:          true,
		APIAddr:                 "0.0.0.0:8080",
		HealthAddr:              "0.0.0.0:9090",
		LogLevel:                "debug",
		NodeID:                  hostname(),
		MQTTTopicPrefix:         "callbridge",
	}
}

// Load builds the configuration from defaults, an optional YAML file, the
// command line, a .env file and the environment, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse(os.Args[1:], os.Getenv)
}

// Parse is Load without touching the process: args are the command-line
// arguments and getenv resolves environment variables.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	fset := flag.NewFlagSet("callbridge", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	var (
		configPath string
		tokens     string
		signaling  string
		info       string
		apiAddr    string
		healthAddr string
		logLevel   string
	)
	fset.StringVar(&configPath, "config", "", "Path to a YAML config file")
	fset.StringVar(&tokens, "tokens", "", "Device tokens (comma-separated)")
	fset.StringVar(&signaling, "signaling", cfg.SignalingURL, "Device signaling base URL")
	fset.StringVar(&info, "info", cfg.InfoURL, "Device info base URL")
	fset.StringVar(&apiAddr, "api", cfg.APIAddr, "HTTP API listen address")
	fset.StringVar(&healthAddr, "health", cfg.HealthAddr, "gRPC health listen address")
	fset.StringVar(&logLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	if err := fset.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if configPath == "" {
		configPath = getenv("CALLBRIDGE_CONFIG")
	}
	if configPath != "" {
		if err := cfg.loadFile(configPath); err != nil {
			return nil, err
		}
	}

	// Only flags given on the command line override the file.
	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tokens":
			cfg.Tokens = parseList(tokens)
		case "signaling":
			cfg.SignalingURL = signaling
		case "info":
			cfg.InfoURL = info
		case "api":
			cfg.APIAddr = apiAddr
		case "health":
			cfg.HealthAddr = healthAddr
		case "loglevel":
			cfg.LogLevel = logLevel
		}
	})

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from environment variables if set
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("DEVICE_TOKENS"); v != "" {
		c.Tokens = parseList(v)
	}
	if v := getenv("SIGNALING_URL"); v != "" {
		c.SignalingURL = v
	}
	if v := getenv("INFO_URL"); v != "" {
		c.InfoURL = v
	}
	if v := getenv("API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := getenv("HEALTH_ADDR"); v != "" {
		c.HealthAddr = v
	}
	if v := getenv("LOGLEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := getenv("MQTT_BROKER"); v != "" {
		c.MQTTBrokerURL = v
	}
	if v := getenv("RESUME_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RESUME_WINDOW: %w", err)
		}
		c.ResumeWindow = d
	}
	if v := getenv("REQUIRE_CAPTURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REQUIRE_CAPTURE: %w", err)
		}
		c.RequireCapture = b
	}
	return nil
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if err := checkURL("signaling url", c.SignalingURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if err := checkURL("info url", c.InfoURL, "http", "https"); err != nil {
		return err
	}
	for _, t := range c.Tokens {
		if strings.TrimSpace(t) == "" {
			return errors.New("device tokens cannot be empty")
		}
	}

	if c.ProbeInterval <= 0 {
		return fmt.Errorf("invalid probe interval: %s", c.ProbeInterval)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("invalid ack timeout: %s", c.AckTimeout)
	}
	if c.ResumeWindow <= 0 {
		return fmt.Errorf("invalid resume window: %s", c.ResumeWindow)
	}
	if c.TransportReconnectDelay < 0 {
		return fmt.Errorf("invalid transport reconnect delay: %s", c.TransportReconnectDelay)
	}

	if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
		return fmt.Errorf("invalid api address %q: %w", c.APIAddr, err)
	}
	if _, _, err := net.SplitHostPort(c.HealthAddr); err != nil {
		return fmt.Errorf("invalid health address %q: %w", c.HealthAddr, err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.MQTTBrokerURL != "" {
		if err := checkURL("mqtt broker", c.MQTTBrokerURL, "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss"); err != nil {
			return err
		}
		if strings.TrimSpace(c.MQTTTopicPrefix) == "" {
			return errors.New("mqtt topic prefix cannot be empty")
		}
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid %s: %q", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s scheme %q (must be one of %s)", name, u.Scheme, strings.Join(schemes, ", "))
}

// parseList parses a comma-separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "callbridge"
	}
	return h
}
