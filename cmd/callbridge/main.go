package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sebas/callbridge/internal/banner"
	"github.com/sebas/callbridge/internal/callbridge/app"
	"github.com/sebas/callbridge/internal/callbridge/config"
	"github.com/sebas/callbridge/internal/logger"
)

func main() {
	// Initialize logger
	logger.InitLogger(os.Stdout)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	bridge, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create callbridge", "error", err)
		os.Exit(1)
	}

	code := run(bridge, cfg)
	if err := bridge.Close(); err != nil {
		slog.Error("Shutdown failed", "error", err)
		code = 1
	}
	os.Exit(code)
}

func run(bridge *app.App, cfg *config.Config) int {
	mqtt := "disabled"
	if cfg.MQTTBrokerURL != "" {
		mqtt = cfg.MQTTBrokerURL
	}
	banner.Print(os.Stdout, "CALLBRIDGE", []banner.ConfigLine{
		{Label: "Node", Value: cfg.NodeID},
		{Label: "Devices", Value: fmt.Sprintf("%d (%s)", len(cfg.Tokens), strings.Join(cfg.Tokens, ", "))},
		{Label: "Signaling", Value: cfg.SignalingURL},
		{Label: "API", Value: "http://" + cfg.APIAddr},
		{Label: "Health", Value: cfg.HealthAddr},
		{Label: "MQTT", Value: mqtt},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- bridge.Run(ctx)
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
		if err := <-errCh; err != nil {
			slog.Error("Server error", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error", "error", err)
			return 1
		}
		return 0
	}
}
