package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plugwise-go-home/internal/controller"
	"plugwise-go-home/internal/stick"
	"plugwise-go-home/internal/store"
	"plugwise-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("plugwise-go-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	port, err := openStick(cfg, logger)
	if err != nil {
		logger.Error("open stick", "err", err)
		if cfg.Stick.Type == "serial" {
			logAvailablePorts(logger)
		}
		os.Exit(1)
	}
	defer port.Close()

	events := controller.NewEventBus(logger)
	ctrl := controller.New(port, db, events, cfg.controllerConfig(logger), logger,
		controller.WithStickConfig(controller.StickConfig{
			Type:    cfg.Stick.Type,
			Port:    cfg.Stick.Port,
			Baud:    cfg.Stick.Baud,
			Address: cfg.Stick.Address,
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ctrl.Start(ctx); err != nil {
		logger.Error("start controller", "err", err)
		cancel()
		ctrl.Stop()
		port.Close()
		db.Close()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts,
		web.WithVersion(version),
		web.WithCommandTimeout(durationOr(logger, "web.command_timeout", cfg.Web.CommandTimeout, 30*time.Second)),
	)
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(ctrl, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	ctrl.Stop()

	logger.Info("goodbye")
}

func openStick(cfg *Config, logger *slog.Logger) (*stick.Port, error) {
	switch cfg.Stick.Type {
	case "serial":
		logger.Info("using serial stick", "port", cfg.Stick.Port, "baud", cfg.Stick.Baud)
		return stick.OpenSerial(cfg.Stick.Port, cfg.Stick.Baud, logger)
	case "tcp":
		logger.Info("using tcp stick", "address", cfg.Stick.Address)
		timeout := durationOr(logger, "stick.dial_timeout", cfg.Stick.DialTimeout, 5*time.Second)
		return stick.DialTCP(cfg.Stick.Address, timeout, logger)
	default:
		return nil, fmt.Errorf("unknown stick type: %q (supported: serial, tcp)", cfg.Stick.Type)
	}
}

// logAvailablePorts lists the serial ports present to help fix stick.port.
func logAvailablePorts(logger *slog.Logger) {
	ports, err := stick.ListSerialPorts()
	if err != nil {
		logger.Warn("list serial ports", "err", err)
		return
	}
	logger.Info("available serial ports", "ports", ports)
}
