package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"plugwise-go-home/internal/controller"
	"plugwise-go-home/internal/dispatch"
)

type Config struct {
	Stick struct {
		Type        string `yaml:"type"` // "serial" or "tcp"
		Port        string `yaml:"port"`
		Baud        int    `yaml:"baud"`
		Address     string `yaml:"address"`
		DialTimeout string `yaml:"dial_timeout"`
		InitTimeout string `yaml:"init_timeout"`
	} `yaml:"stick"`
	Dispatch struct {
		MaxRetries        *int   `yaml:"max_retries"`
		ExchangeTimeout   string `yaml:"exchange_timeout"`
		LinkAckWait       string `yaml:"link_ack_wait"`
		InterMessageDelay string `yaml:"inter_message_delay"`
		ShutdownDrain     string `yaml:"shutdown_drain"`
	} `yaml:"dispatch"`
	Poll struct {
		IntervalPerNode     string `yaml:"interval_per_node"`
		MinInterval         string `yaml:"min_interval"`
		InfoRefreshInterval string `yaml:"info_refresh_interval"`
		RediscoverEvery     *int   `yaml:"rediscover_every"`
	} `yaml:"poll"`
	Discovery struct {
		ScanCirclePlus bool `yaml:"scan_circle_plus"`
	} `yaml:"discovery"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		CommandTimeout string   `yaml:"command_timeout"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
		APIURL   string   `yaml:"api_url"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Stick.Type {
	case "serial":
		if c.Stick.Port == "" {
			return fmt.Errorf("stick.port is required for a serial stick")
		}
	case "tcp":
		if c.Stick.Address == "" {
			return fmt.Errorf("stick.address is required for a tcp stick")
		}
	default:
		return fmt.Errorf("unknown stick.type %q (supported: serial, tcp)", c.Stick.Type)
	}
	if c.Dispatch.MaxRetries != nil && *c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	for field, raw := range map[string]string{
		"poll.interval_per_node": c.Poll.IntervalPerNode,
		"poll.min_interval":      c.Poll.MinInterval,
	} {
		if d, err := time.ParseDuration(raw); err == nil && d <= 0 {
			return fmt.Errorf("%s must be positive", field)
		}
	}
	if c.Poll.RediscoverEvery != nil && *c.Poll.RediscoverEvery < 0 {
		return fmt.Errorf("poll.rediscover_every must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Stick.Type == "" {
		cfg.Stick.Type = "serial"
	}
	cfg.Stick.Type = strings.ToLower(cfg.Stick.Type)
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "plugwise-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "plugwise"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// durationOr parses raw, falling back to def when raw is empty or invalid.
func durationOr(logger *slog.Logger, field, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		logger.Warn("invalid "+field+", using default", "value", raw, "default", def)
		return def
	}
	return d
}

// controllerConfig converts the dispatch, poll and discovery sections.
func (c *Config) controllerConfig(logger *slog.Logger) controller.Config {
	dc := dispatch.DefaultConfig()
	if c.Dispatch.MaxRetries != nil {
		dc.MaxRetries = *c.Dispatch.MaxRetries
	}
	dc.ExchangeTimeout = durationOr(logger, "dispatch.exchange_timeout", c.Dispatch.ExchangeTimeout, dc.ExchangeTimeout)
	dc.LinkAckWait = durationOr(logger, "dispatch.link_ack_wait", c.Dispatch.LinkAckWait, dc.LinkAckWait)
	dc.InterMessageDelay = durationOr(logger, "dispatch.inter_message_delay", c.Dispatch.InterMessageDelay, dc.InterMessageDelay)
	dc.ShutdownDrain = durationOr(logger, "dispatch.shutdown_drain", c.Dispatch.ShutdownDrain, dc.ShutdownDrain)

	pc := controller.DefaultPollConfig()
	pc.IntervalPerNode = durationOr(logger, "poll.interval_per_node", c.Poll.IntervalPerNode, pc.IntervalPerNode)
	pc.MinInterval = durationOr(logger, "poll.min_interval", c.Poll.MinInterval, pc.MinInterval)
	pc.InfoRefresh = durationOr(logger, "poll.info_refresh_interval", c.Poll.InfoRefreshInterval, pc.InfoRefresh)
	if c.Poll.RediscoverEvery != nil {
		pc.RediscoverEvery = *c.Poll.RediscoverEvery
	}

	return controller.Config{
		Dispatch:       dc,
		Poll:           pc,
		ScanCirclePlus: c.Discovery.ScanCirclePlus,
		InitTimeout:    durationOr(logger, "stick.init_timeout", c.Stick.InitTimeout, 10*time.Second),
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
