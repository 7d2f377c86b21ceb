package app

import (
	"fmt"
	"strings"
	"time"

	"postbox/internal/config"
	"postbox/internal/deliver"
	"postbox/internal/mailbox"
	"postbox/internal/ops"
	"postbox/internal/session"
	"postbox/internal/watch"
	logx "postbox/pkg/logx"
)

func mapMailboxConfig(cfg *config.Config) (mailbox.Config, error) {
	if cfg == nil {
		return mailbox.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("mailbox.busy_timeout", cfg.Mailbox.BusyTimeout, 5*time.Second)
	if err != nil {
		return mailbox.Config{}, err
	}
	retention, err := config.ParseDurationField("mailbox.retention", cfg.Mailbox.Retention)
	if err != nil {
		return mailbox.Config{}, err
	}
	path := strings.TrimSpace(cfg.Mailbox.Path)
	if path == "" {
		path = "./postbox.db"
	}
	return mailbox.Config{
		Path:        path,
		BusyTimeout: busy,
		Retention:   retention,
		PruneEvery:  cfg.Mailbox.PruneEvery,
	}, nil
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	if cfg == nil {
		return watch.Config{}, nil
	}
	poll, err := config.ParseDurationOrDefault("watch.poll_interval", cfg.Watch.PollInterval, 5*time.Second)
	if err != nil {
		return watch.Config{}, err
	}
	return watch.Config{PollInterval: poll}, nil
}

func mapDeliverConfig(cfg *config.Config) deliver.Config {
	if cfg == nil {
		return deliver.Config{}
	}
	return deliver.Config{WakeRatePerSec: float64(cfg.Watch.WakeRatePerSec)}
}

func mapOpsConfig(cfg *config.Config) (ops.ServerConfig, error) {
	if cfg == nil {
		return ops.ServerConfig{}, nil
	}
	read, err := config.ParseDurationField("ops.read_timeout", cfg.Ops.ReadTimeout)
	if err != nil {
		return ops.ServerConfig{}, err
	}
	write, err := config.ParseDurationField("ops.write_timeout", cfg.Ops.WriteTimeout)
	if err != nil {
		return ops.ServerConfig{}, err
	}
	idle, err := config.ParseDurationField("ops.idle_timeout", cfg.Ops.IdleTimeout)
	if err != nil {
		return ops.ServerConfig{}, err
	}
	return ops.ServerConfig{
		Enabled:      cfg.Ops.Enabled,
		Addr:         strings.TrimSpace(cfg.Ops.Addr),
		Token:        strings.TrimSpace(cfg.Ops.Token),
		Pprof:        cfg.Ops.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

// newSessionAdapter builds the adapter the config selects. Exactly one
// adapter runs per process; switching modes requires a restart.
func newSessionAdapter(cfg *config.Config, log logx.Logger) (session.Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Session.Mode))
	if mode == "" {
		mode = "http"
	}
	switch mode {
	case "http":
		if cfg.Session.HTTP == nil {
			return nil, fmt.Errorf("session.http is required when session.mode=http")
		}
		timeout, err := config.ParseDurationOrDefault("session.http.timeout", cfg.Session.HTTP.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return session.NewHTTP(session.HTTPConfig{
			BaseURL: cfg.Session.HTTP.BaseURL,
			Token:   cfg.Session.HTTP.Token,
			Timeout: timeout,
		}, log)
	case "telegram":
		if cfg.Session.Telegram == nil {
			return nil, fmt.Errorf("session.telegram is required when session.mode=telegram")
		}
		return session.NewTelegram(session.TelegramConfig{
			Token: cfg.Session.Telegram.Token,
		}, log)
	default:
		return nil, fmt.Errorf("unknown session.mode: %s", cfg.Session.Mode)
	}
}
