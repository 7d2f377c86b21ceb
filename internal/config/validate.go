package config

import (
	"fmt"
	"strings"
)

// Validate rejects malformed configs before they are committed or published.
// Defaults for omitted fields are applied by the consuming components, not here.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("mailbox.busy_timeout", c.Mailbox.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("mailbox.retention", c.Mailbox.Retention); err != nil {
		return err
	}
	if c.Mailbox.PruneEvery < 0 {
		return fmt.Errorf("mailbox.prune_every must be >= 0")
	}

	if _, err := ParseDurationField("watch.poll_interval", c.Watch.PollInterval); err != nil {
		return err
	}
	if c.Watch.WakeRatePerSec < 0 {
		return fmt.Errorf("watch.wake_rate_per_sec must be >= 0")
	}

	switch mode := strings.TrimSpace(strings.ToLower(c.Session.Mode)); mode {
	case "", "http":
		if c.Session.HTTP == nil || strings.TrimSpace(c.Session.HTTP.BaseURL) == "" {
			return fmt.Errorf("session.http.base_url is required for mode %q", "http")
		}
		if _, err := ParseDurationField("session.http.timeout", c.Session.HTTP.Timeout); err != nil {
			return err
		}
	case "telegram":
		if c.Session.Telegram == nil || strings.TrimSpace(c.Session.Telegram.Token) == "" {
			return fmt.Errorf("session.telegram.token is required for mode %q", "telegram")
		}
	default:
		return fmt.Errorf("session.mode: unknown mode %q (want \"http\" or \"telegram\")", mode)
	}

	if c.Logging.Session.RatePerSec < 0 {
		return fmt.Errorf("logging.session.rate_per_sec must be >= 0")
	}

	for key, raw := range map[string]string{
		"ops.read_timeout":  c.Ops.ReadTimeout,
		"ops.write_timeout": c.Ops.WriteTimeout,
		"ops.idle_timeout":  c.Ops.IdleTimeout,
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			return err
		}
	}
	return nil
}
