package config

import (
	"sort"
	"strings"

	logx "postbox/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Session.Enabled != newCfg.Logging.Session.Enabled ||
		strings.TrimSpace(oldCfg.Logging.Session.ContextID) != strings.TrimSpace(newCfg.Logging.Session.ContextID) ||
		oldCfg.Logging.Session.MinLevel != newCfg.Logging.Session.MinLevel ||
		oldCfg.Logging.Session.RatePerSec != newCfg.Logging.Session.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.session_enabled", newCfg.Logging.Session.Enabled),
		)
	}

	// Mailbox (restart required for path changes; retention applies live)
	if strings.TrimSpace(oldCfg.Mailbox.Path) != strings.TrimSpace(newCfg.Mailbox.Path) ||
		strings.TrimSpace(oldCfg.Mailbox.BusyTimeout) != strings.TrimSpace(newCfg.Mailbox.BusyTimeout) ||
		strings.TrimSpace(oldCfg.Mailbox.Retention) != strings.TrimSpace(newCfg.Mailbox.Retention) ||
		oldCfg.Mailbox.PruneEvery != newCfg.Mailbox.PruneEvery {
		changed = append(changed, "mailbox")
		attrs = append(attrs,
			logx.Bool("mailbox.path_set", strings.TrimSpace(newCfg.Mailbox.Path) != ""),
			logx.String("mailbox.busy_timeout", strings.TrimSpace(newCfg.Mailbox.BusyTimeout)),
			logx.String("mailbox.retention", strings.TrimSpace(newCfg.Mailbox.Retention)),
			logx.Int("mailbox.prune_every", newCfg.Mailbox.PruneEvery),
		)
	}

	// Watch (poll interval applies to watches started after the change)
	if strings.TrimSpace(oldCfg.Watch.PollInterval) != strings.TrimSpace(newCfg.Watch.PollInterval) ||
		oldCfg.Watch.WakeRatePerSec != newCfg.Watch.WakeRatePerSec {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.poll_interval", strings.TrimSpace(newCfg.Watch.PollInterval)),
			logx.Int("watch.wake_rate_per_sec", newCfg.Watch.WakeRatePerSec),
		)
	}

	// Session (never log tokens; adapter swaps require a restart)
	if sessionChanged(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.mode", strings.TrimSpace(newCfg.Session.Mode)),
			logx.Bool("session.http_set", newCfg.Session.HTTP != nil),
			logx.Bool("session.telegram_set", newCfg.Session.Telegram != nil),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		oldCfg.Ops.Pprof != newCfg.Ops.Pprof ||
		strings.TrimSpace(oldCfg.Ops.Addr) != strings.TrimSpace(newCfg.Ops.Addr) ||
		strings.TrimSpace(oldCfg.Ops.ReadTimeout) != strings.TrimSpace(newCfg.Ops.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Ops.WriteTimeout) != strings.TrimSpace(newCfg.Ops.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Ops.IdleTimeout) != strings.TrimSpace(newCfg.Ops.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func sessionChanged(o, n SessionConfig) bool {
	if strings.TrimSpace(o.Mode) != strings.TrimSpace(n.Mode) {
		return true
	}
	if (o.HTTP == nil) != (n.HTTP == nil) {
		return true
	}
	if o.HTTP != nil && n.HTTP != nil {
		if strings.TrimSpace(o.HTTP.BaseURL) != strings.TrimSpace(n.HTTP.BaseURL) ||
			strings.TrimSpace(o.HTTP.Timeout) != strings.TrimSpace(n.HTTP.Timeout) ||
			(strings.TrimSpace(o.HTTP.Token) != "") != (strings.TrimSpace(n.HTTP.Token) != "") {
			return true
		}
	}
	if (o.Telegram == nil) != (n.Telegram == nil) {
		return true
	}
	if o.Telegram != nil && n.Telegram != nil {
		if (strings.TrimSpace(o.Telegram.Token) != "") != (strings.TrimSpace(n.Telegram.Token) != "") {
			return true
		}
	}
	return false
}
