package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Mailbox MailboxConfig `json:"mailbox"`
	Watch   WatchConfig   `json:"watch"`
	Session SessionConfig `json:"session"`
	Ops     OpsConfig     `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Session LoggingSession `json:"session"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingSession mirrors warn-and-above log lines into a consumer context
// so an operator sees daemon trouble inside their own conversation.
type LoggingSession struct {
	Enabled    bool   `json:"enabled"`
	ContextID  string `json:"context_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MailboxConfig controls the persistent message store.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "720h").
//
// Defaults (when fields are omitted/zero):
//   - path: "./postbox.db"
//   - busy_timeout: "5s"
//   - retention: "0s" (read mail is kept forever)
//   - prune_every: 64 (appends between opportunistic retention sweeps)
type MailboxConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
	PruneEvery  int    `json:"prune_every,omitempty"`
}

// WatchConfig controls the per-recipient poll loop.
type WatchConfig struct {
	// PollInterval is a Go duration string; default "5s".
	// Applies to watches started after a change.
	PollInterval string `json:"poll_interval,omitempty"`

	// WakeRatePerSec bounds wake calls across all deliveries; default 5.
	WakeRatePerSec int `json:"wake_rate_per_sec,omitempty"`
}

// SessionConfig selects the consumer session adapter. Exactly one variant is
// active per process; switching requires a restart.
type SessionConfig struct {
	// Mode is "http" or "telegram".
	Mode     string                 `json:"mode"`
	HTTP     *HTTPSessionConfig     `json:"http,omitempty"`
	Telegram *TelegramSessionConfig `json:"telegram,omitempty"`
}

// HTTPSessionConfig points at a session runtime that exposes inject and wake
// endpoints. This variant can resume an idle context directly.
type HTTPSessionConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	// Timeout is a Go duration string bounding each request; default "10s".
	Timeout string `json:"timeout,omitempty"`
}

// TelegramSessionConfig treats Telegram chats as consumer contexts
// (context ID = chat ID). Telegram has no resume primitive, so wakes
// degrade to a notifying prompt.
type TelegramSessionConfig struct {
	Token string `json:"token"`
}

// OpsConfig controls the operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8315").
//   - If you bind to a non-loopback address, set a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8315"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"` // mount /debug/pprof on the ops listener

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
