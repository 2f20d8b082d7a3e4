package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
	Poller   PollerConfig   `json:"poller,omitempty"`

	// Defaults seeds the persisted user settings the first time the process
	// runs against an empty store. After that, the persisted settings win.
	Defaults SettingsConfig `json:"defaults,omitempty"`

	// Watchlist entries are merged into the persisted watchlist on start
	// (existing entries are kept; missing ones are added). Full watchlist
	// management happens against the store, not this file.
	Watchlist []WatchEntry `json:"watchlist,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the chat receiving live notifications.
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./streamwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the optional local HTTP API (health/status/manual poll).
//
// Prefer binding to localhost; the API carries no authentication.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8422"
}

// PollerConfig controls poll-cycle execution.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - avatar_ttl: "168h" (7 days)
//   - avatar_timeout: "8s"
//   - notify_rate_per_sec: 3
type PollerConfig struct {
	Workers          int    `json:"workers,omitempty"`
	AvatarTTL        string `json:"avatar_ttl,omitempty"`
	AvatarTimeout    string `json:"avatar_timeout,omitempty"`
	NotifyRatePerSec int    `json:"notify_rate_per_sec,omitempty"`
}

// SettingsConfig mirrors the persisted user settings. Out-of-range values are
// clamped on load, never rejected.
type SettingsConfig struct {
	PollIntervalMinutes int  `json:"poll_interval_minutes,omitempty"`
	CooldownMinutes     int  `json:"cooldown_minutes,omitempty"`
	NotifyIfAlreadyLive bool `json:"notify_if_already_live,omitempty"`
	RequestTimeoutMs    int  `json:"request_timeout_ms,omitempty"`
}

type WatchEntry struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
}
