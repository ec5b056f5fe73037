package config

// Config is the daemon configuration.
//
// Profiles describe the event servers this client knows about; at most one
// profile has a live socket at a time. Runtime mutations (watch toggles, read
// flags, badge counts) live in the store, not here — this file is the seed and
// the operator-facing knobs.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the durable settings/event-history backend.
	// If omitted, the store runs memory-only.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Alerts controls the optional toast/sound side-effect sink.
	Alerts AlertsConfig `json:"alerts,omitempty"`

	// Reconnect controls the daemon-side reconnect policy. The protocol
	// service itself never reconnects on its own.
	Reconnect ReconnectConfig `json:"reconnect,omitempty"`

	// CommandTimeout bounds send-and-await-ack operations (Go duration
	// string). The wire protocol has no request ids and no server-side
	// timeout; 0 or omitted means the 10s default.
	CommandTimeout string `json:"command_timeout,omitempty"`

	// ActiveProfile is connected at startup when set and enabled.
	ActiveProfile string `json:"active_profile,omitempty"`

	// InsecureTLS skips certificate verification on the event socket. Event
	// servers on a LAN very often run self-signed certificates.
	InsecureTLS bool `json:"insecure_tls,omitempty"`

	Profiles map[string]ProfileConfig `json:"profiles"`
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

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./zmnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AlertsConfig controls the toast sink. Telegram is the only chat sink; when
// it is not configured, toasts go to the log sink.
type AlertsConfig struct {
	Enabled    bool            `json:"enabled"`
	RatePerSec int             `json:"rate_per_sec,omitempty"`
	Telegram   *TelegramSinkConfig `json:"telegram,omitempty"`
}

type TelegramSinkConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// ReconnectConfig drives the cron-based reconnect loop in the daemon.
// Schedule accepts cron specs including @every forms (default "@every 1m").
type ReconnectConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

// ProfileConfig seeds one profile's notification settings.
//
// Pointer fields distinguish "omitted" from an explicit false so the store's
// hard-coded defaults (use_tls=true, show_toasts=true) still apply.
type ProfileConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	UseTLS     *bool  `json:"use_tls,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PortalURL  string `json:"portal_url,omitempty"`
	ShowToasts *bool  `json:"show_toasts,omitempty"`
	PlaySound  bool   `json:"play_sound,omitempty"`

	Monitors []MonitorConfig `json:"monitors,omitempty"`
}

// MonitorConfig is one camera watch entry. Unique by ID within a profile.
type MonitorConfig struct {
	ID              int64 `json:"id"`
	Enabled         *bool `json:"enabled,omitempty"`          // default true
	IntervalSeconds int64 `json:"interval_seconds,omitempty"` // default 60, min 1
}
