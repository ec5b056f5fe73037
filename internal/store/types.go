package store

import (
	"encoding/json"
	"time"
)

// Bus topics published by the store. Payloads are snapshots; consumers never
// see partially applied mutations.
const (
	TopicEventAccepted   = "store.event_accepted"
	TopicSettingsChanged = "store.settings_changed"
	TopicConnState       = "store.conn_state"
)

const (
	// HistoryCap bounds the per-profile event history.
	HistoryCap = 100

	DefaultPort            = 9000
	DefaultIntervalSeconds = 60
)

// MonitorFilter selects one monitor for watching and its alarm check cadence.
type MonitorFilter struct {
	MonitorID       int64 `json:"monitor_id"`
	Enabled         bool  `json:"enabled"`
	IntervalSeconds int64 `json:"interval_seconds"`
}

// NotificationSettings is the durable per-profile configuration. Credentials
// are deliberately absent; they are supplied per Connect call and never
// persisted here.
type NotificationSettings struct {
	Enabled    bool            `json:"enabled"`
	Host       string          `json:"host"`
	Port       int             `json:"port"`
	UseTLS     bool            `json:"use_tls"`
	ShowToasts bool            `json:"show_toasts"`
	PlaySound  bool            `json:"play_sound"`
	Filters    []MonitorFilter `json:"filters,omitempty"`
}

// DefaultSettings returns the hard-coded defaults applied when a profile has
// no stored settings yet.
func DefaultSettings() NotificationSettings {
	return NotificationSettings{
		Enabled:    false,
		Port:       DefaultPort,
		UseTLS:     true,
		ShowToasts: true,
		PlaySound:  false,
	}
}

// SettingsPatch applies partial updates; nil fields leave the current value
// untouched. Filters, when non-nil, replaces the whole filter list.
type SettingsPatch struct {
	Enabled    *bool
	Host       *string
	Port       *int
	UseTLS     *bool
	ShowToasts *bool
	PlaySound  *bool
	Filters    []MonitorFilter
}

// NotificationEvent is one accepted alarm occurrence with client-side
// lifecycle state attached.
type NotificationEvent struct {
	EventID       int64           `json:"event_id"`
	MonitorID     int64           `json:"monitor_id"`
	MonitorName   string          `json:"monitor_name,omitempty"`
	Cause         string          `json:"cause,omitempty"`
	Name          string          `json:"name,omitempty"`
	DetectionJSON json.RawMessage `json:"detection_json,omitempty"`
	ImageURL      string          `json:"image_url,omitempty"`
	EventURL      string          `json:"event_url,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	Read          bool            `json:"read"`
}

// Snapshot is the immutable view handed to subscribers.
type Snapshot struct {
	ProfileID  string
	Settings   NotificationSettings
	Events     []NotificationEvent
	BadgeCount int
}

// ClientVersion is reported to the server during auth.
const ClientVersion = "1.0.0"
