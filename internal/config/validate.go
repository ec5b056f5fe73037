package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate performs structural checks that don't need external collaborators.
// Called on every Load and on every hot-reload candidate before publish.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("command_timeout", c.CommandTimeout); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if tg := c.Alerts.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			return errors.New("alerts.telegram: token and chat_id are both required")
		}
	}

	if ap := strings.TrimSpace(c.ActiveProfile); ap != "" {
		if _, ok := c.Profiles[ap]; !ok {
			return fmt.Errorf("active_profile %q has no matching entry in profiles", ap)
		}
	}

	for name, p := range c.Profiles {
		if strings.TrimSpace(name) == "" {
			return errors.New("profiles: empty profile id")
		}
		if p.Enabled && strings.TrimSpace(p.Host) == "" {
			return fmt.Errorf("profiles.%s: host is required when enabled", name)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("profiles.%s: port out of range", name)
		}
		seen := make(map[int64]struct{}, len(p.Monitors))
		for i, mon := range p.Monitors {
			if mon.ID <= 0 {
				return fmt.Errorf("profiles.%s.monitors[%d]: id must be positive", name, i)
			}
			if _, dup := seen[mon.ID]; dup {
				return fmt.Errorf("profiles.%s.monitors: duplicate monitor id %d", name, mon.ID)
			}
			seen[mon.ID] = struct{}{}
			if mon.IntervalSeconds < 0 {
				return fmt.Errorf("profiles.%s.monitors[%d]: interval_seconds must be >= 0", name, i)
			}
		}
	}
	return nil
}
