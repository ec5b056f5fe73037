package eventserver

import (
	"fmt"
	"strings"
)

// Config describes one connection attempt. It is constructed fresh per
// Connect call and never retained: credentials do not survive a disconnect.
type Config struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string

	// ClientVersion is reported to the server on auth (informational).
	ClientVersion string
	// CorrelationURL is the portal address used to build event deep links.
	CorrelationURL string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host", ErrBadConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port", ErrBadConfig)
	}
	return nil
}

// URL renders the websocket endpoint for this config.
func (c Config) URL() string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/", scheme, c.Host, c.Port)
}
