package storage

import (
	"context"
	"errors"
	"strings"

	logx "zmnotify/pkg/logx"
)

// Store is the persistence API used by the event store.
//
// Writes are whole-profile snapshots: the history is bounded (<=100 entries)
// so replace-on-mutation stays cheap and keeps dedup/read state consistent.
type Store interface {
	SaveSettings(ctx context.Context, profileID string, data []byte) error
	LoadSettings(ctx context.Context) (map[string][]byte, error)
	ReplaceEvents(ctx context.Context, profileID string, events []EventRecord) error
	LoadEvents(ctx context.Context, profileID string) ([]EventRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
