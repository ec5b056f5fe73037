package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "zmnotify/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.settings.json (profile id -> settings JSON)
//   - <prefix>.events.json   (profile id -> event records)
//
// Both are whole snapshots written atomically (temp file + rename). The
// history is bounded per profile, so snapshot writes stay small.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	settingsPath string
	eventsPath   string

	settings map[string]json.RawMessage
	events   map[string][]EventRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		log:          log,
		settingsPath: prefix + ".settings.json",
		eventsPath:   prefix + ".events.json",
		settings:     map[string]json.RawMessage{},
		events:       map[string][]EventRecord{},
	}
	if err := fs.loadSnapshot(fs.settingsPath, &fs.settings); err != nil {
		return nil, err
	}
	if err := fs.loadSnapshot(fs.eventsPath, &fs.events); err != nil {
		return nil, err
	}
	return fs, nil
}

// loadSnapshot reads a snapshot file into dst. A missing file is a fresh store.
func (s *fileStore) loadSnapshot(path string, dst any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		// A torn snapshot should not brick the client; start fresh and warn.
		s.log.Warn("storage snapshot corrupt; starting fresh", logx.String("path", path), logx.Err(err))
	}
	return nil
}

func writeSnapshot(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) SaveSettings(ctx context.Context, profileID string, data []byte) error {
	_ = ctx
	if profileID == "" {
		return errors.New("profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[profileID] = append(json.RawMessage(nil), data...)
	return writeSnapshot(s.settingsPath, s.settings)
}

func (s *fileStore) LoadSettings(ctx context.Context) (map[string][]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.settings))
	for k, v := range s.settings {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *fileStore) ReplaceEvents(ctx context.Context, profileID string, events []EventRecord) error {
	_ = ctx
	if profileID == "" {
		return errors.New("profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(events) == 0 {
		delete(s.events, profileID)
	} else {
		s.events[profileID] = append([]EventRecord(nil), events...)
	}
	return writeSnapshot(s.eventsPath, s.events)
}

func (s *fileStore) LoadEvents(ctx context.Context, profileID string) ([]EventRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventRecord(nil), s.events[profileID]...), nil
}
