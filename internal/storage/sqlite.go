//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "zmnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSettings(ctx context.Context, profileID string, data []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if profileID == "" {
		return errors.New("profile id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(profile_id, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(profile_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		profileID, string(data), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadSettings(ctx context.Context) (map[string][]byte, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT profile_id, data FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out[id] = []byte(data)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReplaceEvents(ctx context.Context, profileID string, events []EventRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE profile_id = ?`, profileID); err != nil {
		return err
	}
	for _, e := range events {
		payload := e.Payload
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events(profile_id, event_id, payload, received_at, read) VALUES(?,?,?,?,?)`,
			profileID, e.EventID, string(payload), e.ReceivedAt.UnixMilli(), boolToInt(e.Read),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadEvents(ctx context.Context, profileID string) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, payload, received_at, read FROM events
		 WHERE profile_id = ? ORDER BY received_at DESC`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec     EventRecord
			payload string
			ms      int64
			read    int
		)
		if err := rows.Scan(&rec.EventID, &payload, &ms, &read); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		rec.ReceivedAt = time.UnixMilli(ms)
		rec.Read = read != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
