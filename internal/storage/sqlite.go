package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"streamwatch/internal/stream"
	logx "streamwatch/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS watchlist (
    key      TEXT PRIMARY KEY,
    platform TEXT NOT NULL,
    id       TEXT NOT NULL,
    name     TEXT NOT NULL DEFAULT '',
    added_at TEXT NOT NULL,
    position INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
    id   INTEGER PRIMARY KEY CHECK (id = 1),
    data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS channel_state (
    key  TEXT PRIMARY KEY,
    data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS notified (
    key  TEXT PRIMARY KEY,
    data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS avatar_cache (
    key  TEXT PRIMARY KEY,
    data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS notif_routes (
    handle     TEXT PRIMARY KEY,
    target_url TEXT NOT NULL
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; one connection
	// also serializes every read-modify-write for free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Watchlist(ctx context.Context) ([]stream.WatchItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, id, name, added_at FROM watchlist ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stream.WatchItem
	for rows.Next() {
		var w stream.WatchItem
		var addedAt string
		if err := rows.Scan(&w.Platform, &w.ID, &w.Name, &addedAt); err != nil {
			return nil, err
		}
		w.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddWatch(ctx context.Context, item stream.WatchItem) error {
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlist(key, platform, id, name, added_at, position)
		 VALUES(?,?,?,?,?, COALESCE((SELECT MAX(position) FROM watchlist), 0) + 1)
		 ON CONFLICT(key) DO NOTHING`,
		item.Key(), item.Platform, item.ID, item.Name, item.AddedAt.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) RemoveWatch(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlist WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	for _, table := range []string{"channel_state", "notified", "avatar_cache"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, key); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *sqliteStore) SeedWatchlist(ctx context.Context, items []stream.WatchItem) (int, error) {
	added := 0
	now := time.Now()
	for _, it := range items {
		if it.AddedAt.IsZero() {
			it.AddedAt = now
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO watchlist(key, platform, id, name, added_at, position)
			 VALUES(?,?,?,?,?, COALESCE((SELECT MAX(position) FROM watchlist), 0) + 1)
			 ON CONFLICT(key) DO NOTHING`,
			it.Key(), it.Platform, it.ID, it.Name, it.AddedAt.Format(time.RFC3339Nano))
		if err != nil {
			return added, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, nil
}

func (s *sqliteStore) Settings(ctx context.Context) (stream.Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.DefaultSettings(), nil
	}
	if err != nil {
		return stream.Settings{}, err
	}
	st := stream.DefaultSettings()
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		s.log.Warn("stored settings unreadable, using defaults", logx.Err(err))
		return stream.DefaultSettings(), nil
	}
	return st.Normalize(), nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, in stream.Settings) (stream.Settings, error) {
	norm := in.Normalize()
	data, err := json.Marshal(norm)
	if err != nil {
		return stream.Settings{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(id, data) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, string(data))
	return norm, err
}

func (s *sqliteStore) States(ctx context.Context) (map[string]stream.ChannelState, error) {
	return loadKeyedJSON[stream.ChannelState](ctx, s.db, "channel_state")
}

func (s *sqliteStore) PutStates(ctx context.Context, m map[string]stream.ChannelState) error {
	return putKeyedJSON(ctx, s.db, "channel_state", m)
}

func (s *sqliteStore) Notified(ctx context.Context) (map[string]stream.NotificationRecord, error) {
	return loadKeyedJSON[stream.NotificationRecord](ctx, s.db, "notified")
}

func (s *sqliteStore) PutNotified(ctx context.Context, m map[string]stream.NotificationRecord) error {
	return putKeyedJSON(ctx, s.db, "notified", m)
}

func (s *sqliteStore) DeleteNotified(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM notified WHERE key = ?`, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) AvatarCache(ctx context.Context) (map[string]stream.AvatarCacheEntry, error) {
	return loadKeyedJSON[stream.AvatarCacheEntry](ctx, s.db, "avatar_cache")
}

func (s *sqliteStore) PutAvatarCache(ctx context.Context, m map[string]stream.AvatarCacheEntry) error {
	return putKeyedJSON(ctx, s.db, "avatar_cache", m)
}

func (s *sqliteStore) PutRoute(ctx context.Context, handle, targetURL string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notif_routes(handle, target_url) VALUES(?,?)
		 ON CONFLICT(handle) DO UPDATE SET target_url = excluded.target_url`,
		handle, targetURL)
	return err
}

func (s *sqliteStore) TakeRoute(ctx context.Context, handle string) (string, bool, error) {
	var url string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM notif_routes WHERE handle = ? RETURNING target_url`, handle).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

func loadKeyedJSON[V any](ctx context.Context, db *sql.DB, table string) (map[string]V, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, data FROM `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]V{}
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		var v V
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			continue
		}
		out[key] = v
	}
	return out, rows.Err()
}

func putKeyedJSON[V any](ctx context.Context, db *sql.DB, table string, m map[string]V) error {
	for k, v := range m {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		// The EXISTS guard drops writes for keys no longer watched, so a
		// watch removed mid-cycle stays removed.
		_, err = db.ExecContext(ctx,
			`INSERT INTO `+table+`(key, data)
			 SELECT ?, ? WHERE EXISTS (SELECT 1 FROM watchlist WHERE key = ?)
			 ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
			k, string(data), k)
		if err != nil {
			return err
		}
	}
	return nil
}
