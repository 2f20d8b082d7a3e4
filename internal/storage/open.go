package storage

import (
	"context"
	"errors"
	"strings"

	"streamwatch/internal/stream"
	logx "streamwatch/pkg/logx"
)

// Store is the persistence API used by the poll engine and the HTTP surface.
//
// Map-valued buckets use upsert semantics: Put merges the given entries over
// what is stored, it never drops absent keys. Derived buckets (state,
// notified, avatar cache) only accept keys present in the watchlist at write
// time, so a watch removed mid-cycle cannot be resurrected by that cycle's
// persist phase. Key removal happens through RemoveWatch, which clears the
// channel's derived buckets, and through DeleteNotified for the cooldown
// records alone.
type Store interface {
	Watchlist(ctx context.Context) ([]stream.WatchItem, error)
	AddWatch(ctx context.Context, item stream.WatchItem) error
	RemoveWatch(ctx context.Context, key string) (bool, error)
	// SeedWatchlist adds only the items whose keys are not present yet and
	// reports how many were added. Existing entries are left untouched.
	SeedWatchlist(ctx context.Context, items []stream.WatchItem) (int, error)

	// Settings returns stored settings merged with defaults and clamped into
	// range; it never fails on absent or partial data.
	Settings(ctx context.Context) (stream.Settings, error)
	// PutSettings clamps, persists, and returns the value actually stored.
	PutSettings(ctx context.Context, s stream.Settings) (stream.Settings, error)

	States(ctx context.Context) (map[string]stream.ChannelState, error)
	PutStates(ctx context.Context, m map[string]stream.ChannelState) error

	Notified(ctx context.Context) (map[string]stream.NotificationRecord, error)
	PutNotified(ctx context.Context, m map[string]stream.NotificationRecord) error
	// DeleteNotified removes the cooldown records for the given keys. Absent
	// keys are ignored.
	DeleteNotified(ctx context.Context, keys []string) error

	AvatarCache(ctx context.Context) (map[string]stream.AvatarCacheEntry, error)
	PutAvatarCache(ctx context.Context, m map[string]stream.AvatarCacheEntry) error

	// PutRoute records a notification handle -> target URL mapping.
	PutRoute(ctx context.Context, handle, targetURL string) error
	// TakeRoute removes and returns the mapping for handle. Both click and
	// dismissal are terminal, so removal on read is the only access mode.
	TakeRoute(ctx context.Context, handle string) (string, bool, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
