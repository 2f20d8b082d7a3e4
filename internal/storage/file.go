package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"streamwatch/internal/stream"
	logx "streamwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Every bucket lives in its own JSON snapshot next to the configured path:
//
//	<prefix>.watchlist.json
//	<prefix>.settings.json
//	<prefix>.state.json
//	<prefix>.notified.json
//	<prefix>.avatars.json
//	<prefix>.routes.json
//
// Writes go through a temp file + rename so a crash mid-write never leaves a
// truncated snapshot behind.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	prefix string
	closed bool

	watchlist []stream.WatchItem
	settings  *stream.Settings
	states    map[string]stream.ChannelState
	notified  map[string]stream.NotificationRecord
	avatars   map[string]stream.AvatarCacheEntry
	routes    map[string]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:      log,
		prefix:   prefix,
		states:   map[string]stream.ChannelState{},
		notified: map[string]stream.NotificationRecord{},
		avatars:  map[string]stream.AvatarCacheEntry{},
		routes:   map[string]string{},
	}

	// Absent or unreadable snapshots start the bucket empty; a partially
	// recovered store beats a refusal to start.
	if err := loadSnapshot(prefix+".watchlist.json", &s.watchlist); err != nil && !os.IsNotExist(err) {
		log.Warn("watchlist snapshot unreadable, starting empty", logx.Err(err))
	}
	// Decode over the defaults so a snapshot missing a field reads back as
	// the default, not as a clamped zero.
	st := stream.DefaultSettings()
	if err := loadSnapshot(prefix+".settings.json", &st); err == nil {
		s.settings = &st
	}
	_ = loadSnapshot(prefix+".state.json", &s.states)
	_ = loadSnapshot(prefix+".notified.json", &s.notified)
	_ = loadSnapshot(prefix+".avatars.json", &s.avatars)
	_ = loadSnapshot(prefix+".routes.json", &s.routes)

	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) Watchlist(ctx context.Context) ([]stream.WatchItem, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]stream.WatchItem, len(s.watchlist))
	copy(out, s.watchlist)
	return out, nil
}

func (s *fileStore) AddWatch(ctx context.Context, item stream.WatchItem) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	key := item.Key()
	for _, w := range s.watchlist {
		if w.Key() == key {
			return nil
		}
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	s.watchlist = append(s.watchlist, item)
	return s.saveLocked(".watchlist.json", s.watchlist)
}

func (s *fileStore) RemoveWatch(ctx context.Context, key string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	idx := -1
	for i, w := range s.watchlist {
		if w.Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	s.watchlist = append(s.watchlist[:idx], s.watchlist[idx+1:]...)
	delete(s.states, key)
	delete(s.notified, key)
	delete(s.avatars, key)
	if err := s.saveLocked(".watchlist.json", s.watchlist); err != nil {
		return true, err
	}
	if err := s.saveLocked(".state.json", s.states); err != nil {
		return true, err
	}
	if err := s.saveLocked(".notified.json", s.notified); err != nil {
		return true, err
	}
	return true, s.saveLocked(".avatars.json", s.avatars)
}

func (s *fileStore) SeedWatchlist(ctx context.Context, items []stream.WatchItem) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	have := make(map[string]bool, len(s.watchlist))
	for _, w := range s.watchlist {
		have[w.Key()] = true
	}
	added := 0
	now := time.Now()
	for _, it := range items {
		key := it.Key()
		if have[key] {
			continue
		}
		if it.AddedAt.IsZero() {
			it.AddedAt = now
		}
		s.watchlist = append(s.watchlist, it)
		have[key] = true
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, s.saveLocked(".watchlist.json", s.watchlist)
}

func (s *fileStore) Settings(ctx context.Context) (stream.Settings, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stream.Settings{}, ErrClosed
	}
	if s.settings == nil {
		return stream.DefaultSettings(), nil
	}
	return s.settings.Normalize(), nil
}

func (s *fileStore) PutSettings(ctx context.Context, in stream.Settings) (stream.Settings, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stream.Settings{}, ErrClosed
	}
	norm := in.Normalize()
	s.settings = &norm
	return norm, s.saveLocked(".settings.json", norm)
}

func (s *fileStore) States(ctx context.Context) (map[string]stream.ChannelState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return copyMap(s.states), nil
}

func (s *fileStore) PutStates(ctx context.Context, m map[string]stream.ChannelState) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	watched := s.watchKeysLocked()
	for k, v := range m {
		if watched[k] {
			s.states[k] = v
		}
	}
	return s.saveLocked(".state.json", s.states)
}

func (s *fileStore) Notified(ctx context.Context) (map[string]stream.NotificationRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return copyMap(s.notified), nil
}

func (s *fileStore) PutNotified(ctx context.Context, m map[string]stream.NotificationRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	watched := s.watchKeysLocked()
	for k, v := range m {
		if watched[k] {
			s.notified[k] = v
		}
	}
	return s.saveLocked(".notified.json", s.notified)
}

func (s *fileStore) DeleteNotified(ctx context.Context, keys []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	removed := false
	for _, k := range keys {
		if _, ok := s.notified[k]; ok {
			delete(s.notified, k)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return s.saveLocked(".notified.json", s.notified)
}

func (s *fileStore) AvatarCache(ctx context.Context) (map[string]stream.AvatarCacheEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return copyMap(s.avatars), nil
}

func (s *fileStore) PutAvatarCache(ctx context.Context, m map[string]stream.AvatarCacheEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	watched := s.watchKeysLocked()
	for k, v := range m {
		if watched[k] {
			s.avatars[k] = v
		}
	}
	return s.saveLocked(".avatars.json", s.avatars)
}

func (s *fileStore) watchKeysLocked() map[string]bool {
	keys := make(map[string]bool, len(s.watchlist))
	for _, w := range s.watchlist {
		keys[w.Key()] = true
	}
	return keys
}

func (s *fileStore) PutRoute(ctx context.Context, handle, targetURL string) error {
	_ = ctx
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.routes[handle] = targetURL
	return s.saveLocked(".routes.json", s.routes)
}

func (s *fileStore) TakeRoute(ctx context.Context, handle string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	url, ok := s.routes[handle]
	if !ok {
		return "", false, nil
	}
	delete(s.routes, handle)
	return url, true, s.saveLocked(".routes.json", s.routes)
}

func (s *fileStore) saveLocked(suffix string, v any) error {
	path := s.prefix + suffix
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
