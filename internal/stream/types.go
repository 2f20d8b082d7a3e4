package stream

import (
	"strings"
	"time"
)

// Platform identifiers. The string values are persisted inside watch keys, so
// they are part of the storage format and must stay stable.
const (
	PlatformChzzk = "chzzk"
	PlatformSoop  = "soop"
)

// OfflineSignature is the dedup signature every adapter reports for a channel
// that is confirmed offline.
const OfflineSignature = "OFF"

// WatchItem is one watched channel. Immutable once created except for
// deletion; the watchlist collection owns it.
type WatchItem struct {
	Platform string    `json:"platform"`
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	AddedAt  time.Time `json:"added_at"`
}

// Key returns the globally unique lookup key, "<platform>:<id>".
func (w WatchItem) Key() string { return Key(w.Platform, w.ID) }

func Key(platform, id string) string {
	return strings.TrimSpace(platform) + ":" + strings.TrimSpace(id)
}

// DisplayName returns the configured name, falling back to the external id.
func (w WatchItem) DisplayName() string {
	if strings.TrimSpace(w.Name) != "" {
		return w.Name
	}
	return w.ID
}

// ChannelStatus is the normalized result of one status poll. Produced fresh
// each cycle; never persisted as-is.
type ChannelStatus struct {
	Platform  string
	ID        string
	Live      bool
	Title     string
	Signature string
	URL       string
}

// ChannelState is the last known truth for a channel, persisted across
// cycles. Updated after every poll regardless of notification outcome.
type ChannelState struct {
	Live      bool      `json:"live"`
	Signature string    `json:"signature"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationRecord tracks the last notification actually issued for a
// channel. It drives the cooldown gate and is only written on success.
type NotificationRecord struct {
	Signature  string    `json:"signature"`
	NotifiedAt time.Time `json:"notified_at"`
}

// AvatarCacheEntry holds the two independently TTL'd avatar sub-caches:
// the remote image URL (platform lookup result) and the resolved
// self-contained icon (downloaded + encoded image). Either may be absent.
type AvatarCacheEntry struct {
	RemoteURL       string    `json:"remote_url,omitempty"`
	RemoteFetchedAt time.Time `json:"remote_fetched_at,omitempty"`
	Icon            string    `json:"icon,omitempty"` // data URI
	IconFetchedAt   time.Time `json:"icon_fetched_at,omitempty"`
}

// Summary aggregates one poll cycle. All counts are cycle-local.
type Summary struct {
	Checked  int `json:"checked"`
	LiveNow  int `json:"live_now"`
	Notified int `json:"notified"`
}
