// Package avatar resolves channel profile images into self-contained icons
// for notification display. Failures never propagate: a missing avatar must
// never abort a notification, so every internal error degrades to "no icon".
package avatar

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"streamwatch/internal/platform"
	"streamwatch/internal/stream"
	logx "streamwatch/pkg/logx"
)

// ErrRejected marks a downloaded payload we refuse to use: wrong content-type
// or oversized body. Internal only; Resolve swallows it like everything else.
var ErrRejected = errors.New("avatar rejected")

const (
	DefaultTTL      = 7 * 24 * time.Hour
	DefaultTimeout  = 8 * time.Second
	DefaultMaxBytes = 2 << 20
)

type Options struct {
	TTL      time.Duration
	Timeout  time.Duration
	MaxBytes int64
	Logger   logx.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Resolver turns a watch item into a cached data-URI icon.
//
// The cache entry carries two independently aged tiers: the remote image URL
// (cheap platform lookup) and the resolved icon (downloaded + encoded bytes).
type Resolver struct {
	client   platform.HTTPDoer
	registry *platform.Registry

	ttl      time.Duration
	timeout  time.Duration
	maxBytes int64
	log      logx.Logger
	now      func() time.Time
}

func NewResolver(client platform.HTTPDoer, registry *platform.Registry, opts Options) *Resolver {
	r := &Resolver{
		client:   client,
		registry: registry,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.maxBytes <= 0 {
		r.maxBytes = DefaultMaxBytes
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Resolve returns the icon for item, reusing cached tiers that are within
// TTL. The returned entry reflects any tier that was refreshed; callers merge
// it back into the avatar cache. An empty icon means "none available".
func (r *Resolver) Resolve(ctx context.Context, item stream.WatchItem, entry stream.AvatarCacheEntry) (string, stream.AvatarCacheEntry) {
	now := r.now()

	if entry.Icon != "" && r.fresh(entry.IconFetchedAt, now) {
		return entry.Icon, entry
	}

	remoteURL := ""
	if entry.RemoteURL != "" && r.fresh(entry.RemoteFetchedAt, now) {
		remoteURL = entry.RemoteURL
	} else {
		url, err := r.lookupRemote(ctx, item)
		if err != nil {
			r.log.Debug("avatar url lookup failed",
				logx.String("key", item.Key()), logx.Err(err))
			return "", entry
		}
		remoteURL = url
		entry.RemoteURL = url
		entry.RemoteFetchedAt = now
	}
	if remoteURL == "" {
		return "", entry
	}

	icon, err := r.download(ctx, remoteURL)
	if err != nil {
		r.log.Debug("avatar download failed",
			logx.String("key", item.Key()), logx.String("url", remoteURL), logx.Err(err))
		return "", entry
	}
	entry.Icon = icon
	entry.IconFetchedAt = now
	return icon, entry
}

func (r *Resolver) fresh(fetchedAt time.Time, now time.Time) bool {
	return !fetchedAt.IsZero() && now.Sub(fetchedAt) < r.ttl
}

func (r *Resolver) lookupRemote(ctx context.Context, item stream.WatchItem) (string, error) {
	adapter, err := r.registry.Lookup(item.Platform)
	if err != nil {
		return "", err
	}
	return platform.WithTimeout(ctx, r.timeout, func(ctx context.Context) (string, error) {
		return adapter.ResolveAvatarURL(ctx, item.ID)
	})
}

func (r *Resolver) download(ctx context.Context, url string) (string, error) {
	return platform.WithTimeout(ctx, r.timeout, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", fmt.Errorf("status %d fetching %s", resp.StatusCode, url)
		}
		ctype := resp.Header.Get("Content-Type")
		if !strings.HasPrefix(ctype, "image/") {
			return "", fmt.Errorf("%w: content-type %q", ErrRejected, ctype)
		}

		// Read one byte past the ceiling so we can tell "exactly at the
		// limit" apart from "over it".
		body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
		if err != nil {
			return "", err
		}
		if int64(len(body)) > r.maxBytes {
			return "", fmt.Errorf("%w: body exceeds %d bytes", ErrRejected, r.maxBytes)
		}

		mime := ctype
		if i := strings.IndexByte(mime, ';'); i >= 0 {
			mime = strings.TrimSpace(mime[:i])
		}
		return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(body), nil
	})
}
