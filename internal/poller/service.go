// Package poller implements the poll cycle: fan out status checks over the
// watchlist with bounded concurrency, detect offline-to-live transitions,
// gate them through the cooldown dedup, and persist the updated state.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamwatch/internal/avatar"
	"streamwatch/internal/eventbus"
	"streamwatch/internal/platform"
	"streamwatch/internal/storage"
	"streamwatch/internal/stream"
	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
)

// ErrCycleInFlight is returned when a poll cycle is requested while a prior
// one is still running. At-most-one concurrent cycle keeps the persisted
// maps' read-modify-write race-free.
var ErrCycleInFlight = errors.New("poll cycle already in flight")

// Notifier is the outbound notification surface the orchestrator depends on.
type Notifier interface {
	Notify(ctx context.Context, key string, n transport.Notification) error
}

type Config struct {
	Workers int // bounded pool size; 0 means 4
}

type Service struct {
	cfg      Config
	store    storage.Store
	registry *platform.Registry
	avatars  *avatar.Resolver
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger

	runMu sync.Mutex

	now func() time.Time
}

func New(cfg Config, store storage.Store, registry *platform.Registry, avatars *avatar.Resolver, notifier Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		registry: registry,
		avatars:  avatars,
		notifier: notifier,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// RunCycle executes one full poll cycle and returns its aggregates. Cycles
// are serialized; a second caller gets ErrCycleInFlight instead of queueing.
func (s *Service) RunCycle(ctx context.Context) (stream.Summary, error) {
	if !s.runMu.TryLock() {
		return stream.Summary{}, ErrCycleInFlight
	}
	defer s.runMu.Unlock()

	started := s.now()
	s.publish(eventbus.TypeCycleStarted, nil)

	summary, err := s.runLocked(ctx)
	if err != nil {
		s.log.Error("poll cycle failed", logx.Err(err))
		s.publish(eventbus.TypeCycleFinished, map[string]any{"error": err.Error()})
		return stream.Summary{}, err
	}

	s.log.Info("poll cycle finished",
		logx.Int("checked", summary.Checked),
		logx.Int("live_now", summary.LiveNow),
		logx.Int("notified", summary.Notified),
		logx.Duration("took", s.now().Sub(started)))
	s.publish(eventbus.TypeCycleFinished, summary)
	return summary, nil
}

func (s *Service) runLocked(ctx context.Context) (stream.Summary, error) {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return stream.Summary{}, err
	}
	watchlist, err := s.store.Watchlist(ctx)
	if err != nil {
		return stream.Summary{}, err
	}
	states, err := s.store.States(ctx)
	if err != nil {
		return stream.Summary{}, err
	}
	notified, err := s.store.Notified(ctx)
	if err != nil {
		return stream.Summary{}, err
	}
	avatarCache, err := s.store.AvatarCache(ctx)
	if err != nil {
		return stream.Summary{}, err
	}

	results := RunPool(ctx, watchlist, s.cfg.Workers, func(ctx context.Context, item stream.WatchItem) (stream.ChannelStatus, error) {
		return s.checkOne(ctx, item, settings)
	})

	now := s.now()
	var summary stream.Summary
	stateUpdates := map[string]stream.ChannelState{}
	notifiedUpdates := map[string]stream.NotificationRecord{}
	notifiedClears := []string{}
	avatarUpdates := map[string]stream.AvatarCacheEntry{}

	for i, item := range watchlist {
		if results[i] == nil {
			// Could not be assessed this cycle: the previous state stands,
			// nothing is written for this key.
			continue
		}
		status := *results[i]
		key := item.Key()
		summary.Checked++
		if status.Live {
			summary.LiveNow++
		}

		var prev *stream.ChannelState
		if st, ok := states[key]; ok {
			prev = &st
		}

		// A confirmed offline observation closes the broadcast: clearing the
		// cooldown record here means the gate only ever compares signatures
		// within one uninterrupted live stretch, so a later broadcast that
		// happens to reuse the signature notifies again.
		if !status.Live {
			if _, ok := notified[key]; ok {
				delete(notified, key)
				notifiedClears = append(notifiedClears, key)
			}
		}

		decision := Evaluate(prev, status, item.DisplayName(), settings)
		if decision.Notify {
			if prev == nil || !prev.Live {
				s.publish(eventbus.TypeChannelLive, map[string]string{"key": key, "title": status.Title})
			}
			var rec *stream.NotificationRecord
			if r, ok := notified[key]; ok {
				rec = &r
			}
			if CanNotify(rec, status.Signature, now, settings.Cooldown()) {
				icon, entry := s.avatars.Resolve(ctx, item, avatarCache[key])
				avatarCache[key] = entry
				avatarUpdates[key] = entry

				nerr := s.notifier.Notify(ctx, key, transport.Notification{
					Title:   decision.Title,
					Message: decision.Message,
					URL:     status.URL,
					Icon:    icon,
				})
				if nerr != nil {
					// No record is written, so the next cycle retries
					// naturally without a cooldown in the way.
					s.log.Warn("notification not delivered", logx.String("key", key), logx.Err(nerr))
				} else {
					record := stream.NotificationRecord{Signature: status.Signature, NotifiedAt: now}
					notified[key] = record
					notifiedUpdates[key] = record
					summary.Notified++
				}
			} else {
				s.log.Debug("notification suppressed by cooldown",
					logx.String("key", key), logx.String("sig", status.Signature))
			}
		}

		stateUpdates[key] = stream.ChannelState{
			Live:      status.Live,
			Signature: status.Signature,
			Title:     status.Title,
			UpdatedAt: now,
		}
	}

	if len(stateUpdates) > 0 {
		if err := s.store.PutStates(ctx, stateUpdates); err != nil {
			return summary, err
		}
	}
	if len(notifiedClears) > 0 {
		if err := s.store.DeleteNotified(ctx, notifiedClears); err != nil {
			return summary, err
		}
	}
	if len(notifiedUpdates) > 0 {
		if err := s.store.PutNotified(ctx, notifiedUpdates); err != nil {
			return summary, err
		}
	}
	if len(avatarUpdates) > 0 {
		if err := s.store.PutAvatarCache(ctx, avatarUpdates); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (s *Service) checkOne(ctx context.Context, item stream.WatchItem, settings stream.Settings) (stream.ChannelStatus, error) {
	adapter, err := s.registry.Lookup(item.Platform)
	if err != nil {
		s.log.Warn("channel skipped", logx.String("key", item.Key()), logx.Err(err))
		return stream.ChannelStatus{}, err
	}

	st, err := platform.WithTimeout(ctx, settings.RequestTimeout(), func(ctx context.Context) (platform.Status, error) {
		return adapter.ResolveStatus(ctx, item.ID)
	})
	if err != nil {
		s.log.Warn("status check failed", logx.String("key", item.Key()), logx.Err(err))
		return stream.ChannelStatus{}, err
	}

	return stream.ChannelStatus{
		Platform:  item.Platform,
		ID:        item.ID,
		Live:      st.Live,
		Title:     st.Title,
		Signature: st.Signature,
		URL:       st.URL,
	}, nil
}

func (s *Service) publish(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}
