// Package app wires the engine together: config, logging, storage, platform
// adapters, the avatar cache, the notifier, the poll orchestrator, the
// schedule, and the optional HTTP API.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"streamwatch/internal/avatar"
	"streamwatch/internal/config"
	"streamwatch/internal/eventbus"
	"streamwatch/internal/httpapi"
	"streamwatch/internal/notifier"
	"streamwatch/internal/platform"
	"streamwatch/internal/poller"
	rtsup "streamwatch/internal/runtime/supervisor"
	"streamwatch/internal/schedule"
	"streamwatch/internal/storage"
	"streamwatch/internal/stream"
	"streamwatch/internal/transport/telegram"
	logx "streamwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	notif   *notifier.Service
	poll    *poller.Service
	sched   *schedule.Service
	api     *httpapi.Server

	seedSettings  config.SettingsConfig
	seedWatchlist []stream.WatchItem

	// lastCfg is only touched from the config.reload goroutine after Start.
	lastCfg *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storageCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storageCfg, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storageCfg.Driver), logx.String("path", storageCfg.Path))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		ChatID:      cfg.Telegram.ChatID,
		ThreadID:    cfg.Telegram.ThreadID,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	registry := platform.Defaults(client)

	avatarTTL, err := config.ParseDurationOrDefault("poller.avatar_ttl", cfg.Poller.AvatarTTL, avatar.DefaultTTL)
	if err != nil {
		return nil, err
	}
	avatarTimeout, err := config.ParseDurationOrDefault("poller.avatar_timeout", cfg.Poller.AvatarTimeout, avatar.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	avatars := avatar.NewResolver(client, registry, avatar.Options{
		TTL:     avatarTTL,
		Timeout: avatarTimeout,
		Logger:  logSvc.Logger().With(logx.String("comp", "avatar")),
	})

	notif := notifier.New(notifier.Config{RatePerSec: cfg.Poller.NotifyRatePerSec},
		adapter, store, bus, logSvc.Logger().With(logx.String("comp", "notifier")))
	adapter.SetHandler(notif)

	poll := poller.New(poller.Config{Workers: cfg.Poller.Workers},
		store, registry, avatars, notif, bus, logSvc.Logger().With(logx.String("comp", "poller")))

	a := &App{
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		adapter:       adapter,
		notif:         notif,
		poll:          poll,
		seedSettings:  cfg.Defaults,
		seedWatchlist: watchItems(cfg.Watchlist),
		lastCfg:       cfg,
	}

	a.sched = schedule.New(a.scheduledPoll, logSvc.Logger().With(logx.String("comp", "schedule")))

	if cfg.HTTP.Enabled {
		a.api = httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr},
			store, poll, notif, a.sched.Rearm, logSvc.Logger().With(logx.String("comp", "http")))
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("poller.avatar_ttl", cfg.Poller.AvatarTTL); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("poller.avatar_timeout", cfg.Poller.AvatarTimeout); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.seed(a.sup.Context()); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}

	settings, err := a.store.Settings(a.sup.Context())
	if err != nil {
		return err
	}
	if err := a.sched.Start(settings.PollInterval()); err != nil {
		return err
	}

	if a.api != nil {
		a.sup.Go("http.serve", func(c context.Context) error {
			return a.api.ListenAndServe()
		})
		a.sup.Go0("http.stop_on_cancel", func(c context.Context) {
			<-c.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = a.api.Shutdown(shCtx)
		})
	}

	// Event log for observability; components publish, this just traces.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// First cycle right away so a restart doesn't wait out a full interval.
	a.sup.Go0("poll.initial", func(c context.Context) {
		a.runCycle(c)
	})

	a.log.Info("app started", logx.Duration("poll_interval", settings.PollInterval()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("schedule", 3*time.Second, func(context.Context) error {
		a.sched.Stop()
		return nil
	})
	step("telegram", 3*time.Second, func(c context.Context) error {
		return a.adapter.Stop(c)
	})
	step("supervisor", 5*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	step("storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})
	_ = a.logs.Close()
	return nil
}

// seed applies config-file bootstrap state to an otherwise empty store:
// watchlist entries are merged in, and the settings defaults are written only
// while the stored settings still equal the compiled-in defaults (i.e. the
// user has never customized them).
func (a *App) seed(ctx context.Context) error {
	if len(a.seedWatchlist) > 0 {
		added, err := a.store.SeedWatchlist(ctx, a.seedWatchlist)
		if err != nil {
			return err
		}
		if added > 0 {
			a.log.Info("watchlist seeded from config", logx.Int("added", added))
		}
	}

	if a.seedSettings == (config.SettingsConfig{}) {
		return nil
	}
	current, err := a.store.Settings(ctx)
	if err != nil {
		return err
	}
	if current != stream.DefaultSettings() {
		return nil
	}
	merged := current
	if a.seedSettings.PollIntervalMinutes != 0 {
		merged.PollIntervalMinutes = a.seedSettings.PollIntervalMinutes
	}
	if a.seedSettings.CooldownMinutes != 0 {
		merged.CooldownMinutes = a.seedSettings.CooldownMinutes
	}
	if a.seedSettings.NotifyIfAlreadyLive {
		merged.NotifyIfAlreadyLive = true
	}
	if a.seedSettings.RequestTimeoutMs != 0 {
		merged.RequestTimeoutMs = a.seedSettings.RequestTimeoutMs
	}
	if merged == current {
		return nil
	}
	stored, err := a.store.PutSettings(ctx, merged)
	if err != nil {
		return err
	}
	a.log.Info("settings seeded from config defaults",
		logx.Int("poll_interval_minutes", stored.PollIntervalMinutes),
		logx.Int("cooldown_minutes", stored.CooldownMinutes))
	return nil
}

// scheduledPoll is the cron job body. An in-flight cycle means this tick is
// simply skipped; the next one will catch up.
func (a *App) scheduledPoll() {
	if a.sup == nil {
		return
	}
	a.runCycle(a.sup.Context())
}

func (a *App) runCycle(ctx context.Context) {
	_, err := a.poll.RunCycle(ctx)
	if err != nil && err != poller.ErrCycleInFlight {
		a.log.Warn("scheduled poll failed", logx.Err(err))
	}

	// The poll interval may have been changed through the HTTP API by the
	// time a cycle finishes; keep the schedule in line with the store.
	settings, serr := a.store.Settings(ctx)
	if serr == nil {
		if rerr := a.sched.Rearm(settings.PollInterval()); rerr != nil {
			a.log.Warn("schedule re-arm failed", logx.Err(rerr))
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Storage, Telegram credentials, and the HTTP bind address are fixed at
	// startup; flag rather than half-apply.
	if prev := a.lastCfg; prev != nil {
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required")
		}
		if prev.Telegram != cfg.Telegram {
			a.log.Warn("telegram config changed; restart required")
		}
		if prev.HTTP != cfg.HTTP {
			a.log.Warn("http config changed; restart required")
		}
	}
	a.lastCfg = cfg
	a.log.Info("config reloaded")
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./streamwatch.db"
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func watchItems(entries []config.WatchEntry) []stream.WatchItem {
	out := make([]stream.WatchItem, 0, len(entries))
	for _, e := range entries {
		if e.Platform == "" || e.ID == "" {
			continue
		}
		out = append(out, stream.WatchItem{Platform: e.Platform, ID: e.ID, Name: e.Name})
	}
	return out
}
