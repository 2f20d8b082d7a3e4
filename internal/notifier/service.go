// Package notifier issues user-facing notifications with an icon-fallback
// retry and records click-through routes for later interaction.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"streamwatch/internal/eventbus"
	"streamwatch/internal/storage"
	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
)

type Config struct {
	RatePerSec  int // outbound notifications per second; 0 means 3
	HistorySize int // recent notifications kept for status display; 0 means 50
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Key   string    `json:"key"`
	Title string    `json:"title"`
	Error string    `json:"error,omitempty"`
}

// Service shows notifications through a transport.Shower and implements
// transport.InteractionHandler for the click/dismiss feedback path.
type Service struct {
	shower transport.Shower
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger

	limiter *rate.Limiter

	mu          sync.Mutex
	history     []HistoryItem
	historySize int
}

func New(cfg Config, shower transport.Shower, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 3
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		shower:      shower,
		store:       store,
		bus:         bus,
		log:         log,
		limiter:     rate.NewLimiter(rate.Limit(perSec), perSec),
		historySize: size,
	}
}

// Notify shows the notification, retrying exactly once with no icon when the
// iconful attempt fails: image-backed notifications can fail at the transport
// layer even after a successful download, and the plain rendering always
// works. The route record is written only after a successful show.
func (s *Service) Notify(ctx context.Context, key string, n transport.Notification) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	handle, err := s.shower.Show(ctx, n)
	if err != nil && n.Icon != "" {
		s.log.Warn("notification failed with icon, retrying plain",
			logx.String("key", key), logx.Err(err))
		retry := n
		retry.Icon = ""
		handle, err = s.shower.Show(ctx, retry)
	}
	if err != nil {
		s.record(HistoryItem{At: time.Now(), Key: key, Title: n.Title, Error: err.Error()})
		s.publish(eventbus.TypeNotifyFailed, key, err)
		return fmt.Errorf("notify %s: %w", key, err)
	}

	if n.URL != "" {
		if rerr := s.store.PutRoute(ctx, string(handle), n.URL); rerr != nil {
			// Losing the route only breaks click-through, not the alert.
			s.log.Warn("route record failed", logx.String("key", key), logx.Err(rerr))
		}
	}

	s.record(HistoryItem{At: time.Now(), Key: key, Title: n.Title})
	s.publish(eventbus.TypeNotifySent, key, nil)
	s.log.Info("notification sent", logx.String("key", key), logx.String("title", n.Title))
	return nil
}

// NotificationClicked implements transport.InteractionHandler.
func (s *Service) NotificationClicked(ctx context.Context, h transport.Handle) (string, bool) {
	url, ok, err := s.store.TakeRoute(ctx, string(h))
	if err != nil {
		s.log.Warn("route lookup failed", logx.String("handle", string(h)), logx.Err(err))
		return "", false
	}
	return url, ok
}

// NotificationDismissed implements transport.InteractionHandler.
func (s *Service) NotificationDismissed(ctx context.Context, h transport.Handle) {
	if _, _, err := s.store.TakeRoute(ctx, string(h)); err != nil {
		s.log.Warn("route removal failed", logx.String("handle", string(h)), logx.Err(err))
	}
}

// History returns the most recent notification attempts, newest first.
func (s *Service) History() []HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryItem, len(s.history))
	for i, h := range s.history {
		out[len(s.history)-1-i] = h
	}
	return out
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, item)
	if overflow := len(s.history) - s.historySize; overflow > 0 {
		s.history = append(s.history[:0], s.history[overflow:]...)
	}
}

func (s *Service) publish(eventType, key string, err error) {
	if s.bus == nil {
		return
	}
	data := map[string]string{"key": key}
	if err != nil {
		data["error"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}
