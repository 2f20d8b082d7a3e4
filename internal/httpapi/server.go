// Package httpapi exposes the local control surface: health, status, manual
// poll trigger, settings, and watchlist management.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"streamwatch/internal/notifier"
	"streamwatch/internal/poller"
	"streamwatch/internal/storage"
	"streamwatch/internal/stream"
	logx "streamwatch/pkg/logx"
)

// PollRunner triggers one on-demand poll cycle.
type PollRunner interface {
	RunCycle(ctx context.Context) (stream.Summary, error)
}

// HistorySource provides recent notification attempts for status display.
type HistorySource interface {
	History() []notifier.HistoryItem
}

type Config struct {
	Addr string
}

type Server struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	runner  PollRunner
	history HistorySource
	rearm   func(time.Duration) error

	httpSrv *http.Server
	started time.Time
}

func New(cfg Config, store storage.Store, runner PollRunner, history HistorySource, rearm func(time.Duration) error, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8422"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		runner:  runner,
		history: history,
		rearm:   rearm,
		started: time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /poll", s.handlePoll)
	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("PUT /settings", s.handlePutSettings)
	mux.HandleFunc("GET /watchlist", s.handleGetWatchlist)
	mux.HandleFunc("POST /watchlist", s.handleAddWatch)
	mux.HandleFunc("DELETE /watchlist/{key}", s.handleRemoveWatch)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks serving the API until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, err := s.store.Settings(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	watchlist, err := s.store.Watchlist(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	states, err := s.store.States(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type channelView struct {
		Key       string    `json:"key"`
		Name      string    `json:"name"`
		Live      bool      `json:"live"`
		Title     string    `json:"title,omitempty"`
		UpdatedAt time.Time `json:"updated_at,omitzero"`
	}
	channels := make([]channelView, 0, len(watchlist))
	liveNow := 0
	for _, item := range watchlist {
		st := states[item.Key()]
		if st.Live {
			liveNow++
		}
		channels = append(channels, channelView{
			Key:       item.Key(),
			Name:      item.DisplayName(),
			Live:      st.Live,
			Title:     st.Title,
			UpdatedAt: st.UpdatedAt,
		})
	}

	resp := map[string]any{
		"settings": settings,
		"watched":  len(watchlist),
		"live_now": liveNow,
		"channels": channels,
	}
	if s.history != nil {
		resp["recent_notifications"] = s.history.History()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.runner.RunCycle(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, poller.ErrCycleInFlight) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": summary})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// settingsPatch is a partial settings update: absent fields keep their
// current value, present ones are clamped into range. Invalid values are
// coerced, never rejected, so this endpoint cannot 422.
type settingsPatch struct {
	PollIntervalMinutes *int  `json:"poll_interval_minutes"`
	CooldownMinutes     *int  `json:"cooldown_minutes"`
	NotifyIfAlreadyLive *bool `json:"notify_if_already_live"`
	RequestTimeoutMs    *int  `json:"request_timeout_ms"`
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	current, err := s.store.Settings(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if patch.PollIntervalMinutes != nil {
		current.PollIntervalMinutes = *patch.PollIntervalMinutes
	}
	if patch.CooldownMinutes != nil {
		current.CooldownMinutes = *patch.CooldownMinutes
	}
	if patch.NotifyIfAlreadyLive != nil {
		current.NotifyIfAlreadyLive = *patch.NotifyIfAlreadyLive
	}
	if patch.RequestTimeoutMs != nil {
		current.RequestTimeoutMs = *patch.RequestTimeoutMs
	}

	stored, err := s.store.PutSettings(ctx, current)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.rearm != nil {
		if err := s.rearm(stored.PollInterval()); err != nil {
			s.log.Warn("schedule re-arm failed", logx.Err(err))
		}
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Watchlist(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []stream.WatchItem{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var item stream.WatchItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item.Platform = strings.TrimSpace(item.Platform)
	item.ID = strings.TrimSpace(item.ID)
	if item.Platform == "" || item.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("platform and id are required"))
		return
	}
	if err := s.store.AddWatch(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": item.Key()})
}

func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	removed, err := s.store.RemoveWatch(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, errors.New("unknown key: "+key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}
