package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamwatch/internal/notifier"
	"streamwatch/internal/poller"
	"streamwatch/internal/storage"
	"streamwatch/internal/stream"
	logx "streamwatch/pkg/logx"
)

type fakeRunner struct {
	summary stream.Summary
	err     error
	runs    int
}

func (f *fakeRunner) RunCycle(ctx context.Context) (stream.Summary, error) {
	f.runs++
	return f.summary, f.err
}

type fakeHistory struct{ items []notifier.HistoryItem }

func (f *fakeHistory) History() []notifier.HistoryItem { return f.items }

func newTestServer(t *testing.T, runner *fakeRunner) (*Server, storage.Store, *time.Duration) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var rearmed time.Duration
	srv := New(Config{}, st, runner, &fakeHistory{}, func(d time.Duration) error {
		rearmed = d
		return nil
	}, logx.Nop())
	return srv, st, &rearmed
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRunner{})
	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("unexpected body %v", resp)
	}
}

func TestManualPoll(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		runner := &fakeRunner{summary: stream.Summary{Checked: 3, LiveNow: 1, Notified: 1}}
		srv, _, _ := newTestServer(t, runner)

		rec := doRequest(t, srv, http.MethodPost, "/poll", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
		}
		var resp struct {
			OK     bool           `json:"ok"`
			Result stream.Summary `json:"result"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !resp.OK || resp.Result.Checked != 3 || resp.Result.Notified != 1 {
			t.Fatalf("unexpected response %+v", resp)
		}
		if runner.runs != 1 {
			t.Fatalf("runs = %d", runner.runs)
		}
	})

	t.Run("failure surfaces error message", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("store exploded")}
		srv, _, _ := newTestServer(t, runner)

		rec := doRequest(t, srv, http.MethodPost, "/poll", "")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.OK || resp.Error != "store exploded" {
			t.Fatalf("unexpected response %+v", resp)
		}
	})

	t.Run("in-flight maps to conflict", func(t *testing.T) {
		runner := &fakeRunner{err: poller.ErrCycleInFlight}
		srv, _, _ := newTestServer(t, runner)

		rec := doRequest(t, srv, http.MethodPost, "/poll", "")
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestPutSettingsMergesAndClamps(t *testing.T) {
	srv, st, rearmed := newTestServer(t, &fakeRunner{})

	rec := doRequest(t, srv, http.MethodPut, "/settings", `{"poll_interval_minutes": 0, "cooldown_minutes": -5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var got stream.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Clamped, with untouched fields keeping their defaults.
	if got.PollIntervalMinutes != 1 || got.CooldownMinutes != 0 || got.RequestTimeoutMs != 8000 {
		t.Fatalf("unexpected settings %+v", got)
	}
	if *rearmed != time.Minute {
		t.Fatalf("rearm = %s, want 1m", *rearmed)
	}

	stored, _ := st.Settings(context.Background())
	if stored != got {
		t.Fatalf("stored %+v != returned %+v", stored, got)
	}
}

func TestWatchlistEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRunner{})

	rec := doRequest(t, srv, http.MethodPost, "/watchlist", `{"platform":"chzzk","id":"abc","name":"Alpha"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d body = %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, srv, http.MethodGet, "/watchlist", "")
	var list []stream.WatchItem
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Key() != "chzzk:abc" {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = doRequest(t, srv, http.MethodPost, "/watchlist", `{"platform":"","id":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty add status = %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/watchlist/chzzk:abc", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodDelete, "/watchlist/chzzk:abc", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestStatusView(t *testing.T) {
	srv, st, _ := newTestServer(t, &fakeRunner{})
	ctx := context.Background()

	_ = st.AddWatch(ctx, stream.WatchItem{Platform: "soop", ID: "bj99", Name: "BJ"})
	_ = st.PutStates(ctx, map[string]stream.ChannelState{
		"soop:bj99": {Live: true, Title: "Ranked", UpdatedAt: time.Now()},
	})

	rec := doRequest(t, srv, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Watched  int `json:"watched"`
		LiveNow  int `json:"live_now"`
		Channels []struct {
			Key  string `json:"key"`
			Name string `json:"name"`
			Live bool   `json:"live"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Watched != 1 || resp.LiveNow != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Channels[0].Name != "BJ" || !resp.Channels[0].Live {
		t.Fatalf("unexpected channel %+v", resp.Channels[0])
	}
}
