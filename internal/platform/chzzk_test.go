package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestChzzk(srvURL string) *Chzzk {
	c := NewChzzk(&http.Client{})
	c.apiBase = srvURL
	c.siteBase = "https://chzzk.example"
	return c
}

func TestChzzkResolveStatusLive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/polling/v2/channels/abc/live-status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"content":{"status":"open","liveTitle":"Morning Run"}}`))
	}))
	defer srv.Close()

	st, err := newTestChzzk(srv.URL).ResolveStatus(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ResolveStatus: %v", err)
	}
	if !st.Live {
		t.Fatal("expected live (status match is case-insensitive)")
	}
	if st.Signature != "OPEN:Morning Run" {
		t.Fatalf("unexpected signature %q", st.Signature)
	}
	if st.URL != "https://chzzk.example/live/abc" {
		t.Fatalf("unexpected url %q", st.URL)
	}
}

func TestChzzkResolveStatusOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":{"status":"CLOSE","liveTitle":""}}`))
	}))
	defer srv.Close()

	st, err := newTestChzzk(srv.URL).ResolveStatus(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ResolveStatus: %v", err)
	}
	if st.Live {
		t.Fatal("expected offline")
	}
	if st.Signature != "OFF" {
		t.Fatalf("unexpected signature %q", st.Signature)
	}
}

func TestChzzkFallsBackToV1(t *testing.T) {
	var v2Hits, v1Hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/polling/v2/channels/abc/live-status":
			v2Hits++
			http.Error(w, "gone", http.StatusNotFound)
		case "/polling/v1/channels/abc/live-status":
			v1Hits++
			w.Write([]byte(`{"content":{"status":"OPEN","liveTitle":"Fallback"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st, err := newTestChzzk(srv.URL).ResolveStatus(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ResolveStatus: %v", err)
	}
	if v2Hits != 1 || v1Hits != 1 {
		t.Fatalf("expected one hit each, got v2=%d v1=%d", v2Hits, v1Hits)
	}
	if st.Title != "Fallback" {
		t.Fatalf("unexpected title %q", st.Title)
	}
}

func TestChzzkAllCandidatesFailKeepsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/polling/v2/channels/abc/live-status":
			http.Error(w, "nope", http.StatusInternalServerError)
		case "/polling/v1/channels/abc/live-status":
			w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	_, err := newTestChzzk(srv.URL).ResolveStatus(context.Background(), "abc")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected last error (malformed v1 body), got %v", err)
	}
}

func TestChzzkMissingContentIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":null}`))
	}))
	defer srv.Close()

	_, err := newTestChzzk(srv.URL).ResolveStatus(context.Background(), "abc")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestChzzkResolveAvatarURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/service/v1/channels/abc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"content":{"channelImageUrl":"https://img.example/abc.png"}}`))
	}))
	defer srv.Close()

	got, err := newTestChzzk(srv.URL).ResolveAvatarURL(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ResolveAvatarURL: %v", err)
	}
	if got != "https://img.example/abc.png" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := Defaults(&http.Client{})
	if _, err := reg.Lookup("chzzk"); err != nil {
		t.Fatalf("chzzk lookup: %v", err)
	}
	if _, err := reg.Lookup("soop"); err != nil {
		t.Fatalf("soop lookup: %v", err)
	}
	if _, err := reg.Lookup("twitch"); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
}
