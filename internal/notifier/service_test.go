package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"streamwatch/internal/eventbus"
	"streamwatch/internal/storage"
	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
)

type fakeShower struct {
	calls  []transport.Notification
	fails  int // fail this many leading Show calls
	handle transport.Handle
}

func (f *fakeShower) Show(ctx context.Context, n transport.Notification) (transport.Handle, error) {
	f.calls = append(f.calls, n)
	if f.fails > 0 {
		f.fails--
		return "", errors.New("host rejected notification")
	}
	if f.handle == "" {
		f.handle = "h-1"
	}
	return f.handle, nil
}

func newTestService(t *testing.T, shower *fakeShower) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(Config{}, shower, st, eventbus.New(), logx.Nop()), st
}

func TestNotifyRecordsRoute(t *testing.T) {
	shower := &fakeShower{}
	svc, st := newTestService(t, shower)
	ctx := context.Background()

	err := svc.Notify(ctx, "soop:bj99", transport.Notification{
		Title: "bj99 is live", URL: "https://play.example/bj99", Icon: "data:image/png;base64,AA==",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(shower.calls) != 1 {
		t.Fatalf("expected single show, got %d", len(shower.calls))
	}

	url, ok, _ := st.TakeRoute(ctx, "h-1")
	if !ok || url != "https://play.example/bj99" {
		t.Fatalf("route = %q, %v", url, ok)
	}
}

func TestNotifyRetriesOnceWithoutIcon(t *testing.T) {
	shower := &fakeShower{fails: 1}
	svc, _ := newTestService(t, shower)

	err := svc.Notify(context.Background(), "soop:bj99", transport.Notification{
		Title: "bj99 is live", Icon: "data:image/png;base64,AA==",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(shower.calls) != 2 {
		t.Fatalf("expected retry, got %d calls", len(shower.calls))
	}
	if shower.calls[0].Icon == "" || shower.calls[1].Icon != "" {
		t.Fatalf("retry must drop the icon: %+v", shower.calls)
	}
}

func TestNotifyNoRetryWithoutIcon(t *testing.T) {
	shower := &fakeShower{fails: 1}
	svc, _ := newTestService(t, shower)

	err := svc.Notify(context.Background(), "soop:bj99", transport.Notification{Title: "t"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(shower.calls) != 1 {
		t.Fatalf("plain notification must not retry, got %d calls", len(shower.calls))
	}
}

func TestNotifyBothAttemptsFail(t *testing.T) {
	shower := &fakeShower{fails: 2}
	svc, _ := newTestService(t, shower)

	err := svc.Notify(context.Background(), "soop:bj99", transport.Notification{
		Title: "t", Icon: "data:image/png;base64,AA==",
	})
	if err == nil {
		t.Fatal("expected error after fallback also failed")
	}
	if len(shower.calls) != 2 {
		t.Fatalf("exactly one fallback retry expected, got %d calls", len(shower.calls))
	}

	hist := svc.History()
	if len(hist) != 1 || hist[0].Error == "" {
		t.Fatalf("failure must be recorded in history: %+v", hist)
	}
}

func TestInteractionsAreTerminal(t *testing.T) {
	shower := &fakeShower{}
	svc, _ := newTestService(t, shower)
	ctx := context.Background()

	if err := svc.Notify(ctx, "k", transport.Notification{Title: "t", URL: "https://x.example"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	url, ok := svc.NotificationClicked(ctx, "h-1")
	if !ok || url != "https://x.example" {
		t.Fatalf("clicked = %q, %v", url, ok)
	}
	if _, ok := svc.NotificationClicked(ctx, "h-1"); ok {
		t.Fatal("second click must miss")
	}

	shower.handle = "h-2"
	if err := svc.Notify(ctx, "k", transport.Notification{Title: "t", URL: "https://y.example"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	svc.NotificationDismissed(ctx, "h-2")
	if _, ok := svc.NotificationClicked(ctx, "h-2"); ok {
		t.Fatal("dismissed handle must be gone")
	}
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	shower := &fakeShower{}
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	svc := New(Config{HistorySize: 3, RatePerSec: 1000}, shower, st, eventbus.New(), logx.Nop())

	for _, title := range []string{"a", "b", "c", "d"} {
		if err := svc.Notify(context.Background(), "k", transport.Notification{Title: title}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	hist := svc.History()
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	if hist[0].Title != "d" || hist[2].Title != "b" {
		t.Fatalf("unexpected order: %+v", hist)
	}
}
