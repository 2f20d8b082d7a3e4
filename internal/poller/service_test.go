package poller

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streamwatch/internal/avatar"
	"streamwatch/internal/eventbus"
	"streamwatch/internal/platform"
	"streamwatch/internal/storage"
	"streamwatch/internal/stream"
	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
)

// scriptedAdapter serves canned statuses per channel id, advancing through
// the script one entry per poll. The last entry repeats.
type scriptedAdapter struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	cursor  map[string]int
	block   chan struct{} // when set, ResolveStatus waits until closed
	entered chan struct{} // signaled when a blocked ResolveStatus is reached
}

type scriptStep struct {
	status platform.Status
	err    error
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{scripts: map[string][]scriptStep{}, cursor: map[string]int{}}
}

func (f *scriptedAdapter) Name() string { return "fake" }

func (f *scriptedAdapter) script(id string, steps ...scriptStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = steps
	f.cursor[id] = 0
}

func (f *scriptedAdapter) ResolveStatus(ctx context.Context, id string) (platform.Status, error) {
	f.mu.Lock()
	block := f.block
	steps := f.scripts[id]
	i := f.cursor[id]
	if i >= len(steps) {
		i = len(steps) - 1
	}
	f.cursor[id]++
	f.mu.Unlock()

	if block != nil {
		if f.entered != nil {
			select {
			case f.entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return platform.Status{}, ctx.Err()
		}
	}
	if len(steps) == 0 {
		return platform.Status{}, platform.ErrNetwork
	}
	return steps[i].status, steps[i].err
}

func (f *scriptedAdapter) ResolveAvatarURL(ctx context.Context, id string) (string, error) {
	return "", platform.ErrNetwork
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []transport.Notification
	fails int
}

func (n *recordingNotifier) Notify(ctx context.Context, key string, notif transport.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notif)
	if n.fails > 0 {
		n.fails--
		return errors.New("delivery failed")
	}
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func offlineStep() scriptStep {
	return scriptStep{status: platform.Status{Live: false, Signature: "OFF"}}
}

func liveStep(sig, title string) scriptStep {
	return scriptStep{status: platform.Status{Live: true, Signature: sig, Title: title, URL: "https://play.example/x"}}
}

type fixture struct {
	svc      *Service
	store    storage.Store
	adapter  *scriptedAdapter
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	adapter := newScriptedAdapter()
	registry := platform.NewRegistry(adapter)
	resolver := avatar.NewResolver(&http.Client{}, registry, avatar.Options{})
	notifier := &recordingNotifier{}
	svc := New(Config{Workers: 2}, st, registry, resolver, notifier, eventbus.New(), logx.Nop())
	return &fixture{svc: svc, store: st, adapter: adapter, notifier: notifier}
}

func (fx *fixture) watch(t *testing.T, id string) {
	t.Helper()
	if err := fx.store.AddWatch(context.Background(), stream.WatchItem{Platform: "fake", ID: id}); err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
}

func (fx *fixture) cycle(t *testing.T) stream.Summary {
	t.Helper()
	sum, err := fx.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	return sum
}

func TestExactlyOneNotificationPerEdge(t *testing.T) {
	fx := newFixture(t)
	fx.watch(t, "ch1")
	fx.adapter.script("ch1", offlineStep(), liveStep("OPEN:a", "a"), liveStep("OPEN:a", "a"), liveStep("OPEN:a", "a"))

	for i := 0; i < 4; i++ {
		fx.cycle(t)
	}
	if fx.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want exactly 1", fx.notifier.count())
	}

	rec, _ := fx.store.Notified(context.Background())
	if rec["fake:ch1"].Signature != "OPEN:a" {
		t.Fatalf("missing notification record: %+v", rec)
	}
}

func TestRepeatedOfflinePollsAreSilent(t *testing.T) {
	fx := newFixture(t)
	fx.watch(t, "ch1")
	fx.adapter.script("ch1", offlineStep())

	for i := 0; i < 3; i++ {
		sum := fx.cycle(t)
		if sum.Checked != 1 || sum.LiveNow != 0 || sum.Notified != 0 {
			t.Fatalf("unexpected summary %+v", sum)
		}
	}
	if fx.notifier.count() != 0 {
		t.Fatal("offline polls must not notify")
	}
	rec, _ := fx.store.Notified(context.Background())
	if len(rec) != 0 {
		t.Fatalf("no record must be created: %+v", rec)
	}
}

func TestOfflineGapReentersSameSignature(t *testing.T) {
	fx := newFixture(t)
	fx.watch(t, "ch1")
	// The cooldown must not suppress a signature re-entered via an offline
	// gap: the offline observation closes the broadcast and clears its record.
	if _, err := fx.store.PutSettings(context.Background(), stream.Settings{
		PollIntervalMinutes: 5, CooldownMinutes: 30, RequestTimeoutMs: 8000,
	}); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	fx.adapter.script("ch1", offlineStep(), liveStep("LIVE:42", "t"), offlineStep(), liveStep("LIVE:42", "t"))

	fx.cycle(t)
	fx.cycle(t)
	if fx.notifier.count() != 1 {
		t.Fatalf("notifications = %d after first edge, want 1", fx.notifier.count())
	}

	fx.cycle(t)
	rec, _ := fx.store.Notified(context.Background())
	if len(rec) != 0 {
		t.Fatalf("offline observation must clear the cooldown record: %+v", rec)
	}

	fx.cycle(t)
	if fx.notifier.count() != 2 {
		t.Fatalf("notifications = %d, want 2 (signature re-entered via offline gap)", fx.notifier.count())
	}
}

func TestCooldownStillHoldsWithinOneBroadcast(t *testing.T) {
	fx := newFixture(t)
	fx.watch(t, "ch1")
	if _, err := fx.store.PutSettings(context.Background(), stream.Settings{
		PollIntervalMinutes: 5, CooldownMinutes: 30, RequestTimeoutMs: 8000,
	}); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	fx.adapter.script("ch1", offlineStep(), liveStep("LIVE:42", "t"), liveStep("LIVE:42", "t"), liveStep("LIVE:42", "t"))

	for i := 0; i < 4; i++ {
		fx.cycle(t)
	}
	if fx.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1 (no offline gap, gate holds)", fx.notifier.count())
	}
	rec, _ := fx.store.Notified(context.Background())
	if rec["fake:ch1"].Signature != "LIVE:42" {
		t.Fatalf("record must survive steady-state live: %+v", rec)
	}
}

func TestFirstSeenLiveSuppression(t *testing.T) {
	t.Run("default suppresses", func(t *testing.T) {
		fx := newFixture(t)
		fx.watch(t, "ch1")
		fx.adapter.script("ch1", liveStep("OPEN:a", "a"))
		fx.cycle(t)
		if fx.notifier.count() != 0 {
			t.Fatal("first-seen-live must be suppressed by default")
		}
		states, _ := fx.store.States(context.Background())
		if !states["fake:ch1"].Live {
			t.Fatal("state must still record live")
		}
	})

	t.Run("opt-in notifies once", func(t *testing.T) {
		fx := newFixture(t)
		fx.watch(t, "ch1")
		s := stream.DefaultSettings()
		s.NotifyIfAlreadyLive = true
		if _, err := fx.store.PutSettings(context.Background(), s); err != nil {
			t.Fatalf("PutSettings: %v", err)
		}
		fx.adapter.script("ch1", liveStep("OPEN:a", "a"), liveStep("OPEN:a", "a"))
		fx.cycle(t)
		fx.cycle(t)
		if fx.notifier.count() != 1 {
			t.Fatalf("notifications = %d, want 1", fx.notifier.count())
		}
	})
}

func TestPollFailurePreservesState(t *testing.T) {
	fx := newFixture(t)
	fx.watch(t, "ch1")
	fx.adapter.script("ch1",
		liveStep("OPEN:a", "a"),
		scriptStep{err: platform.ErrTimeout},
		liveStep("OPEN:a", "a"),
	)

	fx.cycle(t)
	states, _ := fx.store.States(context.Background())
	before := states["fake:ch1"]
	if !before.Live {
		t.Fatal("expected live state after first cycle")
	}

	sum := fx.cycle(t)
	if sum.Checked != 0 {
		t.Fatalf("failed channel must be excluded from counts: %+v", sum)
	}
	states, _ = fx.store.States(context.Background())
	after := states["fake:ch1"]
	if !after.Live || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("failure must not touch state: before=%+v after=%+v", before, after)
	}
	if fx.notifier.count() != 0 {
		t.Fatal("failure must not trigger a notification")
	}
}

func TestPerChannelFailureIsolation(t *testing.T) {
	fx := newFixture(t)
	fx.watch(t, "bad")
	fx.watch(t, "good")
	fx.adapter.script("bad", scriptStep{err: platform.ErrNetwork})
	fx.adapter.script("good", offlineStep(), liveStep("OPEN:g", "g"))

	fx.cycle(t)
	sum := fx.cycle(t)
	if sum.Checked != 1 || sum.Notified != 1 {
		t.Fatalf("healthy channel must proceed despite the broken one: %+v", sum)
	}
}

func TestNotifyFailureLeavesNoRecord(t *testing.T) {
	fx := newFixture(t)
	fx.watch(t, "ch1")
	fx.notifier.fails = 1
	fx.adapter.script("ch1", offlineStep(), liveStep("OPEN:a", "a"), liveStep("OPEN:a", "a"))

	fx.cycle(t)
	sum := fx.cycle(t)
	if sum.Notified != 0 {
		t.Fatalf("failed delivery must not count: %+v", sum)
	}
	rec, _ := fx.store.Notified(context.Background())
	if len(rec) != 0 {
		t.Fatalf("failed delivery must not record a cooldown: %+v", rec)
	}

	// Live -> live normally stays silent, so the natural retry needs another
	// edge; verify the cooldown path was left clear by simulating one.
	fx.adapter.script("ch1", offlineStep(), liveStep("OPEN:a", "a"))
	fx.cycle(t)
	sum = fx.cycle(t)
	if sum.Notified != 1 {
		t.Fatalf("expected successful retry on the next edge: %+v", sum)
	}
}

func TestRunCycleSerialized(t *testing.T) {
	fx := newFixture(t)
	fx.watch(t, "ch1")
	fx.adapter.script("ch1", offlineStep())

	gate := make(chan struct{})
	fx.adapter.block = gate
	fx.adapter.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := fx.svc.RunCycle(context.Background())
		done <- err
	}()

	// Wait for the first cycle to take the lock and park in the adapter.
	select {
	case <-fx.adapter.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached the adapter")
	}

	if _, err := fx.svc.RunCycle(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("expected ErrCycleInFlight, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}
