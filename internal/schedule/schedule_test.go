package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	logx "streamwatch/pkg/logx"
)

func TestStartFiresJob(t *testing.T) {
	var fired atomic.Int32
	s := New(func() { fired.Add(1) }, logx.Nop())
	if err := s.Start(50 * time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRearmReplacesInterval(t *testing.T) {
	s := New(func() {}, logx.Nop())
	if err := s.Start(time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Rearm(30 * time.Minute); err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	if s.Interval() != 30*time.Minute {
		t.Fatalf("interval = %s, want 30m", s.Interval())
	}

	// Unchanged interval is a no-op.
	if err := s.Rearm(30 * time.Minute); err != nil {
		t.Fatalf("Rearm same: %v", err)
	}
}

func TestStartRejectsInvalidInterval(t *testing.T) {
	s := New(func() {}, logx.Nop())
	if err := s.Start(0); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
