// Package schedule owns the periodic poll trigger. It wraps a cron runner
// with a single re-armable entry derived from the poll interval setting.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "streamwatch/pkg/logx"
)

// Service arms one recurring job. Rearm replaces the entry in place when the
// interval changes, so a settings update takes effect without a restart.
type Service struct {
	log logx.Logger
	job func()

	mu       sync.Mutex
	c        *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	running  bool
}

func New(job func(), log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		job: job,
		c:   cron.New(),
	}
}

// Start arms the job at the given interval and starts the runner.
func (s *Service) Start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.armLocked(interval); err != nil {
		return err
	}
	s.c.Start()
	s.running = true
	s.log.Info("poll schedule armed", logx.Duration("interval", interval))
	return nil
}

// Rearm swaps the entry for a new interval. A no-op when unchanged.
func (s *Service) Rearm(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interval == s.interval {
		return nil
	}
	if err := s.armLocked(interval); err != nil {
		return err
	}
	s.log.Info("poll schedule re-armed", logx.Duration("interval", interval))
	return nil
}

// Interval reports the currently armed interval.
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Stop halts the runner and waits for an in-flight job invocation to return.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.c.Stop().Done()
	s.running = false
}

func (s *Service) armLocked(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid poll interval %s", interval)
	}
	spec := fmt.Sprintf("@every %s", interval)
	id, err := s.c.AddFunc(spec, s.job)
	if err != nil {
		return err
	}
	if s.entry != 0 {
		s.c.Remove(s.entry)
	}
	s.entry = id
	s.interval = interval
	return nil
}
