package store

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// StartJanitor schedules EvictIdle every interval. It is a no-op when idle
// eviction is disabled, and calling it twice replaces the previous schedule.
func (s *Store) StartJanitor(interval time.Duration) error {
	if s.idleTTL <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.EvictIdle(s.now())
	}); err != nil {
		return fmt.Errorf("schedule session janitor: %w", err)
	}

	s.janitorMu.Lock()
	prev := s.stopJan
	s.stopJan = func() { <-c.Stop().Done() }
	s.janitorMu.Unlock()
	if prev != nil {
		prev()
	}

	c.Start()
	s.logger.Info("session janitor started", "interval", interval, "idle_ttl", s.idleTTL)
	return nil
}

// Stop halts the janitor and waits for a running sweep to finish.
func (s *Store) Stop() {
	s.janitorMu.Lock()
	stop := s.stopJan
	s.stopJan = nil
	s.janitorMu.Unlock()
	if stop != nil {
		stop()
	}
}
