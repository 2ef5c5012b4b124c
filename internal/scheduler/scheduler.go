// Package scheduler runs periodic maintenance on the transcript store.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes conversations with no activity since cutoff.
type Pruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

type Scheduler struct {
	cron          *cron.Cron
	store         Pruner
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// New registers a retention job on cronExpr that deletes conversations
// idle for more than retentionDays.
func New(store Pruner, retentionDays int, cronExpr string, logger *slog.Logger) (*Scheduler, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	s := &Scheduler{
		cron:          cron.New(),
		store:         store,
		retentionDays: retentionDays,
		logger:        logger,
		now:           time.Now,
	}
	if _, err := s.cron.AddFunc(cronExpr, func() { s.prune() }); err != nil {
		return nil, fmt.Errorf("invalid retention cron %q: %w", cronExpr, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "retention_days", s.retentionDays)
}

// Stop waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) prune() {
	cutoff := s.now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	n, err := s.store.PruneBefore(cutoff)
	if err != nil {
		s.logger.Error("pruning transcripts", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned transcripts", "conversations", n, "cutoff", cutoff.Format(time.DateOnly))
	}
}
