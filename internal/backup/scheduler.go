package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// runTimeout bounds a single scheduled backup and cleanup pass.
const runTimeout = 30 * time.Minute

// Scheduler runs Create followed by Cleanup on a cron schedule.
type Scheduler struct {
	cron          *cron.Cron
	manager       *Manager
	retentionDays int
	logger        *slog.Logger
}

// NewScheduler parses a standard five-field cron expression and prepares a
// scheduler. Nothing runs until Start.
func NewScheduler(m *Manager, schedule string, retentionDays int, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:          cron.New(cron.WithLocation(time.UTC)),
		manager:       m,
		retentionDays: retentionDays,
		logger:        logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("backup scheduler started", "next_run", e.Next)
	}
}

// Stop stops the scheduler and waits for a running job to finish or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("backup scheduler stop timed out")
	}
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if _, err := s.manager.Create(ctx); err != nil {
		s.logger.Error("scheduled backup failed", "error", err)
	}
	if _, err := s.manager.Cleanup(ctx, s.retentionDays); err != nil {
		s.logger.Error("backup cleanup failed", "error", err)
	}
}
