package backup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
)

const schedulerActor = "scheduler"

// Scheduler periodically takes an automatic backup (when configured) and
// applies retention.
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	autoMode Mode
	logger   *logger.Logger
}

// NewScheduler creates a scheduler driven by cfg.Interval and cfg.AutoMode.
func NewScheduler(coord *Coordinator, cfg config.BackupConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		coord:    coord,
		interval: cfg.IntervalDuration(),
		autoMode: Mode(cfg.AutoMode),
		logger:   log.WithComponent("backup-scheduler"),
	}
}

// Run blocks until ctx is done. A zero interval disables the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("backup scheduler disabled")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("backup scheduler started",
		zap.Duration("interval", s.interval),
		zap.String("auto_mode", string(s.autoMode)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scheduler pass. Failures are logged, not returned,
// so one bad pass does not stop the loop. Events from the pass name
// schedulerActor as their actor.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx = context.WithValue(ctx, logger.ActorKey, schedulerActor)
	if s.autoMode != "" {
		if b, err := s.coord.Create(ctx, s.autoMode); err != nil {
			s.logger.Error("scheduled backup failed", zap.Error(err))
		} else {
			s.logger.Info("scheduled backup created", zap.String("backup_id", b.ID))
		}
	}
	if _, err := s.coord.ApplyRetention(ctx); err != nil {
		s.logger.Error("retention failed", zap.Error(err))
	}
}
