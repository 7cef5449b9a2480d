package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"minewater/internal/infrastructure"
)

const revalidationJobName = "license-revalidation"

// Scheduler runs background revalidation on a fixed interval
type Scheduler struct {
	cron     gocron.Scheduler
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler for manager. An interval of zero uses the
// manager policy's background interval.
func NewScheduler(manager *Manager, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = manager.policy.BackgroundInterval
	}
	if interval <= 0 {
		return nil, fmt.Errorf("background interval must be positive")
	}
	if logger == nil {
		logger = manager.logger
	}

	cron, err := gocron.NewScheduler(gocron.WithLocation(manager.policy.Location))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Scheduler{
		cron:     cron,
		manager:  manager,
		interval: interval,
		logger:   logger.With(slog.String("component", "license_scheduler")),
	}, nil
}

// Run registers the revalidation job and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	job, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			taskCtx := infrastructure.ContextWithTraceID(ctx)
			s.manager.RevalidateBackground(taskCtx)
		}),
		gocron.WithName(revalidationJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create revalidation job: %w", err)
	}

	s.logger.Info("Starting background license revalidation",
		slog.String("job_id", job.ID().String()),
		slog.Duration("interval", s.interval),
	)
	s.cron.Start()

	<-ctx.Done()

	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	s.logger.Info("Background license revalidation stopped")
	return nil
}
