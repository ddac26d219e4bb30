package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/nudgebot/nudgebot/internal/bot/tasks"
	"github.com/nudgebot/nudgebot/internal/config"
)

// Scheduler manages scheduled tasks using the gocron library. The reminder
// pass runs as an interval job in singleton mode so passes never overlap;
// database maintenance runs on a cron schedule.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       *config.SchedulerConfig
	taskMap   map[string]tasks.ScheduledTaskFunc
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a new scheduler instance using gocron.
func NewScheduler(logger *slog.Logger, cfg *config.SchedulerConfig, taskMap map[string]tasks.ScheduledTaskFunc) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "scheduler")

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    log,
		cfg:       cfg,
		taskMap:   taskMap,
	}, nil
}

// Start schedules all tasks and starts the scheduler's internal ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.logger.Debug("Configuring scheduler jobs...")

	if taskFunc, ok := s.taskMap[tasks.TaskObligationReminders]; ok {
		if _, err := s.scheduler.NewJob(
			gocron.DurationJob(s.cfg.ReminderInterval),
			gocron.NewTask(s.wrapTask(tasks.TaskObligationReminders, taskFunc), context.Background()),
			gocron.WithName(tasks.TaskObligationReminders),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("failed to schedule reminder task: %w", err)
		}
		s.logger.Info("Scheduled task", "task_name", tasks.TaskObligationReminders, "interval", s.cfg.ReminderInterval)
	}

	if taskFunc, ok := s.taskMap[tasks.TaskSQLMaintenance]; ok && s.cfg.MaintenanceEnabled {
		if _, err := s.scheduler.NewJob(
			gocron.CronJob(s.cfg.MaintenanceCron, false),
			gocron.NewTask(s.wrapTask(tasks.TaskSQLMaintenance, taskFunc), context.Background()),
			gocron.WithName(tasks.TaskSQLMaintenance),
		); err != nil {
			return fmt.Errorf("failed to schedule maintenance task: %w", err)
		}
		s.logger.Info("Scheduled task", "task_name", tasks.TaskSQLMaintenance, "schedule", s.cfg.MaintenanceCron)
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler initialized and started")

	return nil
}

// wrapTask adds logging around a task function. Task errors are logged,
// not propagated; a failing pass must not stop the schedule.
func (s *Scheduler) wrapTask(name string, taskFunc tasks.ScheduledTaskFunc) func(ctx context.Context) {
	return func(ctx context.Context) {
		s.logger.Debug("Running scheduled task", "task_name", name)
		startTime := time.Now()
		if taskErr := taskFunc(ctx); taskErr != nil {
			s.logger.Error("Scheduled task failed", "task_name", name, "error", taskErr)
		}
		s.logger.Debug("Finished scheduled task", "task_name", name, "duration", time.Since(startTime))
	}
}

// Stop gracefully stops the scheduler, waiting for running jobs to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Info("Scheduler is not running, nothing to stop.")
		return nil
	}

	s.logger.Debug("Stopping scheduler gracefully (waiting for jobs)...")
	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped gracefully.")
	}

	s.running = false
	return err
}
