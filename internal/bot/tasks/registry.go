package tasks

import (
	"context"
)

// ScheduledTaskFunc defines the standard signature for all scheduled
// tasks. The context provided by the scheduler should be respected for
// cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// Task names used for scheduler registration and logging.
const (
	TaskObligationReminders = "obligation_reminders"
	TaskSQLMaintenance      = "sql_maintenance"
)

// RegisterAllTasks initializes and returns a map of all registered
// scheduled tasks, keyed by task name.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := make(map[string]ScheduledTaskFunc)

	tasks[TaskObligationReminders] = newObligationRemindersTask(deps)
	tasks[TaskSQLMaintenance] = newSQLMaintenanceTask(deps)

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
