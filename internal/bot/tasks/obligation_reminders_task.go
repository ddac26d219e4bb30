package tasks

import (
	"context"
	"fmt"
)

// newObligationRemindersTask creates the scheduled task that runs one
// reminder pass. The pass handles at most one due obligation; the short
// interval between passes provides the throughput.
func newObligationRemindersTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", TaskObligationReminders)

	return func(ctx context.Context) error {
		if err := deps.Obligations.RunReminderPass(ctx); err != nil {
			log.ErrorContext(ctx, "Reminder pass failed", "error", err)
			return fmt.Errorf("reminder pass failed: %w", err)
		}
		return nil
	}
}
