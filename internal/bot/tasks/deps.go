// Package tasks implements the scheduled background tasks for nudgebot:
// the periodic reminder pass and database maintenance.
package tasks

import (
	"log/slog"

	"github.com/nudgebot/nudgebot/internal/config"
	"github.com/nudgebot/nudgebot/internal/database"
	"github.com/nudgebot/nudgebot/internal/obligation"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger      *slog.Logger
	Store       database.Store
	Obligations *obligation.Service
	Config      *config.Config
}
