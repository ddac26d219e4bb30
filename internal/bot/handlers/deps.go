// Package handlers implements the Telegram update handlers for nudgebot,
// including the fan-out coordinator that turns inbound messages into
// persisted records, replies, and tracked obligations.
package handlers

import (
	"log/slog"

	"github.com/nudgebot/nudgebot/internal/classifier"
	"github.com/nudgebot/nudgebot/internal/config"
	"github.com/nudgebot/nudgebot/internal/database"
	"github.com/nudgebot/nudgebot/internal/dedup"
	"github.com/nudgebot/nudgebot/internal/notify"
	"github.com/nudgebot/nudgebot/internal/obligation"
)

// BotInfo identifies the bot's own platform account, resolved at startup.
type BotInfo struct {
	ID        int64
	FirstName string
}

// HandlerDeps provides dependencies for Telegram update handlers.
type HandlerDeps struct {
	Logger      *slog.Logger
	Config      *config.Config
	Store       database.Store
	Classifier  classifier.Client
	Obligations *obligation.Service
	Notifier    notify.Notifier
	Guard       *dedup.Guard
	Bot         BotInfo
}
