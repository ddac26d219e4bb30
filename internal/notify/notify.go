// Package notify delivers outbound messages to the chat platform. The
// Notifier interface decouples reminder composition from Telegram so the
// scheduler can be tested with a fake.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Notifier sends messages to actors and groups by their platform IDs.
type Notifier interface {
	// SendToActor sends a direct message to a platform user. Suggestions,
	// when present, are offered as one-tap reply options.
	SendToActor(ctx context.Context, platformID int64, text string, suggestions []string) error

	// SendToGroup sends a message to a platform group chat.
	SendToGroup(ctx context.Context, platformID int64, text string) error
}

type telegramNotifier struct {
	bot *tgbot.Bot
	log *slog.Logger
}

// NewTelegramNotifier creates a Notifier backed by the Telegram Bot API.
func NewTelegramNotifier(b *tgbot.Bot, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &telegramNotifier{
		bot: b,
		log: logger.With("component", "notifier"),
	}
}

func (n *telegramNotifier) SendToActor(ctx context.Context, platformID int64, text string, suggestions []string) error {
	params := &tgbot.SendMessageParams{
		ChatID: platformID,
		Text:   text,
	}
	if len(suggestions) > 0 {
		params.ReplyMarkup = suggestionKeyboard(suggestions)
	}

	if _, err := n.bot.SendMessage(ctx, params); err != nil {
		n.log.WarnContext(ctx, "Failed to send direct message", "platform_id", platformID, "error", err)
		return fmt.Errorf("failed to send direct message to %d: %w", platformID, err)
	}
	return nil
}

func (n *telegramNotifier) SendToGroup(ctx context.Context, platformID int64, text string) error {
	if _, err := n.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: platformID,
		Text:   text,
	}); err != nil {
		n.log.WarnContext(ctx, "Failed to send group message", "platform_id", platformID, "error", err)
		return fmt.Errorf("failed to send group message to %d: %w", platformID, err)
	}
	return nil
}

func suggestionKeyboard(suggestions []string) *models.ReplyKeyboardMarkup {
	rows := make([][]models.KeyboardButton, 0, len(suggestions))
	for _, s := range suggestions {
		rows = append(rows, []models.KeyboardButton{{Text: s}})
	}
	return &models.ReplyKeyboardMarkup{
		Keyboard:        rows,
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}
