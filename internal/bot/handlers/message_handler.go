package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/sync/errgroup"

	"github.com/nudgebot/nudgebot/internal/database"
	"github.com/nudgebot/nudgebot/internal/obligation"
)

const (
	aiProcessingTimeout = 2 * time.Minute
	dbSaveTimeout       = 5 * time.Second
)

type messageHandler struct {
	deps HandlerDeps
}

// NewMessageHandler creates the fan-out handler for inbound text messages.
// Each message is deduplicated, its sender and group recorded, and then
// persisted, replied to, and classified concurrently. Fan-out tasks fail
// independently: one classifier failing never blocks the others.
func NewMessageHandler(deps HandlerDeps) bot.HandlerFunc {
	return messageHandler{deps}.Handle
}

func (h messageHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	deps := h.deps
	log := deps.Logger.With("handler", "message")

	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil {
		log.DebugContext(ctx, "Ignoring update with nil message, empty text, or nil sender", "update_id", update.ID)
		return
	}
	if msg.From.IsBot {
		log.DebugContext(ctx, "Ignoring message from bot account", "update_id", update.ID)
		return
	}

	if deps.Guard.Seen(update.ID) {
		log.DebugContext(ctx, "Dropping duplicate update", "update_id", update.ID)
		return
	}

	isGroup := msg.Chat.Type == models.ChatTypeGroup || msg.Chat.Type == models.ChatTypeSupergroup

	actor, group, err := h.recordIdentities(ctx, msg, isGroup)
	if err != nil {
		log.ErrorContext(ctx, "Failed to record sender identities, dropping update",
			"update_id", update.ID, "error", err)
		return
	}

	record := h.buildMessageRecord(update, msg, actor, group)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := h.persistMessage(gCtx, record); err != nil {
			log.ErrorContext(gCtx, "Failed to persist message", "update_id", update.ID, "error", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := h.reply(gCtx, msg, record); err != nil {
			log.ErrorContext(gCtx, "Failed to generate or send reply", "update_id", update.ID, "error", err)
		}
		return nil
	})

	if isGroup && group != nil {
		g.Go(func() error {
			if err := h.detectMoneyRequest(gCtx, msg.Text, group.ID, actor.ID); err != nil {
				log.ErrorContext(gCtx, "Money request detection failed", "update_id", update.ID, "error", err)
			}
			return nil
		})

		g.Go(func() error {
			if err := h.detectQuestion(gCtx, msg.Text, group, actor); err != nil {
				log.ErrorContext(gCtx, "Question detection failed", "update_id", update.ID, "error", err)
			}
			return nil
		})
	}

	// Fan-out tasks swallow their own errors.
	_ = g.Wait()
}

// recordIdentities upserts the sender, and for group chats the group and
// the sender's membership, before fan-out so every concurrent task sees
// consistent internal IDs.
func (h messageHandler) recordIdentities(ctx context.Context, msg *models.Message, isGroup bool) (*database.Actor, *database.Group, error) {
	displayName := msg.From.FirstName
	if msg.From.LastName != "" {
		displayName += " " + msg.From.LastName
	}

	actor, err := h.deps.Store.UpsertActor(ctx, msg.From.ID, displayName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to upsert actor: %w", err)
	}

	if !isGroup {
		return actor, nil, nil
	}

	group, err := h.deps.Store.UpsertGroup(ctx, msg.Chat.ID, msg.Chat.Title)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to upsert group: %w", err)
	}
	if err := h.deps.Store.TouchMembership(ctx, group.ID, actor.ID, time.Now().UTC()); err != nil {
		return nil, nil, fmt.Errorf("failed to touch membership: %w", err)
	}
	return actor, group, nil
}

func (h messageHandler) buildMessageRecord(update *models.Update, msg *models.Message, actor *database.Actor, group *database.Group) *database.Message {
	record := &database.Message{
		PlatformMessageID: int64(msg.ID),
		SenderID:          actor.ID,
		Content:           msg.Text,
		CreatedAt:         time.Unix(int64(msg.Date), 0).UTC(),
	}
	if group != nil {
		record.GroupID = sql.NullInt64{Int64: group.ID, Valid: true}
	}
	if raw, err := json.Marshal(update); err == nil {
		record.RawPayload = string(raw)
	}
	return record
}

func (h messageHandler) persistMessage(ctx context.Context, record *database.Message) error {
	dbCtx, cancel := context.WithTimeout(ctx, dbSaveTimeout)
	defer cancel()
	return h.deps.Store.SaveMessage(dbCtx, record)
}

// reply generates a conversational reply from recent history and sends it
// back to the chat the message came from.
func (h messageHandler) reply(ctx context.Context, msg *models.Message, record *database.Message) error {
	var history []database.Message
	if record.GroupID.Valid {
		var err error
		history, err = h.deps.Store.RecentGroupMessages(ctx, record.GroupID.Int64, h.deps.Config.Telegram.HistoryLimit)
		if err != nil {
			h.deps.Logger.WarnContext(ctx, "Failed to load history, replying without it", "error", err)
			history = nil
		}
	}
	history = append(history, *record)

	aiCtx, cancel := context.WithTimeout(ctx, aiProcessingTimeout)
	defer cancel()
	text, err := h.deps.Classifier.GenerateReply(aiCtx, history, h.deps.Bot.ID, h.deps.Bot.FirstName)
	if err != nil {
		return fmt.Errorf("reply generation failed: %w", err)
	}

	if record.GroupID.Valid {
		return h.deps.Notifier.SendToGroup(ctx, msg.Chat.ID, text)
	}
	return h.deps.Notifier.SendToActor(ctx, msg.Chat.ID, text, nil)
}

func (h messageHandler) detectMoneyRequest(ctx context.Context, text string, groupID, requesterID int64) error {
	aiCtx, cancel := context.WithTimeout(ctx, aiProcessingTimeout)
	defer cancel()
	verdict, err := h.deps.Classifier.ClassifyPayment(aiCtx, text)
	if err != nil {
		return fmt.Errorf("payment classification failed: %w", err)
	}
	if !verdict.IsRequest {
		return nil
	}

	err = h.deps.Obligations.CreateMoneyRequest(ctx, groupID, requesterID, verdict.Amount)
	if errors.Is(err, database.ErrDuplicateActiveRequest) {
		return nil
	}
	return err
}

func (h messageHandler) detectQuestion(ctx context.Context, text string, group *database.Group, questioner *database.Actor) error {
	memberIDs, err := h.deps.Store.GroupMemberIDs(ctx, group.ID)
	if err != nil {
		return fmt.Errorf("failed to load group members: %w", err)
	}

	platformIDs := make([]int64, 0, len(memberIDs))
	byPlatform := make(map[int64]int64, len(memberIDs))
	for _, id := range memberIDs {
		member, err := h.deps.Store.GetActor(ctx, id)
		if err != nil || member == nil {
			continue
		}
		platformIDs = append(platformIDs, member.PlatformID)
		byPlatform[member.PlatformID] = member.ID
	}

	aiCtx, cancel := context.WithTimeout(ctx, aiProcessingTimeout)
	defer cancel()
	verdict, err := h.deps.Classifier.ClassifyQuestion(aiCtx, text, platformIDs)
	if err != nil {
		return fmt.Errorf("question classification failed: %w", err)
	}
	if !verdict.IsQuestion {
		return nil
	}

	questionText := verdict.NormalizedText
	if questionText == "" {
		questionText = text
	}

	var targetIDs []int64
	if !verdict.TargetsEveryone {
		for _, platformID := range verdict.Targets {
			if internalID, ok := byPlatform[platformID]; ok {
				targetIDs = append(targetIDs, internalID)
			}
		}
	}

	err = h.deps.Obligations.CreateQuestion(ctx, group.ID, questioner.ID, questionText, targetIDs)
	if errors.Is(err, obligation.ErrNoTargets) {
		h.deps.Logger.DebugContext(ctx, "Question has no valid targets, skipping", "group_id", group.ID)
		return nil
	}
	return err
}
