package handlers_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/jonboulle/clockwork"

	"github.com/nudgebot/nudgebot/internal/bot/handlers"
	"github.com/nudgebot/nudgebot/internal/classifier"
	"github.com/nudgebot/nudgebot/internal/config"
	"github.com/nudgebot/nudgebot/internal/database"
	"github.com/nudgebot/nudgebot/internal/dedup"
	"github.com/nudgebot/nudgebot/internal/obligation"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClassifier struct {
	payment  classifier.PaymentVerdict
	question classifier.QuestionVerdict
}

func (f *fakeClassifier) ClassifyPayment(context.Context, string) (*classifier.PaymentVerdict, error) {
	v := f.payment
	return &v, nil
}

func (f *fakeClassifier) ClassifyQuestion(context.Context, string, []int64) (*classifier.QuestionVerdict, error) {
	v := f.question
	return &v, nil
}

func (f *fakeClassifier) GenerateReply(context.Context, []database.Message, int64, string) (string, error) {
	return "sounds good", nil
}

func (f *fakeClassifier) SuggestReplies(context.Context, string) ([]string, error) {
	return []string{"Yes", "No", "Maybe", "Later"}, nil
}

type recordingNotifier struct {
	mu         sync.Mutex
	groupTexts []string
	dmTexts    []string
}

func (r *recordingNotifier) SendToGroup(_ context.Context, _ int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupTexts = append(r.groupTexts, text)
	return nil
}

func (r *recordingNotifier) SendToActor(_ context.Context, _ int64, text string, _ []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dmTexts = append(r.dmTexts, text)
	return nil
}

func newHandlerDeps(t *testing.T, cls classifier.Client) (handlers.HandlerDeps, database.Store, *recordingNotifier) {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	store := database.NewStore(db, nil)
	notifier := &recordingNotifier{}
	cfg := &config.Config{
		Telegram: config.TelegramConfig{HistoryLimit: 20},
		Obligation: config.ObligationConfig{
			MoneyRemindDelay:    30 * time.Second,
			QuestionRemindDelay: time.Minute,
			MaxSendFailures:     10,
		},
	}
	obligations := obligation.NewService(store, notifier, cls, clockwork.NewRealClock(), nil, cfg.Obligation)

	return handlers.HandlerDeps{
		Logger:      discardLogger(),
		Config:      cfg,
		Store:       store,
		Classifier:  cls,
		Obligations: obligations,
		Notifier:    notifier,
		Guard:       dedup.NewGuard(100),
		Bot:         handlers.BotInfo{ID: 42, FirstName: "Nudge"},
	}, store, notifier
}

func groupUpdate(updateID int64, msgID int, userID, chatID int64, text string) *models.Update {
	return &models.Update{
		ID: updateID,
		Message: &models.Message{
			ID:   msgID,
			From: &models.User{ID: userID, FirstName: "Alice"},
			Chat: models.Chat{ID: chatID, Type: models.ChatTypeGroup, Title: "Flatmates"},
			Text: text,
			Date: int(time.Now().Unix()),
		},
	}
}

func TestMessageHandler_FanOut(t *testing.T) {
	t.Parallel()

	cls := &fakeClassifier{
		payment: classifier.PaymentVerdict{IsRequest: true, Amount: 2500},
	}
	deps, store, notifier := newHandlerDeps(t, cls)
	handle := handlers.NewMessageHandler(deps)
	ctx := context.Background()

	handle(ctx, nil, groupUpdate(1, 10, 100, -500, "Can everyone send me 25 for the pizza?"))

	group, err := store.UpsertGroup(ctx, -500, "")
	if err != nil {
		t.Fatalf("failed to look up group: %v", err)
	}

	msgs, err := store.RecentGroupMessages(ctx, group.ID, 10)
	if err != nil {
		t.Fatalf("failed to load messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d persisted messages, want 1", len(msgs))
	}
	if msgs[0].RawPayload == "" {
		t.Error("persisted message lost its raw payload")
	}

	notifier.mu.Lock()
	replies := len(notifier.groupTexts)
	notifier.mu.Unlock()
	if replies != 1 {
		t.Errorf("got %d group replies, want 1", replies)
	}

	due, err := store.NextDueMoneyRequest(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("due query failed: %v", err)
	}
	if due == nil || due.Amount != 2500 {
		t.Errorf("money request not created from positive verdict: %+v", due)
	}
}

func TestMessageHandler_DuplicateUpdateDropped(t *testing.T) {
	t.Parallel()

	deps, store, _ := newHandlerDeps(t, &fakeClassifier{})
	handle := handlers.NewMessageHandler(deps)
	ctx := context.Background()

	update := groupUpdate(7, 11, 100, -500, "hello")
	handle(ctx, nil, update)
	handle(ctx, nil, update)

	group, err := store.UpsertGroup(ctx, -500, "")
	if err != nil {
		t.Fatalf("failed to look up group: %v", err)
	}
	msgs, err := store.RecentGroupMessages(ctx, group.ID, 10)
	if err != nil {
		t.Fatalf("failed to load messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("duplicate update persisted %d messages, want 1", len(msgs))
	}
}

func TestMessageHandler_QuestionCreatesTargets(t *testing.T) {
	t.Parallel()

	cls := &fakeClassifier{
		question: classifier.QuestionVerdict{
			IsQuestion:      true,
			TargetsEveryone: true,
			NormalizedText:  "When is dinner?",
		},
	}
	deps, store, _ := newHandlerDeps(t, cls)
	handle := handlers.NewMessageHandler(deps)
	ctx := context.Background()

	// Bob is a known member before Alice asks.
	handle(ctx, nil, groupUpdate(1, 10, 101, -500, "hi all"))
	handle(ctx, nil, groupUpdate(2, 11, 100, -500, "when is dinner?"))

	question, err := store.NextDueQuestion(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("due query failed: %v", err)
	}
	if question == nil {
		t.Fatal("question not created from positive verdict")
	}
	if question.QuestionText != "When is dinner?" {
		t.Errorf("question text %q, want normalized text", question.QuestionText)
	}

	targets, err := store.PendingTargets(ctx, question.ID)
	if err != nil {
		t.Fatalf("pending targets failed: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("got %d targets, want only bob", len(targets))
	}
}
