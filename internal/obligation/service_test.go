package obligation_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nudgebot/nudgebot/internal/config"
	"github.com/nudgebot/nudgebot/internal/database"
	"github.com/nudgebot/nudgebot/internal/obligation"
)

type groupSend struct {
	PlatformID int64
	Text       string
}

type directSend struct {
	PlatformID  int64
	Text        string
	Suggestions []string
}

// fakeNotifier records sends and can be told to fail.
type fakeNotifier struct {
	mu         sync.Mutex
	groupSends []groupSend
	dmSends    []directSend
	failGroup  error
	failActor  error
}

func (f *fakeNotifier) SendToGroup(_ context.Context, platformID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGroup != nil {
		return f.failGroup
	}
	f.groupSends = append(f.groupSends, groupSend{PlatformID: platformID, Text: text})
	return nil
}

func (f *fakeNotifier) SendToActor(_ context.Context, platformID int64, text string, suggestions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failActor != nil {
		return f.failActor
	}
	f.dmSends = append(f.dmSends, directSend{PlatformID: platformID, Text: text, Suggestions: suggestions})
	return nil
}

func (f *fakeNotifier) setFailures(group, actor error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGroup = group
	f.failActor = actor
}

func (f *fakeNotifier) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groupSends), len(f.dmSends)
}

type fakeSuggester struct {
	err error
}

func (f *fakeSuggester) SuggestReplies(context.Context, string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []string{"Sure", "No", "Later", "Why?"}, nil
}

type fixture struct {
	store    database.Store
	notifier *fakeNotifier
	clock    *clockwork.FakeClock
	service  *obligation.Service

	group *database.Group
	alice *database.Actor
	bob   *database.Actor
	carol *database.Actor
}

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, cfg config.ObligationConfig) *fixture {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	store := database.NewStore(db, nil)
	notifier := &fakeNotifier{}
	clock := clockwork.NewFakeClockAt(testBase)
	service := obligation.NewService(store, notifier, &fakeSuggester{}, clock, nil, cfg)

	f := &fixture{store: store, notifier: notifier, clock: clock, service: service}

	ctx := context.Background()
	f.group, err = store.UpsertGroup(ctx, 9000, "Trip Planning")
	if err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	f.alice = f.actor(t, 100, "Alice")
	f.bob = f.actor(t, 101, "Bob")
	f.carol = f.actor(t, 102, "Carol")
	return f
}

func (f *fixture) actor(t *testing.T, platformID int64, name string) *database.Actor {
	t.Helper()
	ctx := context.Background()
	actor, err := f.store.UpsertActor(ctx, platformID, name)
	if err != nil {
		t.Fatalf("failed to create actor %s: %v", name, err)
	}
	if err := f.store.TouchMembership(ctx, f.group.ID, actor.ID, testBase); err != nil {
		t.Fatalf("failed to add %s to group: %v", name, err)
	}
	return actor
}

func (f *fixture) saveGroupMessage(t *testing.T, sender *database.Actor, text string, at time.Time) {
	t.Helper()
	msg := &database.Message{
		PlatformMessageID: at.UnixNano(),
		SenderID:          sender.ID,
		GroupID:           sql.NullInt64{Int64: f.group.ID, Valid: true},
		Content:           text,
		CreatedAt:         at,
	}
	if err := f.store.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}
}

func defaultConfig() config.ObligationConfig {
	return config.ObligationConfig{
		MoneyRemindDelay:    30 * time.Second,
		QuestionRemindDelay: 60 * time.Second,
		MaxSendFailures:     10,
	}
}

func TestMoneyReminder_ExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.service.CreateMoneyRequest(ctx, f.group.ID, f.alice.ID, 3000); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Not yet due.
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if groups, _ := f.notifier.counts(); groups != 0 {
		t.Fatalf("reminder sent before due time")
	}

	f.clock.Advance(time.Minute)
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	groups, _ := f.notifier.counts()
	if groups != 1 {
		t.Fatalf("got %d group sends, want 1", groups)
	}
	if f.notifier.groupSends[0].PlatformID != f.group.PlatformID {
		t.Errorf("reminder sent to platform id %d, want %d", f.notifier.groupSends[0].PlatformID, f.group.PlatformID)
	}

	// Further passes never send the same reminder again.
	f.clock.Advance(time.Minute)
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if groups, _ := f.notifier.counts(); groups != 1 {
		t.Errorf("got %d group sends after extra pass, want 1", groups)
	}
}

func TestMoneyReminder_RetryAfterSendFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.service.CreateMoneyRequest(ctx, f.group.ID, f.alice.ID, 3000); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	f.clock.Advance(time.Minute)

	f.notifier.setFailures(errors.New("network down"), nil)
	if err := f.service.RunReminderPass(ctx); err == nil {
		t.Fatal("expected pass to report send failure")
	}

	// State untouched, the item retries on the next pass.
	f.notifier.setFailures(nil, nil)
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("retry pass failed: %v", err)
	}
	if groups, _ := f.notifier.counts(); groups != 1 {
		t.Fatalf("got %d group sends, want 1", groups)
	}
}

func TestMoneyReminder_QuarantineAfterMaxFailures(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxSendFailures = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	if err := f.service.CreateMoneyRequest(ctx, f.group.ID, f.alice.ID, 3000); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	f.clock.Advance(time.Minute)

	f.notifier.setFailures(errors.New("blocked"), nil)
	if err := f.service.RunReminderPass(ctx); err == nil {
		t.Fatal("expected first failing pass to report an error")
	}
	// The second failure reaches the bound and quarantines without error.
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("quarantine pass failed: %v", err)
	}

	// The item no longer occupies the scheduler.
	f.notifier.setFailures(nil, nil)
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if groups, _ := f.notifier.counts(); groups != 0 {
		t.Errorf("quarantined item was sent anyway: %d sends", groups)
	}
}

func TestReminderPass_OlderItemFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	// Money due at base+30s, question due at base+60s.
	if err := f.service.CreateMoneyRequest(ctx, f.group.ID, f.alice.ID, 3000); err != nil {
		t.Fatalf("create money failed: %v", err)
	}
	if err := f.service.CreateQuestion(ctx, f.group.ID, f.alice.ID, "When do we leave?", nil); err != nil {
		t.Fatalf("create question failed: %v", err)
	}

	f.clock.Advance(2 * time.Minute)

	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	groups, dms := f.notifier.counts()
	if groups != 1 || dms != 0 {
		t.Fatalf("first pass sends: groups=%d dms=%d, want the money reminder only", groups, dms)
	}

	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	groups, dms = f.notifier.counts()
	if groups != 1 || dms != 2 {
		t.Fatalf("second pass sends: groups=%d dms=%d, want question DMs to bob and carol", groups, dms)
	}
}

func TestQuestionReminder_SkipsResponders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.service.CreateQuestion(ctx, f.group.ID, f.alice.ID, "Pizza or sushi?", []int64{f.bob.ID, f.carol.ID}); err != nil {
		t.Fatalf("create question failed: %v", err)
	}

	// Bob answers in the group before the reminder fires.
	f.saveGroupMessage(t, f.bob, "Pizza!", testBase.Add(10*time.Second))

	f.clock.Advance(2 * time.Minute)
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	_, dms := f.notifier.counts()
	if dms != 1 {
		t.Fatalf("got %d DMs, want only carol's", dms)
	}
	dm := f.notifier.dmSends[0]
	if dm.PlatformID != f.carol.PlatformID {
		t.Errorf("DM went to platform id %d, want carol (%d)", dm.PlatformID, f.carol.PlatformID)
	}
	if len(dm.Suggestions) != 4 {
		t.Errorf("DM carried %d suggestions, want 4", len(dm.Suggestions))
	}

	// Carol answers; later passes leave the question alone.
	f.saveGroupMessage(t, f.carol, "Sushi", testBase.Add(3*time.Minute))
	f.clock.Advance(time.Minute)
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("followup pass failed: %v", err)
	}
	if _, dms := f.notifier.counts(); dms != 1 {
		t.Errorf("got %d DMs after resolution, want 1", dms)
	}

	due, err := f.store.NextDueQuestion(ctx, f.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("due query failed: %v", err)
	}
	if due != nil {
		t.Errorf("resolved question still due: %+v", due)
	}
}

func TestQuestion_ResolvedWithoutReminders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.service.CreateQuestion(ctx, f.group.ID, f.alice.ID, "Everyone free Friday?", nil); err != nil {
		t.Fatalf("create question failed: %v", err)
	}

	// Both targets answer before the reminder is due.
	f.saveGroupMessage(t, f.bob, "Yes", testBase.Add(5*time.Second))
	f.saveGroupMessage(t, f.carol, "Yes", testBase.Add(6*time.Second))

	f.clock.Advance(2 * time.Minute)
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	groups, dms := f.notifier.counts()
	if groups != 0 || dms != 0 {
		t.Errorf("answered question produced sends: groups=%d dms=%d", groups, dms)
	}
}

func TestMoneyReminder_DanglingRequesterContained(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	req := &database.MoneyRequest{
		GroupID:     f.group.ID,
		RequesterID: 99999,
		Amount:      1000,
		RemindAt:    testBase,
		CreatedAt:   testBase,
	}
	if err := f.store.CreateMoneyRequest(ctx, req); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	f.clock.Advance(time.Minute)
	if err := f.service.RunReminderPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	if groups, _ := f.notifier.counts(); groups != 0 {
		t.Errorf("dangling request was sent: %d sends", groups)
	}
	// Contained: the item never comes back.
	next, err := f.store.NextDueMoneyRequest(ctx, f.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("due query failed: %v", err)
	}
	if next != nil {
		t.Errorf("dangling request still due: %+v", next)
	}
}

func TestCreateQuestion_TargetFiltering(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	// The questioner is filtered out of an explicit target list.
	if err := f.service.CreateQuestion(ctx, f.group.ID, f.alice.ID, "Thoughts?", []int64{f.alice.ID, f.bob.ID, f.bob.ID}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	question, err := f.store.NextDueQuestion(ctx, f.clock.Now().Add(time.Hour))
	if err != nil || question == nil {
		t.Fatalf("due question: %+v, %v", question, err)
	}
	targets, err := f.store.PendingTargets(ctx, question.ID)
	if err != nil {
		t.Fatalf("pending targets failed: %v", err)
	}
	if len(targets) != 1 || targets[0].TargetID != f.bob.ID {
		t.Fatalf("got targets %+v, want only bob", targets)
	}

	// Nobody left to ask.
	err = f.service.CreateQuestion(ctx, f.group.ID, f.alice.ID, "Me only?", []int64{f.alice.ID})
	if !errors.Is(err, obligation.ErrNoTargets) {
		t.Errorf("got %v, want ErrNoTargets", err)
	}
}

func TestCreateMoneyRequest_DuplicatePassthrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.service.CreateMoneyRequest(ctx, f.group.ID, f.alice.ID, 3000); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	err := f.service.CreateMoneyRequest(ctx, f.group.ID, f.alice.ID, 5000)
	if !errors.Is(err, database.ErrDuplicateActiveRequest) {
		t.Errorf("got %v, want ErrDuplicateActiveRequest", err)
	}
}
