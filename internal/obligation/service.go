// Package obligation tracks deferred obligations detected in group chats
// (money requests and unanswered questions) and drives their lifecycle
// from creation through reminder to resolution or quarantine.
package obligation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/nudgebot/nudgebot/internal/config"
	"github.com/nudgebot/nudgebot/internal/database"
	"github.com/nudgebot/nudgebot/internal/notify"
)

// ErrNoTargets is returned by CreateQuestion when no valid target remains
// after filtering out the questioner.
var ErrNoTargets = errors.New("question has no valid targets")

// Suggester produces reply suggestions for question reminders.
type Suggester interface {
	SuggestReplies(ctx context.Context, questionText string) ([]string, error)
}

// DueStatus reports how many obligations are currently due for a reminder.
type DueStatus struct {
	MoneyRequests int `json:"money_requests"`
	Questions     int `json:"questions"`
}

// Service owns obligation creation and the periodic reminder pass. All
// state transitions go through conditional store updates, so concurrent or
// repeated passes never deliver a reminder twice.
type Service struct {
	store     database.Store
	notifier  notify.Notifier
	suggester Suggester
	clock     clockwork.Clock
	log       *slog.Logger
	cfg       config.ObligationConfig

	mu           sync.Mutex
	sendFailures map[string]int
}

// NewService creates the obligation service.
func NewService(
	store database.Store,
	notifier notify.Notifier,
	suggester Suggester,
	clock clockwork.Clock,
	logger *slog.Logger,
	cfg config.ObligationConfig,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:        store,
		notifier:     notifier,
		suggester:    suggester,
		clock:        clock,
		log:          logger.With("component", "obligation"),
		cfg:          cfg,
		sendFailures: make(map[string]int),
	}
}

// CreateMoneyRequest records a new money request with its reminder due
// after the configured delay. Returns database.ErrDuplicateActiveRequest
// while an active request exists for the same group and requester.
func (s *Service) CreateMoneyRequest(ctx context.Context, groupID, requesterID, amount int64) error {
	now := s.clock.Now().UTC()
	req := &database.MoneyRequest{
		GroupID:     groupID,
		RequesterID: requesterID,
		Amount:      amount,
		RemindAt:    now.Add(s.cfg.MoneyRemindDelay),
		CreatedAt:   now,
	}
	if err := s.store.CreateMoneyRequest(ctx, req); err != nil {
		if errors.Is(err, database.ErrDuplicateActiveRequest) {
			s.log.DebugContext(ctx, "Ignoring duplicate active money request",
				"group_id", groupID, "requester_id", requesterID)
			return err
		}
		return fmt.Errorf("failed to create money request: %w", err)
	}

	s.log.InfoContext(ctx, "Money request created",
		"id", req.ID, "group_id", groupID, "requester_id", requesterID,
		"amount", amount, "remind_at", req.RemindAt)
	return nil
}

// CreateQuestion records a new question. The questioner is never a target;
// when targetIDs is empty the question addresses every other known group
// member. Returns ErrNoTargets when nobody remains to ask.
func (s *Service) CreateQuestion(ctx context.Context, groupID, questionerID int64, text string, targetIDs []int64) error {
	if len(targetIDs) == 0 {
		memberIDs, err := s.store.GroupMemberIDs(ctx, groupID)
		if err != nil {
			return fmt.Errorf("failed to load group members for question: %w", err)
		}
		targetIDs = memberIDs
	}

	filtered := make([]int64, 0, len(targetIDs))
	seen := make(map[int64]struct{}, len(targetIDs))
	for _, id := range targetIDs {
		if id == questionerID || id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		filtered = append(filtered, id)
	}
	if len(filtered) == 0 {
		return ErrNoTargets
	}

	now := s.clock.Now().UTC()
	question := &database.Question{
		GroupID:      groupID,
		QuestionerID: questionerID,
		QuestionText: text,
		RemindAt:     now.Add(s.cfg.QuestionRemindDelay),
		CreatedAt:    now,
	}
	if err := s.store.CreateQuestion(ctx, question, filtered); err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}

	s.log.InfoContext(ctx, "Question created",
		"id", question.ID, "group_id", groupID, "questioner_id", questionerID,
		"targets", len(filtered), "remind_at", question.RemindAt)
	return nil
}

// Due reports how many obligations are currently due for a reminder.
func (s *Service) Due(ctx context.Context) (*DueStatus, error) {
	now := s.clock.Now()
	money, err := s.store.ListDueMoneyRequests(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due money requests: %w", err)
	}
	questions, err := s.store.ListDueQuestions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due questions: %w", err)
	}
	return &DueStatus{MoneyRequests: len(money), Questions: len(questions)}, nil
}

// RunReminderPass processes at most one due obligation. When both a money
// request and a question are due, the one with the older reminder time
// wins; the other waits for the next pass. Returning with work left over
// is fine since passes run every few seconds.
func (s *Service) RunReminderPass(ctx context.Context) error {
	now := s.clock.Now()

	money, err := s.store.NextDueMoneyRequest(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to query due money requests: %w", err)
	}
	question, err := s.store.NextDueQuestion(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to query due questions: %w", err)
	}

	switch {
	case money == nil && question == nil:
		return nil
	case question == nil || (money != nil && !money.RemindAt.After(question.RemindAt)):
		return s.remindMoneyRequest(ctx, money)
	default:
		return s.remindQuestion(ctx, question)
	}
}

func (s *Service) remindMoneyRequest(ctx context.Context, req *database.MoneyRequest) error {
	requester, err := s.store.GetActor(ctx, req.RequesterID)
	if err != nil {
		return fmt.Errorf("failed to load requester for money request %d: %w", req.ID, err)
	}
	group, err := s.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return fmt.Errorf("failed to load group for money request %d: %w", req.ID, err)
	}
	if requester == nil || group == nil {
		s.log.ErrorContext(ctx, "Money request references missing actor or group, marking handled",
			"id", req.ID, "group_id", req.GroupID, "requester_id", req.RequesterID)
		_, markErr := s.store.MarkMoneyRequestReminded(ctx, req.ID, s.clock.Now())
		return markErr
	}

	text := composeMoneyReminder(requester.DisplayName, req.Amount)
	if err := s.notifier.SendToGroup(ctx, group.PlatformID, text); err != nil {
		return s.recordSendFailure(ctx, fmt.Sprintf("money:%d", req.ID), err, func() error {
			_, markErr := s.store.MarkMoneyRequestReminded(ctx, req.ID, s.clock.Now())
			return markErr
		})
	}
	s.clearSendFailures(fmt.Sprintf("money:%d", req.ID))

	transitioned, err := s.store.MarkMoneyRequestReminded(ctx, req.ID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark money request %d reminded: %w", req.ID, err)
	}
	if !transitioned {
		s.log.WarnContext(ctx, "Money request was already reminded", "id", req.ID)
		return nil
	}

	s.log.InfoContext(ctx, "Money request reminder sent",
		"id", req.ID, "group_id", req.GroupID, "requester_id", req.RequesterID)
	return nil
}

func (s *Service) remindQuestion(ctx context.Context, question *database.Question) error {
	group, err := s.store.GetGroup(ctx, question.GroupID)
	if err != nil {
		return fmt.Errorf("failed to load group for question %d: %w", question.ID, err)
	}
	if group == nil {
		s.log.ErrorContext(ctx, "Question references missing group, resolving",
			"id", question.ID, "group_id", question.GroupID)
		_, resolveErr := s.store.ResolveQuestion(ctx, question.ID, s.clock.Now())
		return resolveErr
	}

	// Late answers may have arrived since the last pass. Detect them first
	// so already-answered targets are never nudged.
	if err := s.detectResponses(ctx, question); err != nil {
		return err
	}

	resolved, err := s.resolveIfAnswered(ctx, question)
	if err != nil || resolved {
		return err
	}

	pending, err := s.store.PendingTargets(ctx, question.ID)
	if err != nil {
		return fmt.Errorf("failed to load pending targets for question %d: %w", question.ID, err)
	}

	var firstErr error
	for _, target := range pending {
		if err := s.remindTarget(ctx, question, target); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	_, err = s.resolveIfAnswered(ctx, question)
	return err
}

func (s *Service) remindTarget(ctx context.Context, question *database.Question, target database.QuestionTarget) error {
	actor, err := s.store.GetActor(ctx, target.TargetID)
	if err != nil {
		return fmt.Errorf("failed to load target actor for question %d: %w", question.ID, err)
	}
	if actor == nil {
		s.log.ErrorContext(ctx, "Question target references missing actor, marking handled",
			"question_id", question.ID, "target_id", target.TargetID)
		_, markErr := s.store.MarkTargetReminded(ctx, target.ID, s.clock.Now())
		return markErr
	}

	suggestions, err := s.suggester.SuggestReplies(ctx, question.QuestionText)
	if err != nil {
		s.log.WarnContext(ctx, "Failed to generate reply suggestions, sending without",
			"question_id", question.ID, "error", err)
		suggestions = nil
	}

	text := composeQuestionReminder(question.QuestionText)
	if err := s.notifier.SendToActor(ctx, actor.PlatformID, text, suggestions); err != nil {
		return s.recordSendFailure(ctx, fmt.Sprintf("target:%d", target.ID), err, func() error {
			_, markErr := s.store.MarkTargetReminded(ctx, target.ID, s.clock.Now())
			return markErr
		})
	}
	s.clearSendFailures(fmt.Sprintf("target:%d", target.ID))

	transitioned, err := s.store.MarkTargetReminded(ctx, target.ID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark target %d reminded: %w", target.ID, err)
	}
	if transitioned {
		s.log.InfoContext(ctx, "Question reminder sent",
			"question_id", question.ID, "target_id", target.TargetID)
	}
	return nil
}

// recordSendFailure counts consecutive delivery failures for one
// obligation. Once the configured bound is reached the obligation is
// marked handled via quarantine so a permanently unreachable recipient
// cannot occupy the scheduler forever.
func (s *Service) recordSendFailure(ctx context.Context, key string, sendErr error, quarantine func() error) error {
	s.mu.Lock()
	s.sendFailures[key]++
	failures := s.sendFailures[key]
	s.mu.Unlock()

	if failures >= s.cfg.MaxSendFailures {
		s.log.ErrorContext(ctx, "Reminder delivery failed too many times, quarantining",
			"key", key, "failures", failures, "error", sendErr)
		s.clearSendFailures(key)
		if err := quarantine(); err != nil {
			return fmt.Errorf("failed to quarantine %s: %w", key, err)
		}
		return nil
	}

	s.log.WarnContext(ctx, "Reminder delivery failed, will retry next pass",
		"key", key, "failures", failures, "error", sendErr)
	return fmt.Errorf("reminder delivery failed for %s: %w", key, sendErr)
}

func (s *Service) clearSendFailures(key string) {
	s.mu.Lock()
	delete(s.sendFailures, key)
	s.mu.Unlock()
}

func composeMoneyReminder(displayName string, amount int64) string {
	who := displayName
	if who == "" {
		who = "A group member"
	}
	if amount > 0 {
		return fmt.Sprintf("Friendly reminder: %s is still waiting to be paid back (%d). Please settle up when you can.", who, amount)
	}
	return fmt.Sprintf("Friendly reminder: %s is still waiting to be paid back. Please settle up when you can.", who)
}

func composeQuestionReminder(questionText string) string {
	return fmt.Sprintf("You have an unanswered question in your group: %q\nA quick reply would help everyone move on.", questionText)
}
