package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrDuplicateActiveRequest is returned by CreateMoneyRequest when an active
// (unreminded) request already exists for the same (group, requester) pair.
var ErrDuplicateActiveRequest = errors.New("active money request already exists for group and requester")

// Store defines the interface for database operations. The obligation
// scheduler and the resolution detector are the only callers of the
// reminded/resolved/responded transitions, all of which are conditional so
// they can never be applied twice.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertActor creates the actor for a platform user on first sighting,
	// or refreshes its cached display name, and returns the row.
	UpsertActor(ctx context.Context, platformID int64, displayName string) (*Actor, error)

	// GetActor retrieves an actor by internal ID. Returns nil, nil if not found.
	GetActor(ctx context.Context, id int64) (*Actor, error)

	// UpsertGroup creates the group for a platform chat on first sighting,
	// or refreshes its cached title, and returns the row.
	UpsertGroup(ctx context.Context, platformID int64, title string) (*Group, error)

	// GetGroup retrieves a group by internal ID. Returns nil, nil if not found.
	GetGroup(ctx context.Context, id int64) (*Group, error)

	// TouchMembership creates the (group, actor) membership if missing and
	// refreshes last_active_at.
	TouchMembership(ctx context.Context, groupID, actorID int64, now time.Time) error

	// GroupMemberIDs returns the actor IDs of all members seen in a group.
	GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)

	// SaveMessage inserts a new message record.
	SaveMessage(ctx context.Context, message *Message) error

	// RecentGroupMessages retrieves up to 'limit' most recent messages for a
	// group, returned oldest first.
	RecentGroupMessages(ctx context.Context, groupID int64, limit int) ([]Message, error)

	// CreateMoneyRequest inserts a new money request. Returns
	// ErrDuplicateActiveRequest while an active request exists for the same
	// (group, requester) pair.
	CreateMoneyRequest(ctx context.Context, req *MoneyRequest) error

	// NextDueMoneyRequest returns the oldest due unreminded money request,
	// or nil, nil when none is due.
	NextDueMoneyRequest(ctx context.Context, now time.Time) (*MoneyRequest, error)

	// MarkMoneyRequestReminded sets reminded_at, only if it is still unset.
	// Returns whether the row transitioned.
	MarkMoneyRequestReminded(ctx context.Context, id int64, now time.Time) (bool, error)

	// ListDueMoneyRequests returns all currently due unreminded money requests.
	ListDueMoneyRequests(ctx context.Context, now time.Time) ([]MoneyRequest, error)

	// CreateQuestion inserts a question and its target rows in one transaction.
	CreateQuestion(ctx context.Context, question *Question, targetIDs []int64) error

	// NextDueQuestion returns the oldest due unresolved question that still
	// has at least one unreminded, unresponded target, or nil, nil.
	NextDueQuestion(ctx context.Context, now time.Time) (*Question, error)

	// ListDueQuestions returns all currently due unresolved questions with
	// pending targets.
	ListDueQuestions(ctx context.Context, now time.Time) ([]Question, error)

	// PendingTargets returns the question's targets that are neither
	// reminded nor responded.
	PendingTargets(ctx context.Context, questionID int64) ([]QuestionTarget, error)

	// UnrespondedTargets returns the question's targets without responded_at.
	UnrespondedTargets(ctx context.Context, questionID int64) ([]QuestionTarget, error)

	// MarkTargetReminded sets a target's reminded_at, only if still unset.
	MarkTargetReminded(ctx context.Context, targetRowID int64, now time.Time) (bool, error)

	// MarkTargetsResponded sets responded_at for the given target actors of a
	// question, only where still unset. Returns the number of rows updated.
	MarkTargetsResponded(ctx context.Context, questionID int64, actorIDs []int64, now time.Time) (int64, error)

	// ResolveQuestion sets resolved_at, only if still unset.
	ResolveQuestion(ctx context.Context, questionID int64, now time.Time) (bool, error)

	// RespondersSince returns the subset of the given actors that have sent a
	// message in the group strictly after 'since'.
	RespondersSince(ctx context.Context, groupID int64, actorIDs []int64, since time.Time) ([]int64, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) UpsertActor(ctx context.Context, platformID int64, displayName string) (*Actor, error) {
	if platformID == 0 {
		return nil, fmt.Errorf("platform_id cannot be zero")
	}

	query := `
        INSERT INTO actors (platform_id, display_name, created_at)
        VALUES (?, ?, ?)
        ON CONFLICT(platform_id) DO UPDATE SET
            display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE actors.display_name END;
    `
	if _, err := s.db.ExecContext(ctx, query, platformID, displayName, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting actor", "platform_id", platformID, "error", err)
		return nil, fmt.Errorf("failed to upsert actor %d: %w", platformID, err)
	}

	var actor Actor
	if err := s.db.GetContext(ctx, &actor, `SELECT * FROM actors WHERE platform_id = ?`, platformID); err != nil {
		return nil, fmt.Errorf("failed to load actor %d after upsert: %w", platformID, err)
	}
	return &actor, nil
}

func (s *sqlxStore) GetActor(ctx context.Context, id int64) (*Actor, error) {
	var actor Actor
	err := s.db.GetContext(ctx, &actor, `SELECT * FROM actors WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get actor %d: %w", id, err)
	}
	return &actor, nil
}

func (s *sqlxStore) UpsertGroup(ctx context.Context, platformID int64, title string) (*Group, error) {
	if platformID == 0 {
		return nil, fmt.Errorf("platform_id cannot be zero")
	}

	query := `
        INSERT INTO groups (platform_id, title, created_at)
        VALUES (?, ?, ?)
        ON CONFLICT(platform_id) DO UPDATE SET
            title = CASE WHEN excluded.title != '' THEN excluded.title ELSE groups.title END;
    `
	if _, err := s.db.ExecContext(ctx, query, platformID, title, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting group", "platform_id", platformID, "error", err)
		return nil, fmt.Errorf("failed to upsert group %d: %w", platformID, err)
	}

	var group Group
	if err := s.db.GetContext(ctx, &group, `SELECT * FROM groups WHERE platform_id = ?`, platformID); err != nil {
		return nil, fmt.Errorf("failed to load group %d after upsert: %w", platformID, err)
	}
	return &group, nil
}

func (s *sqlxStore) GetGroup(ctx context.Context, id int64) (*Group, error) {
	var group Group
	err := s.db.GetContext(ctx, &group, `SELECT * FROM groups WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get group %d: %w", id, err)
	}
	return &group, nil
}

func (s *sqlxStore) TouchMembership(ctx context.Context, groupID, actorID int64, now time.Time) error {
	query := `
        INSERT INTO group_members (group_id, actor_id, joined_at, last_active_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(group_id, actor_id) DO UPDATE SET last_active_at = excluded.last_active_at;
    `
	if _, err := s.db.ExecContext(ctx, query, groupID, actorID, now.UTC(), now.UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error touching membership", "group_id", groupID, "actor_id", actorID, "error", err)
		return fmt.Errorf("failed to touch membership (group %d, actor %d): %w", groupID, actorID, err)
	}
	return nil
}

func (s *sqlxStore) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	query := `SELECT actor_id FROM group_members WHERE group_id = ? ORDER BY actor_id`
	if err := s.db.SelectContext(ctx, &ids, query, groupID); err != nil {
		return nil, fmt.Errorf("failed to get member ids for group %d: %w", groupID, err)
	}
	return ids, nil
}

// SaveMessage inserts a new message record.
func (s *sqlxStore) SaveMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.SenderID == 0 {
		return fmt.Errorf("message must have a non-zero sender_id")
	}
	if message.Content == "" {
		return fmt.Errorf("message must have non-empty content")
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO messages (platform_message_id, sender_id, group_id, content, raw_payload, created_at)
        VALUES (:platform_message_id, :sender_id, :group_id, :content, :raw_payload, :created_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "sender_id", message.SenderID, "error", err)
		return fmt.Errorf("failed to save message from sender %d: %w", message.SenderID, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		message.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving message",
			"sender_id", message.SenderID, "error", err)
	}

	s.logger.DebugContext(ctx, "Message saved successfully",
		"sender_id", message.SenderID, "message_id", message.ID)
	return nil
}

// RecentGroupMessages retrieves up to 'limit' most recent messages for a
// group, returned oldest first.
func (s *sqlxStore) RecentGroupMessages(ctx context.Context, groupID int64, limit int) ([]Message, error) {
	if groupID == 0 {
		return nil, fmt.Errorf("group_id cannot be zero")
	}
	if limit <= 0 {
		limit = 20
	} else if limit > 100 {
		limit = 100
	}

	var messages []Message
	query := `
        SELECT * FROM (
            SELECT * FROM messages
            WHERE group_id = ?
            ORDER BY created_at DESC, id DESC
            LIMIT ?
        ) ORDER BY created_at ASC, id ASC;
    `
	if err := s.db.SelectContext(ctx, &messages, query, groupID, limit); err != nil {
		s.logger.ErrorContext(ctx, "Error getting recent messages", "group_id", groupID, "limit", limit, "error", err)
		return nil, fmt.Errorf("failed to get recent messages for group %d: %w", groupID, err)
	}
	return messages, nil
}

func (s *sqlxStore) CreateMoneyRequest(ctx context.Context, req *MoneyRequest) error {
	if req == nil {
		return fmt.Errorf("cannot create nil money request")
	}
	if req.GroupID == 0 || req.RequesterID == 0 {
		return fmt.Errorf("money request must have group_id and requester_id")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO money_requests (group_id, requester_id, amount, remind_at, created_at)
        VALUES (:group_id, :requester_id, :amount, :remind_at, :created_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, req)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			s.logger.DebugContext(ctx, "Duplicate active money request rejected",
				"group_id", req.GroupID, "requester_id", req.RequesterID)
			return ErrDuplicateActiveRequest
		}
		s.logger.ErrorContext(ctx, "Error creating money request",
			"group_id", req.GroupID, "requester_id", req.RequesterID, "error", err)
		return fmt.Errorf("failed to create money request (group %d, requester %d): %w",
			req.GroupID, req.RequesterID, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		req.ID = id
	}
	s.logger.DebugContext(ctx, "Money request created",
		"id", req.ID, "group_id", req.GroupID, "requester_id", req.RequesterID, "amount", req.Amount)
	return nil
}

func (s *sqlxStore) NextDueMoneyRequest(ctx context.Context, now time.Time) (*MoneyRequest, error) {
	var req MoneyRequest
	query := `
        SELECT * FROM money_requests
        WHERE remind_at <= ? AND reminded_at IS NULL
        ORDER BY remind_at ASC, id ASC
        LIMIT 1;
    `
	err := s.db.GetContext(ctx, &req, query, now.UTC())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get next due money request: %w", err)
	}
	return &req, nil
}

func (s *sqlxStore) MarkMoneyRequestReminded(ctx context.Context, id int64, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE money_requests SET reminded_at = ? WHERE id = ? AND reminded_at IS NULL`,
		now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark money request %d reminded: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for money request %d: %w", id, err)
	}
	return affected == 1, nil
}

func (s *sqlxStore) ListDueMoneyRequests(ctx context.Context, now time.Time) ([]MoneyRequest, error) {
	var reqs []MoneyRequest
	query := `
        SELECT * FROM money_requests
        WHERE remind_at <= ? AND reminded_at IS NULL
        ORDER BY remind_at ASC, id ASC;
    `
	if err := s.db.SelectContext(ctx, &reqs, query, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list due money requests: %w", err)
	}
	return reqs, nil
}

// CreateQuestion inserts a question and its target rows in one transaction.
func (s *sqlxStore) CreateQuestion(ctx context.Context, question *Question, targetIDs []int64) error {
	if question == nil {
		return fmt.Errorf("cannot create nil question")
	}
	if question.GroupID == 0 || question.QuestionerID == 0 {
		return fmt.Errorf("question must have group_id and questioner_id")
	}
	if len(targetIDs) == 0 {
		return fmt.Errorf("question must have at least one target")
	}
	if question.CreatedAt.IsZero() {
		question.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for creating question", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	result, err := tx.NamedExecContext(ctx, `
        INSERT INTO questions (group_id, questioner_id, question_text, remind_at, created_at)
        VALUES (:group_id, :questioner_id, :question_text, :remind_at, :created_at);
    `, question)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating question", "group_id", question.GroupID, "error", err)
		return fmt.Errorf("failed to create question (group %d): %w", question.GroupID, err)
	}

	questionID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get question id after insert: %w", err)
	}
	question.ID = questionID

	for _, targetID := range targetIDs {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO question_targets (question_id, target_id, created_at)
            VALUES (?, ?, ?);
        `, questionID, targetID, question.CreatedAt); err != nil {
			s.logger.ErrorContext(ctx, "Error creating question target",
				"question_id", questionID, "target_id", targetID, "error", err)
			return fmt.Errorf("failed to create target %d for question %d: %w", targetID, questionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit question transaction", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Question created",
		"question_id", questionID, "group_id", question.GroupID, "targets", len(targetIDs))
	return nil
}

func (s *sqlxStore) NextDueQuestion(ctx context.Context, now time.Time) (*Question, error) {
	var question Question
	query := `
        SELECT q.* FROM questions q
        WHERE q.remind_at <= ? AND q.resolved_at IS NULL
          AND EXISTS (
              SELECT 1 FROM question_targets t
              WHERE t.question_id = q.id AND t.reminded_at IS NULL AND t.responded_at IS NULL
          )
        ORDER BY q.remind_at ASC, q.id ASC
        LIMIT 1;
    `
	err := s.db.GetContext(ctx, &question, query, now.UTC())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get next due question: %w", err)
	}
	return &question, nil
}

func (s *sqlxStore) ListDueQuestions(ctx context.Context, now time.Time) ([]Question, error) {
	var questions []Question
	query := `
        SELECT q.* FROM questions q
        WHERE q.remind_at <= ? AND q.resolved_at IS NULL
          AND EXISTS (
              SELECT 1 FROM question_targets t
              WHERE t.question_id = q.id AND t.reminded_at IS NULL AND t.responded_at IS NULL
          )
        ORDER BY q.remind_at ASC, q.id ASC;
    `
	if err := s.db.SelectContext(ctx, &questions, query, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list due questions: %w", err)
	}
	return questions, nil
}

func (s *sqlxStore) PendingTargets(ctx context.Context, questionID int64) ([]QuestionTarget, error) {
	var targets []QuestionTarget
	query := `
        SELECT * FROM question_targets
        WHERE question_id = ? AND reminded_at IS NULL AND responded_at IS NULL
        ORDER BY id ASC;
    `
	if err := s.db.SelectContext(ctx, &targets, query, questionID); err != nil {
		return nil, fmt.Errorf("failed to get pending targets for question %d: %w", questionID, err)
	}
	return targets, nil
}

func (s *sqlxStore) UnrespondedTargets(ctx context.Context, questionID int64) ([]QuestionTarget, error) {
	var targets []QuestionTarget
	query := `
        SELECT * FROM question_targets
        WHERE question_id = ? AND responded_at IS NULL
        ORDER BY id ASC;
    `
	if err := s.db.SelectContext(ctx, &targets, query, questionID); err != nil {
		return nil, fmt.Errorf("failed to get unresponded targets for question %d: %w", questionID, err)
	}
	return targets, nil
}

func (s *sqlxStore) MarkTargetReminded(ctx context.Context, targetRowID int64, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE question_targets SET reminded_at = ? WHERE id = ? AND reminded_at IS NULL`,
		now.UTC(), targetRowID)
	if err != nil {
		return false, fmt.Errorf("failed to mark target %d reminded: %w", targetRowID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for target %d: %w", targetRowID, err)
	}
	return affected == 1, nil
}

func (s *sqlxStore) MarkTargetsResponded(ctx context.Context, questionID int64, actorIDs []int64, now time.Time) (int64, error) {
	if len(actorIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`
        UPDATE question_targets SET responded_at = ?
        WHERE question_id = ? AND target_id IN (?) AND responded_at IS NULL;
    `, now.UTC(), questionID, actorIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to build responded update for question %d: %w", questionID, err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking targets responded", "question_id", questionID, "error", err)
		return 0, fmt.Errorf("failed to mark targets responded for question %d: %w", questionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected for question %d: %w", questionID, err)
	}
	return affected, nil
}

func (s *sqlxStore) ResolveQuestion(ctx context.Context, questionID int64, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE questions SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		now.UTC(), questionID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve question %d: %w", questionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for question %d: %w", questionID, err)
	}
	return affected == 1, nil
}

func (s *sqlxStore) RespondersSince(ctx context.Context, groupID int64, actorIDs []int64, since time.Time) ([]int64, error) {
	if len(actorIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
        SELECT DISTINCT sender_id FROM messages
        WHERE group_id = ? AND created_at > ? AND sender_id IN (?);
    `, groupID, since.UTC(), actorIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build responders query for group %d: %w", groupID, err)
	}

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get responders for group %d: %w", groupID, err)
	}
	return ids, nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}
