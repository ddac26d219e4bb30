package database

import (
	"database/sql"
	"time"
)

// Actor is the internal identity for a user seen on the chat platform,
// created lazily on first sighting. DisplayName is a denormalized cache of
// the platform profile name and may be refreshed; everything else is
// immutable once created.
type Actor struct {
	ID          int64     `db:"id"`
	PlatformID  int64     `db:"platform_id"`
	DisplayName string    `db:"display_name"`
	CreatedAt   time.Time `db:"created_at"`
}

// Group is the internal identity for a group chat on the platform.
type Group struct {
	ID         int64     `db:"id"`
	PlatformID int64     `db:"platform_id"`
	Title      string    `db:"title"`
	CreatedAt  time.Time `db:"created_at"`
}

// GroupMember links an actor to a group. LastActiveAt is refreshed whenever
// the actor's message arrives in that group and serves as a liveness signal.
type GroupMember struct {
	ID           int64     `db:"id"`
	GroupID      int64     `db:"group_id"`
	ActorID      int64     `db:"actor_id"`
	JoinedAt     time.Time `db:"joined_at"`
	LastActiveAt time.Time `db:"last_active_at"`
}

// Message is an immutable append-only record of an inbound chat message.
// GroupID is null for 1:1 chats. RawPayload keeps the original platform
// update as JSON.
type Message struct {
	ID                int64         `db:"id"`
	PlatformMessageID int64         `db:"platform_message_id"`
	SenderID          int64         `db:"sender_id"`
	GroupID           sql.NullInt64 `db:"group_id"`
	Content           string        `db:"content"`
	RawPayload        string        `db:"raw_payload"`
	CreatedAt         time.Time     `db:"created_at"`
}

// MoneyRequest tracks an unpaid-money request detected in a group chat.
// The request is active until RemindedAt is set; at most one active request
// may exist per (group, requester) pair.
type MoneyRequest struct {
	ID          int64        `db:"id"`
	GroupID     int64        `db:"group_id"`
	RequesterID int64        `db:"requester_id"`
	Amount      int64        `db:"amount"`
	RemindAt    time.Time    `db:"remind_at"`
	RemindedAt  sql.NullTime `db:"reminded_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

// Question tracks an unanswered question detected in a group chat. It is
// resolved once every target has responded.
type Question struct {
	ID           int64        `db:"id"`
	GroupID      int64        `db:"group_id"`
	QuestionerID int64        `db:"questioner_id"`
	QuestionText string       `db:"question_text"`
	RemindAt     time.Time    `db:"remind_at"`
	ResolvedAt   sql.NullTime `db:"resolved_at"`
	CreatedAt    time.Time    `db:"created_at"`
}

// QuestionTarget is one addressee of a question. RemindedAt is set at most
// once, after a successful reminder send; RespondedAt is set when the target
// posts in the group after the question was asked.
type QuestionTarget struct {
	ID          int64        `db:"id"`
	QuestionID  int64        `db:"question_id"`
	TargetID    int64        `db:"target_id"`
	RemindedAt  sql.NullTime `db:"reminded_at"`
	RespondedAt sql.NullTime `db:"responded_at"`
	CreatedAt   time.Time    `db:"created_at"`
}
