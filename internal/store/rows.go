package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"opsbot/internal/notify"
	"opsbot/internal/task"
	"opsbot/internal/transport"
)

func nowUTC() time.Time { return time.Now().UTC() }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func millisPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

type taskRow struct {
	ID          int64         `db:"id"`
	Title       string        `db:"title"`
	Description string        `db:"description"`
	Status      string        `db:"status"`
	Priority    string        `db:"priority"`
	DueAt       sql.NullInt64 `db:"due_at"`
	CreatedBy   int64         `db:"created_by"`
	StartedBy   sql.NullInt64 `db:"started_by"`
	StartedAt   sql.NullInt64 `db:"started_at"`
	CompletedBy sql.NullInt64 `db:"completed_by"`
	CompletedAt sql.NullInt64 `db:"completed_at"`
	PhotoFileID string        `db:"photo_file_id"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
	ArchivedAt  sql.NullInt64 `db:"archived_at"`
}

func (r taskRow) toTask(assignees []int64) *task.Task {
	return &task.Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Status:      task.Status(r.Status),
		Priority:    task.Priority(r.Priority),
		DueAt:       timePtr(r.DueAt),
		CreatedBy:   r.CreatedBy,
		AssigneeIDs: assignees,
		StartedBy:   int64Ptr(r.StartedBy),
		StartedAt:   timePtr(r.StartedAt),
		CompletedBy: int64Ptr(r.CompletedBy),
		CompletedAt: timePtr(r.CompletedAt),
		PhotoFileID: r.PhotoFileID,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
		ArchivedAt:  timePtr(r.ArchivedAt),
	}
}

type notificationRow struct {
	ID          int64          `db:"id"`
	TaskID      int64          `db:"task_id"`
	RecipientID int64          `db:"recipient_id"`
	Type        string         `db:"type"`
	Payload     sql.NullString `db:"payload"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	ScheduledAt int64          `db:"scheduled_at"`
	NextRetryAt sql.NullInt64  `db:"next_retry_at"`
	SentAt      sql.NullInt64  `db:"sent_at"`
	Error       string         `db:"error"`
	DedupeKey   string         `db:"dedupe_key"`
	ChatID      int64          `db:"chat_id"`
	MessageID   int64          `db:"message_id"`
	CreatedAt   int64          `db:"created_at"`
}

func (r notificationRow) toNotification() notify.Notification {
	var payload []byte
	if r.Payload.Valid {
		payload = []byte(r.Payload.String)
	}
	return notify.Notification{
		ID:          r.ID,
		TaskID:      r.TaskID,
		RecipientID: r.RecipientID,
		Type:        notify.Type(r.Type),
		Payload:     payload,
		Status:      notify.State(r.Status),
		Attempts:    r.Attempts,
		ScheduledAt: fromMillis(r.ScheduledAt),
		NextRetryAt: timePtr(r.NextRetryAt),
		SentAt:      timePtr(r.SentAt),
		Error:       r.Error,
		DedupeKey:   r.DedupeKey,
		Message:     transport.MessageRef{ChatID: r.ChatID, MessageID: int(r.MessageID)},
		CreatedAt:   fromMillis(r.CreatedAt),
	}
}

type eventRow struct {
	ID        int64          `db:"id"`
	TaskID    int64          `db:"task_id"`
	ActorID   int64          `db:"actor_id"`
	Kind      string         `db:"kind"`
	Payload   sql.NullString `db:"payload"`
	CreatedAt int64          `db:"created_at"`
}

func (r eventRow) toEvent() task.Event {
	var payload json.RawMessage
	if r.Payload.Valid {
		payload = json.RawMessage(r.Payload.String)
	}
	return task.Event{
		ID:        r.ID,
		TaskID:    r.TaskID,
		ActorID:   r.ActorID,
		Kind:      task.EventKind(r.Kind),
		Payload:   payload,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

type commentRow struct {
	ID        int64         `db:"id"`
	TaskID    int64         `db:"task_id"`
	AuthorID  int64         `db:"author_id"`
	Body      string        `db:"body"`
	CreatedAt int64         `db:"created_at"`
	EditedAt  sql.NullInt64 `db:"edited_at"`
}

func (r commentRow) toComment() task.Comment {
	return task.Comment{
		ID:        r.ID,
		TaskID:    r.TaskID,
		AuthorID:  r.AuthorID,
		Text:      r.Body,
		CreatedAt: fromMillis(r.CreatedAt),
		EditedAt:  timePtr(r.EditedAt),
	}
}
