package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"opsbot/internal/notify"
	"opsbot/internal/task"
	"opsbot/internal/transport"
)

var _ notify.Store = (*Store)(nil)

// ClaimDue atomically claims up to limit due pending rows: the attempt
// counter is bumped and next_retry_at is pushed to now+lease, so a
// crash mid-delivery surfaces as a counted attempt and a concurrent
// worker cannot re-claim the row before the lease expires. On postgres
// the selecting subquery skips rows locked by sibling instances.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]notify.Notification, error) {
	sub := `SELECT id FROM task_notifications
		WHERE status = ? AND scheduled_at <= ?
			AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY scheduled_at, id
		LIMIT ?`
	if s.dialect == DriverPostgres {
		sub += ` FOR UPDATE SKIP LOCKED`
	}
	query := s.db.Rebind(`
		UPDATE task_notifications
		SET attempts = attempts + 1, next_retry_at = ?
		WHERE id IN (` + sub + `)
		RETURNING id, task_id, recipient_id, type, payload, status, attempts,
			scheduled_at, next_retry_at, sent_at, error, dedupe_key,
			chat_id, message_id, created_at`)

	nowMs := millis(now)
	var rows []notificationRow
	err := sqlx.SelectContext(ctx, s.db, &rows, query,
		millis(now.Add(lease)), string(notify.StatePending), nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim due notifications: %w", err)
	}

	out := make([]notify.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toNotification())
	}
	// RETURNING order is unspecified; restore queue order.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time, ref transport.MessageRef) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_notifications
		SET status = ?, sent_at = ?, chat_id = ?, message_id = ?, error = '', next_retry_at = NULL
		WHERE id = ?`),
		string(notify.StateSent), millis(at), ref.ChatID, int64(ref.MessageID), id,
	)
	if err != nil {
		return fmt.Errorf("store: mark notification %d sent: %w", id, err)
	}
	return nil
}

func (s *Store) MarkRetry(ctx context.Context, id int64, retryAt time.Time, errText string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_notifications SET next_retry_at = ?, error = ? WHERE id = ?`),
		millis(retryAt), errText, id,
	)
	if err != nil {
		return fmt.Errorf("store: mark notification %d for retry: %w", id, err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errText string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_notifications
		SET status = ?, error = ?, next_retry_at = NULL, sent_at = NULL
		WHERE id = ?`),
		string(notify.StateFailed), errText, id,
	)
	if err != nil {
		return fmt.Errorf("store: mark notification %d failed: %w", id, err)
	}
	return nil
}

// LastSentRef finds the newest delivered message for the pair, so a
// follow-up notification can edit it instead of posting a new one.
func (s *Store) LastSentRef(ctx context.Context, taskID, recipientID int64) (transport.MessageRef, bool, error) {
	var row struct {
		ChatID    int64 `db:"chat_id"`
		MessageID int64 `db:"message_id"`
	}
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(`
		SELECT chat_id, message_id FROM task_notifications
		WHERE task_id = ? AND recipient_id = ? AND status = ? AND message_id <> 0
		ORDER BY sent_at DESC, id DESC
		LIMIT 1`),
		taskID, recipientID, string(notify.StateSent),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.MessageRef{}, false, nil
	}
	if err != nil {
		return transport.MessageRef{}, false, fmt.Errorf("store: last sent ref: %w", err)
	}
	return transport.MessageRef{ChatID: row.ChatID, MessageID: int(row.MessageID)}, true, nil
}

func (s *Store) RecipientChatID(ctx context.Context, userID int64) (int64, bool, error) {
	var chatID int64
	err := sqlx.GetContext(ctx, s.db, &chatID,
		s.db.Rebind(`SELECT chat_id FROM users WHERE id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: recipient chat for user %d: %w", userID, err)
	}
	return chatID, chatID != 0, nil
}

func (s *Store) TaskByID(ctx context.Context, id int64) (*task.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, s.db, &row,
		s.db.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notify.ErrTaskGone
	}
	if err != nil {
		return nil, fmt.Errorf("store: task %d: %w", id, err)
	}
	q := &queries{ext: s.db, dialect: s.dialect}
	assignees, err := q.taskAssignees(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.toTask(assignees), nil
}

// User is a known recipient. Role flags mirror the access config so
// permission checks need no extra lookup.
type User struct {
	ID        int64
	ChatID    int64
	Name      string
	IsAdmin   bool
	IsManager bool
}

// UpsertUser records or refreshes the chat binding of a user. Called on
// every inbound interaction so delivery always has a current chat id.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	now := millis(nowUTC())
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, chat_id, name, is_admin, is_manager, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			chat_id = excluded.chat_id,
			name = excluded.name,
			is_admin = excluded.is_admin,
			is_manager = excluded.is_manager,
			updated_at = excluded.updated_at`),
		u.ID, u.ChatID, u.Name, u.IsAdmin, u.IsManager, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (User, bool, error) {
	var row struct {
		ID        int64  `db:"id"`
		ChatID    int64  `db:"chat_id"`
		Name      string `db:"name"`
		IsAdmin   bool   `db:"is_admin"`
		IsManager bool   `db:"is_manager"`
	}
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(`
		SELECT id, chat_id, name, is_admin, is_manager FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("store: user %d: %w", id, err)
	}
	return User{ID: row.ID, ChatID: row.ChatID, Name: row.Name, IsAdmin: row.IsAdmin, IsManager: row.IsManager}, true, nil
}

// DueTasks lists unfinished tasks whose due date falls at or before the
// cutoff. Used by the reminder cron.
func (s *Store) DueTasks(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND due_at IS NOT NULL AND due_at <= ?
		ORDER BY due_at, id`),
		string(task.StatusNew), string(task.StatusInProgress), millis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("store: due tasks: %w", err)
	}
	q := &queries{ext: s.db, dialect: s.dialect}
	out := make([]*task.Task, 0, len(rows))
	for _, r := range rows {
		assignees, err := q.taskAssignees(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, r.toTask(assignees))
	}
	return out, nil
}
