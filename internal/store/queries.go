package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"opsbot/internal/notify"
	"opsbot/internal/task"
	"opsbot/internal/taskflow"
)

// queries implements the transactional store surface over either a
// *sqlx.Tx or the *sqlx.DB itself. SQL is written with ? placeholders
// and rebound per dialect.
type queries struct {
	ext     sqlx.ExtContext
	dialect string
}

var _ taskflow.Tx = (*queries)(nil)

func (q *queries) rebind(query string) string { return q.ext.Rebind(query) }

const taskColumns = `id, title, description, status, priority, due_at, created_by,
	started_by, started_at, completed_by, completed_at, photo_file_id,
	created_at, updated_at, archived_at`

func (q *queries) GetTaskForUpdate(ctx context.Context, id int64) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	if q.dialect == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var row taskRow
	if err := sqlx.GetContext(ctx, q.ext, &row, q.rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, taskflow.ErrTaskNotFound
		}
		return nil, fmt.Errorf("store: get task %d: %w", id, err)
	}
	assignees, err := q.taskAssignees(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.toTask(assignees), nil
}

func (q *queries) taskAssignees(ctx context.Context, taskID int64) ([]int64, error) {
	var ids []int64
	err := sqlx.SelectContext(ctx, q.ext, &ids,
		q.rebind(`SELECT user_id FROM task_assignees WHERE task_id = ? ORDER BY user_id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("store: task %d assignees: %w", taskID, err)
	}
	return ids, nil
}

func (q *queries) InsertTask(ctx context.Context, t *task.Task) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q.ext, &id, q.rebind(`
		INSERT INTO tasks (title, description, status, priority, due_at, created_by,
			started_by, started_at, completed_by, completed_at, photo_file_id,
			created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		t.Title, t.Description, string(t.Status), string(t.Priority), millisPtr(t.DueAt), t.CreatedBy,
		nullInt64(t.StartedBy), millisPtr(t.StartedAt), nullInt64(t.CompletedBy), millisPtr(t.CompletedAt),
		t.PhotoFileID, millis(t.CreatedAt), millis(t.UpdatedAt), millisPtr(t.ArchivedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert task: %w", err)
	}
	return id, nil
}

func (q *queries) SetAssignees(ctx context.Context, taskID int64, userIDs []int64) error {
	if _, err := q.ext.ExecContext(ctx,
		q.rebind(`DELETE FROM task_assignees WHERE task_id = ?`), taskID); err != nil {
		return fmt.Errorf("store: clear assignees: %w", err)
	}
	for _, uid := range userIDs {
		if _, err := q.ext.ExecContext(ctx,
			q.rebind(`INSERT INTO task_assignees (task_id, user_id) VALUES (?, ?)`), taskID, uid); err != nil {
			return fmt.Errorf("store: add assignee %d: %w", uid, err)
		}
	}
	return nil
}

func (q *queries) UpdateTaskLifecycle(ctx context.Context, t *task.Task) error {
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		UPDATE tasks SET status = ?, started_by = ?, started_at = ?,
			completed_by = ?, completed_at = ?, archived_at = ?, updated_at = ?
		WHERE id = ?`),
		string(t.Status), nullInt64(t.StartedBy), millisPtr(t.StartedAt),
		nullInt64(t.CompletedBy), millisPtr(t.CompletedAt), millisPtr(t.ArchivedAt),
		millis(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update task %d lifecycle: %w", t.ID, err)
	}
	return nil
}

func (q *queries) UpdateTaskFields(ctx context.Context, t *task.Task) error {
	_, err := q.ext.ExecContext(ctx, q.rebind(`
		UPDATE tasks SET title = ?, description = ?, priority = ?, due_at = ?,
			photo_file_id = ?, updated_at = ?
		WHERE id = ?`),
		t.Title, t.Description, string(t.Priority), millisPtr(t.DueAt),
		t.PhotoFileID, millis(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update task %d fields: %w", t.ID, err)
	}
	return nil
}

func (q *queries) InsertEvent(ctx context.Context, e *task.Event) (int64, error) {
	payload := sql.NullString{}
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}
	var id int64
	err := sqlx.GetContext(ctx, q.ext, &id, q.rebind(`
		INSERT INTO task_events (task_id, actor_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		e.TaskID, e.ActorID, string(e.Kind), payload, millis(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}
	e.ID = id
	return id, nil
}

func (q *queries) InsertComment(ctx context.Context, c *task.Comment) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q.ext, &id, q.rebind(`
		INSERT INTO task_comments (task_id, author_id, body, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		c.TaskID, c.AuthorID, c.Text, millis(c.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert comment: %w", err)
	}
	c.ID = id
	return id, nil
}

func (q *queries) InsertCommentPhotos(ctx context.Context, commentID int64, fileIDs []string) error {
	for i, fid := range fileIDs {
		if _, err := q.ext.ExecContext(ctx,
			q.rebind(`INSERT INTO task_comment_photos (comment_id, position, file_id) VALUES (?, ?, ?)`),
			commentID, i, fid); err != nil {
			return fmt.Errorf("store: insert comment photo: %w", err)
		}
	}
	return nil
}

func (q *queries) UserNames(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT id, name FROM users WHERE id IN (?)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("store: user names: %w", err)
	}
	rows, err := q.ext.QueryxContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: user names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

func (q *queries) LastRemindEnqueuedAt(ctx context.Context, taskID int64) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := sqlx.GetContext(ctx, q.ext, &ms, q.rebind(`
		SELECT MAX(created_at) FROM task_notifications
		WHERE task_id = ? AND type = ?`),
		taskID, string(notify.TypeRemind),
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, fmt.Errorf("store: last remind for task %d: %w", taskID, err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

func (q *queries) FindNotificationByDedupe(ctx context.Context, recipientID int64, dedupeKey string) (int64, bool, error) {
	var id int64
	err := sqlx.GetContext(ctx, q.ext, &id, q.rebind(`
		SELECT id FROM task_notifications WHERE recipient_id = ? AND dedupe_key = ?`),
		recipientID, dedupeKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: find notification by dedupe: %w", err)
	}
	return id, true, nil
}

// InsertNotification relies on the (recipient_id, dedupe_key) unique
// constraint: a concurrent duplicate inserts nothing and returns id 0,
// which the scheduler resolves by re-reading the winner.
func (q *queries) InsertNotification(ctx context.Context, n *notify.Notification) (int64, error) {
	payload := sql.NullString{}
	if len(n.Payload) > 0 {
		payload = sql.NullString{String: string(n.Payload), Valid: true}
	}
	var id int64
	err := sqlx.GetContext(ctx, q.ext, &id, q.rebind(`
		INSERT INTO task_notifications (task_id, recipient_id, type, payload, status,
			attempts, scheduled_at, next_retry_at, sent_at, error, dedupe_key,
			chat_id, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recipient_id, dedupe_key) DO NOTHING
		RETURNING id`),
		n.TaskID, n.RecipientID, string(n.Type), payload, string(n.Status),
		n.Attempts, millis(n.ScheduledAt), millisPtr(n.NextRetryAt), millisPtr(n.SentAt),
		n.Error, n.DedupeKey, n.Message.ChatID, int64(n.Message.MessageID), millis(n.CreatedAt),
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: DO NOTHING returns no row.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: insert notification: %w", err)
	}
	n.ID = id
	return id, nil
}

// TaskEvents returns the audit trail of one task, oldest first.
func (q *queries) TaskEvents(ctx context.Context, taskID int64) ([]task.Event, error) {
	var rows []eventRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(`
		SELECT id, task_id, actor_id, kind, payload, created_at
		FROM task_events WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("store: task %d events: %w", taskID, err)
	}
	out := make([]task.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

// TaskComments returns the comments of one task, oldest first.
func (q *queries) TaskComments(ctx context.Context, taskID int64) ([]task.Comment, error) {
	var rows []commentRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(`
		SELECT id, task_id, author_id, body, created_at, edited_at
		FROM task_comments WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("store: task %d comments: %w", taskID, err)
	}
	out := make([]task.Comment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toComment())
	}
	return out, nil
}
