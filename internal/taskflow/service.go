// Package taskflow orchestrates task lifecycle operations: status
// transitions, comments, audited edits and reminders. Each operation
// runs its mutation, audit event and notification enqueue inside one
// store transaction; the worker wake-up fires only after commit.
package taskflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"opsbot/internal/notify"
	"opsbot/internal/task"
	"opsbot/pkg/logx"
)

// Tx is the transactional store surface one lifecycle operation needs.
// It embeds the notification queue so enqueues share the transaction of
// the mutation they report.
type Tx interface {
	notify.Queue

	GetTaskForUpdate(ctx context.Context, id int64) (*task.Task, error)
	InsertTask(ctx context.Context, t *task.Task) (int64, error)
	SetAssignees(ctx context.Context, taskID int64, userIDs []int64) error
	UpdateTaskLifecycle(ctx context.Context, t *task.Task) error
	UpdateTaskFields(ctx context.Context, t *task.Task) error
	InsertEvent(ctx context.Context, e *task.Event) (int64, error)
	InsertComment(ctx context.Context, c *task.Comment) (int64, error)
	InsertCommentPhotos(ctx context.Context, commentID int64, fileIDs []string) error
	UserNames(ctx context.Context, userIDs []int64) (map[int64]string, error)
	LastRemindEnqueuedAt(ctx context.Context, taskID int64) (time.Time, bool, error)
}

type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Wake nudges the delivery worker. Called only after a successful
	// commit; best-effort, losing it just costs one poll interval.
	Wake(ctx context.Context)
}

type Service struct {
	store Store
	sched *notify.Scheduler
	log   logx.Logger

	remindCooldown time.Duration
	now            func() time.Time
}

func New(store Store, sched *notify.Scheduler, remindCooldown time.Duration, log logx.Logger) *Service {
	if remindCooldown <= 0 {
		remindCooldown = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:          store,
		sched:          sched,
		log:            log.With(logx.String("comp", "taskflow")),
		remindCooldown: remindCooldown,
		now:            time.Now,
	}
}

// CreateInput describes a new task.
type CreateInput struct {
	Title       string
	Description string
	Priority    task.Priority
	DueAt       *time.Time
	AssigneeIDs []int64
	PhotoFileID string
}

// Create inserts a task and notifies its assignees.
func (s *Service) Create(ctx context.Context, actor task.Actor, in CreateInput) (*task.Task, error) {
	if !actor.Elevated() {
		return nil, task.ErrForbidden
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("create task: empty title")
	}
	if in.Priority == "" {
		in.Priority = task.PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, fmt.Errorf("create task: invalid priority %q", in.Priority)
	}

	now := s.now()
	t := &task.Task{
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      task.StatusNew,
		Priority:    in.Priority,
		DueAt:       in.DueAt,
		CreatedBy:   actor.ID,
		AssigneeIDs: dedupeIDs(in.AssigneeIDs),
		PhotoFileID: in.PhotoFileID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	enqueued := false
	err := s.store.WithTx(ctx, func(tx Tx) error {
		id, err := tx.InsertTask(ctx, t)
		if err != nil {
			return err
		}
		t.ID = id
		if err := tx.SetAssignees(ctx, id, t.AssigneeIDs); err != nil {
			return err
		}
		if _, err := s.appendEvent(ctx, tx, t.ID, actor.ID, task.EventCreated, nil); err != nil {
			return err
		}

		for _, rid := range excludeID(t.AssigneeIDs, actor.ID) {
			res, err := s.sched.Enqueue(ctx, tx, notify.Input{
				TaskID:      t.ID,
				RecipientID: rid,
				Payload:     notify.Payload{Created: &notify.CreatedPayload{ActorName: actor.Name}},
				DedupeKey:   fmt.Sprintf("created:%d", t.ID),
			})
			if err != nil {
				return err
			}
			enqueued = enqueued || res.Created
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if enqueued {
		s.store.Wake(ctx)
	}
	s.log.Info("task created", logx.Int64("task", t.ID), logx.Int64("actor", actor.ID), logx.Int("assignees", len(t.AssigneeIDs)))
	return t, nil
}

// SubmitStatusChange moves a task through the lifecycle state machine.
// It returns the resulting status, or one of task.ErrForbidden,
// task.ErrCommentRequired, task.ErrUnsupportedTransition,
// ErrTaskNotFound.
func (s *Service) SubmitStatusChange(ctx context.Context, actor task.Actor, taskID int64, to task.Status, comment string) (task.Status, error) {
	comment = strings.TrimSpace(comment)

	var (
		resulting task.Status
		enqueued  bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}

		perms := s.permissions(t, actor)
		if err := task.ValidateTransition(t.Status, to, perms, comment); err != nil {
			return err
		}

		from := t.Status
		now := s.now()
		rework := from == task.StatusReview && to == task.StatusInProgress

		t.Status = to
		t.UpdatedAt = now
		switch {
		case to == task.StatusInProgress && t.IsCommon() && t.StartedBy == nil:
			// First actor to start a common task claims it.
			actorID := actor.ID
			t.StartedBy = &actorID
			startedAt := now
			t.StartedAt = &startedAt
		case to == task.StatusReview:
			actorID := actor.ID
			t.CompletedBy = &actorID
			completedAt := now
			t.CompletedAt = &completedAt
		case to == task.StatusArchived:
			archivedAt := now
			t.ArchivedAt = &archivedAt
		case from == task.StatusArchived && to == task.StatusDone:
			t.ArchivedAt = nil
		}

		if err := tx.UpdateTaskLifecycle(ctx, t); err != nil {
			return err
		}

		if rework {
			// The rework reason doubles as a regular task comment.
			c := &task.Comment{TaskID: t.ID, AuthorID: actor.ID, Text: comment, CreatedAt: now}
			if _, err := tx.InsertComment(ctx, c); err != nil {
				return err
			}
		}

		kind := task.EventStatusChanged
		switch {
		case to == task.StatusArchived:
			kind = task.EventArchived
		case from == task.StatusArchived && to == task.StatusDone:
			kind = task.EventUnarchived
		}
		eventID, err := s.appendEvent(ctx, tx, t.ID, actor.ID, kind, task.StatusChangePayload{From: from, To: to, Comment: comment})
		if err != nil {
			return err
		}

		action := ""
		if rework {
			action = notify.ActionReturnToRework
		}
		recipients := statusChangeRecipients(t, actor.ID, to)
		for _, rid := range recipients {
			res, err := s.sched.Enqueue(ctx, tx, notify.Input{
				TaskID:      t.ID,
				RecipientID: rid,
				Payload: notify.Payload{StatusChanged: &notify.StatusChangedPayload{
					From:      from,
					To:        to,
					Comment:   comment,
					Action:    action,
					ActorName: actor.Name,
					EventID:   eventID,
				}},
				DedupeKey: fmt.Sprintf("status:%d", eventID),
			})
			if err != nil {
				return err
			}
			enqueued = enqueued || res.Created
		}

		resulting = to
		s.log.Info("task status changed",
			logx.Int64("task", t.ID),
			logx.Int64("actor", actor.ID),
			logx.String("from", string(from)),
			logx.String("to", string(to)),
			logx.Int("recipients", len(recipients)),
		)
		return nil
	})
	if err != nil {
		return "", err
	}
	if enqueued {
		s.store.Wake(ctx)
	}
	return resulting, nil
}

// AddComment attaches a free-form note (and optional photos) to a task
// and notifies the executor set and the creator. notifySelf keeps the
// author in the recipient list; call sites differ on whether they want
// the echo.
func (s *Service) AddComment(ctx context.Context, actor task.Actor, taskID int64, text string, photoFileIDs []string, notifySelf bool) (*task.Comment, error) {
	text = strings.TrimSpace(text)
	photos := make([]string, 0, len(photoFileIDs))
	for _, id := range photoFileIDs {
		if strings.TrimSpace(id) != "" {
			photos = append(photos, id)
		}
	}
	if text == "" && len(photos) == 0 {
		return nil, task.ErrCommentRequired
	}

	var (
		out      *task.Comment
		enqueued bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if !s.permissions(t, actor).Comment {
			return task.ErrForbidden
		}

		now := s.now()
		c := &task.Comment{TaskID: t.ID, AuthorID: actor.ID, Text: text, CreatedAt: now}
		commentID, err := tx.InsertComment(ctx, c)
		if err != nil {
			return err
		}
		c.ID = commentID
		if len(photos) > 0 {
			if err := tx.InsertCommentPhotos(ctx, commentID, photos); err != nil {
				return err
			}
		}

		if _, err := s.appendEvent(ctx, tx, t.ID, actor.ID, task.EventCommentAdded, task.CommentAddedPayload{
			CommentID:  commentID,
			HasText:    text != "",
			PhotoCount: len(photos),
		}); err != nil {
			return err
		}

		recipients := commentRecipients(t, actor.ID, notifySelf)
		for _, rid := range recipients {
			res, err := s.sched.Enqueue(ctx, tx, notify.Input{
				TaskID:      t.ID,
				RecipientID: rid,
				Payload: notify.Payload{Comment: &notify.CommentPayload{
					CommentID:  commentID,
					Text:       text,
					PhotoCount: len(photos),
					ActorName:  actor.Name,
				}},
				DedupeKey: fmt.Sprintf("comment:%d", commentID),
			})
			if err != nil {
				return err
			}
			enqueued = enqueued || res.Created
		}

		out = c
		s.log.Info("task comment added",
			logx.Int64("task", t.ID),
			logx.Int64("comment", commentID),
			logx.Int64("actor", actor.ID),
			logx.Int("photos", len(photos)),
			logx.Int("recipients", len(recipients)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if enqueued {
		s.store.Wake(ctx)
	}
	return out, nil
}

// UpdatePatch is a partial task edit. Nil pointers leave the field
// untouched; ClearDueAt removes the due date.
type UpdatePatch struct {
	Title       *string
	Description *string
	Priority    *task.Priority
	DueAt       *time.Time
	ClearDueAt  bool
	AssigneeIDs *[]int64
	PhotoFileID *string
}

// Update applies an audited edit. When no field actually changes, no
// event is written and changed=false is returned.
func (s *Service) Update(ctx context.Context, actor task.Actor, taskID int64, patch UpdatePatch) (changed bool, err error) {
	if !actor.Elevated() {
		return false, task.ErrForbidden
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}

		before, err := s.snapshot(ctx, tx, t)
		if err != nil {
			return err
		}

		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return fmt.Errorf("update task: empty title")
			}
			t.Title = title
		}
		if patch.Description != nil {
			t.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.Priority != nil {
			if !patch.Priority.Valid() {
				return fmt.Errorf("update task: invalid priority %q", *patch.Priority)
			}
			t.Priority = *patch.Priority
		}
		if patch.ClearDueAt {
			t.DueAt = nil
		} else if patch.DueAt != nil {
			due := *patch.DueAt
			t.DueAt = &due
		}
		if patch.AssigneeIDs != nil {
			t.AssigneeIDs = dedupeIDs(*patch.AssigneeIDs)
		}
		if patch.PhotoFileID != nil {
			t.PhotoFileID = *patch.PhotoFileID
		}

		after, err := s.snapshot(ctx, tx, t)
		if err != nil {
			return err
		}
		changes := task.Diff(before, after)
		if len(changes) == 0 {
			return nil
		}

		t.UpdatedAt = s.now()
		if err := tx.UpdateTaskFields(ctx, t); err != nil {
			return err
		}
		if patch.AssigneeIDs != nil {
			if err := tx.SetAssignees(ctx, t.ID, t.AssigneeIDs); err != nil {
				return err
			}
		}
		if _, err := s.appendEvent(ctx, tx, t.ID, actor.ID, task.EventEdited, task.EditedPayload{Changes: changes}); err != nil {
			return err
		}

		changed = true
		s.log.Info("task edited", logx.Int64("task", t.ID), logx.Int64("actor", actor.ID), logx.Int("changes", len(changes)))
		return nil
	})
	return changed, err
}

// Remind enqueues a manual reminder for the task's executors. A
// store-backed per-task cooldown keeps repeated nudges from flooding
// recipients, and behaves the same across scaled-out instances.
func (s *Service) Remind(ctx context.Context, actor task.Actor, taskID int64) error {
	enqueued := false
	err := s.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if !actor.Elevated() && t.CreatedBy != actor.ID {
			return task.ErrForbidden
		}

		now := s.now()
		if last, ok, err := tx.LastRemindEnqueuedAt(ctx, t.ID); err != nil {
			return err
		} else if ok && now.Sub(last) < s.remindCooldown {
			return ErrRemindCooldown
		}

		for _, rid := range excludeID(t.ExecutorIDs(), actor.ID) {
			res, err := s.sched.Enqueue(ctx, tx, notify.Input{
				TaskID:      t.ID,
				RecipientID: rid,
				Payload:     notify.Payload{Remind: &notify.RemindPayload{ActorName: actor.Name}},
				DedupeKey:   fmt.Sprintf("remind:%d:%d", t.ID, now.Unix()),
			})
			if err != nil {
				return err
			}
			enqueued = enqueued || res.Created
		}
		return nil
	})
	if err != nil {
		return err
	}
	if enqueued {
		s.store.Wake(ctx)
	}
	return nil
}

// Permissions exposes the evaluator over a loaded task for front-ends
// that render action buttons.
func (s *Service) Permissions(t *task.Task, actor task.Actor) task.Permissions {
	return s.permissions(t, actor)
}

func (s *Service) permissions(t *task.Task, actor task.Actor) task.Permissions {
	starter := int64(0)
	if t.StartedBy != nil {
		starter = *t.StartedBy
	}
	return task.Evaluate(task.PermissionInput{
		Status:      t.Status,
		ActorID:     actor.ID,
		CreatorID:   t.CreatedBy,
		AssigneeIDs: t.AssigneeIDs,
		StarterID:   starter,
		IsAdmin:     actor.IsAdmin,
		IsManager:   actor.IsManager,
	})
}

func (s *Service) appendEvent(ctx context.Context, tx Tx, taskID, actorID int64, kind task.EventKind, payload any) (int64, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode %s event: %w", kind, err)
		}
		raw = b
	}
	return tx.InsertEvent(ctx, &task.Event{
		TaskID:    taskID,
		ActorID:   actorID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: s.now(),
	})
}

func (s *Service) snapshot(ctx context.Context, tx Tx, t *task.Task) (task.Snapshot, error) {
	names, err := tx.UserNames(ctx, t.AssigneeIDs)
	if err != nil {
		return task.Snapshot{}, err
	}
	refs := make([]task.AssigneeRef, 0, len(t.AssigneeIDs))
	for _, id := range t.AssigneeIDs {
		refs = append(refs, task.AssigneeRef{ID: id, Name: names[id]})
	}
	var due *time.Time
	if t.DueAt != nil {
		d := *t.DueAt
		due = &d
	}
	return task.Snapshot{
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		DueAt:       due,
		Status:      t.Status,
		Assignees:   refs,
		HasPhoto:    t.PhotoFileID != "",
	}, nil
}

// statusChangeRecipients is the executor set minus the actor; entering
// review additionally notifies the creator so they can accept or send
// back.
func statusChangeRecipients(t *task.Task, actorID int64, to task.Status) []int64 {
	set := map[int64]struct{}{}
	for _, id := range t.ExecutorIDs() {
		set[id] = struct{}{}
	}
	if to == task.StatusReview && t.CreatedBy > 0 {
		set[t.CreatedBy] = struct{}{}
	}
	delete(set, actorID)
	return sortedIDs(set)
}

// commentRecipients is the executor set plus the creator, excluding the
// author unless notifySelf is set.
func commentRecipients(t *task.Task, authorID int64, notifySelf bool) []int64 {
	set := map[int64]struct{}{}
	for _, id := range t.ExecutorIDs() {
		set[id] = struct{}{}
	}
	if t.CreatedBy > 0 {
		set[t.CreatedBy] = struct{}{}
	}
	if !notifySelf {
		delete(set, authorID)
	}
	return sortedIDs(set)
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		if id > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupeIDs(ids []int64) []int64 {
	set := map[int64]struct{}{}
	for _, id := range ids {
		if id > 0 {
			set[id] = struct{}{}
		}
	}
	return sortedIDs(set)
}

func excludeID(ids []int64, drop int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
