package taskflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"opsbot/internal/notify"
	"opsbot/internal/task"
	"opsbot/pkg/logx"
)

// memStore is an in-memory Store/Tx for service tests. Transactions are
// not isolated; tests are sequential.
type memStore struct {
	tasks     map[int64]*task.Task
	events    []task.Event
	comments  []task.Comment
	photos    map[int64][]string
	queue     map[string]*notify.Notification // "recipient/key"
	names     map[int64]string
	nextID    int64
	wakes     int
	remindLog map[int64]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		tasks:     map[int64]*task.Task{},
		photos:    map[int64][]string{},
		queue:     map[string]*notify.Notification{},
		names:     map[int64]string{},
		nextID:    1,
		remindLog: map[int64]time.Time{},
	}
}

func (m *memStore) WithTx(_ context.Context, fn func(tx Tx) error) error { return fn(m) }
func (m *memStore) Wake(context.Context)                                 { m.wakes++ }

func (m *memStore) id() int64 { id := m.nextID; m.nextID++; return id }

func (m *memStore) GetTaskForUpdate(_ context.Context, id int64) (*task.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) InsertTask(_ context.Context, t *task.Task) (int64, error) {
	id := m.id()
	cp := *t
	cp.ID = id
	m.tasks[id] = &cp
	return id, nil
}

func (m *memStore) SetAssignees(_ context.Context, taskID int64, userIDs []int64) error {
	m.tasks[taskID].AssigneeIDs = append([]int64(nil), userIDs...)
	return nil
}

func (m *memStore) UpdateTaskLifecycle(_ context.Context, t *task.Task) error {
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) UpdateTaskFields(_ context.Context, t *task.Task) error {
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, e *task.Event) (int64, error) {
	e.ID = m.id()
	m.events = append(m.events, *e)
	return e.ID, nil
}

func (m *memStore) InsertComment(_ context.Context, c *task.Comment) (int64, error) {
	c.ID = m.id()
	m.comments = append(m.comments, *c)
	return c.ID, nil
}

func (m *memStore) InsertCommentPhotos(_ context.Context, commentID int64, fileIDs []string) error {
	m.photos[commentID] = append([]string(nil), fileIDs...)
	return nil
}

func (m *memStore) UserNames(_ context.Context, userIDs []int64) (map[int64]string, error) {
	out := map[int64]string{}
	for _, id := range userIDs {
		if n, ok := m.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (m *memStore) LastRemindEnqueuedAt(_ context.Context, taskID int64) (time.Time, bool, error) {
	at, ok := m.remindLog[taskID]
	return at, ok, nil
}

func (m *memStore) FindNotificationByDedupe(_ context.Context, recipientID int64, key string) (int64, bool, error) {
	n, ok := m.queue[fmt.Sprintf("%d/%s", recipientID, key)]
	if !ok {
		return 0, false, nil
	}
	return n.ID, true, nil
}

func (m *memStore) InsertNotification(_ context.Context, n *notify.Notification) (int64, error) {
	k := fmt.Sprintf("%d/%s", n.RecipientID, n.DedupeKey)
	if _, ok := m.queue[k]; ok {
		return 0, nil
	}
	cp := *n
	cp.ID = m.id()
	m.queue[k] = &cp
	if cp.Type == notify.TypeRemind {
		m.remindLog[cp.TaskID] = cp.CreatedAt
	}
	return cp.ID, nil
}

func (m *memStore) recipients() map[int64][]notify.Type {
	out := map[int64][]notify.Type{}
	for _, n := range m.queue {
		out[n.RecipientID] = append(out[n.RecipientID], n.Type)
	}
	return out
}

func newTestService(m *memStore) *Service {
	sched := notify.NewScheduler(notify.MustWindow("00:01", "23:59", "UTC"))
	return New(m, sched, 10*time.Minute, logx.Nop())
}

var (
	admin    = task.Actor{ID: 1, Name: "Olga", IsAdmin: true}
	worker   = task.Actor{ID: 3, Name: "Ivan"}
	coworker = task.Actor{ID: 4, Name: "Pavel"}
	outsider = task.Actor{ID: 9, Name: "Gleb"}
)

func seedTask(m *memStore, status task.Status, assignees ...int64) int64 {
	id := m.id()
	m.tasks[id] = &task.Task{
		ID:          id,
		Title:       "Check boiler",
		Status:      status,
		Priority:    task.PriorityNormal,
		CreatedBy:   admin.ID,
		AssigneeIDs: assignees,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	return id
}

func TestCreateNotifiesAssigneesExceptActor(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)

	created, err := svc.Create(context.Background(), admin, CreateInput{
		Title:       "Check boiler",
		AssigneeIDs: []int64{worker.ID, coworker.ID, admin.ID},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != task.StatusNew {
		t.Fatalf("status = %s, want new", created.Status)
	}

	rec := m.recipients()
	if len(rec[worker.ID]) != 1 || len(rec[coworker.ID]) != 1 {
		t.Fatalf("assignees not notified: %+v", rec)
	}
	if len(rec[admin.ID]) != 0 {
		t.Fatalf("actor notified about their own action: %+v", rec)
	}
	if m.wakes != 1 {
		t.Fatalf("wakes = %d, want 1", m.wakes)
	}
	if len(m.events) != 1 || m.events[0].Kind != task.EventCreated {
		t.Fatalf("events = %+v, want one created event", m.events)
	}
}

func TestCreateRequiresElevation(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	if _, err := svc.Create(context.Background(), worker, CreateInput{Title: "x"}); !errors.Is(err, task.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestStatusChangeTwoAssignees(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusNew, worker.ID, coworker.ID)

	got, err := svc.SubmitStatusChange(context.Background(), worker, id, task.StatusInProgress, "")
	if err != nil {
		t.Fatalf("SubmitStatusChange: %v", err)
	}
	if got != task.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got)
	}

	rec := m.recipients()
	if len(rec[coworker.ID]) != 1 {
		t.Fatalf("co-assignee not notified: %+v", rec)
	}
	if len(rec[worker.ID]) != 0 {
		t.Fatalf("actor notified about their own transition: %+v", rec)
	}
	// Assigned task: no starter stamp.
	if m.tasks[id].StartedBy != nil {
		t.Fatalf("assigned task recorded a starter: %+v", m.tasks[id])
	}
}

func TestCommonTaskStarterExclusivity(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusNew) // no assignees

	if _, err := svc.SubmitStatusChange(context.Background(), outsider, id, task.StatusInProgress, ""); err != nil {
		t.Fatalf("take common task: %v", err)
	}
	got := m.tasks[id]
	if got.StartedBy == nil || *got.StartedBy != outsider.ID {
		t.Fatalf("starter = %v, want %d", got.StartedBy, outsider.ID)
	}
	if got.StartedAt == nil {
		t.Fatalf("started_at not stamped")
	}

	// Only the starter may move the claimed common task to review.
	if _, err := svc.SubmitStatusChange(context.Background(), worker, id, task.StatusReview, ""); !errors.Is(err, task.ErrForbidden) {
		t.Fatalf("non-starter finish err = %v, want ErrForbidden", err)
	}
	if _, err := svc.SubmitStatusChange(context.Background(), outsider, id, task.StatusReview, ""); err != nil {
		t.Fatalf("starter finish: %v", err)
	}
}

func TestReviewNotifiesCreator(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusInProgress, worker.ID)

	if _, err := svc.SubmitStatusChange(context.Background(), worker, id, task.StatusReview, ""); err != nil {
		t.Fatalf("SubmitStatusChange: %v", err)
	}
	rec := m.recipients()
	if len(rec[admin.ID]) != 1 {
		t.Fatalf("creator not notified on review entry: %+v", rec)
	}
	got := m.tasks[id]
	if got.CompletedBy == nil || *got.CompletedBy != worker.ID || got.CompletedAt == nil {
		t.Fatalf("completion not stamped: %+v", got)
	}
}

func TestReworkRequiresCommentAndStoresIt(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusReview, worker.ID)

	_, err := svc.SubmitStatusChange(context.Background(), admin, id, task.StatusInProgress, "  ")
	if !errors.Is(err, task.ErrCommentRequired) {
		t.Fatalf("blank comment err = %v, want ErrCommentRequired", err)
	}
	if len(m.comments) != 0 || len(m.events) != 0 || len(m.queue) != 0 {
		t.Fatalf("rejected rework mutated state: %d comments, %d events, %d notifications",
			len(m.comments), len(m.events), len(m.queue))
	}

	if _, err := svc.SubmitStatusChange(context.Background(), admin, id, task.StatusInProgress, "valve 12 still leaks"); err != nil {
		t.Fatalf("rework: %v", err)
	}
	if len(m.comments) != 1 || m.comments[0].Text != "valve 12 still leaks" {
		t.Fatalf("rework comment not stored: %+v", m.comments)
	}

	// The notification payload must force a new message and carry the
	// literal comment.
	var found bool
	for _, n := range m.queue {
		p, err := notify.DecodePayload(n.Type, n.Payload)
		if err != nil || p.StatusChanged == nil {
			continue
		}
		found = true
		if p.StatusChanged.Action != notify.ActionReturnToRework {
			t.Fatalf("action = %q, want %q", p.StatusChanged.Action, notify.ActionReturnToRework)
		}
		if p.StatusChanged.Comment != "valve 12 still leaks" {
			t.Fatalf("comment = %q", p.StatusChanged.Comment)
		}
	}
	if !found {
		t.Fatalf("no status change notification enqueued: %+v", m.queue)
	}
}

func TestArchiveAndUnarchiveStamps(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusDone, worker.ID)

	if _, err := svc.SubmitStatusChange(context.Background(), admin, id, task.StatusArchived, ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if m.tasks[id].ArchivedAt == nil {
		t.Fatalf("archived_at not stamped")
	}
	if k := m.events[len(m.events)-1].Kind; k != task.EventArchived {
		t.Fatalf("event kind = %s, want archived", k)
	}

	if _, err := svc.SubmitStatusChange(context.Background(), admin, id, task.StatusDone, ""); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	got := m.tasks[id]
	if got.Status != task.StatusDone || got.ArchivedAt != nil {
		t.Fatalf("unarchive left %s / %v, want done / nil", got.Status, got.ArchivedAt)
	}
	if k := m.events[len(m.events)-1].Kind; k != task.EventUnarchived {
		t.Fatalf("event kind = %s, want unarchived", k)
	}
}

func TestAddCommentFanOut(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusInProgress, worker.ID, coworker.ID)

	c, err := svc.AddComment(context.Background(), worker, id, "half done", []string{"photo-a", "photo-b"}, false)
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if got := m.photos[c.ID]; len(got) != 2 {
		t.Fatalf("photos = %v, want 2", got)
	}

	rec := m.recipients()
	if len(rec[coworker.ID]) != 1 || len(rec[admin.ID]) != 1 {
		t.Fatalf("comment fan-out = %+v, want co-assignee and creator", rec)
	}
	if len(rec[worker.ID]) != 0 {
		t.Fatalf("author notified without notifySelf: %+v", rec)
	}
}

func TestAddCommentEmptyRejected(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusInProgress, worker.ID)

	if _, err := svc.AddComment(context.Background(), worker, id, "   ", nil, false); !errors.Is(err, task.ErrCommentRequired) {
		t.Fatalf("err = %v, want ErrCommentRequired", err)
	}
}

func TestUpdateWritesAuditEventOnlyOnChange(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusNew, worker.ID)
	m.names[worker.ID] = "Ivan"

	// Same title: no-op.
	same := "Check boiler"
	changed, err := svc.Update(context.Background(), admin, id, UpdatePatch{Title: &same})
	if err != nil {
		t.Fatalf("no-op Update: %v", err)
	}
	if changed || len(m.events) != 0 {
		t.Fatalf("no-op edit produced changes (%v) or events (%d)", changed, len(m.events))
	}

	title := "Check boiler and pump"
	urgent := task.PriorityUrgent
	changed, err = svc.Update(context.Background(), admin, id, UpdatePatch{Title: &title, Priority: &urgent})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !changed {
		t.Fatalf("edit reported no change")
	}
	if len(m.events) != 1 || m.events[0].Kind != task.EventEdited {
		t.Fatalf("events = %+v, want one edited event", m.events)
	}
	if m.tasks[id].Title != title || m.tasks[id].Priority != urgent {
		t.Fatalf("task not updated: %+v", m.tasks[id])
	}
}

func TestUpdateForbiddenForRegularUsers(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusNew, worker.ID)

	title := "hijack"
	if _, err := svc.Update(context.Background(), worker, id, UpdatePatch{Title: &title}); !errors.Is(err, task.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestRemindCooldown(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	id := seedTask(m, task.StatusInProgress, worker.ID)

	if err := svc.Remind(context.Background(), admin, id); err != nil {
		t.Fatalf("first Remind: %v", err)
	}
	if err := svc.Remind(context.Background(), admin, id); !errors.Is(err, ErrRemindCooldown) {
		t.Fatalf("second Remind err = %v, want ErrRemindCooldown", err)
	}
}

func TestStatusChangeUnknownTask(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m)
	if _, err := svc.SubmitStatusChange(context.Background(), admin, 404, task.StatusArchived, ""); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}
