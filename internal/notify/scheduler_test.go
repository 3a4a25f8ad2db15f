package notify

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type fakeQueue struct {
	rows   map[string]int64 // "recipient/key" -> id
	nextID int64
	last   *Notification

	conflictNext bool // simulate a concurrent winner on the next insert
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{rows: map[string]int64{}, nextID: 1}
}

func (f *fakeQueue) key(recipientID int64, dedupeKey string) string {
	return fmt.Sprintf("%d/%s", recipientID, dedupeKey)
}

func (f *fakeQueue) FindNotificationByDedupe(_ context.Context, recipientID int64, dedupeKey string) (int64, bool, error) {
	id, ok := f.rows[f.key(recipientID, dedupeKey)]
	return id, ok, nil
}

func (f *fakeQueue) InsertNotification(_ context.Context, n *Notification) (int64, error) {
	k := f.key(n.RecipientID, n.DedupeKey)
	if f.conflictNext {
		f.conflictNext = false
		f.rows[k] = 99
		return 0, nil
	}
	if _, ok := f.rows[k]; ok {
		return 0, nil
	}
	id := f.nextID
	f.nextID++
	f.rows[k] = id
	cp := *n
	cp.ID = id
	f.last = &cp
	return id, nil
}

func testScheduler(now time.Time) *Scheduler {
	s := NewScheduler(MustWindow("08:00", "22:00", "UTC"))
	s.now = func() time.Time { return now }
	return s
}

func TestEnqueueInsertsPendingRow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := testScheduler(now)
	q := newFakeQueue()

	res, err := s.Enqueue(context.Background(), q, Input{
		TaskID:      7,
		RecipientID: 42,
		Payload:     Payload{Created: &CreatedPayload{ActorName: "Olga"}},
		DedupeKey:   "created:7",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !res.Created || res.ID == 0 {
		t.Fatalf("result = %+v, want created with id", res)
	}

	n := q.last
	if n == nil {
		t.Fatalf("nothing inserted")
	}
	if n.Status != StatePending || n.Attempts != 0 {
		t.Fatalf("row = status %q attempts %d, want pending/0", n.Status, n.Attempts)
	}
	if n.Type != TypeCreated {
		t.Fatalf("type = %q, want %q", n.Type, TypeCreated)
	}
	if !n.ScheduledAt.Equal(now) {
		t.Fatalf("scheduled_at = %v, want %v (inside window)", n.ScheduledAt, now)
	}
	if n.DedupeKey == "created:7" || n.DedupeKey == "" {
		t.Fatalf("dedupe key %q was not hashed", n.DedupeKey)
	}
}

func TestEnqueueOutsideWindowDefersToWindowStart(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 15, 0, 0, time.UTC)
	s := testScheduler(now)
	q := newFakeQueue()

	if _, err := s.Enqueue(context.Background(), q, Input{
		TaskID:      7,
		RecipientID: 42,
		Payload:     Payload{Remind: &RemindPayload{}},
		DedupeKey:   "remind:7:2026-03-10",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	want := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	if !q.last.ScheduledAt.Equal(want) {
		t.Fatalf("scheduled_at = %v, want %v", q.last.ScheduledAt, want)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := testScheduler(now)
	q := newFakeQueue()
	in := Input{
		TaskID:      7,
		RecipientID: 42,
		Payload:     Payload{Comment: &CommentPayload{CommentID: 3}},
		DedupeKey:   "comment:3",
	}

	first, err := s.Enqueue(context.Background(), q, in)
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	second, err := s.Enqueue(context.Background(), q, in)
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if second.Created {
		t.Fatalf("second enqueue created a new row")
	}
	if second.ID != first.ID {
		t.Fatalf("second id = %d, want %d", second.ID, first.ID)
	}
	if len(q.rows) != 1 {
		t.Fatalf("queue holds %d rows, want 1", len(q.rows))
	}
}

func TestEnqueueSameKeyDifferentRecipients(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := testScheduler(now)
	q := newFakeQueue()

	for _, rid := range []int64{42, 43} {
		res, err := s.Enqueue(context.Background(), q, Input{
			TaskID:      7,
			RecipientID: rid,
			Payload:     Payload{Created: &CreatedPayload{}},
			DedupeKey:   "created:7",
		})
		if err != nil {
			t.Fatalf("Enqueue recipient %d: %v", rid, err)
		}
		if !res.Created {
			t.Fatalf("recipient %d deduped against another recipient", rid)
		}
	}
}

func TestEnqueueConflictReReadsWinner(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := testScheduler(now)
	q := newFakeQueue()
	q.conflictNext = true

	res, err := s.Enqueue(context.Background(), q, Input{
		TaskID:      7,
		RecipientID: 42,
		Payload:     Payload{Created: &CreatedPayload{}},
		DedupeKey:   "created:7",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if res.Created || res.ID != 99 {
		t.Fatalf("result = %+v, want existing id 99", res)
	}
}

func TestEnqueueEmptyPayloadFails(t *testing.T) {
	s := testScheduler(time.Now())
	if _, err := s.Enqueue(context.Background(), newFakeQueue(), Input{TaskID: 1, RecipientID: 2}); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestHashDedupeKeyStableAndDistinct(t *testing.T) {
	a := HashDedupeKey("status:41")
	b := HashDedupeKey("status:41")
	c := HashDedupeKey("status:42")
	if a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("distinct keys collided: %q", a)
	}
	if HashDedupeKey("") != "" {
		t.Fatalf("empty key must stay empty")
	}
}
