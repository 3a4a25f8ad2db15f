package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Queue is the slice of the store the scheduler needs. It is satisfied
// by a transaction handle so the enqueue shares the transaction of the
// task mutation it reports.
type Queue interface {
	FindNotificationByDedupe(ctx context.Context, recipientID int64, dedupeKey string) (int64, bool, error)
	InsertNotification(ctx context.Context, n *Notification) (int64, error)
}

// Input describes one notification to enqueue. The dedupe key is the
// caller's identity for the logical event (e.g. "status:41",
// "comment:7"); it is hashed before storage.
type Input struct {
	TaskID      int64
	RecipientID int64
	Payload     Payload
	DedupeKey   string
}

type EnqueueResult struct {
	Created bool
	ID      int64
}

// Scheduler computes the earliest allowed send time and inserts a
// de-duplicated pending queue row. Enqueueing the same (recipient,
// dedupe key) twice is an idempotent no-op returning the original row.
type Scheduler struct {
	mu     sync.Mutex
	window Window

	now func() time.Time
}

func NewScheduler(w Window) *Scheduler {
	return &Scheduler{window: w, now: time.Now}
}

// SetWindow swaps the delivery window at runtime (config reload).
func (s *Scheduler) SetWindow(w Window) {
	s.mu.Lock()
	s.window = w
	s.mu.Unlock()
}

func (s *Scheduler) Enqueue(ctx context.Context, q Queue, in Input) (EnqueueResult, error) {
	typ, ok := in.Payload.Type()
	if !ok {
		return EnqueueResult{}, fmt.Errorf("enqueue notification: empty payload")
	}
	raw, err := in.Payload.Encode()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue notification: %w", err)
	}

	key := HashDedupeKey(in.DedupeKey)
	if key != "" {
		id, found, err := q.FindNotificationByDedupe(ctx, in.RecipientID, key)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("dedupe lookup: %w", err)
		}
		if found {
			return EnqueueResult{Created: false, ID: id}, nil
		}
	}

	s.mu.Lock()
	w := s.window
	s.mu.Unlock()
	now := s.now()

	n := &Notification{
		TaskID:      in.TaskID,
		RecipientID: in.RecipientID,
		Type:        typ,
		Payload:     raw,
		Status:      StatePending,
		Attempts:    0,
		ScheduledAt: w.NextAllowedSendAt(now),
		DedupeKey:   key,
		CreatedAt:   now,
	}
	id, err := q.InsertNotification(ctx, n)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert notification: %w", err)
	}
	// id == 0 means the insert hit the unique (recipient, key) constraint
	// because a concurrent caller won the race; re-read the winner.
	if id == 0 && key != "" {
		existing, found, err := q.FindNotificationByDedupe(ctx, in.RecipientID, key)
		if err == nil && found {
			return EnqueueResult{Created: false, ID: existing}, nil
		}
	}
	return EnqueueResult{Created: true, ID: id}, nil
}

// HashDedupeKey maps a caller-chosen key to a short, index-friendly
// stable form. Empty input stays empty (no dedup).
func HashDedupeKey(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
