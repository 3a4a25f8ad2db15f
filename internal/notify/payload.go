// Package notify implements the notification engine: the enqueue
// scheduler (delivery-window gating + dedup) and the delivery worker
// (poll, render, send-or-edit, retry).
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"opsbot/internal/task"
	"opsbot/internal/transport"
)

type Type string

const (
	TypeCreated       Type = "created"
	TypeStatusChanged Type = "status_changed"
	TypeComment       Type = "comment"
	TypeRemind        Type = "remind"
)

// ActionReturnToRework marks a status_changed notification produced by
// a send-back-to-rework transition. The worker always sends a fresh
// message for it so the rework reason is never merged into a stale one.
const ActionReturnToRework = "return_to_rework"

type State string

const (
	StatePending State = "pending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Notification is one delivery queue row. Rows are never deleted; they
// are the audit trail of delivery attempts.
type Notification struct {
	ID          int64
	TaskID      int64
	RecipientID int64
	Type        Type
	Payload     []byte
	Status      State
	Attempts    int
	ScheduledAt time.Time
	NextRetryAt *time.Time
	SentAt      *time.Time
	Error       string
	DedupeKey   string

	// Message records which external message this row produced, so a
	// later notification for the same (task, recipient) can edit it.
	Message transport.MessageRef

	CreatedAt time.Time
}

type CreatedPayload struct {
	ActorName string `json:"actor_name,omitempty"`
}

type StatusChangedPayload struct {
	From      task.Status `json:"from"`
	To        task.Status `json:"to"`
	Comment   string      `json:"comment,omitempty"`
	Action    string      `json:"action,omitempty"`
	ActorName string      `json:"actor_name,omitempty"`
	EventID   int64       `json:"event_id,omitempty"`
}

type CommentPayload struct {
	CommentID  int64  `json:"comment_id"`
	Text       string `json:"text,omitempty"`
	PhotoCount int    `json:"photo_count,omitempty"`
	ActorName  string `json:"actor_name,omitempty"`
}

type RemindPayload struct {
	ActorName string `json:"actor_name,omitempty"`
}

// Payload is a tagged union over the notification payload variants.
// Exactly one field is non-nil; the tag doubles as the row's type
// column so the worker can decode without probing keys.
type Payload struct {
	Created       *CreatedPayload
	StatusChanged *StatusChangedPayload
	Comment       *CommentPayload
	Remind        *RemindPayload
}

// Type returns the tag of the set variant.
func (p Payload) Type() (Type, bool) {
	switch {
	case p.Created != nil:
		return TypeCreated, true
	case p.StatusChanged != nil:
		return TypeStatusChanged, true
	case p.Comment != nil:
		return TypeComment, true
	case p.Remind != nil:
		return TypeRemind, true
	}
	return "", false
}

// Encode serializes the set variant to JSON.
func (p Payload) Encode() ([]byte, error) {
	switch {
	case p.Created != nil:
		return json.Marshal(p.Created)
	case p.StatusChanged != nil:
		return json.Marshal(p.StatusChanged)
	case p.Comment != nil:
		return json.Marshal(p.Comment)
	case p.Remind != nil:
		return json.Marshal(p.Remind)
	}
	return nil, fmt.Errorf("notify: empty payload")
}

// DecodePayload parses raw JSON into the variant selected by typ.
func DecodePayload(typ Type, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch typ {
	case TypeCreated:
		v := &CreatedPayload{}
		if err := json.Unmarshal(raw, v); err != nil {
			return Payload{}, fmt.Errorf("decode created payload: %w", err)
		}
		return Payload{Created: v}, nil
	case TypeStatusChanged:
		v := &StatusChangedPayload{}
		if err := json.Unmarshal(raw, v); err != nil {
			return Payload{}, fmt.Errorf("decode status_changed payload: %w", err)
		}
		return Payload{StatusChanged: v}, nil
	case TypeComment:
		v := &CommentPayload{}
		if err := json.Unmarshal(raw, v); err != nil {
			return Payload{}, fmt.Errorf("decode comment payload: %w", err)
		}
		return Payload{Comment: v}, nil
	case TypeRemind:
		v := &RemindPayload{}
		if err := json.Unmarshal(raw, v); err != nil {
			return Payload{}, fmt.Errorf("decode remind payload: %w", err)
		}
		return Payload{Remind: v}, nil
	}
	return Payload{}, fmt.Errorf("decode payload: unknown type %q", typ)
}
