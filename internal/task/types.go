// Package task holds the task domain model: statuses, permissions and
// the audit differ. Everything here is pure; persistence and
// notification fan-out live in taskflow and notify.
package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusArchived   Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusReview, StatusDone, StatusArchived:
		return true
	}
	return false
}

// Label returns the human-readable status name used in audit lines and
// notification texts.
func (s Status) Label() string {
	switch s {
	case StatusNew:
		return "New"
	case StatusInProgress:
		return "In progress"
	case StatusReview:
		return "In review"
	case StatusDone:
		return "Done"
	case StatusArchived:
		return "Archived"
	}
	return string(s)
}

type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityUrgent   Priority = "urgent"
	PriorityFreeTime Priority = "free_time"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityUrgent, PriorityFreeTime:
		return true
	}
	return false
}

func (p Priority) Label() string {
	switch p {
	case PriorityNormal:
		return "Normal"
	case PriorityUrgent:
		return "Urgent"
	case PriorityFreeTime:
		return "Free time"
	}
	return string(p)
}

type EventKind string

const (
	EventCreated       EventKind = "created"
	EventEdited        EventKind = "edited"
	EventStatusChanged EventKind = "status_changed"
	EventCommentAdded  EventKind = "comment_added"
	EventArchived      EventKind = "archived"
	EventUnarchived    EventKind = "unarchived"
)

// Task is a unit of work. Optional references are pointers with nil
// meaning "not set"; an empty AssigneeIDs slice marks a common task
// claimable by whoever starts it.
type Task struct {
	ID          int64
	Title       string
	Description string
	Status      Status
	Priority    Priority
	DueAt       *time.Time

	CreatedBy   int64
	AssigneeIDs []int64

	StartedBy   *int64
	StartedAt   *time.Time
	CompletedBy *int64
	CompletedAt *time.Time

	PhotoFileID string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
}

// IsCommon reports whether the task has no fixed assignees.
func (t *Task) IsCommon() bool { return len(t.AssigneeIDs) == 0 }

// ExecutorIDs returns the recipients of work-progress notifications:
// the assignees, or (for common tasks) the recorded starter.
func (t *Task) ExecutorIDs() []int64 {
	if len(t.AssigneeIDs) > 0 {
		out := make([]int64, 0, len(t.AssigneeIDs))
		for _, id := range t.AssigneeIDs {
			if id > 0 {
				out = append(out, id)
			}
		}
		return out
	}
	if t.StartedBy != nil && *t.StartedBy > 0 {
		return []int64{*t.StartedBy}
	}
	return nil
}

func (t *Task) HasAssignee(userID int64) bool {
	for _, id := range t.AssigneeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Event is one immutable audit trail row.
type Event struct {
	ID        int64
	TaskID    int64
	ActorID   int64
	Kind      EventKind
	Payload   json.RawMessage
	CreatedAt time.Time
}

// StatusChangePayload is the payload of a status_changed/archived/
// unarchived event.
type StatusChangePayload struct {
	From    Status `json:"from"`
	To      Status `json:"to"`
	Comment string `json:"comment,omitempty"`
}

// CommentAddedPayload is the payload of a comment_added event. The
// comment text itself lives in the comment row; the event records only
// its shape.
type CommentAddedPayload struct {
	CommentID  int64 `json:"comment_id"`
	HasText    bool  `json:"has_text"`
	PhotoCount int   `json:"photo_count"`
}

// EditedPayload carries the audit diff of a task edit.
type EditedPayload struct {
	Changes []FieldChange `json:"changes"`
}

type Comment struct {
	ID        int64
	TaskID    int64
	AuthorID  int64
	Text      string
	CreatedAt time.Time
	EditedAt  *time.Time
}

// Actor is the identity making a lifecycle call. Role flags are
// resolved by the caller (user management is outside this subsystem).
type Actor struct {
	ID        int64
	Name      string
	IsAdmin   bool
	IsManager bool
}

// Elevated reports admin-or-manager; the two roles are treated
// identically throughout the task subsystem.
func (a Actor) Elevated() bool { return a.IsAdmin || a.IsManager }
