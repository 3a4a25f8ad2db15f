package task

import (
	"fmt"
	"strings"
	"time"
)

// Snapshot is the audit-relevant projection of a task, taken before and
// after an edit.
type Snapshot struct {
	Title       string
	Description string
	Priority    Priority
	DueAt       *time.Time
	Status      Status
	Assignees   []AssigneeRef
	HasPhoto    bool
}

type AssigneeRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FieldChange is one audited field-level difference.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
	Human  string `json:"human"`
}

const auditTimeFormat = "02.01.2006 15:04"

// Diff compares two task snapshots and returns the ordered list of
// field changes. An empty result means the edit was a no-op and the
// caller must not write an audit event.
//
// The description is diffed as a changed/unchanged flag only, so long
// free text never ends up in audit payloads.
func Diff(before, after Snapshot) []FieldChange {
	var changes []FieldChange
	add := func(field string, b, a any, human string) {
		changes = append(changes, FieldChange{Field: field, Before: b, After: a, Human: human})
	}

	if before.Title != after.Title {
		add("title", before.Title, after.Title,
			fmt.Sprintf("Title changed: %q → %q", before.Title, after.Title))
	}

	if before.Description != after.Description {
		add("description", textFlag(before.Description), textFlag(after.Description), "Description changed")
	}

	if before.Priority != after.Priority {
		add("priority", string(before.Priority), string(after.Priority),
			fmt.Sprintf("Priority changed: %s → %s", before.Priority.Label(), after.Priority.Label()))
	}

	if !timePtrEqual(before.DueAt, after.DueAt) {
		add("due_at", timePtrISO(before.DueAt), timePtrISO(after.DueAt),
			fmt.Sprintf("Due date changed: %s → %s", fmtDue(before.DueAt), fmtDue(after.DueAt)))
	}

	if before.Status != after.Status {
		add("status", string(before.Status), string(after.Status),
			fmt.Sprintf("Status changed: %s → %s", before.Status.Label(), after.Status.Label()))
	}

	if !assigneeIDsEqual(before.Assignees, after.Assignees) {
		add("assignees", assigneeIDs(before.Assignees), assigneeIDs(after.Assignees),
			fmt.Sprintf("Assignees changed: %s → %s", assigneeNames(before.Assignees), assigneeNames(after.Assignees)))
	}

	if before.HasPhoto != after.HasPhoto {
		if after.HasPhoto {
			add("photo", false, true, "Photo: added")
		} else {
			add("photo", true, false, "Photo: removed")
		}
	}

	return changes
}

// textFlag keeps long free text out of audit payloads.
func textFlag(s string) any {
	if s == "" {
		return nil
	}
	return "<text>"
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UTC().Equal(b.UTC())
}

func timePtrISO(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func fmtDue(t *time.Time) string {
	if t == nil {
		return "—"
	}
	return t.Format(auditTimeFormat)
}

func assigneeIDs(refs []AssigneeRef) []int64 {
	out := make([]int64, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}

func assigneeIDsEqual(a, b []AssigneeRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func assigneeNames(refs []AssigneeRef) string {
	if len(refs) == 0 {
		return "—"
	}
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Name != "" {
			names = append(names, r.Name)
		} else {
			names = append(names, fmt.Sprintf("#%d", r.ID))
		}
	}
	return strings.Join(names, ", ")
}
