package notify

import (
	"fmt"
	"strings"

	"opsbot/internal/task"
	"opsbot/internal/transport"
)

// Renderer turns a notification into transport-ready text. The task may
// be nil when it can no longer be loaded; implementations must fall
// back to the payload in that case.
type Renderer interface {
	Render(t *task.Task, n *Notification, p Payload) (string, *transport.SendOptions)
}

// TextRenderer is the default plain-text renderer.
type TextRenderer struct {
	// Location formats due dates; nil falls back to the time value's
	// own location.
	Location string
}

const commentSnippetMax = 700

func (r TextRenderer) Render(t *task.Task, n *Notification, p Payload) (string, *transport.SendOptions) {
	opt := &transport.SendOptions{DisablePreview: true}

	base := r.taskBlock(t, n.TaskID)

	var b strings.Builder
	switch {
	case p.Created != nil:
		b.WriteString("🆕 New task\n\n")
		b.WriteString(base)
		writeActor(&b, "Created by", p.Created.ActorName)

	case p.StatusChanged != nil:
		sc := p.StatusChanged
		if sc.Action == ActionReturnToRework {
			b.WriteString("↩️ Task returned for rework\n\n")
		} else {
			b.WriteString("🔔 Status changed\n\n")
		}
		b.WriteString(base)
		fmt.Fprintf(&b, "\n\nWas: %s\nNow: %s", sc.From.Label(), sc.To.Label())
		writeActor(&b, "Changed by", sc.ActorName)
		if c := strings.TrimSpace(sc.Comment); c != "" {
			fmt.Fprintf(&b, "\n\nComment:\n%s", c)
		}

	case p.Comment != nil:
		c := p.Comment
		b.WriteString("💬 New comment\n\n")
		b.WriteString(base)
		writeActor(&b, "Author", c.ActorName)
		if s := snippet(c.Text); s != "" {
			fmt.Fprintf(&b, "\n\nText:\n%s", s)
		}
		if c.PhotoCount > 0 {
			fmt.Fprintf(&b, "\n📷 Photos: %d", c.PhotoCount)
		}

	case p.Remind != nil:
		b.WriteString("🔔 Reminder\n\n")
		b.WriteString(base)
		writeActor(&b, "Requested by", p.Remind.ActorName)

	default:
		b.WriteString("🔔 Notification\n\n")
		b.WriteString(base)
	}

	return b.String(), opt
}

func (r TextRenderer) taskBlock(t *task.Task, taskID int64) string {
	if t == nil {
		return fmt.Sprintf("Task #%d", taskID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nStatus: %s\nPriority: %s", strings.TrimSpace(t.Title), t.Status.Label(), t.Priority.Label())
	if t.DueAt != nil {
		fmt.Fprintf(&b, "\nDue: %s", t.DueAt.Format("02.01.2006 15:04"))
	}
	return b.String()
}

func writeActor(b *strings.Builder, label, name string) {
	if strings.TrimSpace(name) == "" {
		return
	}
	fmt.Fprintf(b, "\n\n%s: %s", label, name)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > commentSnippetMax {
		rs := []rune(s)
		if len(rs) > commentSnippetMax {
			return string(rs[:commentSnippetMax]) + "…"
		}
	}
	return s
}
