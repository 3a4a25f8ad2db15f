package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"opsbot/internal/task"
	"opsbot/internal/taskflow"
	"opsbot/pkg/logx"
)

const handlerTimeout = 15 * time.Second

func (b *Bot) route() {
	b.bot.Handle("/start", b.wrap(b.handleStart))
	b.bot.Handle("/task", b.wrap(b.handleNewTask))
	b.bot.Handle("/show", b.wrap(b.handleShow))
	b.bot.Handle("/take", b.statusCmd(task.StatusInProgress))
	b.bot.Handle("/done", b.statusCmd(task.StatusReview))
	b.bot.Handle("/accept", b.statusCmd(task.StatusDone))
	b.bot.Handle("/rework", b.statusCmd(task.StatusInProgress))
	b.bot.Handle("/archive", b.statusCmd(task.StatusArchived))
	b.bot.Handle("/unarchive", b.statusCmd(task.StatusDone))
	b.bot.Handle("/comment", b.wrap(b.handleComment))
	b.bot.Handle("/remind", b.wrap(b.handleRemind))
}

type handler func(ctx context.Context, c tele.Context, actor task.Actor) error

func (b *Bot) wrap(h handler) tele.HandlerFunc {
	return func(c tele.Context) error {
		actor, err := b.actor(c)
		if err != nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := h(ctx, c, actor); err != nil {
			b.log.Warn("command failed",
				logx.String("text", c.Text()), logx.Int64("user", actor.ID), logx.Err(err))
			return replyErr(c, err)
		}
		return nil
	}
}

func (b *Bot) handleStart(ctx context.Context, c tele.Context, actor task.Actor) error {
	return c.Send("Registered. You will receive task notifications here.")
}

// handleNewTask creates a task from "/task title | description".
// Assignees are given as trailing @mentions of user ids, e.g.
// "/task fix boiler | check valve 12345 67890".
func (b *Bot) handleNewTask(ctx context.Context, c tele.Context, actor task.Actor) error {
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		return c.Send("Usage: /task <title> [| description] [assignee ids]")
	}

	title, rest := payload, ""
	if i := strings.Index(payload, "|"); i >= 0 {
		title, rest = strings.TrimSpace(payload[:i]), strings.TrimSpace(payload[i+1:])
	}

	var assignees []int64
	words := strings.Fields(rest)
	for len(words) > 0 {
		id, err := strconv.ParseInt(words[len(words)-1], 10, 64)
		if err != nil {
			break
		}
		assignees = append(assignees, id)
		words = words[:len(words)-1]
	}
	description := strings.Join(words, " ")

	t, err := b.flow.Create(ctx, actor, taskflow.CreateInput{
		Title:       title,
		Description: description,
		AssigneeIDs: assignees,
	})
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf("Task #%d created.", t.ID))
}

func (b *Bot) handleShow(ctx context.Context, c tele.Context, actor task.Actor) error {
	id, _, err := splitIDArg(c.Message().Payload)
	if err != nil {
		return c.Send("Usage: /show <task id>")
	}
	t, err := b.dir.TaskByID(ctx, id)
	if err != nil {
		return taskflow.ErrTaskNotFound
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task #%d: %s\nStatus: %s · Priority: %s\n", t.ID, t.Title, t.Status.Label(), t.Priority.Label())
	if t.Description != "" {
		fmt.Fprintf(&sb, "%s\n", t.Description)
	}
	if t.DueAt != nil {
		fmt.Fprintf(&sb, "Due: %s\n", t.DueAt.Format("02.01.2006 15:04"))
	}
	return c.Send(sb.String())
}

// statusCmd builds a handler for "/cmd <id> [comment]" driving one
// status transition. The comment is mandatory only for rework; the
// service enforces that.
func (b *Bot) statusCmd(to task.Status) tele.HandlerFunc {
	return b.wrap(func(ctx context.Context, c tele.Context, actor task.Actor) error {
		id, comment, err := splitIDArg(c.Message().Payload)
		if err != nil {
			return c.Send("Usage: " + strings.Fields(c.Text())[0] + " <task id> [comment]")
		}
		got, err := b.flow.SubmitStatusChange(ctx, actor, id, to, comment)
		if err != nil {
			return err
		}
		return c.Send(fmt.Sprintf("Task #%d is now %s.", id, got.Label()))
	})
}

func (b *Bot) handleComment(ctx context.Context, c tele.Context, actor task.Actor) error {
	id, text, err := splitIDArg(c.Message().Payload)
	if err != nil || text == "" {
		return c.Send("Usage: /comment <task id> <text>")
	}
	if _, err := b.flow.AddComment(ctx, actor, id, text, nil, false); err != nil {
		return err
	}
	return c.Send("Comment added.")
}

func (b *Bot) handleRemind(ctx context.Context, c tele.Context, actor task.Actor) error {
	id, _, err := splitIDArg(c.Message().Payload)
	if err != nil {
		return c.Send("Usage: /remind <task id>")
	}
	if err := b.flow.Remind(ctx, actor, id); err != nil {
		return err
	}
	return c.Send("Reminder queued.")
}

func splitIDArg(payload string) (int64, string, error) {
	payload = strings.TrimSpace(payload)
	idStr, rest := payload, ""
	if i := strings.IndexByte(payload, ' '); i >= 0 {
		idStr, rest = payload[:i], strings.TrimSpace(payload[i+1:])
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", fmt.Errorf("bad task id %q", idStr)
	}
	return id, rest, nil
}
