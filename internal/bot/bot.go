// Package bot is the inbound Telegram command surface over the task
// lifecycle service. It resolves actors from the access config, keeps
// the users table current so the delivery worker can reach everyone,
// and maps service errors to short operator-facing replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"opsbot/internal/store"
	"opsbot/internal/task"
	"opsbot/internal/taskflow"
	"opsbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	AdminIDs   []int64
	ManagerIDs []int64
}

// Directory is the user store surface the bot needs.
type Directory interface {
	UpsertUser(ctx context.Context, u store.User) error
	TaskByID(ctx context.Context, id int64) (*task.Task, error)
}

type Bot struct {
	cfg   Config
	bot   *tele.Bot
	flow  *taskflow.Service
	dir   Directory
	log   logx.Logger

	admins   map[int64]bool
	managers map[int64]bool
}

func New(cfg Config, flow *taskflow.Service, dir Directory, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bot: telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		cfg:      cfg,
		bot:      tb,
		flow:     flow,
		dir:      dir,
		log:      log.With(logx.String("comp", "bot")),
		admins:   idSet(cfg.AdminIDs),
		managers: idSet(cfg.ManagerIDs),
	}
	b.route()
	return b, nil
}

func idSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// Run starts long polling and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.bot.Stop()
	}()
	b.log.Info("bot polling")
	b.bot.Start()
	b.log.Info("bot stopped")
}

// actor resolves the sender into a lifecycle actor and refreshes the
// chat binding so notifications can be delivered.
func (b *Bot) actor(c tele.Context) (task.Actor, error) {
	sender := c.Sender()
	if sender == nil {
		return task.Actor{}, errors.New("no sender")
	}
	name := strings.TrimSpace(sender.FirstName + " " + sender.LastName)
	if name == "" {
		name = sender.Username
	}
	a := task.Actor{
		ID:        sender.ID,
		Name:      name,
		IsAdmin:   b.admins[sender.ID],
		IsManager: b.managers[sender.ID],
	}
	if c.Chat() != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.dir.UpsertUser(ctx, store.User{
			ID:        a.ID,
			ChatID:    c.Chat().ID,
			Name:      a.Name,
			IsAdmin:   a.IsAdmin,
			IsManager: a.IsManager,
		}); err != nil {
			b.log.Warn("user upsert failed", logx.Int64("user", a.ID), logx.Err(err))
		}
	}
	return a, nil
}

// replyErr maps domain errors to short human replies.
func replyErr(c tele.Context, err error) error {
	switch {
	case errors.Is(err, task.ErrForbidden):
		return c.Send("You are not allowed to do that.")
	case errors.Is(err, task.ErrCommentRequired):
		return c.Send("A comment is required for this action.")
	case errors.Is(err, task.ErrUnsupportedTransition):
		return c.Send("That status change is not possible from the task's current state.")
	case errors.Is(err, taskflow.ErrTaskNotFound):
		return c.Send("Task not found.")
	case errors.Is(err, taskflow.ErrRemindCooldown):
		return c.Send("A reminder was sent recently, try again later.")
	default:
		return c.Send("Something went wrong, see the logs.")
	}
}
