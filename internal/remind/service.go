// Package remind runs the scheduled due-date reminder job: on each
// cron tick it finds unfinished tasks whose due date falls inside the
// horizon and enqueues one reminder per executor per day.
package remind

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"opsbot/internal/notify"
	"opsbot/internal/task"
	"opsbot/internal/taskflow"
	"opsbot/pkg/logx"
)

// Store is taskflow's store surface plus the due-task listing the job
// sweeps over.
type Store interface {
	taskflow.Store
	DueTasks(ctx context.Context, cutoff time.Time) ([]*task.Task, error)
}

type Config struct {
	Spec      string        // cron spec, default "0 * * * *"
	DueWithin time.Duration // horizon ahead of now, default 24h
	Timezone  string
}

type Service struct {
	cfg   Config
	store Store
	sched *notify.Scheduler
	log   logx.Logger

	mu  sync.Mutex
	c   *cron.Cron
	now func() time.Time
}

func New(cfg Config, store Store, sched *notify.Scheduler, log logx.Logger) *Service {
	if cfg.Spec == "" {
		cfg.Spec = "0 * * * *"
	}
	if cfg.DueWithin <= 0 {
		cfg.DueWithin = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		store: store,
		sched: sched,
		log:   log.With(logx.String("comp", "remind")),
		now:   time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := time.Local
	if tz := s.cfg.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("remind: load timezone %q: %w", tz, err)
		}
		loc = l
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("remind: cron spec %q: %w", s.cfg.Spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("spec", s.cfg.Spec), logx.Duration("due_within", s.cfg.DueWithin))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// sweep enqueues due reminders. The per-day dedupe key makes the job
// idempotent across ticks and restarts.
func (s *Service) sweep(ctx context.Context) {
	now := s.now()
	tasks, err := s.store.DueTasks(ctx, now.Add(s.cfg.DueWithin))
	if err != nil {
		s.log.Error("due task sweep failed", logx.Err(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	day := now.Format("2006-01-02")
	enqueued := 0
	for _, t := range tasks {
		recipients := t.ExecutorIDs()
		if len(recipients) == 0 && t.CreatedBy > 0 {
			// Unclaimed common task: nudge the creator instead.
			recipients = []int64{t.CreatedBy}
		}
		for _, rid := range recipients {
			taskID, recipientID := t.ID, rid
			err := s.store.WithTx(ctx, func(tx taskflow.Tx) error {
				res, err := s.sched.Enqueue(ctx, tx, notify.Input{
					TaskID:      taskID,
					RecipientID: recipientID,
					Payload:     notify.Payload{Remind: &notify.RemindPayload{}},
					DedupeKey:   fmt.Sprintf("remind:%d:%s", taskID, day),
				})
				if err == nil && res.Created {
					enqueued++
				}
				return err
			})
			if err != nil {
				s.log.Error("reminder enqueue failed",
					logx.Int64("task", taskID), logx.Int64("recipient", recipientID), logx.Err(err))
			}
		}
	}
	if enqueued > 0 {
		s.store.Wake(ctx)
		s.log.Info("reminders enqueued", logx.Int("count", enqueued), logx.Int("due_tasks", len(tasks)))
	}
}
