package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"opsbot/internal/eventbus"
	"opsbot/internal/task"
	"opsbot/internal/transport"
	"opsbot/pkg/logx"
)

// ErrTaskGone is returned by Store.TaskByID when the referenced task no
// longer exists; the worker then renders from the stored payload alone.
var ErrTaskGone = errors.New("task not found")

// Store is the durable queue surface the worker consumes. ClaimDue must
// atomically increment the attempt counter and take a visibility lease
// on each returned row, so a crash mid-send cannot loop without visible
// attempt growth and concurrent workers cannot claim the same row.
type Store interface {
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Notification, error)
	MarkSent(ctx context.Context, id int64, at time.Time, ref transport.MessageRef) error
	MarkRetry(ctx context.Context, id int64, retryAt time.Time, errText string) error
	MarkFailed(ctx context.Context, id int64, errText string) error
	LastSentRef(ctx context.Context, taskID, recipientID int64) (transport.MessageRef, bool, error)
	RecipientChatID(ctx context.Context, userID int64) (int64, bool, error)
	TaskByID(ctx context.Context, id int64) (*task.Task, error)
}

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	RetryBackoff time.Duration // linear: attempts * RetryBackoff
	ClaimLease   time.Duration
	ErrorMaxLen  int
}

func (c *WorkerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 30
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Minute
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = time.Minute
	}
	if c.ErrorMaxLen <= 0 {
		c.ErrorMaxLen = 2000
	}
}

// Worker is the single logical consumer of the notification queue. It
// polls for due rows, renders them against the current task state and
// delivers or edits messages. The wake-up signal only shortens idle
// latency; the poll tick is the correctness backstop.
type Worker struct {
	mu  sync.Mutex
	cfg WorkerConfig

	store    Store
	client   transport.Client
	renderer Renderer
	bus      eventbus.Bus
	log      logx.Logger

	now func() time.Time
}

func NewWorker(cfg WorkerConfig, st Store, client transport.Client, r Renderer, bus eventbus.Bus, log logx.Logger) *Worker {
	cfg.applyDefaults()
	if r == nil {
		r = TextRenderer{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		cfg:      cfg,
		store:    st,
		client:   client,
		renderer: r,
		bus:      bus,
		log:      log.With(logx.String("comp", "notify.worker")),
		now:      time.Now,
	}
}

// Apply swaps tunable settings at runtime. Safe for concurrent use.
func (w *Worker) Apply(cfg WorkerConfig) {
	cfg.applyDefaults()
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
}

func (w *Worker) config() WorkerConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Run loops until ctx is cancelled. Each cycle drains one batch of due
// rows, then sleeps until a wake-up signal or the poll interval,
// whichever fires first.
func (w *Worker) Run(ctx context.Context) error {
	var wake <-chan eventbus.Event
	if w.bus != nil {
		ch, unsub := w.bus.Subscribe(16)
		defer unsub()
		wake = ch
	}

	w.log.Info("delivery worker started", logx.Duration("poll", w.config().PollInterval))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := w.runCycle(ctx)
		if n > 0 {
			// More work may already be due; skip the wait.
			continue
		}

		timer := time.NewTimer(w.config().PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runCycle claims and processes one batch; returns the number of rows
// processed.
func (w *Worker) runCycle(ctx context.Context) int {
	cfg := w.config()
	now := w.now()

	rows, err := w.store.ClaimDue(ctx, now, cfg.BatchSize, cfg.ClaimLease)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("claim due notifications failed", logx.Err(err))
		}
		return 0
	}
	for i := range rows {
		if ctx.Err() != nil {
			// The visibility lease will expire and the row comes back.
			return i
		}
		w.deliver(ctx, &rows[i], now)
	}
	return len(rows)
}

func (w *Worker) deliver(ctx context.Context, n *Notification, now time.Time) {
	log := w.log.With(
		logx.Int64("notification", n.ID),
		logx.Int64("task", n.TaskID),
		logx.Int64("recipient", n.RecipientID),
		logx.String("type", string(n.Type)),
		logx.Int("attempt", n.Attempts),
	)

	chatID, found, err := w.store.RecipientChatID(ctx, n.RecipientID)
	if err != nil {
		w.recordFailure(ctx, n, now, fmt.Errorf("resolve recipient: %w", err), log)
		return
	}
	if !found || chatID == 0 {
		// Permanent: retrying cannot conjure a destination.
		w.markFailed(ctx, n, "no destination for recipient", log)
		return
	}

	payload, err := DecodePayload(n.Type, n.Payload)
	if err != nil {
		w.markFailed(ctx, n, truncateErr(err.Error(), w.config().ErrorMaxLen), log)
		return
	}

	// Render against the current task state, not the enqueue-time
	// snapshot; fall back to the payload if the task is gone.
	t, err := w.store.TaskByID(ctx, n.TaskID)
	if err != nil && !errors.Is(err, ErrTaskGone) {
		w.recordFailure(ctx, n, now, fmt.Errorf("load task: %w", err), log)
		return
	}

	text, opt := w.renderer.Render(t, n, payload)

	ref, err := w.send(ctx, n, payload, chatID, text, opt)
	if err != nil {
		w.recordFailure(ctx, n, now, err, log)
		return
	}

	if err := w.store.MarkSent(ctx, n.ID, w.now(), ref); err != nil {
		log.Error("mark sent failed", logx.Err(err))
		return
	}
	log.Debug("notification delivered", logx.Int64("chat", ref.ChatID), logx.Int("message", ref.MessageID))
}

// send applies the edit-vs-send rule: created notifications and
// return-to-rework status changes always produce a new message; all
// other types prefer editing the last delivered message for the same
// (task, recipient), falling back to a new message when the edit fails.
func (w *Worker) send(ctx context.Context, n *Notification, p Payload, chatID int64, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if !w.forcesNewMessage(n, p) {
		ref, ok, err := w.store.LastSentRef(ctx, n.TaskID, n.RecipientID)
		if err == nil && ok && !ref.IsZero() {
			if editErr := w.client.Edit(ctx, ref, text, opt); editErr == nil {
				return ref, nil
			}
			// Too old, deleted, or identical content: send fresh instead.
		}
	}
	return w.client.Send(ctx, chatID, text, opt)
}

func (w *Worker) forcesNewMessage(n *Notification, p Payload) bool {
	if n.Type == TypeCreated {
		return true
	}
	if p.StatusChanged != nil && p.StatusChanged.Action == ActionReturnToRework {
		return true
	}
	return false
}

// recordFailure handles a transient failure: schedule a linear-backoff
// retry while attempts remain under the ceiling, otherwise mark the row
// terminally failed.
func (w *Worker) recordFailure(ctx context.Context, n *Notification, now time.Time, cause error, log logx.Logger) {
	cfg := w.config()
	errText := truncateErr(cause.Error(), cfg.ErrorMaxLen)

	if n.Attempts < cfg.RetryMax {
		retryAt := now.Add(time.Duration(n.Attempts) * cfg.RetryBackoff)
		if err := w.store.MarkRetry(ctx, n.ID, retryAt, errText); err != nil {
			log.Error("mark retry failed", logx.Err(err))
			return
		}
		log.Warn("delivery failed, will retry", logx.Err(cause), logx.Time("retry_at", retryAt))
		return
	}
	w.markFailed(ctx, n, errText, log)
}

func (w *Worker) markFailed(ctx context.Context, n *Notification, errText string, log logx.Logger) {
	if err := w.store.MarkFailed(ctx, n.ID, errText); err != nil {
		log.Error("mark failed failed", logx.Err(err))
		return
	}
	log.Warn("notification failed terminally", logx.String("reason", errText))
}

func truncateErr(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
