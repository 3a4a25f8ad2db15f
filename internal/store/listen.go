package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"opsbot/internal/eventbus"
	"opsbot/pkg/logx"
)

// Listen blocks on a postgres LISTEN loop, republishing wake
// notifications from other instances onto the in-process bus. It
// reconnects with backoff until ctx is done. On sqlite it returns
// immediately: the in-process bus already covers the only instance.
func (s *Store) Listen(ctx context.Context, dsn string) error {
	if s.dialect != DriverPostgres {
		return nil
	}
	backoff := time.Second
	for {
		err := s.listenOnce(ctx, dsn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("listen connection lost, reconnecting", logx.Err(err), logx.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+wakeChannel); err != nil {
		return err
	}
	s.log.Debug("listening for wake notifications", logx.String("channel", wakeChannel))
	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyWake, Time: time.Now()})
		}
	}
}
