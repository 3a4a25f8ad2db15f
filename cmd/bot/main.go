package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"opsbot/internal/bot"
	"opsbot/internal/config"
	"opsbot/internal/eventbus"
	"opsbot/internal/notify"
	"opsbot/internal/remind"
	"opsbot/internal/store"
	"opsbot/internal/taskflow"
	"opsbot/internal/transport/telegram"
	"opsbot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath, logx.Nop())
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()

	bus := eventbus.New()

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, bus, log)
	if err != nil {
		return err
	}
	defer st.Close()

	callTimeout, _ := config.ParseDurationOrDefault("telegram.call_timeout", cfg.Telegram.CallTimeout, 10*time.Second)
	client, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		RatePerSec:  cfg.Telegram.RatePerSec,
		CallTimeout: callTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("telegram client: %w", err)
	}

	window, err := cfg.DeliveryWindow()
	if err != nil {
		return err
	}
	sched := notify.NewScheduler(window)

	workerCfg, err := workerConfig(cfg)
	if err != nil {
		return err
	}
	worker := notify.NewWorker(workerCfg, st, client, notify.TextRenderer{}, bus, log)

	remindCooldown, _ := config.ParseDurationOrDefault("tasks.remind_cooldown", cfg.Tasks.RemindCooldown, 10*time.Minute)
	flow := taskflow.New(st, sched, remindCooldown, log)

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	inbound, err := bot.New(bot.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		AdminIDs:    cfg.Access.AdminIDs,
		ManagerIDs:  cfg.Access.ManagerIDs,
	}, flow, st, log)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		inbound.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := st.Listen(ctx, cfg.Storage.DSN); err != nil && ctx.Err() == nil {
			log.Error("wake listener stopped", logx.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	// Apply hot-reloadable settings: log level and worker tunables.
	updates := mgr.Subscribe(1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-updates:
				if next == nil {
					continue
				}
				logSvc.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
				})
				if wc, err := workerConfig(next); err == nil {
					worker.Apply(wc)
				} else {
					log.Warn("worker settings rejected", logx.Err(err))
				}
				if w, err := next.DeliveryWindow(); err == nil {
					sched.SetWindow(w)
				} else {
					log.Warn("delivery window rejected", logx.Err(err))
				}
			}
		}
	}()

	var reminder *remind.Service
	if cfg.Reminders.Enabled {
		dueWithin, _ := config.ParseDurationOrDefault("reminders.due_within", cfg.Reminders.DueWithin, 24*time.Hour)
		reminder = remind.New(remind.Config{
			Spec:      cfg.Reminders.Cron,
			DueWithin: dueWithin,
			Timezone:  cfg.Notify.Window.Timezone,
		}, st, sched, log)
		if err := reminder.Start(ctx); err != nil {
			return err
		}
	}

	daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("opsbot started", logx.String("config", cfgPath))

	<-ctx.Done()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	if reminder != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		reminder.Stop(stopCtx)
		stopCancel()
	}
	wg.Wait()
	return nil
}

func workerConfig(cfg *config.Config) (notify.WorkerConfig, error) {
	poll, err := config.ParseDurationOrDefault("notify.poll_interval", cfg.Notify.PollInterval, 20*time.Second)
	if err != nil {
		return notify.WorkerConfig{}, err
	}
	backoff, err := config.ParseDurationOrDefault("notify.retry_backoff", cfg.Notify.RetryBackoff, 2*time.Minute)
	if err != nil {
		return notify.WorkerConfig{}, err
	}
	lease, err := config.ParseDurationOrDefault("notify.claim_lease", cfg.Notify.ClaimLease, time.Minute)
	if err != nil {
		return notify.WorkerConfig{}, err
	}
	return notify.WorkerConfig{
		PollInterval: poll,
		BatchSize:    cfg.Notify.BatchSize,
		RetryMax:     cfg.Notify.RetryMax,
		RetryBackoff: backoff,
		ClaimLease:   lease,
	}, nil
}
