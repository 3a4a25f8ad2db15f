package config

import (
	"fmt"
	"os"
	"strings"

	"opsbot/internal/notify"
)

// ApplyEnv overlays secrets from the environment so they can stay out
// of the config file.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("OPSBOT_TELEGRAM_TOKEN")); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("OPSBOT_STORAGE_DSN")); v != "" {
		c.Storage.DSN = v
	}
}

// Validate checks the parts that would otherwise fail deep inside a
// subsystem at an awkward time.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}

	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.call_timeout", c.Telegram.CallTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"notify.poll_interval", c.Notify.PollInterval},
		{"notify.retry_backoff", c.Notify.RetryBackoff},
		{"notify.claim_lease", c.Notify.ClaimLease},
		{"reminders.due_within", c.Reminders.DueWithin},
		{"tasks.remind_cooldown", c.Tasks.RemindCooldown},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	w := c.Notify.Window
	if w.Start != "" || w.End != "" {
		if _, err := notify.NewWindow(w.Start, w.End, w.Timezone); err != nil {
			return fmt.Errorf("notify.window: %w", err)
		}
	}
	return nil
}

// DeliveryWindow builds the configured window, falling back to the
// operational default of 08:00-22:00 local time.
func (c *Config) DeliveryWindow() (notify.Window, error) {
	w := c.Notify.Window
	start, end, tz := w.Start, w.End, w.Timezone
	if start == "" && end == "" {
		start, end = "08:00", "22:00"
	}
	return notify.NewWindow(start, end, tz)
}
