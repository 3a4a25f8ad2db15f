package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Notify    NotifyConfig    `json:"notify"`
	Reminders RemindersConfig `json:"reminders,omitempty"`
	Tasks     TasksConfig     `json:"tasks,omitempty"`
	Access    AccessConfig    `json:"access"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout and CallTimeout are Go duration strings (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the database. Driver is "sqlite" (default) or
// "postgres"; DSN is a file path for sqlite, a connection URL for
// postgres.
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifyConfig controls the delivery queue worker and the allowed
// delivery window.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
type NotifyConfig struct {
	Window       WindowConfig `json:"window"`
	PollInterval string       `json:"poll_interval,omitempty"`
	BatchSize    int          `json:"batch_size,omitempty"`
	RetryMax     int          `json:"retry_max,omitempty"`
	RetryBackoff string       `json:"retry_backoff,omitempty"`
	ClaimLease   string       `json:"claim_lease,omitempty"`
}

// WindowConfig bounds when notifications may be delivered, in the
// recipients' local time. Start/End are "HH:MM".
type WindowConfig struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// RemindersConfig controls the scheduled due-date reminder job.
type RemindersConfig struct {
	Enabled   bool   `json:"enabled"`
	Cron      string `json:"cron,omitempty"`       // cron expression, default "0 * * * *"
	DueWithin string `json:"due_within,omitempty"` // remind when due falls within this horizon
}

type TasksConfig struct {
	// RemindCooldown limits how often a manual reminder can be sent for
	// one task. Go duration string.
	RemindCooldown string `json:"remind_cooldown,omitempty"`
}

// AccessConfig lists privileged users. Admins and managers hold the
// same task permissions; the split exists for operator bookkeeping.
type AccessConfig struct {
	AdminIDs   []int64 `json:"admin_ids"`
	ManagerIDs []int64 `json:"manager_ids,omitempty"`
}
