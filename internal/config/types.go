package config

// Config is the whole bot configuration. JSON is the canonical format;
// YAML files are coerced to JSON before the strict decode.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`

	// OwnerUserIDs may use moderation commands.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level    string             `json:"level,omitempty"`
	Console  bool               `json:"console"`
	File     LogFileConfig      `json:"file,omitempty"`
	Telegram LogTelegramConfig  `json:"telegram,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer backing the timer store.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (requires the sqlite build tag)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig tunes the timer scheduler. All durations are Go duration
// strings; zero values keep the built-in defaults (30-day horizon, 120s
// short-timer cutoff, hourly keep-alive).
type SchedulerConfig struct {
	Horizon       string `json:"horizon,omitempty"`
	ShortCutoff   string `json:"short_cutoff,omitempty"`
	RearmInterval string `json:"rearm_interval,omitempty"`

	// Timezone is the default IANA zone for absolute time parsing when a
	// user has no stored preference, e.g. "Asia/Jakarta". Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}
