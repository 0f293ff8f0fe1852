package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Poll controls the chapter poll cycle (schedule + per-cycle bounds).
	Poll PollConfig `json:"poll"`

	// Notify controls outbound notification delivery (rate limit + retry).
	Notify NotifyConfig `json:"notify,omitempty"`

	Storage StorageConfig `json:"storage"`
}

type TelegramConfig struct {
	// Token supports ${ENV_VAR} expansion so the secret can live in .env.
	Token string `json:"token"`

	// AnnounceChat is the chat id new-chapter notifications are posted to.
	AnnounceChat int64 `json:"announce_chat"`
	// AnnounceThread is an optional forum topic thread id (0 if none).
	AnnounceThread int `json:"announce_thread,omitempty"`

	// OwnerUserIDs restricts track/untrack to these users when non-empty.
	// An empty list means every chat member may manage sources.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m") for the
	// Telegram long-poll, not the chapter poll.
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// PollConfig controls when and how poll cycles run.
//
// Schedule accepts either a cron expression ("*/30 * * * *", "@hourly",
// "cron:0 9 * * *") or an interval ("30m", "interval:45m", "02:00" meaning
// every two hours). Durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - schedule: "30m"
//   - fetch_timeout: "30s"
//   - cycle_timeout: "5m"
//   - max_concurrent: 4
type PollConfig struct {
	Schedule      string `json:"schedule,omitempty"`
	FetchTimeout  string `json:"fetch_timeout,omitempty"`
	CycleTimeout  string `json:"cycle_timeout,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// NotifyConfig controls delivery of new-chapter notifications.
//
// All durations are Go duration strings.
// Defaults: rate_per_sec 1, retry_max 2, retry_base "500ms", retry_max_delay "5s".
type NotifyConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StorageConfig controls the tracked-source store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./mangabot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
