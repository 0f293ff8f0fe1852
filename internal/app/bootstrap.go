package app

import (
	"fmt"
	"strings"
	"time"

	"mangabot/internal/config"
	"mangabot/internal/notify"
	"mangabot/internal/poll"
	"mangabot/internal/store"
	kit "mangabot/internal/transport"
)

// validateConfig is used both at startup and as the hot-reload gate: a config
// that fails here is rejected without touching the running services.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (supports ${ENV_VAR} expansion)")
	}
	if cfg.Telegram.AnnounceChat == 0 {
		return fmt.Errorf("telegram.announce_chat is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Poll.MaxConcurrent < 0 {
		return fmt.Errorf("poll.max_concurrent must be >= 0")
	}
	if _, err := mapPollConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapPollConfig(cfg *config.Config) (poll.Config, error) {
	schedule := strings.TrimSpace(cfg.Poll.Schedule)
	if schedule == "" {
		schedule = "30m"
	}
	if _, err := poll.ParseSchedule(schedule); err != nil {
		return poll.Config{}, fmt.Errorf("poll.schedule: %w", err)
	}

	fetchTimeout, err := config.ParseDurationOrDefault("poll.fetch_timeout", cfg.Poll.FetchTimeout, 30*time.Second)
	if err != nil {
		return poll.Config{}, err
	}
	cycleTimeout, err := config.ParseDurationOrDefault("poll.cycle_timeout", cfg.Poll.CycleTimeout, 5*time.Minute)
	if err != nil {
		return poll.Config{}, err
	}

	return poll.Config{
		Schedule:      schedule,
		FetchTimeout:  fetchTimeout,
		CycleTimeout:  cycleTimeout,
		MaxConcurrent: cfg.Poll.MaxConcurrent,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	retryBase, err := config.ParseDurationField("notify.retry_base", cfg.Notify.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	if cfg.Notify.RetryMax < 0 {
		return notify.Config{}, fmt.Errorf("notify.retry_max must be >= 0")
	}

	retryMax := cfg.Notify.RetryMax
	if retryMax == 0 {
		retryMax = 2
	}

	return notify.Config{
		Target: kit.ChatTarget{
			ChatID:   cfg.Telegram.AnnounceChat,
			ThreadID: cfg.Telegram.AnnounceThread,
		},
		RatePerSec:    cfg.Notify.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return store.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}
