package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate performs static checks that do not require any running service.
// Service-specific hooks (e.g. schedule expressions) are layered on top by
// the app's config validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		switch strings.ToLower(lvl) {
		case "trace", "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
		}
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"pairing.settle_delay", cfg.Pairing.SettleDelay},
		{"pairing.retry_backoff_min", cfg.Pairing.RetryBackoffMin},
		{"pairing.retry_backoff_max", cfg.Pairing.RetryBackoffMax},
		{"broadcast.default_delay", cfg.Broadcast.DefaultDelay},
		{"broadcast.history_ttl", cfg.Broadcast.HistoryTTL},
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct {
			path string
			raw  string
		}{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Pairing.RetryMax < 0 {
		return fmt.Errorf("pairing.retry_max: must be >= 0")
	}
	if cfg.Broadcast.RatePerSec < 0 {
		return fmt.Errorf("broadcast.rate_per_sec: must be >= 0")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "sqlite", "sqlite3", "file":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}

	if cfg.Alerts != nil && cfg.Alerts.Enabled && strings.TrimSpace(cfg.Alerts.Token) == "" {
		return fmt.Errorf("alerts.token: required when alerts.enabled is true")
	}

	if cfg.Scheduler.Enabled {
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: %w", err)
			}
		}
		for i, j := range cfg.Scheduler.Jobs {
			if strings.TrimSpace(j.Name) == "" {
				return fmt.Errorf("scheduler.jobs[%d].name: required", i)
			}
			if strings.TrimSpace(j.Schedule) == "" {
				return fmt.Errorf("scheduler.jobs[%d].schedule: required", i)
			}
			if strings.TrimSpace(j.Message) == "" {
				return fmt.Errorf("scheduler.jobs[%d].message: required", i)
			}
			if len(j.Targets) == 0 {
				return fmt.Errorf("scheduler.jobs[%d].targets: required", i)
			}
			if _, err := ParseDurationField(fmt.Sprintf("scheduler.jobs[%d].delay", i), j.Delay); err != nil {
				return err
			}
		}
	}

	return nil
}
