package core

import (
	"time"

	"wafleet/internal/config"
	"wafleet/internal/protocol/meow"
	"wafleet/internal/server"
	"wafleet/internal/services/alerts"
	"wafleet/internal/services/broadcast"
	"wafleet/internal/services/pprof"
	"wafleet/internal/services/scheduler"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

// Mapping helpers translate the serialized config into per-service configs.
// Durations arrive as strings and are validated here, so mapping is also the
// reload-time guard against bad values.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := storage.Config{Driver: "sqlite", Path: "./wafleet.db"}
	if cfg.Storage == nil {
		return sc, nil
	}
	if cfg.Storage.Driver != "" {
		sc.Driver = cfg.Storage.Driver
	}
	if cfg.Storage.Path != "" {
		sc.Path = cfg.Storage.Path
	}
	bt, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	sc.BusyTimeout = bt
	return sc, nil
}

func mapManagerConfig(cfg *config.Config) (session.ManagerConfig, error) {
	settle, err := config.ParseDurationOrDefault("pairing.settle_delay", cfg.Pairing.SettleDelay, 3*time.Second)
	if err != nil {
		return session.ManagerConfig{}, err
	}
	boMin, err := config.ParseDurationOrDefault("pairing.retry_backoff_min", cfg.Pairing.RetryBackoffMin, 2*time.Second)
	if err != nil {
		return session.ManagerConfig{}, err
	}
	boMax, err := config.ParseDurationOrDefault("pairing.retry_backoff_max", cfg.Pairing.RetryBackoffMax, time.Minute)
	if err != nil {
		return session.ManagerConfig{}, err
	}
	return session.ManagerConfig{
		SettleDelay:     settle,
		RetryMax:        cfg.Pairing.RetryMax,
		RetryBackoffMin: boMin,
		RetryBackoffMax: boMax,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	delay, err := config.ParseDurationField("broadcast.default_delay", cfg.Broadcast.DefaultDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	ttl, err := config.ParseDurationField("broadcast.history_ttl", cfg.Broadcast.HistoryTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		RatePerSec:   cfg.Broadcast.RatePerSec,
		DefaultDelay: delay,
		HistoryMax:   cfg.Broadcast.HistoryMax,
		HistoryTTL:   ttl,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
	for _, j := range cfg.Scheduler.Jobs {
		delay, err := config.ParseDurationField("scheduler.jobs.delay", j.Delay)
		if err != nil {
			return scheduler.Config{}, err
		}
		sc.Jobs = append(sc.Jobs, scheduler.JobConfig{
			Name:     j.Name,
			Schedule: j.Schedule,
			Message:  j.Message,
			Targets:  j.Targets,
			Delay:    delay,
		})
	}
	return sc, nil
}

func mapAlertsConfig(cfg *config.Config) alerts.Config {
	if cfg.Alerts == nil {
		return alerts.Config{}
	}
	return alerts.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		ThreadID:   cfg.Alerts.ThreadID,
		RatePerSec: cfg.Alerts.RatePerSec,
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, 2*time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:         cfg.HTTP.Addr,
		Token:        cfg.HTTP.Token,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	rt, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	wt, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	it, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Addr:                 cfg.Pprof.Addr,
		Prefix:               cfg.Pprof.Prefix,
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		MemProfileRate:       cfg.Pprof.MemProfileRate,
	}, nil
}

func mapMeowConfig(cfg *config.Config) meow.Config {
	return meow.Config{
		StorePath:  cfg.WhatsApp.StorePath,
		DeviceName: cfg.WhatsApp.DeviceName,
	}
}
