package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Pairing  PairingConfig  `json:"pairing"`

	Broadcast BroadcastConfig `json:"broadcast"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Alerts  *AlertsConfig  `json:"alerts,omitempty"`
	Pprof   PprofConfig    `json:"pprof,omitempty"`
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

// HTTPConfig controls the control-plane API server.
//
// Token, when set, is required as a Bearer token on every /api/ request.
// All timeouts are Go duration strings (e.g. "10s", "1m").
type HTTPConfig struct {
	Addr  string `json:"addr"`            // default: "127.0.0.1:8192"
	Token string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // default 0: SSE streams stay open
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// WhatsAppConfig controls the device store and client identity.
type WhatsAppConfig struct {
	// StorePath is the sqlite database holding device key material.
	// Default: "./wafleet_devices.db".
	StorePath string `json:"store_path,omitempty"`
	// DeviceName is shown on the phone in Linked Devices.
	DeviceName string `json:"device_name,omitempty"`
}

// PairingConfig controls the link lifecycle.
//
// SettleDelay is how long to wait after a connection attempt starts before
// asking the server for a pairing code. All durations are Go duration strings.
type PairingConfig struct {
	SettleDelay string `json:"settle_delay,omitempty"` // default "3s"

	// RetryMax caps reconnect attempts per session; 0 means unlimited.
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBackoffMin string `json:"retry_backoff_min,omitempty"` // default "2s"
	RetryBackoffMax string `json:"retry_backoff_max,omitempty"` // default "1m"
}

type BroadcastConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 10

	// DefaultDelay is the pause after each send when a request doesn't
	// specify one. Go duration string.
	DefaultDelay string `json:"default_delay,omitempty"`

	HistoryMax int    `json:"history_max,omitempty"` // finished jobs kept for status queries
	HistoryTTL string `json:"history_ttl,omitempty"`
}

// SchedulerConfig declares recurring broadcasts.
type SchedulerConfig struct {
	Enabled  bool           `json:"enabled"`
	Timezone string         `json:"timezone,omitempty"`
	Jobs     []SchedulerJob `json:"jobs,omitempty"`
}

// SchedulerJob is one recurring broadcast.
//
// Schedule accepts a cron expression ("0 9 * * *", "@daily"), an interval
// ("interval:4h", "every:30m") or a bare Go duration ("45m").
type SchedulerJob struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Message  string   `json:"message"`
	Targets  []string `json:"targets"`
	Delay    string   `json:"delay,omitempty"` // per-send pause, Go duration string
}

// StorageConfig controls the credential/audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wafleet.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AlertsConfig controls the operator Telegram sink.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
