package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

type Config struct {
	// RatePerSec caps outbound sends across all jobs, on top of the
	// per-target delay. <=0 falls back to 10.
	RatePerSec int
	// DefaultDelay is used when a dispatch request carries no delay.
	DefaultDelay time.Duration
	// HistoryMax / HistoryTTL bound in-memory job retention.
	HistoryMax int
	HistoryTTL time.Duration
}

// JobStatus is the collected outcome of one broadcast run.
type JobStatus struct {
	ID        string        `json:"id"`
	Total     int           `json:"total"`
	Done      int           `json:"done"`
	Failed    int           `json:"failed"`
	Sessions  []string      `json:"sessions"`
	Delay     time.Duration `json:"delay"`
	CreatedAt time.Time     `json:"created_at"`
	StartedAt time.Time     `json:"started_at"`
	DoneAt    time.Time     `json:"done_at"`
	Running   bool          `json:"running"`
	Canceled  bool          `json:"canceled"`
}

type jobState struct {
	status JobStatus
	cancel context.CancelFunc
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	dir *session.Directory
	log logx.Logger

	limiter   *rate.Limiter
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	jobsMu sync.RWMutex
	jobs   map[string]*jobState

	// OnDone, when set, receives the final status of every job. Used to
	// raise operator alerts for runs that finished with failures.
	OnDone func(JobStatus)
}
